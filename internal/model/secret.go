package model

import "time"

// Stored secret types.
const (
	SecretTypeSharedSecret   = "SharedSecret"
	SecretTypeX509Thumbprint = "X509Thumbprint"
	SecretTypeX509Name       = "X509Name"
	SecretTypeJSONWebKey     = "JWK"
)

// Parsed secret types, describing how the client presented its credential.
const (
	ParsedSecretTypeNoSecret        = "NoSecret"
	ParsedSecretTypeSharedSecret    = "SharedSecret"
	ParsedSecretTypeJWTBearer       = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ParsedSecretTypeX509Certificate = "X509Certificate"
)

// Secret is a credential stored for a client or API resource. Shared secrets
// hold the base64 SHA-256 or SHA-512 hash of the plaintext.
type Secret struct {
	Description string     `json:"description,omitzero"`
	Value       string     `json:"value"`
	Expiration  *time.Time `json:"expiration,omitzero"`
	Type        string     `json:"type"`
}

// Expired reports whether the secret has an expiration before now.
func (s *Secret) Expired(now time.Time) bool {
	return s.Expiration != nil && s.Expiration.Before(now)
}

// ParsedSecret is the credential a client presented on a request.
type ParsedSecret struct {
	// ID is the client identifier the credential was presented for.
	ID string
	// Credential is the presented value. A string for shared secrets and JWT
	// assertions, an *x509.Certificate for mutual TLS.
	Credential any
	// Type is one of the ParsedSecretType constants.
	Type string
	// Properties carries parser specific values, e.g. the raw assertion type.
	Properties map[string]string
}

// SecretValidationResult is the outcome of validating a ParsedSecret.
type SecretValidationResult struct {
	Success bool
	// Confirmation is a JSON cnf value binding issued tokens to the presented
	// credential, for example a certificate thumbprint.
	Confirmation     string
	Error            string
	ErrorDescription string
}
