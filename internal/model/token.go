package model

import (
	"time"
)

// Token types.
const (
	TokenTypeAccessToken   = "access_token"
	TokenTypeIdentityToken = "id_token"
	TokenTypeLogoutToken   = "logout_token"
	TokenTypeRefreshToken  = "refresh_token"
)

// Standard claim types used by the token service.
const (
	ClaimSubject          = "sub"
	ClaimSessionID        = "sid"
	ClaimClientID         = "client_id"
	ClaimScope            = "scope"
	ClaimAuthTime         = "auth_time"
	ClaimIdentityProvider = "idp"
	ClaimAuthMethods      = "amr"
	ClaimJWTID            = "jti"
	ClaimIssuer           = "iss"
	ClaimAudience         = "aud"
	ClaimExpiration       = "exp"
	ClaimNotBefore        = "nbf"
	ClaimIssuedAt         = "iat"
	ClaimNonce            = "nonce"
	ClaimAccessTokenHash  = "at_hash"
	ClaimCodeHash         = "c_hash"
	ClaimStateHash        = "s_hash"
	ClaimConfirmation     = "cnf"
	ClaimEvents           = "events"
)

// Token is an access, identity or logout token before it is serialized.
type Token struct {
	Type string `json:"type"`
	// AllowedSigningAlgorithms restricts the algorithms the token may be
	// signed with. Empty means any available algorithm.
	AllowedSigningAlgorithms []string        `json:"allowedSigningAlgorithms,omitzero"`
	AccessTokenType          AccessTokenType `json:"accessTokenType,omitzero"`
	ClientID                 string          `json:"clientId,omitzero"`
	Issuer                   string          `json:"issuer,omitzero"`
	Audiences                []string        `json:"audiences,omitzero"`
	CreationTime             time.Time       `json:"creationTime"`
	Lifetime                 time.Duration   `json:"lifetime"`
	Confirmation             string          `json:"confirmation,omitzero"`
	Description              string          `json:"description,omitzero"`
	IncludeJWTID             bool            `json:"includeJwtId,omitzero"`
	Version                  int             `json:"version"`
	Claims                   []Claim         `json:"claims,omitzero"`
}

// Expiration is CreationTime plus Lifetime.
func (t *Token) Expiration() time.Time {
	return t.CreationTime.Add(t.Lifetime)
}

// Expired reports if the token lifetime has elapsed at now.
func (t *Token) Expired(now time.Time) bool {
	return t.Expiration().Before(now)
}

// SubjectID returns the value of the sub claim, if any.
func (t *Token) SubjectID() string {
	return FindClaimValue(t.Claims, ClaimSubject)
}

// SessionID returns the value of the sid claim, if any.
func (t *Token) SessionID() string {
	return FindClaimValue(t.Claims, ClaimSessionID)
}

// Scopes returns the values of all scope claims.
func (t *Token) Scopes() []string {
	return FindClaimValues(t.Claims, ClaimScope)
}
