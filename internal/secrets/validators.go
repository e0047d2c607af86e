package secrets

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/model"
)

// Validator checks a parsed credential against stored secrets. Validators
// that do not handle the parsed secret's type return an unsuccessful result.
// Errors are reserved for misuse and infrastructure failures.
type Validator interface {
	Validate(ctx context.Context, secrets []model.Secret, parsed *model.ParsedSecret) (*model.SecretValidationResult, error)
}

var failed = &model.SecretValidationResult{Success: false}

func checkArgs(secrets []model.Secret, parsed *model.ParsedSecret) error {
	if secrets == nil {
		return fmt.Errorf("nil secrets: %w", model.ErrInvalidArgument)
	}
	if parsed == nil {
		return fmt.Errorf("nil parsed secret: %w", model.ErrInvalidArgument)
	}
	return nil
}

// HashedSharedSecretValidator validates shared secrets against stored
// SHA-256 or SHA-512 hashes, base64 encoded.
type HashedSharedSecretValidator struct {
	Logger *slog.Logger
}

func (v HashedSharedSecretValidator) Validate(ctx context.Context, secrets []model.Secret, parsed *model.ParsedSecret) (*model.SecretValidationResult, error) {
	if err := checkArgs(secrets, parsed); err != nil {
		return nil, err
	}
	if parsed.Type != model.ParsedSecretTypeSharedSecret {
		return failed, nil
	}
	credential, ok := parsed.Credential.(string)
	if !ok || credential == "" {
		return nil, fmt.Errorf("shared secret for client %s has no credential: %w", parsed.ID, model.ErrInvalidArgument)
	}

	sha256Sum := cryptoutil.Sha256Bytes(credential)
	sha512Sum := cryptoutil.Sha512Bytes(credential)

	for _, s := range secrets {
		if s.Type != model.SecretTypeSharedSecret {
			continue
		}
		stored, err := base64.StdEncoding.DecodeString(s.Value)
		if err != nil {
			logger(v.Logger).WarnContext(ctx, "stored shared secret is not base64", "client_id", parsed.ID, "description", s.Description)
			continue
		}
		var candidate []byte
		switch len(stored) {
		case len(sha256Sum):
			candidate = sha256Sum
		case len(sha512Sum):
			candidate = sha512Sum
		default:
			logger(v.Logger).WarnContext(ctx, "stored shared secret has unexpected length", "client_id", parsed.ID, "length", len(stored))
			continue
		}
		if subtle.ConstantTimeCompare(stored, candidate) == 1 {
			return &model.SecretValidationResult{Success: true}, nil
		}
	}
	return failed, nil
}

// X509ThumbprintValidator matches the client certificate's SHA-1 thumbprint
// against stored thumbprints.
type X509ThumbprintValidator struct{}

func (X509ThumbprintValidator) Validate(_ context.Context, secrets []model.Secret, parsed *model.ParsedSecret) (*model.SecretValidationResult, error) {
	if err := checkArgs(secrets, parsed); err != nil {
		return nil, err
	}
	cert, ok := parsed.Credential.(*x509.Certificate)
	if parsed.Type != model.ParsedSecretTypeX509Certificate || !ok || cert == nil {
		return failed, nil
	}
	thumbprint := certThumbprint(cert)
	for _, s := range secrets {
		if s.Type != model.SecretTypeX509Thumbprint {
			continue
		}
		stored, err := hex.DecodeString(strings.ReplaceAll(s.Value, ":", ""))
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(stored, thumbprint) == 1 {
			return certConfirmation(cert), nil
		}
	}
	return failed, nil
}

// X509NameValidator matches the client certificate's subject distinguished
// name against stored names. Certificates without a subject never match.
type X509NameValidator struct{}

func (X509NameValidator) Validate(_ context.Context, secrets []model.Secret, parsed *model.ParsedSecret) (*model.SecretValidationResult, error) {
	if err := checkArgs(secrets, parsed); err != nil {
		return nil, err
	}
	cert, ok := parsed.Credential.(*x509.Certificate)
	if parsed.Type != model.ParsedSecretTypeX509Certificate || !ok || cert == nil {
		return failed, nil
	}
	name := cert.Subject.String()
	if name == "" {
		return failed, nil
	}
	for _, s := range secrets {
		if s.Type == model.SecretTypeX509Name && s.Value == name {
			return certConfirmation(cert), nil
		}
	}
	return failed, nil
}

func certThumbprint(cert *x509.Certificate) []byte {
	sum := sha1.Sum(cert.Raw)
	return sum[:]
}

// certConfirmation binds tokens to the certificate, RFC 8705.
func certConfirmation(cert *x509.Certificate) *model.SecretValidationResult {
	sum := sha256.Sum256(cert.Raw)
	return &model.SecretValidationResult{
		Success:      true,
		Confirmation: fmt.Sprintf(`{"x5t#S256":%q}`, base64.RawURLEncoding.EncodeToString(sum[:])),
	}
}

// ValidateAll runs validators in order against the unexpired secrets and
// returns the first success. Expired secrets never validate.
func ValidateAll(ctx context.Context, validators []Validator, secrets []model.Secret, parsed *model.ParsedSecret, now time.Time) (*model.SecretValidationResult, error) {
	if err := checkArgs(secrets, parsed); err != nil {
		return nil, err
	}
	current := make([]model.Secret, 0, len(secrets))
	for _, s := range secrets {
		if !s.Expired(now) {
			current = append(current, s)
		}
	}
	if len(current) == 0 {
		return failed, nil
	}
	for _, v := range validators {
		res, err := v.Validate(ctx, current, parsed)
		if err != nil {
			return nil, err
		}
		if res.Success {
			return res, nil
		}
	}
	return failed, nil
}
