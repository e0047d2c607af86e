package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"lds.li/grantidp/internal/model"
)

// assertionAlgorithms are the signature algorithms accepted on client
// assertions.
var assertionAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// PrivateKeyJWTValidator validates private_key_jwt client assertions against
// the client's JSON Web Key secrets. Each assertion is accepted once.
type PrivateKeyJWTValidator struct {
	// Audience is the token endpoint URL assertions must be addressed to.
	Audience string
	Replay   ReplayCache
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// Leeway is the allowed clock skew.
	Leeway time.Duration
}

func (v *PrivateKeyJWTValidator) Validate(ctx context.Context, secrets []model.Secret, parsed *model.ParsedSecret) (*model.SecretValidationResult, error) {
	if err := checkArgs(secrets, parsed); err != nil {
		return nil, err
	}
	if parsed.Type != model.ParsedSecretTypeJWTBearer {
		return failed, nil
	}
	assertion, ok := parsed.Credential.(string)
	if !ok || assertion == "" {
		return nil, fmt.Errorf("client assertion for %s has no credential: %w", parsed.ID, model.ErrInvalidArgument)
	}
	if v.Replay == nil || v.Audience == "" {
		return nil, fmt.Errorf("private key jwt validator needs a replay cache and audience: %w", model.ErrInvalidOperation)
	}
	log := logger(v.Logger).With("client_id", parsed.ID)

	keys := jsonWebKeys(ctx, log, secrets)
	if len(keys) == 0 {
		log.DebugContext(ctx, "client has no usable json web keys")
		return failed, nil
	}

	tok, err := josejwt.ParseSigned(assertion, assertionAlgorithms)
	if err != nil {
		log.InfoContext(ctx, "client assertion is malformed", "err", err)
		return failed, nil
	}

	var claims josejwt.Claims
	verified := false
	for _, k := range keys {
		if err := tok.Claims(k.Key, &claims); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		log.InfoContext(ctx, "client assertion signature does not match any key")
		return failed, nil
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if err := claims.ValidateWithLeeway(josejwt.Expected{
		Issuer:      parsed.ID,
		Subject:     parsed.ID,
		AnyAudience: josejwt.Audience{v.Audience},
		Time:        now,
	}, v.Leeway); err != nil {
		log.InfoContext(ctx, "client assertion claims rejected", "err", err)
		return failed, nil
	}
	if claims.ID == "" || claims.Expiry == nil {
		log.InfoContext(ctx, "client assertion lacks jti or exp")
		return failed, nil
	}

	fresh, err := v.Replay.Add(ctx, replayPurposeClientAssertion, claims.ID+v.Audience, claims.Expiry.Time())
	if err != nil {
		return nil, fmt.Errorf("record client assertion: %w", err)
	}
	if !fresh {
		log.WarnContext(ctx, "client assertion replayed", "jti", claims.ID)
		return failed, nil
	}
	return &model.SecretValidationResult{Success: true}, nil
}

func jsonWebKeys(ctx context.Context, log *slog.Logger, secrets []model.Secret) []jose.JSONWebKey {
	var keys []jose.JSONWebKey
	for _, s := range secrets {
		if s.Type != model.SecretTypeJSONWebKey {
			continue
		}
		var k jose.JSONWebKey
		if err := json.Unmarshal([]byte(s.Value), &k); err != nil {
			log.WarnContext(ctx, "stored json web key is invalid", "description", s.Description, "err", err)
			continue
		}
		if !k.Valid() || !k.IsPublic() {
			log.WarnContext(ctx, "stored json web key is not a valid public key", "description", s.Description)
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// ParseJSONWebKey checks that value is a public JSON Web Key usable as a
// client secret.
func ParseJSONWebKey(value string) error {
	var k jose.JSONWebKey
	if err := json.Unmarshal([]byte(value), &k); err != nil {
		return fmt.Errorf("parse json web key: %w", err)
	}
	if !k.Valid() {
		return errors.New("json web key is not valid")
	}
	if !k.IsPublic() {
		return errors.New("json web key must be a public key")
	}
	return nil
}
