package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/keys"
	"lds.li/grantidp/internal/model"
)

// ClientStore looks up clients referenced by tokens.
type ClientStore interface {
	// FindEnabledClientByID returns the client, or nil if it does not
	// exist or is disabled.
	FindEnabledClientByID(ctx context.Context, clientID string) (*model.Client, error)
}

// ValidationResult is the outcome of validating a token. Any failure of the
// token itself is reported as invalid_token without detail.
type ValidationResult struct {
	IsError          bool
	Error            string
	ErrorDescription string

	Claims []model.Claim
	Client *model.Client
	// JWT is the validated compact token, empty for reference tokens.
	JWT            string
	ReferenceToken *model.Token
	RefreshToken   *model.RefreshToken
}

// SubjectID returns the sub claim of the validated token.
func (r *ValidationResult) SubjectID() string {
	return model.FindClaimValue(r.Claims, model.ClaimSubject)
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Issuer          string
	Keys            keys.Material
	ReferenceTokens *grants.ReferenceTokenStore
	Clients         ClientStore
	Profile         ProfileService
	Options         Options
	Logger          *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Validator validates access and identity tokens issued by this server.
type Validator struct {
	issuer    string
	keys      keys.Material
	reference *grants.ReferenceTokenStore
	clients   ClientStore
	profile   ProfileService
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Issuer == "" || cfg.Keys == nil || cfg.ReferenceTokens == nil || cfg.Clients == nil || cfg.Profile == nil {
		return nil, fmt.Errorf("token validator needs issuer, keys, reference tokens, clients and profile: %w", model.ErrInvalidArgument)
	}
	v := &Validator{
		issuer:    cfg.Issuer,
		keys:      cfg.Keys,
		reference: cfg.ReferenceTokens,
		clients:   cfg.Clients,
		profile:   cfg.Profile,
		opts:      cfg.Options.withDefaults(),
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if v.logger == nil {
		v.logger = slog.New(slog.DiscardHandler)
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v, nil
}

// errInvalidToken marks a token that failed validation. It is never returned
// to callers, only logged.
var errInvalidToken = errors.New("invalid token")

func (v *Validator) invalid(ctx context.Context, typ string, cause error) *ValidationResult {
	v.logger.InfoContext(ctx, "token validation failed", "type", typ, "err", cause)
	tokenValidations.WithLabelValues(typ, "invalid").Inc()
	return &ValidationResult{IsError: true, Error: model.ErrorInvalidToken}
}

// ValidateAccessToken validates a JWT or reference access token. When
// expectedScope is set the token must carry it, otherwise the result is
// insufficient_scope.
func (v *Validator) ValidateAccessToken(ctx context.Context, token, expectedScope string) (*ValidationResult, error) {
	const typ = model.TokenTypeAccessToken

	var (
		res *ValidationResult
		err error
	)
	if strings.Contains(token, ".") {
		if len(token) > v.opts.MaxJWTLength {
			return v.invalid(ctx, typ, fmt.Errorf("jwt exceeds %d characters: %w", v.opts.MaxJWTLength, errInvalidToken)), nil
		}
		res, err = v.validateJWTAccessToken(ctx, token)
	} else {
		if len(token) > v.opts.MaxReferenceTokenLength {
			return v.invalid(ctx, typ, fmt.Errorf("reference token exceeds %d characters: %w", v.opts.MaxReferenceTokenLength, errInvalidToken)), nil
		}
		res, err = v.validateReferenceAccessToken(ctx, token)
	}
	if err != nil {
		if errors.Is(err, errInvalidToken) {
			return v.invalid(ctx, typ, err), nil
		}
		return nil, err
	}

	res.Claims = splitScopes(res.Claims)

	if expectedScope != "" && !slices.Contains(model.FindClaimValues(res.Claims, model.ClaimScope), expectedScope) {
		v.logger.InfoContext(ctx, "access token lacks scope", "scope", expectedScope, "client_id", res.Client.ClientID)
		tokenValidations.WithLabelValues(typ, "insufficient_scope").Inc()
		return &ValidationResult{IsError: true, Error: model.ErrorInsufficientScope}, nil
	}

	if sub := res.SubjectID(); sub != "" {
		active, err := v.profile.IsActive(ctx, &model.IsActiveRequest{
			Subject: model.Subject{SubjectID: sub, SessionID: model.FindClaimValue(res.Claims, model.ClaimSessionID)},
			Client:  res.Client,
			Caller:  "AccessTokenValidation",
		})
		if err != nil {
			return nil, fmt.Errorf("check subject active: %w", err)
		}
		if !active {
			return v.invalid(ctx, typ, fmt.Errorf("subject %s is not active: %w", sub, errInvalidToken)), nil
		}
	}

	tokenValidations.WithLabelValues(typ, "valid").Inc()
	return res, nil
}

func (v *Validator) validateJWTAccessToken(ctx context.Context, token string) (*ValidationResult, error) {
	jwtType := v.opts.AccessTokenJWTType
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{
		ExpectedIssuer:     &v.issuer,
		ExpectedTypeHeader: &jwtType,
		IgnoreAudiences:    true,
		FixedNow:           v.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("create access token validator: %w", err)
	}
	verified, err := v.keys.VerifyAndDecode(token, validator)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w: %w", errInvalidToken, err)
	}
	claims, err := verifiedClaims(verified)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidToken, err)
	}
	clientID := model.FindClaimValue(claims, model.ClaimClientID)
	if clientID == "" {
		return nil, fmt.Errorf("access token has no client_id: %w", errInvalidToken)
	}
	client, err := v.clients.FindEnabledClientByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("find client %s: %w", clientID, err)
	}
	if client == nil {
		return nil, fmt.Errorf("access token client %s unknown or disabled: %w", clientID, errInvalidToken)
	}
	return &ValidationResult{Claims: claims, Client: client, JWT: token}, nil
}

func (v *Validator) validateReferenceAccessToken(ctx context.Context, handle string) (*ValidationResult, error) {
	token, err := v.reference.GetReferenceToken(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("get reference token: %w", err)
	}
	if token == nil {
		return nil, fmt.Errorf("reference token not found: %w", errInvalidToken)
	}
	if token.ClientID == "" {
		return nil, fmt.Errorf("reference token has no client: %w", errInvalidToken)
	}
	client, err := v.clients.FindEnabledClientByID(ctx, token.ClientID)
	if err != nil {
		return nil, fmt.Errorf("find client %s: %w", token.ClientID, err)
	}
	if client == nil {
		return nil, fmt.Errorf("reference token client %s unknown or disabled: %w", token.ClientID, errInvalidToken)
	}
	if token.Expired(v.now()) {
		if err := v.reference.RemoveReferenceToken(ctx, handle); err != nil {
			return nil, fmt.Errorf("remove expired reference token: %w", err)
		}
		return nil, fmt.Errorf("reference token expired: %w", errInvalidToken)
	}
	return &ValidationResult{Claims: referenceTokenClaims(token), Client: client, ReferenceToken: token}, nil
}

// referenceTokenClaims returns the claims a JWT for token would carry.
func referenceTokenClaims(token *model.Token) []model.Claim {
	claims := []model.Claim{
		model.NewClaim(model.ClaimIssuer, token.Issuer),
		{Type: model.ClaimIssuedAt, Value: fmt.Sprint(token.CreationTime.Unix()), ValueType: model.ClaimValueTypeInteger64},
		{Type: model.ClaimNotBefore, Value: fmt.Sprint(token.CreationTime.Unix()), ValueType: model.ClaimValueTypeInteger64},
		{Type: model.ClaimExpiration, Value: fmt.Sprint(token.Expiration().Unix()), ValueType: model.ClaimValueTypeInteger64},
	}
	for _, aud := range token.Audiences {
		claims = append(claims, model.NewClaim(model.ClaimAudience, aud))
	}
	return append(claims, token.Claims...)
}

// ValidateIdentityToken validates an identity token issued to clientID. An
// empty clientID is taken from the token's audience. Lifetime checks are
// skipped when validateLifetime is false, e.g. for id_token_hint.
func (v *Validator) ValidateIdentityToken(ctx context.Context, token, clientID string, validateLifetime bool) (*ValidationResult, error) {
	const typ = model.TokenTypeIdentityToken

	if len(token) > v.opts.MaxJWTLength {
		return v.invalid(ctx, typ, fmt.Errorf("jwt exceeds %d characters: %w", v.opts.MaxJWTLength, errInvalidToken)), nil
	}

	unverified, err := parseUnverified(token)
	if err != nil {
		return v.invalid(ctx, typ, err), nil
	}
	if clientID == "" {
		aud, err := unverified.GetAudience()
		if err != nil || len(aud) == 0 {
			return v.invalid(ctx, typ, fmt.Errorf("no audience to find client: %w", errInvalidToken)), nil
		}
		clientID = aud[0]
	}
	client, err := v.clients.FindEnabledClientByID(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("find client %s: %w", clientID, err)
	}
	if client == nil {
		return v.invalid(ctx, typ, fmt.Errorf("client %s unknown or disabled: %w", clientID, errInvalidToken)), nil
	}

	now := v.now()
	if !validateLifetime {
		if now, err = lifetimeAnchor(unverified); err != nil {
			return v.invalid(ctx, typ, err), nil
		}
	}
	validator, err := jwt.NewValidator(&jwt.ValidatorOpts{
		ExpectedIssuer:   &v.issuer,
		ExpectedAudience: &client.ClientID,
		IgnoreTypeHeader: true,
		FixedNow:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("create identity token validator: %w", err)
	}
	verified, err := v.keys.VerifyAndDecode(token, validator)
	if err != nil {
		return v.invalid(ctx, typ, fmt.Errorf("verify identity token: %w", err)), nil
	}
	claims, err := verifiedClaims(verified)
	if err != nil {
		return v.invalid(ctx, typ, err), nil
	}

	tokenValidations.WithLabelValues(typ, "valid").Inc()
	return &ValidationResult{Claims: claims, Client: client, JWT: token}, nil
}

func parseUnverified(token string) (jwtv5.MapClaims, error) {
	claims := jwtv5.MapClaims{}
	if _, _, err := jwtv5.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w: %w", errInvalidToken, err)
	}
	return claims, nil
}

// lifetimeAnchor returns a point in time inside the token's validity window,
// so an expired token can still be checked for everything else.
func lifetimeAnchor(claims jwtv5.MapClaims) (time.Time, error) {
	for _, get := range []func() (*jwtv5.NumericDate, error){claims.GetNotBefore, claims.GetIssuedAt} {
		if d, err := get(); err == nil && d != nil {
			return d.Time, nil
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		return exp.Add(-time.Second), nil
	}
	return time.Time{}, fmt.Errorf("token has no lifetime claims: %w", errInvalidToken)
}
