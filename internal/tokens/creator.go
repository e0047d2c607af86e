// Package tokens creates and validates access, identity and logout tokens.
package tokens

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tink-crypto/tink-go/v2/jwt"
	"lds.li/grantidp/internal/keys"
	"lds.li/grantidp/internal/model"
)

// Header typ values.
const (
	DefaultAccessTokenJWTType = "at+jwt"
	IdentityTokenJWTType      = "JWT"
	LogoutTokenJWTType        = "logout+jwt"
)

// Options configure token creation and validation.
type Options struct {
	// AccessTokenJWTType is the typ header of JWT access tokens.
	AccessTokenJWTType string
	// EmitScopesAsSpaceDelimitedString writes the scope claim as a single
	// string instead of an array.
	EmitScopesAsSpaceDelimitedString bool
	// MaxJWTLength rejects longer tokens before any parsing.
	MaxJWTLength int
	// MaxReferenceTokenLength rejects longer reference handles.
	MaxReferenceTokenLength int
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	AccessTokenJWTType:      DefaultAccessTokenJWTType,
	MaxJWTLength:            50000,
	MaxReferenceTokenLength: 100,
}

func (o Options) withDefaults() Options {
	if o.AccessTokenJWTType == "" {
		o.AccessTokenJWTType = DefaultOptions.AccessTokenJWTType
	}
	if o.MaxJWTLength == 0 {
		o.MaxJWTLength = DefaultOptions.MaxJWTLength
	}
	if o.MaxReferenceTokenLength == 0 {
		o.MaxReferenceTokenLength = DefaultOptions.MaxReferenceTokenLength
	}
	return o
}

// registeredClaims are carried in the JWT registered fields, never as custom
// claims.
var registeredClaims = []string{
	model.ClaimIssuer, model.ClaimSubject, model.ClaimJWTID, model.ClaimAudience,
	model.ClaimExpiration, model.ClaimNotBefore, model.ClaimIssuedAt,
}

// Creator serializes tokens into signed JWTs.
type Creator struct {
	keys keys.Material
	opts Options
}

func NewCreator(km keys.Material, opts Options) *Creator {
	return &Creator{keys: km, opts: opts.withDefaults()}
}

// SigningAlgorithm picks the algorithm a token is signed with: the first of
// allowed that has a key, or the preferred key when allowed is empty. It
// fails with ErrInvalidOperation when no key can be used.
func (c *Creator) SigningAlgorithm(allowed []string) (string, error) {
	supported := c.keys.SupportedAlgorithms()
	if len(supported) == 0 {
		return "", fmt.Errorf("no signing credential is configured: %w", model.ErrInvalidOperation)
	}
	if len(allowed) == 0 {
		return supported[0], nil
	}
	for _, alg := range allowed {
		if slices.Contains(supported, alg) {
			return alg, nil
		}
	}
	return "", fmt.Errorf("no signing credential for algorithms %v: %w", allowed, model.ErrInvalidOperation)
}

// CreateToken signs token as a JWT.
func (c *Creator) CreateToken(token *model.Token) (string, error) {
	alg, err := c.SigningAlgorithm(token.AllowedSigningAlgorithms)
	if err != nil {
		return "", err
	}
	raw, err := c.rawJWT(token)
	if err != nil {
		return "", err
	}
	compact, err := c.keys.SignAndEncodeForAlgorithm(alg, raw)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", token.Type, err)
	}
	return compact, nil
}

func (c *Creator) typeHeader(token *model.Token) string {
	switch token.Type {
	case model.TokenTypeAccessToken:
		return c.opts.AccessTokenJWTType
	case model.TokenTypeLogoutToken:
		return LogoutTokenJWTType
	default:
		return IdentityTokenJWTType
	}
}

func (c *Creator) rawJWT(token *model.Token) (*jwt.RawJWT, error) {
	iat := token.CreationTime
	exp := token.Expiration()
	typ := c.typeHeader(token)
	opts := &jwt.RawJWTOptions{
		TypeHeader: &typ,
		IssuedAt:   &iat,
		NotBefore:  &iat,
		ExpiresAt:  &exp,
	}
	if token.Issuer != "" {
		opts.Issuer = &token.Issuer
	}
	switch len(token.Audiences) {
	case 0:
	case 1:
		opts.Audience = &token.Audiences[0]
	default:
		opts.Audiences = token.Audiences
	}
	if sub := model.FindClaimValue(token.Claims, model.ClaimSubject); sub != "" {
		opts.Subject = &sub
	}
	if jti := model.FindClaimValue(token.Claims, model.ClaimJWTID); jti != "" {
		opts.JWTID = &jti
	}

	custom, err := c.customClaims(token)
	if err != nil {
		return nil, err
	}
	if len(custom) > 0 {
		opts.CustomClaims = custom
	}

	raw, err := jwt.NewRawJWT(opts)
	if err != nil {
		return nil, fmt.Errorf("build %s payload: %w", token.Type, err)
	}
	return raw, nil
}

func (c *Creator) customClaims(token *model.Token) (map[string]any, error) {
	var (
		rest   []model.Claim
		scopes []any
	)
	for _, cl := range token.Claims {
		switch {
		case slices.Contains(registeredClaims, cl.Type):
		case cl.Type == model.ClaimScope:
			scopes = append(scopes, cl.Value)
		default:
			rest = append(rest, cl)
		}
	}

	custom := model.ClaimsToMap(rest)
	if token.ClientID != "" {
		if _, ok := custom[model.ClaimClientID]; !ok {
			custom[model.ClaimClientID] = token.ClientID
		}
	}
	if len(scopes) > 0 {
		if c.opts.EmitScopesAsSpaceDelimitedString {
			strs := make([]string, 0, len(scopes))
			for _, s := range scopes {
				strs = append(strs, s.(string))
			}
			custom[model.ClaimScope] = strings.Join(strs, " ")
		} else {
			custom[model.ClaimScope] = scopes
		}
	}
	if token.Confirmation != "" {
		var cnf map[string]any
		if err := json.Unmarshal([]byte(token.Confirmation), &cnf); err != nil {
			return nil, fmt.Errorf("confirmation is not a JSON object: %w", model.ErrInvalidArgument)
		}
		custom[model.ClaimConfirmation] = cnf
	}
	return custom, nil
}
