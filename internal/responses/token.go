package responses

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/tokens"
	"lds.li/grantidp/internal/validation"
)

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "Bearer"

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken   string `json:"access_token"`
	IdentityToken string `json:"id_token,omitzero"`
	RefreshToken  string `json:"refresh_token,omitzero"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int    `json:"expires_in"`
	Scope         string `json:"scope,omitzero"`
}

// CreateTokenResponse issues the tokens for a successfully validated token
// request.
func (g *Generator) CreateTokenResponse(ctx context.Context, req *validation.TokenRequest) (*TokenResponse, error) {
	if req == nil || req.Client == nil || req.Resources == nil {
		return nil, fmt.Errorf("token response needs a validated request: %w", model.ErrInvalidArgument)
	}
	switch req.GrantType {
	case model.GrantTypeClientCredentials:
		return g.clientCredentialsResponse(ctx, req)
	case model.GrantTypeAuthorizationCode:
		if req.AuthorizationCode == nil {
			return nil, fmt.Errorf("authorization code grant without a code: %w", model.ErrInvalidArgument)
		}
		code := req.AuthorizationCode
		return g.userTokenResponse(ctx, req, code.IsOpenID, code.Nonce)
	case model.GrantTypeDeviceCode:
		if req.DeviceCode == nil {
			return nil, fmt.Errorf("device code grant without a device code: %w", model.ErrInvalidArgument)
		}
		return g.userTokenResponse(ctx, req, req.DeviceCode.IsOpenID, "")
	case model.GrantTypeRefreshToken:
		return g.refreshTokenResponse(ctx, req)
	default:
		return nil, fmt.Errorf("grant type %q: %w", req.GrantType, model.ErrInvalidArgument)
	}
}

func (g *Generator) clientCredentialsResponse(ctx context.Context, req *validation.TokenRequest) (*TokenResponse, error) {
	at, compact, err := g.accessToken(ctx, &tokens.CreationRequest{
		Client:       req.Client,
		Resources:    req.Resources,
		Confirmation: req.Confirmation,
	})
	if err != nil {
		return nil, err
	}
	return newTokenResponse(compact, at, req.Resources), nil
}

// userTokenResponse serves the grants that carry an end user: authorization
// code and device code.
func (g *Generator) userTokenResponse(ctx context.Context, req *validation.TokenRequest, openID bool, nonce string) (*TokenResponse, error) {
	if req.Subject == nil {
		return nil, fmt.Errorf("%s grant without a subject: %w", req.GrantType, model.ErrInvalidArgument)
	}
	subject := *req.Subject
	if subject.SessionID == "" {
		subject.SessionID = req.SessionID
	}

	at, compact, err := g.accessToken(ctx, &tokens.CreationRequest{
		Subject:      &subject,
		Client:       req.Client,
		Resources:    req.Resources,
		Confirmation: req.Confirmation,
	})
	if err != nil {
		return nil, err
	}
	resp := newTokenResponse(compact, at, req.Resources)

	if req.Resources.Resources.OfflineAccess {
		resp.RefreshToken, err = g.refresh.CreateRefreshToken(ctx, subject, at, req.Client)
		if err != nil {
			return nil, fmt.Errorf("create refresh token: %w", err)
		}
	}
	if openID {
		resp.IdentityToken, err = g.identityToken(ctx, &tokens.CreationRequest{
			Subject:           &subject,
			Client:            req.Client,
			Resources:         req.Resources,
			Nonce:             nonce,
			AccessTokenToHash: compact,
		})
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// refreshTokenResponse re-issues the access token from the stored refresh
// token and rolls the refresh token per the client's usage settings. The
// stored access token is reused unless the client asks for fresh claims.
func (g *Generator) refreshTokenResponse(ctx context.Context, req *validation.TokenRequest) (*TokenResponse, error) {
	rt := req.RefreshToken
	if rt == nil || req.RefreshTokenHandle == "" {
		return nil, fmt.Errorf("refresh token grant without a refresh token: %w", model.ErrInvalidArgument)
	}
	client := req.Client
	subject := rt.Subject

	var at *model.Token
	if client.UpdateAccessTokenClaimsOnRefresh {
		var err error
		at, err = g.tokens.CreateAccessToken(ctx, &tokens.CreationRequest{
			Subject:      &subject,
			Client:       client,
			Resources:    req.Resources,
			Confirmation: req.Confirmation,
		})
		if err != nil {
			return nil, fmt.Errorf("create access token: %w", err)
		}
	} else {
		copied := rt.AccessToken
		copied.CreationTime = g.now()
		copied.Lifetime = client.AccessTokenLifetime
		copied.AccessTokenType = client.AccessTokenType
		copied.Claims = withScopes(rt.AccessToken.Claims, req.Resources.RawScopeValues())
		at = &copied
	}
	compact, err := g.tokens.CreateSecurityToken(ctx, at)
	if err != nil {
		return nil, fmt.Errorf("serialize access token: %w", err)
	}

	if client.UpdateAccessTokenClaimsOnRefresh {
		rt.AccessToken = *at
	}
	handle, err := g.refresh.UpdateRefreshToken(ctx, req.RefreshTokenHandle, rt, client)
	if err != nil {
		return nil, fmt.Errorf("update refresh token: %w", err)
	}

	resp := newTokenResponse(compact, at, req.Resources)
	resp.RefreshToken = handle
	if slices.ContainsFunc(req.Resources.Resources.IdentityResources, func(ir model.IdentityResource) bool {
		return ir.Name == model.ScopeOpenID
	}) {
		resp.IdentityToken, err = g.identityToken(ctx, &tokens.CreationRequest{
			Subject:           &subject,
			Client:            client,
			Resources:         req.Resources,
			AccessTokenToHash: compact,
		})
		if err != nil {
			return nil, err
		}
	}
	g.logger.DebugContext(ctx, "refresh token redeemed", "client_id", client.ClientID, "sub", subject.SubjectID, "rolled", handle != req.RefreshTokenHandle)
	return resp, nil
}

func (g *Generator) accessToken(ctx context.Context, req *tokens.CreationRequest) (*model.Token, string, error) {
	at, err := g.tokens.CreateAccessToken(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("create access token: %w", err)
	}
	compact, err := g.tokens.CreateSecurityToken(ctx, at)
	if err != nil {
		return nil, "", fmt.Errorf("serialize access token: %w", err)
	}
	return at, compact, nil
}

func (g *Generator) identityToken(ctx context.Context, req *tokens.CreationRequest) (string, error) {
	it, err := g.tokens.CreateIdentityToken(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create identity token: %w", err)
	}
	compact, err := g.tokens.CreateSecurityToken(ctx, it)
	if err != nil {
		return "", fmt.Errorf("serialize identity token: %w", err)
	}
	return compact, nil
}

func newTokenResponse(compact string, at *model.Token, res *model.ResourceValidationResult) *TokenResponse {
	return &TokenResponse{
		AccessToken: compact,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int(at.Lifetime.Seconds()),
		Scope:       strings.Join(res.RawScopeValues(), " "),
	}
}

// withScopes replaces the scope claims in claims with one per scope.
func withScopes(claims []model.Claim, scopes []string) []model.Claim {
	out := slices.DeleteFunc(slices.Clone(claims), func(c model.Claim) bool {
		return c.Type == model.ClaimScope
	})
	for _, s := range scopes {
		out = append(out, model.NewClaim(model.ClaimScope, s))
	}
	return out
}
