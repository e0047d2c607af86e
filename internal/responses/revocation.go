package responses

import (
	"context"
	"fmt"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/validation"
)

// RevocationResponse reports what a revocation request did. The endpoint
// answers 200 whatever happened, so this is only informative.
type RevocationResponse struct {
	TokenType string
	Success   bool
}

// Revoke removes the refresh or reference token in req when it belongs to the
// requesting client. A revoked refresh token takes the reference tokens of
// the same subject and client with it. JWT access tokens can not be revoked
// and are ignored.
func (g *Generator) Revoke(ctx context.Context, req *validation.RevocationRequest) (*RevocationResponse, error) {
	if req == nil || req.Client == nil || req.Token == "" {
		return nil, fmt.Errorf("revocation needs a validated request: %w", model.ErrInvalidArgument)
	}

	tryRefresh := func() (bool, error) { return g.revokeRefreshToken(ctx, req) }
	tryReference := func() (bool, error) { return g.revokeReferenceToken(ctx, req) }
	order := []func() (bool, error){tryReference, tryRefresh}
	types := []string{model.TokenTypeAccessToken, model.TokenTypeRefreshToken}
	if req.TokenTypeHint == validation.TokenTypeHintRefreshToken {
		order = []func() (bool, error){tryRefresh, tryReference}
		types = []string{model.TokenTypeRefreshToken, model.TokenTypeAccessToken}
	}

	for i, try := range order {
		ok, err := try()
		if err != nil {
			return nil, err
		}
		if ok {
			return &RevocationResponse{TokenType: types[i], Success: true}, nil
		}
	}
	g.logger.DebugContext(ctx, "nothing to revoke", "client_id", req.Client.ClientID)
	return &RevocationResponse{}, nil
}

func (g *Generator) revokeRefreshToken(ctx context.Context, req *validation.RevocationRequest) (bool, error) {
	rt, err := g.rtStore.GetRefreshToken(ctx, req.Token)
	if err != nil {
		return false, fmt.Errorf("get refresh token: %w", err)
	}
	if rt == nil {
		return false, nil
	}
	if rt.ClientID() != req.Client.ClientID {
		g.logger.WarnContext(ctx, "client tried to revoke a refresh token it does not own", "client_id", req.Client.ClientID)
		return false, nil
	}
	if err := g.rtStore.RemoveRefreshToken(ctx, req.Token); err != nil {
		return false, fmt.Errorf("remove refresh token: %w", err)
	}
	if sub := rt.Subject.SubjectID; sub != "" {
		if err := g.reference.RemoveReferenceTokens(ctx, sub, req.Client.ClientID); err != nil {
			return false, fmt.Errorf("remove reference tokens: %w", err)
		}
	}
	g.logger.InfoContext(ctx, "refresh token revoked", "client_id", req.Client.ClientID, "sub", rt.Subject.SubjectID)
	return true, nil
}

func (g *Generator) revokeReferenceToken(ctx context.Context, req *validation.RevocationRequest) (bool, error) {
	tok, err := g.reference.GetReferenceToken(ctx, req.Token)
	if err != nil {
		return false, fmt.Errorf("get reference token: %w", err)
	}
	if tok == nil {
		return false, nil
	}
	if tok.ClientID != req.Client.ClientID {
		g.logger.WarnContext(ctx, "client tried to revoke a reference token it does not own", "client_id", req.Client.ClientID)
		return false, nil
	}
	if err := g.reference.RemoveReferenceToken(ctx, req.Token); err != nil {
		return false, fmt.Errorf("remove reference token: %w", err)
	}
	g.logger.InfoContext(ctx, "reference token revoked", "client_id", req.Client.ClientID, "sub", tok.SubjectID())
	return true, nil
}
