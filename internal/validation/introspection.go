package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"lds.li/grantidp/internal/model"
)

// IntrospectionRequest is a validated introspection request. An inactive
// token is not an error.
type IntrospectionRequest struct {
	API      *model.APIResource
	Token    string
	IsActive bool
	// Claims of an active token, restricted to scopes the API owns.
	Claims []model.Claim
	Client *model.Client
}

// IntrospectionResult is the outcome of validating an introspection
// request.
type IntrospectionResult struct {
	Result
	Request *IntrospectionRequest
}

// IntrospectionRequestValidator validates requests from API resources to
// the introspection endpoint.
type IntrospectionRequestValidator struct {
	AccessTokens AccessTokenValidator
	Logger       *slog.Logger
}

func (v *IntrospectionRequestValidator) Validate(ctx context.Context, params url.Values, api *model.APIResource) (*IntrospectionResult, error) {
	if params == nil || api == nil {
		return nil, fmt.Errorf("introspection needs parameters and an authenticated api: %w", model.ErrInvalidArgument)
	}
	log := discardIfNil(v.Logger)
	req := &IntrospectionRequest{API: api}
	res := &IntrospectionResult{Result: newResult(), Request: req}
	defer observe(ctx, log, "introspection", &res.Result)

	req.Token = params.Get("token")
	if req.Token == "" {
		res.setError(model.ErrorInvalidRequest, "token is missing")
		return res, nil
	}
	// From here on a bad token is reported as inactive, not as an error.
	res.setSuccess()

	tr, err := v.AccessTokens.ValidateAccessToken(ctx, req.Token, "")
	if err != nil {
		return nil, fmt.Errorf("validate access token: %w", err)
	}
	if tr.IsError {
		return res, nil
	}

	// The API only sees tokens issued for one of its scopes, and only those
	// scopes.
	var claims []model.Claim
	var owned bool
	for _, c := range tr.Claims {
		if c.Type != model.ClaimScope {
			claims = append(claims, c)
			continue
		}
		if slices.Contains(api.Scopes, c.Value) {
			owned = true
			claims = append(claims, c)
		}
	}
	if !owned {
		log.InfoContext(ctx, "api introspected a token for scopes it does not own", "api", api.Name)
		return res, nil
	}
	req.IsActive = true
	req.Claims = claims
	req.Client = tr.Client
	return res, nil
}
