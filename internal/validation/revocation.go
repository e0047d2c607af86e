package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/secrets"
)

// Token type hints accepted by revocation and introspection.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// RevocationRequest is a validated token revocation request.
type RevocationRequest struct {
	Client        *model.Client
	Token         string
	TokenTypeHint string
}

// RevocationResult is the outcome of validating a revocation request.
type RevocationResult struct {
	Result
	Request *RevocationRequest
}

// RevocationRequestValidator validates requests to the revocation endpoint.
type RevocationRequestValidator struct {
	Lengths InputLengths
	Logger  *slog.Logger
}

func (v *RevocationRequestValidator) Validate(ctx context.Context, params url.Values, client *secrets.ClientResult) (*RevocationResult, error) {
	if params == nil || client == nil || client.Client == nil {
		return nil, fmt.Errorf("revocation needs parameters and an authenticated client: %w", model.ErrInvalidArgument)
	}
	lengths := v.Lengths.withDefaults()
	res := &RevocationResult{Result: newResult(), Request: &RevocationRequest{Client: client.Client}}
	defer observe(ctx, discardIfNil(v.Logger), "revocation", &res.Result)

	token := params.Get("token")
	if token == "" {
		res.setError(model.ErrorInvalidRequest, "token is missing")
		return res, nil
	}
	if len(token) > max(lengths.TokenHandle, lengths.RefreshToken, lengths.JWT) {
		res.setError(model.ErrorInvalidRequest, "token is too long")
		return res, nil
	}
	res.Request.Token = token

	switch hint := params.Get("token_type_hint"); hint {
	case "", TokenTypeHintAccessToken, TokenTypeHintRefreshToken:
		res.Request.TokenTypeHint = hint
	default:
		res.setError(model.ErrorUnsupportedTokenType, "")
		return res, nil
	}
	res.setSuccess()
	return res, nil
}
