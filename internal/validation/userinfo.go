package validation

import (
	"context"
	"fmt"
	"log/slog"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/tokens"
)

// AccessTokenValidator validates access tokens.
type AccessTokenValidator interface {
	ValidateAccessToken(ctx context.Context, token, expectedScope string) (*tokens.ValidationResult, error)
}

// UserInfoResult is the outcome of validating a userinfo request.
type UserInfoResult struct {
	Result
	Token   *tokens.ValidationResult
	Subject string
}

// UserInfoRequestValidator checks the access token presented to the
// userinfo endpoint.
type UserInfoRequestValidator struct {
	AccessTokens AccessTokenValidator
	Logger       *slog.Logger
}

// Validate requires a valid access token with the openid scope and a
// subject.
func (v *UserInfoRequestValidator) Validate(ctx context.Context, accessToken string) (*UserInfoResult, error) {
	res := &UserInfoResult{Result: newResult()}
	defer observe(ctx, discardIfNil(v.Logger), "userinfo", &res.Result)

	if accessToken == "" {
		res.setError(model.ErrorInvalidToken, "")
		return res, nil
	}
	tr, err := v.AccessTokens.ValidateAccessToken(ctx, accessToken, model.ScopeOpenID)
	if err != nil {
		return nil, fmt.Errorf("validate access token: %w", err)
	}
	if tr.IsError {
		res.setError(tr.Error, "")
		return res, nil
	}
	sub := tr.SubjectID()
	if sub == "" {
		res.setError(model.ErrorInvalidToken, "token has no subject")
		return res, nil
	}
	res.Token = tr
	res.Subject = sub
	res.setSuccess()
	return res, nil
}
