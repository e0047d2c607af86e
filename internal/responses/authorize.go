package responses

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/tokens"
	"lds.li/grantidp/internal/validation"
)

// AuthorizeResponse is the result of an authorization request, returned to
// the client through its redirect URI. Either Error is set or some of the
// code and tokens are.
type AuthorizeResponse struct {
	RedirectURI  string
	ResponseMode string

	Code                string
	AccessToken         string
	AccessTokenLifetime int
	IdentityToken       string
	Scope               string
	State               string

	Error            string
	ErrorDescription string
}

// IsError reports if the response carries an error.
func (r *AuthorizeResponse) IsError() bool {
	return r.Error != ""
}

// Parameters returns the values sent to the client.
func (r *AuthorizeResponse) Parameters() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	if r.IsError() {
		set("error", r.Error)
		set("error_description", r.ErrorDescription)
		set("state", r.State)
		return v
	}
	set("code", r.Code)
	set("id_token", r.IdentityToken)
	if r.AccessToken != "" {
		v.Set("access_token", r.AccessToken)
		v.Set("token_type", TokenTypeBearer)
		v.Set("expires_in", strconv.Itoa(r.AccessTokenLifetime))
	}
	set("scope", r.Scope)
	set("state", r.State)
	return v
}

// RedirectURL encodes the parameters into the redirect URI, in the query for
// the query response mode and in the fragment otherwise. form_post responses
// are rendered by the caller from Parameters.
func (r *AuthorizeResponse) RedirectURL() (string, error) {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("parse redirect uri: %w", err)
	}
	params := r.Parameters()
	if r.ResponseMode == validation.ResponseModeQuery {
		q := u.Query()
		for k, vs := range params {
			q[k] = vs
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String() + "#" + params.Encode(), nil
}

// NewAuthorizeErrorResponse returns the error response for a failed
// authorization request, or nil if the redirect URI was never validated and
// the error has to be shown to the user instead.
func NewAuthorizeErrorResponse(req *validation.AuthorizeRequest, code, description string) *AuthorizeResponse {
	if req == nil || req.RedirectURI == "" {
		return nil
	}
	mode := req.ResponseMode
	if mode == "" {
		mode = validation.ResponseModeQuery
	}
	return &AuthorizeResponse{
		RedirectURI:      req.RedirectURI,
		ResponseMode:     mode,
		State:            req.State,
		Error:            code,
		ErrorDescription: description,
	}
}

// CreateAuthorizeResponse issues the code and tokens for a validated
// authorization request with a signed in subject. consentShown is recorded on
// issued codes.
func (g *Generator) CreateAuthorizeResponse(ctx context.Context, req *validation.AuthorizeRequest, consentShown bool) (*AuthorizeResponse, error) {
	if req == nil || req.Client == nil || req.Resources == nil || req.RedirectURI == "" {
		return nil, fmt.Errorf("authorize response needs a validated request: %w", model.ErrInvalidArgument)
	}
	if req.Subject == nil {
		return nil, fmt.Errorf("authorize response needs a subject: %w", model.ErrInvalidArgument)
	}
	resp := &AuthorizeResponse{
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		State:        req.State,
		Scope:        strings.Join(req.Resources.RawScopeValues(), " "),
	}
	subject := *req.Subject
	if subject.SessionID == "" {
		subject.SessionID = req.SessionID
	}

	if req.ContainsResponseType(validation.ResponseTypeCode) {
		code := &model.AuthorizationCode{
			CreationTime:        g.now(),
			Lifetime:            req.Client.AuthorizationCodeLifetime,
			ClientID:            req.Client.ClientID,
			Subject:             subject,
			SessionID:           subject.SessionID,
			IsOpenID:            req.IsOpenIDRequest,
			RequestedScopes:     req.Resources.RawScopeValues(),
			RedirectURI:         req.RedirectURI,
			Nonce:               req.Nonce,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			WasConsentShown:     consentShown,
		}
		if req.State != "" {
			code.StateHash = cryptoutil.Sha256(req.State)
		}
		handle, err := g.codes.StoreAuthorizationCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("store authorization code: %w", err)
		}
		resp.Code = handle
	}

	if req.ContainsResponseType(validation.ResponseTypeToken) {
		at, compact, err := g.accessToken(ctx, &tokens.CreationRequest{
			Subject:   &subject,
			Client:    req.Client,
			Resources: req.Resources,
		})
		if err != nil {
			return nil, err
		}
		resp.AccessToken = compact
		resp.AccessTokenLifetime = int(at.Lifetime.Seconds())
	}

	if req.ContainsResponseType(validation.ResponseTypeIDToken) {
		idReq := &tokens.CreationRequest{
			Subject:                  &subject,
			Client:                   req.Client,
			Resources:                req.Resources,
			Nonce:                    req.Nonce,
			IncludeAllIdentityClaims: resp.AccessToken == "",
			AccessTokenToHash:        resp.AccessToken,
			AuthorizationCode:        resp.Code,
		}
		// s_hash is only defined for hybrid responses.
		if resp.Code != "" {
			idReq.State = req.State
		}
		var err error
		resp.IdentityToken, err = g.identityToken(ctx, idReq)
		if err != nil {
			return nil, err
		}
	}

	g.logger.DebugContext(ctx, "authorize response issued", "client_id", req.Client.ClientID, "sub", subject.SubjectID, "response_type", req.ResponseType)
	return resp, nil
}
