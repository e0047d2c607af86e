package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/tokens"
)

// Response types, in the normalized order code, id_token, token.
const (
	ResponseTypeCode             = "code"
	ResponseTypeToken            = "token"
	ResponseTypeIDToken          = "id_token"
	ResponseTypeIDTokenToken     = "id_token token"
	ResponseTypeCodeIDToken      = "code id_token"
	ResponseTypeCodeToken        = "code token"
	ResponseTypeCodeIDTokenToken = "code id_token token"
)

var responseTypeGrantTypes = map[string]string{
	ResponseTypeCode:             model.GrantTypeAuthorizationCode,
	ResponseTypeToken:            model.GrantTypeImplicit,
	ResponseTypeIDToken:          model.GrantTypeImplicit,
	ResponseTypeIDTokenToken:     model.GrantTypeImplicit,
	ResponseTypeCodeIDToken:      model.GrantTypeHybrid,
	ResponseTypeCodeToken:        model.GrantTypeHybrid,
	ResponseTypeCodeIDTokenToken: model.GrantTypeHybrid,
}

// Response modes.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"
)

// Prompt values.
const (
	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

var knownPrompts = []string{PromptNone, PromptLogin, PromptConsent, PromptSelectAccount}

// IdentityTokenValidator validates identity tokens presented as hints.
type IdentityTokenValidator interface {
	ValidateIdentityToken(ctx context.Context, token, clientID string, validateLifetime bool) (*tokens.ValidationResult, error)
}

// AuthorizeRequest is a validated authorization request. RedirectURI is only
// set once it has been checked against the client, so an error result with
// an empty RedirectURI must not be redirected.
type AuthorizeRequest struct {
	Raw          url.Values
	ClientID     string
	Client       *model.Client
	RedirectURI  string
	ResponseType string
	ResponseMode string
	GrantType    string
	State        string

	RequestedScopes      []string
	Resources            *model.ResourceValidationResult
	IsOpenIDRequest      bool
	IsAPIResourceRequest bool

	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	PromptModes         []string
	// MaxAge is nil when not requested.
	MaxAge            *time.Duration
	LoginHint         string
	UILocales         string
	AcrValues         []string
	IDTokenHint       string
	IDTokenHintClaims []model.Claim

	// Subject is the authenticated user, nil when nobody is signed in.
	Subject   *model.Subject
	SessionID string
}

// ContainsResponseType reports if t is one of the requested response types.
func (r *AuthorizeRequest) ContainsResponseType(t string) bool {
	return slices.Contains(strings.Fields(r.ResponseType), t)
}

// AuthorizeResult is the outcome of validating an authorization request.
type AuthorizeResult struct {
	Result
	Request *AuthorizeRequest
}

// AuthorizeRequestValidator validates requests to the authorization
// endpoint.
type AuthorizeRequestValidator struct {
	Clients   ClientStore
	Resources ResourceValidator
	// IdentityTokens validates id_token_hint. Hints are rejected when nil.
	IdentityTokens IdentityTokenValidator
	Lengths        InputLengths
	Logger         *slog.Logger
}

// Validate checks params. subject is the currently authenticated user, or
// nil.
func (v *AuthorizeRequestValidator) Validate(ctx context.Context, params url.Values, subject *model.Subject) (*AuthorizeResult, error) {
	if params == nil {
		return nil, fmt.Errorf("authorize parameters are nil: %w", model.ErrInvalidArgument)
	}
	res, err := v.validate(ctx, params, subject)
	if err != nil {
		return nil, err
	}
	observe(ctx, discardIfNil(v.Logger), "authorize", &res.Result)
	return res, nil
}

func (v *AuthorizeRequestValidator) validate(ctx context.Context, params url.Values, subject *model.Subject) (*AuthorizeResult, error) {
	lengths := v.Lengths.withDefaults()
	req := &AuthorizeRequest{Raw: params, Subject: subject}
	if subject != nil {
		req.SessionID = subject.SessionID
	}
	res := &AuthorizeResult{Result: newResult(), Request: req}
	fail := func(code, desc string) (*AuthorizeResult, error) {
		res.setError(code, desc)
		return res, nil
	}

	// Client and redirect URI come first. Until both check out, errors are
	// shown to the user rather than redirected.
	req.ClientID = params.Get("client_id")
	if req.ClientID == "" {
		return fail(model.ErrorInvalidRequest, "client_id is missing")
	}
	if len(req.ClientID) > lengths.ClientID {
		return fail(model.ErrorInvalidRequest, "client_id is too long")
	}
	redirectURI := params.Get("redirect_uri")
	if len(redirectURI) > lengths.RedirectURI {
		return fail(model.ErrorInvalidRequest, "redirect_uri is too long")
	}
	if redirectURI != "" {
		if u, err := url.Parse(redirectURI); err != nil || !u.IsAbs() {
			return fail(model.ErrorInvalidRequest, "malformed redirect_uri")
		}
	}

	client, err := v.Clients.FindEnabledClientByID(ctx, req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("find client %s: %w", req.ClientID, err)
	}
	if client == nil {
		return fail(model.ErrorUnauthorizedClient, "unknown client or client not enabled")
	}
	if client.ProtocolType != model.ProtocolTypeOIDC {
		return fail(model.ErrorUnauthorizedClient, "invalid protocol")
	}
	req.Client = client

	switch {
	case redirectURI == "" && len(client.RedirectURIs) == 1:
		redirectURI = client.RedirectURIs[0]
	case redirectURI == "":
		return fail(model.ErrorInvalidRequest, "redirect_uri is missing")
	case !slices.Contains(client.RedirectURIs, redirectURI):
		return fail(model.ErrorInvalidRequest, "invalid redirect_uri")
	}
	req.RedirectURI = redirectURI

	req.State = params.Get("state")
	if len(req.State) > lengths.State {
		req.State = ""
		return fail(model.ErrorInvalidRequest, "state is too long")
	}

	if params.Has("request") {
		return fail(model.ErrorRequestNotSupported, "request objects are not supported")
	}
	if params.Has("request_uri") {
		return fail(model.ErrorRequestURINotSupported, "request_uri is not supported")
	}

	if r := v.validateResponseType(req, params); r != nil {
		return fail(r.Error, r.ErrorDescription)
	}
	if r := v.validatePKCE(req, params, lengths); r != nil {
		return fail(r.Error, r.ErrorDescription)
	}
	if r, err := v.validateScopes(ctx, req, params, lengths); err != nil || r != nil {
		if err != nil {
			return nil, err
		}
		return fail(r.Error, r.ErrorDescription)
	}
	if r := v.validateOptional(req, params, lengths); r != nil {
		return fail(r.Error, r.ErrorDescription)
	}
	if r, err := v.validateIDTokenHint(ctx, req, params); err != nil || r != nil {
		if err != nil {
			return nil, err
		}
		return fail(r.Error, r.ErrorDescription)
	}
	res.setSuccess()
	return res, nil
}

// normalizeResponseType orders the space separated values as code,
// id_token, token.
func normalizeResponseType(rt string) string {
	order := []string{ResponseTypeCode, ResponseTypeIDToken, ResponseTypeToken}
	vals := strings.Fields(rt)
	slices.SortStableFunc(vals, func(a, b string) int {
		return slices.Index(order, a) - slices.Index(order, b)
	})
	return strings.Join(vals, " ")
}

func (v *AuthorizeRequestValidator) validateResponseType(req *AuthorizeRequest, params url.Values) *Result {
	rt := params.Get("response_type")
	if rt == "" {
		return reject(model.ErrorUnsupportedResponseType, "response_type is missing")
	}
	req.ResponseType = normalizeResponseType(rt)
	grantType, ok := responseTypeGrantTypes[req.ResponseType]
	if !ok {
		return reject(model.ErrorUnsupportedResponseType, "response_type not supported")
	}
	req.GrantType = grantType

	req.ResponseMode = ResponseModeFragment
	if req.ResponseType == ResponseTypeCode {
		req.ResponseMode = ResponseModeQuery
	}
	if rm := params.Get("response_mode"); rm != "" {
		switch rm {
		case ResponseModeQuery, ResponseModeFragment, ResponseModeFormPost:
		default:
			return reject(model.ErrorInvalidRequest, "invalid response_mode")
		}
		if rm == ResponseModeQuery && req.ResponseType != ResponseTypeCode {
			return reject(model.ErrorInvalidRequest, "response_mode query cannot be used with response_type "+req.ResponseType)
		}
		req.ResponseMode = rm
	}

	client := req.Client
	if !client.AllowsGrantType(grantType) {
		return reject(model.ErrorUnauthorizedClient, "invalid grant type for client")
	}
	if req.ContainsResponseType(ResponseTypeToken) && !client.AllowAccessTokensViaBrowser {
		return reject(model.ErrorUnauthorizedClient, "client is not allowed to receive access tokens via browser")
	}
	return nil
}

func (v *AuthorizeRequestValidator) validatePKCE(req *AuthorizeRequest, params url.Values, lengths InputLengths) *Result {
	if req.GrantType != model.GrantTypeAuthorizationCode && req.GrantType != model.GrantTypeHybrid {
		return nil
	}
	challenge := params.Get("code_challenge")
	if challenge == "" {
		if req.Client.RequirePKCE {
			return reject(model.ErrorInvalidRequest, "code_challenge is required")
		}
		return nil
	}
	if len(challenge) < lengths.CodeChallengeMinLength || len(challenge) > lengths.CodeChallengeMaxLength {
		return reject(model.ErrorInvalidRequest, "invalid code_challenge length")
	}
	method := params.Get("code_challenge_method")
	if method == "" {
		method = CodeChallengeMethodPlain
	}
	switch method {
	case CodeChallengeMethodSHA256:
	case CodeChallengeMethodPlain:
		if !req.Client.AllowPlainTextPKCE {
			return reject(model.ErrorInvalidRequest, "transform algorithm not supported")
		}
	default:
		return reject(model.ErrorInvalidRequest, "transform algorithm not supported")
	}
	req.CodeChallenge = challenge
	req.CodeChallengeMethod = method
	return nil
}

func (v *AuthorizeRequestValidator) validateScopes(ctx context.Context, req *AuthorizeRequest, params url.Values, lengths InputLengths) (*Result, error) {
	scope := params.Get("scope")
	if scope == "" {
		return reject(model.ErrorInvalidRequest, "scope is missing"), nil
	}
	if len(scope) > lengths.Scope {
		return reject(model.ErrorInvalidRequest, "scope is too long"), nil
	}
	req.RequestedScopes = strings.Fields(scope)
	req.IsOpenIDRequest = slices.Contains(req.RequestedScopes, model.ScopeOpenID)

	if req.ContainsResponseType(ResponseTypeIDToken) && !req.IsOpenIDRequest {
		return reject(model.ErrorInvalidRequest, "response_type id_token requires the openid scope"), nil
	}
	if req.IsOpenIDRequest && (req.GrantType == model.GrantTypeHybrid || req.ContainsResponseType(ResponseTypeIDToken)) {
		nonce := params.Get("nonce")
		if nonce == "" {
			return reject(model.ErrorInvalidRequest, "nonce is required"), nil
		}
		req.Nonce = nonce
	}

	resources, err := v.Resources.ValidateRequestedResources(ctx, req.Client, req.RequestedScopes)
	if err != nil {
		return nil, fmt.Errorf("validate requested resources: %w", err)
	}
	if !resources.Succeeded() {
		return reject(model.ErrorInvalidScope, "invalid scope: "+strings.Join(resources.InvalidScopes, " ")), nil
	}
	req.Resources = resources
	req.IsAPIResourceRequest = resources.HasAPIScopes()

	if req.IsOpenIDRequest && !resources.HasIdentityScopes() {
		return reject(model.ErrorInvalidScope, "openid scope is not allowed"), nil
	}
	if req.ResponseType == ResponseTypeIDToken && req.IsAPIResourceRequest {
		return reject(model.ErrorInvalidScope, "response_type id_token cannot request api scopes"), nil
	}
	if req.ResponseType == ResponseTypeToken && resources.HasIdentityScopes() {
		return reject(model.ErrorInvalidScope, "response_type token cannot request identity scopes"), nil
	}
	return nil, nil
}

func (v *AuthorizeRequestValidator) validateOptional(req *AuthorizeRequest, params url.Values, lengths InputLengths) *Result {
	if nonce := params.Get("nonce"); nonce != "" {
		if len(nonce) > lengths.Nonce {
			return reject(model.ErrorInvalidRequest, "nonce is too long")
		}
		req.Nonce = nonce
	}

	if p := params.Get("prompt"); p != "" {
		modes := strings.Fields(p)
		for _, m := range modes {
			if !slices.Contains(knownPrompts, m) {
				return reject(model.ErrorInvalidRequest, "unsupported prompt "+m)
			}
		}
		if slices.Contains(modes, PromptNone) && len(modes) > 1 {
			return reject(model.ErrorInvalidRequest, "prompt none cannot be combined with other values")
		}
		req.PromptModes = modes
	}

	if ma := params.Get("max_age"); ma != "" {
		secs, err := strconv.Atoi(ma)
		if err != nil || secs < 0 {
			return reject(model.ErrorInvalidRequest, "invalid max_age")
		}
		d := time.Duration(secs) * time.Second
		req.MaxAge = &d
	}

	req.LoginHint = params.Get("login_hint")
	if len(req.LoginHint) > lengths.LoginHint {
		return reject(model.ErrorInvalidRequest, "login_hint is too long")
	}
	req.UILocales = params.Get("ui_locales")
	if len(req.UILocales) > lengths.UILocale {
		return reject(model.ErrorInvalidRequest, "ui_locales is too long")
	}
	acr := params.Get("acr_values")
	if len(acr) > lengths.AcrValues {
		return reject(model.ErrorInvalidRequest, "acr_values is too long")
	}
	req.AcrValues = strings.Fields(acr)
	return nil
}

func (v *AuthorizeRequestValidator) validateIDTokenHint(ctx context.Context, req *AuthorizeRequest, params url.Values) (*Result, error) {
	hint := params.Get("id_token_hint")
	if hint == "" {
		return nil, nil
	}
	if v.IdentityTokens == nil {
		return reject(model.ErrorInvalidRequest, "invalid id_token_hint"), nil
	}
	tr, err := v.IdentityTokens.ValidateIdentityToken(ctx, hint, req.ClientID, false)
	if err != nil {
		return nil, fmt.Errorf("validate id_token_hint: %w", err)
	}
	if tr.IsError {
		return reject(model.ErrorInvalidRequest, "invalid id_token_hint"), nil
	}
	req.IDTokenHint = hint
	req.IDTokenHintClaims = tr.Claims
	return nil, nil
}
