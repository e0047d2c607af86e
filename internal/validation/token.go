package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/secrets"
	"lds.li/grantidp/internal/tokens"
)

// RefreshTokenValidator validates refresh token handles.
type RefreshTokenValidator interface {
	ValidateRefreshToken(ctx context.Context, handle string, client *model.Client) (*tokens.ValidationResult, error)
	// ConsumeRefreshToken redeems a one time token, reporting false if it
	// was redeemed already.
	ConsumeRefreshToken(ctx context.Context, handle string) (bool, error)
}

// TokenRequest is a validated token request.
type TokenRequest struct {
	Raw          url.Values
	Client       *model.Client
	Secret       *model.ParsedSecret
	Confirmation string
	GrantType    string

	RequestedScopes []string
	Resources       *model.ResourceValidationResult

	// Subject is nil for client credentials.
	Subject   *model.Subject
	SessionID string

	AuthorizationCode       *model.AuthorizationCode
	AuthorizationCodeHandle string
	CodeVerifier            string

	RefreshToken       *model.RefreshToken
	RefreshTokenHandle string

	DeviceCode       *model.DeviceCode
	DeviceCodeHandle string
}

// TokenResult is the outcome of validating a token request.
type TokenResult struct {
	Result
	Request *TokenRequest
}

// TokenRequestValidator validates requests to the token endpoint made by an
// authenticated client.
type TokenRequestValidator struct {
	Codes         *grants.AuthorizationCodeStore
	RefreshTokens RefreshTokenValidator
	DeviceCodes   *DeviceCodeValidator
	Resources     ResourceValidator
	Profile       tokens.ProfileService
	Lengths       InputLengths
	Logger        *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func (v *TokenRequestValidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate checks params for the client authenticated in client.
func (v *TokenRequestValidator) Validate(ctx context.Context, params url.Values, client *secrets.ClientResult) (*TokenResult, error) {
	if params == nil || client == nil || client.Client == nil {
		return nil, fmt.Errorf("token request needs parameters and an authenticated client: %w", model.ErrInvalidArgument)
	}
	res, err := v.validate(ctx, params, client)
	if err != nil {
		return nil, err
	}
	observe(ctx, discardIfNil(v.Logger), "token", &res.Result)
	return res, nil
}

func (v *TokenRequestValidator) validate(ctx context.Context, params url.Values, client *secrets.ClientResult) (*TokenResult, error) {
	lengths := v.Lengths.withDefaults()
	req := &TokenRequest{
		Raw:          params,
		Client:       client.Client,
		Secret:       client.Secret,
		Confirmation: client.Confirmation,
	}
	res := &TokenResult{Result: newResult(), Request: req}

	if client.Client.ProtocolType != model.ProtocolTypeOIDC {
		res.setError(model.ErrorInvalidClient, "invalid protocol")
		return res, nil
	}

	req.GrantType = params.Get("grant_type")
	if req.GrantType == "" {
		res.setError(model.ErrorInvalidRequest, "grant_type is missing")
		return res, nil
	}
	if len(req.GrantType) > lengths.GrantType {
		res.setError(model.ErrorUnsupportedGrantType, "grant_type is too long")
		return res, nil
	}

	var (
		r   *Result
		err error
	)
	switch req.GrantType {
	case model.GrantTypeAuthorizationCode:
		r, err = v.authorizationCode(ctx, req, params, lengths)
	case model.GrantTypeClientCredentials:
		r, err = v.clientCredentials(ctx, req, params, lengths)
	case model.GrantTypeRefreshToken:
		r, err = v.refreshToken(ctx, req, params, lengths)
	case model.GrantTypeDeviceCode:
		r, err = v.deviceCode(ctx, req, params, lengths)
	default:
		res.setError(model.ErrorUnsupportedGrantType, "")
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if r != nil {
		res.setError(r.Error, r.ErrorDescription)
		return res, nil
	}
	res.setSuccess()
	return res, nil
}

func unauthorizedGrant(req *TokenRequest) *Result {
	if req.Client.AllowsGrantType(req.GrantType) {
		return nil
	}
	// Hybrid clients redeem their codes like code clients.
	if req.GrantType == model.GrantTypeAuthorizationCode && req.Client.AllowsGrantType(model.GrantTypeHybrid) {
		return nil
	}
	return reject(model.ErrorUnauthorizedClient, "client not authorized for "+req.GrantType)
}

func (v *TokenRequestValidator) subjectActive(ctx context.Context, req *TokenRequest, sub *model.Subject) (bool, error) {
	active, err := v.Profile.IsActive(ctx, &model.IsActiveRequest{
		Subject: *sub,
		Client:  req.Client,
		Caller:  "TokenEndpoint:" + req.GrantType,
	})
	if err != nil {
		return false, fmt.Errorf("check subject active: %w", err)
	}
	return active, nil
}

func (v *TokenRequestValidator) authorizationCode(ctx context.Context, req *TokenRequest, params url.Values, lengths InputLengths) (*Result, error) {
	if r := unauthorizedGrant(req); r != nil {
		return r, nil
	}
	handle := params.Get("code")
	if handle == "" {
		return reject(model.ErrorInvalidRequest, "code is missing"), nil
	}
	if len(handle) > lengths.AuthorizationCode {
		return reject(model.ErrorInvalidGrant, "code is too long"), nil
	}

	// Codes are single use, whatever the outcome.
	code, err := v.Codes.ConsumeAuthorizationCode(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if code == nil {
		return reject(model.ErrorInvalidGrant, "invalid authorization code"), nil
	}

	if code.ClientID != req.Client.ClientID {
		discardIfNil(v.Logger).WarnContext(ctx, "authorization code presented by another client", "client_id", req.Client.ClientID, "code_client_id", code.ClientID)
		return reject(model.ErrorInvalidGrant, "invalid authorization code"), nil
	}
	if code.Expired(v.now()) {
		return reject(model.ErrorInvalidGrant, "authorization code has expired"), nil
	}

	redirectURI := params.Get("redirect_uri")
	if redirectURI == "" {
		return reject(model.ErrorInvalidRequest, "redirect_uri is missing"), nil
	}
	if redirectURI != code.RedirectURI {
		return reject(model.ErrorInvalidGrant, "redirect_uri does not match"), nil
	}
	if len(code.RequestedScopes) == 0 {
		return reject(model.ErrorInvalidGrant, "authorization code has no scopes"), nil
	}

	verifier := params.Get("code_verifier")
	switch {
	case code.CodeChallenge == "" && req.Client.RequirePKCE:
		return reject(model.ErrorInvalidGrant, "client requires pkce but the code has no challenge"), nil
	case code.CodeChallenge == "" && verifier != "":
		return reject(model.ErrorInvalidGrant, "code_verifier given without a code_challenge"), nil
	case code.CodeChallenge != "":
		if verifier == "" {
			return reject(model.ErrorInvalidGrant, "code_verifier is missing"), nil
		}
		if len(verifier) < lengths.CodeVerifierMinLength || len(verifier) > lengths.CodeVerifierMaxLength {
			return reject(model.ErrorInvalidGrant, "invalid code_verifier length"), nil
		}
		if !verifyCodeChallenge(verifier, code.CodeChallenge, code.CodeChallengeMethod) {
			return reject(model.ErrorInvalidGrant, "code_verifier does not match the code_challenge"), nil
		}
		req.CodeVerifier = verifier
	}

	active, err := v.subjectActive(ctx, req, &code.Subject)
	if err != nil {
		return nil, err
	}
	if !active {
		return reject(model.ErrorInvalidGrant, "subject is not active"), nil
	}

	resources, err := v.Resources.ValidateRequestedResources(ctx, req.Client, code.RequestedScopes)
	if err != nil {
		return nil, fmt.Errorf("validate requested resources: %w", err)
	}
	if !resources.Succeeded() {
		return reject(model.ErrorInvalidScope, "invalid scope: "+strings.Join(resources.InvalidScopes, " ")), nil
	}

	req.AuthorizationCode = code
	req.AuthorizationCodeHandle = handle
	req.Subject = &code.Subject
	req.SessionID = code.SessionID
	req.RequestedScopes = code.RequestedScopes
	req.Resources = resources
	return nil, nil
}

func (v *TokenRequestValidator) clientCredentials(ctx context.Context, req *TokenRequest, params url.Values, lengths InputLengths) (*Result, error) {
	if r := unauthorizedGrant(req); r != nil {
		return r, nil
	}
	scopes, r := requestedScopes(params, lengths)
	if r != nil {
		return r, nil
	}
	if len(scopes) == 0 {
		// Default to every allowed scope. Identity scopes make no sense
		// without a user.
		scopes = slices.DeleteFunc(slices.Clone(req.Client.AllowedScopes), func(s string) bool {
			return s == model.ScopeOfflineAccess
		})
	}

	resources, err := v.Resources.ValidateRequestedResources(ctx, req.Client, scopes)
	if err != nil {
		return nil, fmt.Errorf("validate requested resources: %w", err)
	}
	if resources.HasIdentityScopes() {
		return reject(model.ErrorInvalidScope, "client credentials cannot request identity scopes"), nil
	}
	if resources.Resources.OfflineAccess {
		return reject(model.ErrorInvalidScope, "client credentials cannot request offline_access"), nil
	}
	if !resources.Succeeded() || !resources.HasAPIScopes() {
		return reject(model.ErrorInvalidScope, "invalid scope: "+strings.Join(resources.InvalidScopes, " ")), nil
	}
	req.RequestedScopes = resources.RawScopeValues()
	req.Resources = resources
	return nil, nil
}

// refreshToken is gated on the client allowing offline access rather than on
// its grant types.
func (v *TokenRequestValidator) refreshToken(ctx context.Context, req *TokenRequest, params url.Values, lengths InputLengths) (*Result, error) {
	handle := params.Get("refresh_token")
	if handle == "" {
		return reject(model.ErrorInvalidRequest, "refresh_token is missing"), nil
	}
	if len(handle) > lengths.RefreshToken {
		return reject(model.ErrorInvalidGrant, "refresh_token is too long"), nil
	}

	tr, err := v.RefreshTokens.ValidateRefreshToken(ctx, handle, req.Client)
	if err != nil {
		return nil, fmt.Errorf("validate refresh token: %w", err)
	}
	if tr.IsError {
		return reject(model.ErrorInvalidGrant, tr.ErrorDescription), nil
	}
	rt := tr.RefreshToken

	scopes, r := requestedScopes(params, lengths)
	if r != nil {
		return r, nil
	}
	if len(scopes) == 0 {
		scopes = rt.AuthorizedScopes
	} else {
		for _, s := range scopes {
			if !slices.Contains(rt.AuthorizedScopes, s) {
				return reject(model.ErrorInvalidScope, "scope exceeds the original grant: "+s), nil
			}
		}
	}
	resources, err := v.Resources.ValidateRequestedResources(ctx, req.Client, scopes)
	if err != nil {
		return nil, fmt.Errorf("validate requested resources: %w", err)
	}
	if !resources.Succeeded() {
		return reject(model.ErrorInvalidScope, "invalid scope: "+strings.Join(resources.InvalidScopes, " ")), nil
	}

	if req.Client.RefreshTokenUsage == model.TokenUsageOneTimeOnly {
		ok, err := v.RefreshTokens.ConsumeRefreshToken(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("consume refresh token: %w", err)
		}
		if !ok {
			return reject(model.ErrorInvalidGrant, "refresh token has already been used"), nil
		}
	}

	req.RefreshToken = rt
	req.RefreshTokenHandle = handle
	req.Subject = &rt.Subject
	req.SessionID = rt.SessionID()
	req.RequestedScopes = scopes
	req.Resources = resources
	return nil, nil
}

func (v *TokenRequestValidator) deviceCode(ctx context.Context, req *TokenRequest, params url.Values, lengths InputLengths) (*Result, error) {
	if r := unauthorizedGrant(req); r != nil {
		return r, nil
	}
	handle := params.Get("device_code")
	if handle == "" {
		return reject(model.ErrorInvalidRequest, "device_code is missing"), nil
	}
	if len(handle) > lengths.DeviceCode {
		return reject(model.ErrorInvalidGrant, "device_code is too long"), nil
	}
	if v.DeviceCodes == nil {
		return nil, fmt.Errorf("token request validator has no device code validator: %w", model.ErrInvalidOperation)
	}

	dr, err := v.DeviceCodes.Validate(ctx, handle, req.Client)
	if err != nil {
		return nil, err
	}
	if dr.IsError {
		return &dr.Result, nil
	}
	dc := dr.DeviceCode

	resources, err := v.Resources.ValidateRequestedResources(ctx, req.Client, dc.AuthorizedScopes)
	if err != nil {
		return nil, fmt.Errorf("validate requested resources: %w", err)
	}
	if !resources.Succeeded() {
		return reject(model.ErrorInvalidScope, "invalid scope: "+strings.Join(resources.InvalidScopes, " ")), nil
	}

	req.DeviceCode = dc
	req.DeviceCodeHandle = handle
	req.Subject = dc.Subject
	req.SessionID = dc.SessionID
	req.RequestedScopes = dc.AuthorizedScopes
	req.Resources = resources
	return nil, nil
}

func requestedScopes(params url.Values, lengths InputLengths) ([]string, *Result) {
	scope := params.Get("scope")
	if len(scope) > lengths.Scope {
		return nil, reject(model.ErrorInvalidScope, "scope is too long")
	}
	return strings.Fields(scope), nil
}
