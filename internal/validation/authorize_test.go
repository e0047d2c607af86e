package validation

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
	"lds.li/grantidp/internal/model"
)

func TestValidateClientConfiguration(t *testing.T) {
	valid := func() *model.Client {
		c := model.NewClient("client")
		c.AllowedGrantTypes = []string{model.GrantTypeAuthorizationCode}
		c.RedirectURIs = []string{"https://client.com/callback"}
		return c
	}
	for _, tc := range []struct {
		name    string
		mutate  func(c *model.Client)
		wantErr bool
	}{
		{name: "valid"},
		{
			name:    "implicit and code",
			mutate:  func(c *model.Client) { c.AllowedGrantTypes = []string{model.GrantTypeImplicit, model.GrantTypeAuthorizationCode} },
			wantErr: true,
		},
		{
			name:    "implicit and hybrid",
			mutate:  func(c *model.Client) { c.AllowedGrantTypes = []string{model.GrantTypeImplicit, model.GrantTypeHybrid} },
			wantErr: true,
		},
		{
			name:    "code and hybrid",
			mutate:  func(c *model.Client) { c.AllowedGrantTypes = []string{model.GrantTypeAuthorizationCode, model.GrantTypeHybrid} },
			wantErr: true,
		},
		{
			name: "code and client credentials",
			mutate: func(c *model.Client) {
				c.AllowedGrantTypes = []string{model.GrantTypeAuthorizationCode, model.GrantTypeClientCredentials}
			},
		},
		{
			name:    "no grant types",
			mutate:  func(c *model.Client) { c.AllowedGrantTypes = nil },
			wantErr: true,
		},
		{
			name:    "duplicate grant type",
			mutate:  func(c *model.Client) { c.AllowedGrantTypes = []string{"client_credentials", "client_credentials"} },
			wantErr: true,
		},
		{
			name:    "code without redirect uris",
			mutate:  func(c *model.Client) { c.RedirectURIs = nil },
			wantErr: true,
		},
		{
			name: "client credentials without redirect uris",
			mutate: func(c *model.Client) {
				c.AllowedGrantTypes = []string{model.GrantTypeClientCredentials}
				c.RedirectURIs = nil
			},
		},
		{
			name:    "relative redirect",
			mutate:  func(c *model.Client) { c.RedirectURIs = []string{"/callback"} },
			wantErr: true,
		},
		{
			name:    "zero lifetime",
			mutate:  func(c *model.Client) { c.AccessTokenLifetime = 0 },
			wantErr: true,
		},
		{
			name:    "secret required but missing",
			mutate:  func(c *model.Client) { c.RequireClientSecret = true },
			wantErr: true,
		},
		{
			name:    "wrong protocol",
			mutate:  func(c *model.Client) { c.ProtocolType = "saml2p" },
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			if tc.mutate != nil {
				tc.mutate(c)
			}
			err := ValidateClientConfiguration(c)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateClientConfiguration() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, model.ErrInvalidOperation) {
				t.Errorf("error %v does not wrap ErrInvalidOperation", err)
			}
		})
	}
}

func TestAuthorizeRequestValidator(t *testing.T) {
	e := newEnv(t)
	v := &AuthorizeRequestValidator{Clients: e.clients, Resources: e.resources, IdentityTokens: e.validator}
	verifier := oauth2.GenerateVerifier()

	for _, tc := range []struct {
		name   string
		params string
		// wantErr is empty for success.
		wantErr  string
		wantDesc string
		// wantRedirect is whether the error may be sent to the redirect uri.
		wantRedirect bool
		check        func(t *testing.T, req *AuthorizeRequest)
	}{
		{
			name:   "code flow",
			params: "response_type=code&client_id=codeclient&scope=openid%20profile",
			check: func(t *testing.T, req *AuthorizeRequest) {
				if req.RedirectURI != "https://client.com/callback" {
					t.Errorf("redirect uri = %q", req.RedirectURI)
				}
				if req.GrantType != model.GrantTypeAuthorizationCode || req.ResponseMode != ResponseModeQuery {
					t.Errorf("grant type %q, response mode %q", req.GrantType, req.ResponseMode)
				}
				if !req.IsOpenIDRequest || req.IsAPIResourceRequest {
					t.Errorf("openid %v, api %v", req.IsOpenIDRequest, req.IsAPIResourceRequest)
				}
			},
		},
		{
			name:     "missing client_id",
			params:   "",
			wantErr:  model.ErrorInvalidRequest,
			wantDesc: "client_id is missing",
		},
		{
			name:    "unknown client",
			params:  "response_type=code&client_id=nope&scope=openid",
			wantErr: model.ErrorUnauthorizedClient,
		},
		{
			name:    "disabled client",
			params:  "response_type=code&client_id=disabledclient&scope=openid",
			wantErr: model.ErrorUnauthorizedClient,
		},
		{
			name:    "unregistered redirect",
			params:  "response_type=code&client_id=codeclient&scope=openid&redirect_uri=https%3A%2F%2Fevil.com%2Fcb",
			wantErr: model.ErrorInvalidRequest,
		},
		{
			name:         "missing response_type",
			params:       "client_id=codeclient&scope=openid",
			wantErr:      model.ErrorUnsupportedResponseType,
			wantRedirect: true,
		},
		{
			name:         "unsupported response_type",
			params:       "response_type=code%20foo&client_id=codeclient&scope=openid",
			wantErr:      model.ErrorUnsupportedResponseType,
			wantRedirect: true,
		},
		{
			name:         "grant type not allowed",
			params:       "response_type=id_token&client_id=codeclient&scope=openid&nonce=n",
			wantErr:      model.ErrorUnauthorizedClient,
			wantRedirect: true,
		},
		{
			name:   "implicit",
			params: "response_type=token%20id_token&client_id=implicitclient&scope=openid%20api1&nonce=n",
			check: func(t *testing.T, req *AuthorizeRequest) {
				if req.ResponseType != ResponseTypeIDTokenToken || req.ResponseMode != ResponseModeFragment {
					t.Errorf("response type %q, mode %q", req.ResponseType, req.ResponseMode)
				}
				if req.Nonce != "n" || !req.IsAPIResourceRequest {
					t.Errorf("nonce %q, api %v", req.Nonce, req.IsAPIResourceRequest)
				}
			},
		},
		{
			name:         "implicit without nonce",
			params:       "response_type=id_token&client_id=implicitclient&scope=openid",
			wantErr:      model.ErrorInvalidRequest,
			wantDesc:     "nonce is required",
			wantRedirect: true,
		},
		{
			name:         "id_token without openid",
			params:       "response_type=id_token&client_id=implicitclient&scope=profile&nonce=n",
			wantErr:      model.ErrorInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "id_token with api scope",
			params:       "response_type=id_token&client_id=implicitclient&scope=openid%20api1&nonce=n",
			wantErr:      model.ErrorInvalidScope,
			wantRedirect: true,
		},
		{
			name:         "token with identity scope",
			params:       "response_type=token&client_id=implicitclient&scope=openid%20api1",
			wantErr:      model.ErrorInvalidScope,
			wantRedirect: true,
		},
		{
			name:         "query mode with id_token",
			params:       "response_type=id_token&response_mode=query&client_id=implicitclient&scope=openid&nonce=n",
			wantErr:      model.ErrorInvalidRequest,
			wantRedirect: true,
		},
		{
			name:   "hybrid",
			params: "response_type=id_token%20code&client_id=hybridclient&scope=openid&nonce=n&response_mode=form_post",
			check: func(t *testing.T, req *AuthorizeRequest) {
				if req.ResponseType != ResponseTypeCodeIDToken || req.GrantType != model.GrantTypeHybrid {
					t.Errorf("response type %q, grant type %q", req.ResponseType, req.GrantType)
				}
				if req.ResponseMode != ResponseModeFormPost {
					t.Errorf("response mode %q", req.ResponseMode)
				}
			},
		},
		{
			name:         "missing scope",
			params:       "response_type=code&client_id=codeclient",
			wantErr:      model.ErrorInvalidRequest,
			wantDesc:     "scope is missing",
			wantRedirect: true,
		},
		{
			name:         "disallowed scope",
			params:       "response_type=code&client_id=codeclient&scope=openid%20email",
			wantErr:      model.ErrorInvalidScope,
			wantRedirect: true,
		},
		{
			name:         "pkce required",
			params:       "response_type=code&client_id=pkceclient&scope=openid",
			wantErr:      model.ErrorInvalidRequest,
			wantDesc:     "code_challenge is required",
			wantRedirect: true,
		},
		{
			name:   "pkce s256",
			params: "response_type=code&client_id=pkceclient&scope=openid&code_challenge_method=S256&code_challenge=" + oauth2.S256ChallengeFromVerifier(verifier),
			check: func(t *testing.T, req *AuthorizeRequest) {
				if req.CodeChallengeMethod != CodeChallengeMethodSHA256 || req.CodeChallenge == "" {
					t.Errorf("challenge %q method %q", req.CodeChallenge, req.CodeChallengeMethod)
				}
			},
		},
		{
			name:         "pkce plain not allowed",
			params:       "response_type=code&client_id=pkceclient&scope=openid&code_challenge=" + verifier,
			wantErr:      model.ErrorInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "pkce challenge too short",
			params:       "response_type=code&client_id=pkceclient&scope=openid&code_challenge_method=S256&code_challenge=abc",
			wantErr:      model.ErrorInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "prompt none with login",
			params:       "response_type=code&client_id=codeclient&scope=openid&prompt=none%20login",
			wantErr:      model.ErrorInvalidRequest,
			wantRedirect: true,
		},
		{
			name:   "prompt and max_age",
			params: "response_type=code&client_id=codeclient&scope=openid&prompt=login%20consent&max_age=60&state=xyz",
			check: func(t *testing.T, req *AuthorizeRequest) {
				if len(req.PromptModes) != 2 || req.MaxAge == nil || req.MaxAge.Seconds() != 60 || req.State != "xyz" {
					t.Errorf("prompt %v, max age %v, state %q", req.PromptModes, req.MaxAge, req.State)
				}
			},
		},
		{
			name:         "negative max_age",
			params:       "response_type=code&client_id=codeclient&scope=openid&max_age=-1",
			wantErr:      model.ErrorInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "request object",
			params:       "response_type=code&client_id=codeclient&scope=openid&request=eyJ",
			wantErr:      model.ErrorRequestNotSupported,
			wantRedirect: true,
		},
		{
			name:         "invalid id_token_hint",
			params:       "response_type=code&client_id=codeclient&scope=openid&id_token_hint=garbage",
			wantErr:      model.ErrorInvalidRequest,
			wantRedirect: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			params, err := url.ParseQuery(tc.params)
			if err != nil {
				t.Fatal(err)
			}
			res, err := v.Validate(context.Background(), params, nil)
			if err != nil {
				t.Fatal(err)
			}
			if tc.wantErr == "" {
				if res.IsError {
					t.Fatalf("unexpected error %s: %s", res.Error, res.ErrorDescription)
				}
				if tc.check != nil {
					tc.check(t, res.Request)
				}
				return
			}
			if !res.IsError || res.Error != tc.wantErr {
				t.Fatalf("got error %q (%s), want %q", res.Error, res.ErrorDescription, tc.wantErr)
			}
			if tc.wantDesc != "" && res.ErrorDescription != tc.wantDesc {
				t.Errorf("description = %q, want %q", res.ErrorDescription, tc.wantDesc)
			}
			if got := res.Request.RedirectURI != ""; got != tc.wantRedirect {
				t.Errorf("redirectable = %v, want %v", got, tc.wantRedirect)
			}
		})
	}
}

func TestAuthorizeIDTokenHint(t *testing.T) {
	e := newEnv(t)
	v := &AuthorizeRequestValidator{Clients: e.clients, Resources: e.resources, IdentityTokens: e.validator}
	hint := e.identityToken(t, "alice", "codeclient")

	// The hint stays usable after it expires.
	e.now = e.now.Add(model.DefaultIdentityTokenLifetime * 10)

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {"codeclient"},
		"scope":         {"openid"},
		"id_token_hint": {hint},
	}
	res, err := v.Validate(context.Background(), params, &model.Subject{SubjectID: "alice", SessionID: "session1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error %s: %s", res.Error, res.ErrorDescription)
	}
	if got := model.FindClaimValue(res.Request.IDTokenHintClaims, model.ClaimSubject); got != "alice" {
		t.Errorf("hint sub = %q", got)
	}
	if res.Request.SessionID != "session1" {
		t.Errorf("session id = %q", res.Request.SessionID)
	}

	// A hint issued to another client is rejected.
	params.Set("id_token_hint", e.identityToken(t, "alice", "implicitclient"))
	res, err = v.Validate(context.Background(), params, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.ErrorDescription, "id_token_hint") {
		t.Errorf("foreign hint: got %q %q", res.Error, res.ErrorDescription)
	}
}

func TestNormalizeResponseType(t *testing.T) {
	for in, want := range map[string]string{
		"code":                ResponseTypeCode,
		"token id_token":      ResponseTypeIDTokenToken,
		"id_token code token": ResponseTypeCodeIDTokenToken,
		"token code":          ResponseTypeCodeToken,
		" id_token ":          ResponseTypeIDToken,
	} {
		if got := normalizeResponseType(in); got != want {
			t.Errorf("normalizeResponseType(%q) = %q, want %q", in, got, want)
		}
	}
}
