package oidcsvr

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"lds.li/grantidp/internal/clients"
	"lds.li/grantidp/internal/config"
	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/keys"
	"lds.li/grantidp/internal/logout"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/policy"
	"lds.li/grantidp/internal/profile"
	"lds.li/grantidp/internal/resources"
	"lds.li/grantidp/internal/responses"
	"lds.li/grantidp/internal/secrets"
	"lds.li/grantidp/internal/storage"
	"lds.li/grantidp/internal/tokens"
	"lds.li/grantidp/internal/usersession"
	"lds.li/grantidp/internal/validation"
	"lds.li/grantidp/internal/webcommon"
	"lds.li/web"
	"lds.li/web/session"
	"lds.li/web/webtest"
)

const (
	testIssuer   = "https://idp.example.com"
	userHeader   = "X-Remote-User"
	appCallback  = "https://app.example.com/callback"
	appSignedOut = "https://app.example.com/signed-out"
)

var janeID = uuid.MustParse("7b1d6a4e-2f0c-4c1e-9a53-0f5f3c2d9b10")

type testEnv struct {
	server *Server
	srv    *httptest.Server
	client *http.Client
	logger *slog.Logger

	logMu sync.Mutex
	logs  bytes.Buffer

	mu         sync.Mutex
	logoutJWTs []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{}
	e.logger = slog.New(slog.NewTextHandler(logWriter{e}, nil))

	backChannel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		e.logoutJWTs = append(e.logoutJWTs, r.PostForm.Get("logout_token"))
		e.mu.Unlock()
	}))
	t.Cleanup(backChannel.Close)

	secret := func(plain string) []model.Secret {
		return []model.Secret{{Type: model.SecretTypeSharedSecret, Value: cryptoutil.Sha256(plain)}}
	}
	web := model.NewClient("web")
	web.Enabled = true
	web.RequireClientSecret = true
	web.ClientSecrets = secret("web-secret")
	web.AllowedGrantTypes = []string{model.GrantTypeAuthorizationCode}
	web.RequirePKCE = true
	web.AllowOfflineAccess = true
	web.AllowedScopes = []string{"openid", "profile", "email", "api1"}
	web.RedirectURIs = []string{appCallback}
	web.PostLogoutRedirectURIs = []string{appSignedOut}
	web.BackChannelLogoutURI = backChannel.URL
	web.BackChannelLogoutSessionRequired = true

	consent := model.NewClient("consent")
	consent.Enabled = true
	consent.RequireClientSecret = true
	consent.ClientSecrets = secret("consent-secret")
	consent.AllowedGrantTypes = []string{model.GrantTypeAuthorizationCode}
	consent.AllowedScopes = []string{"openid", "email"}
	consent.RedirectURIs = []string{appCallback}
	consent.RequireConsent = true
	consent.AllowRememberConsent = true
	consent.BackChannelLogoutURI = backChannel.URL + "/consent"

	tv := model.NewClient("tv")
	tv.Enabled = true
	tv.AllowedGrantTypes = []string{model.GrantTypeDeviceCode}
	tv.AllowedScopes = []string{"openid", "api1"}

	svc := model.NewClient("svc")
	svc.Enabled = true
	svc.RequireClientSecret = true
	svc.ClientSecrets = secret("svc-secret")
	svc.AllowedGrantTypes = []string{model.GrantTypeClientCredentials}
	svc.AllowedScopes = []string{"api1"}
	svc.AccessTokenType = model.AccessTokenTypeReference

	static, err := clients.NewStaticClients([]*model.Client{web, consent, tv, svc})
	if err != nil {
		t.Fatal(err)
	}
	clientStore := clients.NewMultiClients(static, nil, nil)

	pe, err := policy.NewPolicyEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	users := config.Users{{
		ID:            janeID,
		Username:      "jane",
		Email:         "jane@example.com",
		EmailVerified: true,
		FullName:      "Jane Doe",
	}}
	profiles := profile.New(users, pe, nil)

	resourceStore, err := resources.NewInMemoryStore(model.Resources{
		IdentityResources: resources.DefaultIdentityResources(),
		APIScopes:         []model.APIScope{{Name: "api1", Enabled: true}},
		APIResources: []model.APIResource{{
			Name:       "api",
			Enabled:    true,
			Scopes:     []string{"api1"},
			APISecrets: secret("api-secret"),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	resourceValidator := &resources.Validator{Store: resourceStore}

	grantStore := grants.NewMemoryStore()
	codes := grants.NewAuthorizationCodeStore(grantStore, nil)
	refreshStore := grants.NewRefreshTokenStore(grantStore, nil)
	reference := grants.NewReferenceTokenStore(grantStore, nil)
	devices := grants.NewDeviceFlowStore(grantStore, nil)
	refresh := tokens.NewRefreshTokenService(refreshStore, profiles, nil)

	km, err := keys.NewStatic(keys.DefaultAlgorithms[1])
	if err != nil {
		t.Fatal(err)
	}
	tokenService, err := tokens.NewService(tokens.ServiceConfig{
		Issuer:          testIssuer,
		Creator:         tokens.NewCreator(km, tokens.Options{}),
		ReferenceTokens: reference,
		Profile:         profiles,
	})
	if err != nil {
		t.Fatal(err)
	}
	tokenValidator, err := tokens.NewValidator(tokens.ValidatorConfig{
		Issuer:          testIssuer,
		Keys:            km,
		ReferenceTokens: reference,
		Clients:         clientStore,
		Profile:         profiles,
	})
	if err != nil {
		t.Fatal(err)
	}
	gen, err := responses.New(responses.Config{
		Tokens:          tokenService,
		RefreshTokens:   refresh,
		Codes:           codes,
		Devices:         devices,
		RefreshStore:    refreshStore,
		ReferenceTokens: reference,
		Profile:         profiles,
		Options:         responses.Options{VerificationURI: testIssuer + PathDeviceVerification},
	})
	if err != nil {
		t.Fatal(err)
	}

	sessions, err := usersession.New(usersession.Config{Duration: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	logouts, err := logout.New(logout.Config{Clients: clientStore, Tokens: tokenService, Logger: e.logger})
	if err != nil {
		t.Fatal(err)
	}

	parsers := secrets.DefaultParsers(secrets.Limits{}, nil)
	shared := []secrets.Validator{secrets.HashedSharedSecretValidator{}}
	s := &Server{
		Issuer: testIssuer,
		Keys:   km,
		AuthorizeValidator: &validation.AuthorizeRequestValidator{
			Clients:        clientStore,
			Resources:      resourceValidator,
			IdentityTokens: tokenValidator,
		},
		TokenValidator: &validation.TokenRequestValidator{
			Codes:         codes,
			RefreshTokens: refresh,
			DeviceCodes:   &validation.DeviceCodeValidator{Store: devices, Profile: profiles},
			Resources:     resourceValidator,
			Profile:       profiles,
		},
		DeviceValidator:        &validation.DeviceAuthorizationRequestValidator{Resources: resourceValidator},
		EndSessionValidator:    &validation.EndSessionRequestValidator{IdentityTokens: tokenValidator, Clients: clientStore},
		UserInfoValidator:      &validation.UserInfoRequestValidator{AccessTokens: tokenValidator},
		RevocationValidator:    &validation.RevocationRequestValidator{},
		IntrospectionValidator: &validation.IntrospectionRequestValidator{AccessTokens: tokenValidator},
		ClientSecrets:          &secrets.ClientSecretValidator{Parsers: parsers, Validators: shared, Clients: clientStore},
		APISecrets:             &secrets.APISecretValidator{Parsers: parsers, Validators: shared, Resources: resourceStore},
		Responses:              gen,
		Resources:              resourceStore,
		Consent:                &resources.ConsentService{Store: grants.NewUserConsentStore(grantStore, nil)},
		Profile:                profiles,
		Sessions:               sessions,
		Authenticator:          &usersession.HeaderAuthenticator{Header: userHeader, Users: users},
		Logout:                 logouts,
		Logger:                 e.logger,
	}

	e.server = s
	e.srv = newWebTestServer(t, s)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	e.client = e.srv.Client()
	e.client.Jar = jar
	e.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return e
}

// newWebTestServer serves s over TLS, so the secure session cookie makes it
// back to the server.
func newWebTestServer(t *testing.T, s *Server) *httptest.Server {
	t.Helper()
	state, err := storage.NewState(filepath.Join(t.TempDir(), "state.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = state.Close() })
	mgr, err := session.NewKVManager(state.SessionKV(), nil)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewUnstartedServer(nil)
	base, err := url.Parse("https://" + srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	websvr, err := web.NewServer(&web.Config{
		BaseURL:        base,
		SessionManager: mgr,
		Static:         webcommon.Static,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.AddHandlers(websvr)
	srv.Config.Handler = websvr
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

type logWriter struct{ e *testEnv }

func (l logWriter) Write(p []byte) (int, error) {
	l.e.logMu.Lock()
	defer l.e.logMu.Unlock()
	return l.e.logs.Write(p)
}

func (e *testEnv) logged() string {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return e.logs.String()
}

func (e *testEnv) sentLogoutTokens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.logoutJWTs)
}

// do sends a request, as jane when signedIn is set, and returns the response
// with its body read.
func (e *testEnv) do(t *testing.T, method, path string, form url.Values, signedIn bool, mod func(*http.Request)) (*http.Response, string) {
	t.Helper()
	var body io.Reader
	if form != nil && method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	}
	target := path
	if !strings.HasPrefix(path, "http") {
		target = e.srv.URL + path
	}
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signedIn {
		req.Header.Set(userHeader, "jane")
	}
	if mod != nil {
		mod(req)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(b)
}

func basicAuth(id, secret string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(id, secret) }
}

// authorize runs an authorize request for jane, following the sign in
// redirect, and returns the final redirect.
func (e *testEnv) authorize(t *testing.T, params url.Values) *url.URL {
	t.Helper()
	resp, body := e.do(t, http.MethodGet, PathAuthorize+"?"+params.Encode(), nil, true, nil)
	if resp.StatusCode == http.StatusSeeOther {
		resp, body = e.do(t, http.MethodGet, resp.Header.Get("Location"), nil, false, nil)
	}
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize status = %d, body:\n%s", resp.StatusCode, body)
	}
	u, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func decodeJSON[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return v
}

func TestAuthorizationCodeFlow(t *testing.T) {
	e := newTestEnv(t)
	verifier := oauth2.GenerateVerifier()

	loc := e.authorize(t, url.Values{
		"client_id":             {"web"},
		"redirect_uri":          {appCallback},
		"response_type":         {"code"},
		"scope":                 {"openid email api1"},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	})
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != appCallback {
		t.Fatalf("redirected to %s", loc)
	}
	if loc.Query().Get("state") != "xyz" || loc.Query().Get("code") == "" {
		t.Fatalf("unexpected callback parameters: %s", loc.RawQuery)
	}

	resp, body := e.do(t, http.MethodPost, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {appCallback},
		"code_verifier": {verifier},
	}, false, basicAuth("web", "web-secret"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status = %d, body:\n%s", resp.StatusCode, body)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
	tok := decodeJSON[responses.TokenResponse](t, body)
	if tok.AccessToken == "" || tok.IdentityToken == "" || tok.TokenType != "Bearer" {
		t.Fatalf("unexpected token response: %+v", tok)
	}

	// Codes are single use.
	resp, body = e.do(t, http.MethodPost, PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {appCallback},
		"code_verifier": {verifier},
	}, false, basicAuth("web", "web-secret"))
	if resp.StatusCode != http.StatusBadRequest || decodeJSON[errorResponse](t, body).Error != model.ErrorInvalidGrant {
		t.Errorf("replayed code: status %d body %s", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodGet, PathUserInfo, nil, false, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("userinfo status = %d, body:\n%s", resp.StatusCode, body)
	}
	info := decodeJSON[map[string]any](t, body)
	want := map[string]any{
		"sub":            janeID.String(),
		"email":          "jane@example.com",
		"email_verified": true,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("userinfo (-want +got):\n%s", diff)
	}

	// Ending the session notifies the back channel and returns to the app.
	resp, body = e.do(t, http.MethodGet, PathEndSession+"?"+url.Values{
		"id_token_hint":            {tok.IdentityToken},
		"post_logout_redirect_uri": {appSignedOut},
		"state":                    {"bye"},
	}.Encode(), nil, false, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("end session status = %d, body:\n%s", resp.StatusCode, body)
	}
	if got, want := resp.Header.Get("Location"), appSignedOut+"?state=bye"; got != want {
		t.Errorf("end session redirect = %q, want %q", got, want)
	}
	if sent := e.sentLogoutTokens(); sent != 1 {
		t.Errorf("back channel logout tokens sent = %d, want 1", sent)
	}

	// The session is gone, so a silent request fails.
	resp, _ = e.do(t, http.MethodGet, PathAuthorize+"?"+url.Values{
		"client_id":             {"web"},
		"redirect_uri":          {appCallback},
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"prompt":                {"none"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode(), nil, false, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("silent authorize status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := loc.Query().Get("error"); got != model.ErrorLoginRequired {
		t.Errorf("silent authorize error = %q, want %q", got, model.ErrorLoginRequired)
	}
}

func TestEndSessionWithoutSessionID(t *testing.T) {
	e := newTestEnv(t)

	// web needs a sid in its logout token, consent does not.
	req := webtest.NewRequest(http.MethodGet, PathEndSession, webtest.RequestWithSessionValues(map[string]any{
		usersession.SessionKey: &usersession.Session{
			Subject:   model.Subject{SubjectID: janeID.String()},
			Clients:   []string{"web", "consent"},
			ExpiresAt: time.Now().Add(time.Hour),
		},
	}), webtest.RequestWithStaticContent(webcommon.Static, "/static"))
	rw := webtest.NewResponse()
	if err := e.server.handleEndSession(req.RawRequest().Context(), rw, req); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if got := rw.Result().StatusCode; got != http.StatusOK {
		t.Errorf("status = %d, want %d", got, http.StatusOK)
	}
	if sent := e.sentLogoutTokens(); sent != 1 {
		t.Errorf("back channel logout tokens sent = %d, want 1", sent)
	}
	logs := e.logged()
	if !strings.Contains(logs, "level=ERROR") || !strings.Contains(logs, "back channel logout misconfigured") {
		t.Errorf("missing sid was not logged as an error:\n%s", logs)
	}
	if !strings.Contains(logs, "clients web require a session id") {
		t.Errorf("log does not name the misconfigured client:\n%s", logs)
	}
}

func TestAuthorizeErrors(t *testing.T) {
	e := newTestEnv(t)
	challenge := oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())

	for _, tc := range []struct {
		name       string
		params     url.Values
		signedIn   bool
		wantStatus int
		// wantError is checked on the redirect for 302 responses.
		wantError string
	}{
		{
			name:       "unknown client is shown to the user",
			params:     url.Values{"client_id": {"nope"}, "redirect_uri": {appCallback}, "response_type": {"code"}, "scope": {"openid"}},
			signedIn:   true,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unregistered redirect uri is shown to the user",
			params:     url.Values{"client_id": {"web"}, "redirect_uri": {"https://evil.example.com/"}, "response_type": {"code"}, "scope": {"openid"}},
			signedIn:   true,
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "unknown scope is redirected",
			params: url.Values{
				"client_id": {"web"}, "redirect_uri": {appCallback}, "response_type": {"code"}, "scope": {"openid unknown"},
				"code_challenge": {challenge}, "code_challenge_method": {"S256"},
			},
			signedIn:   true,
			wantStatus: http.StatusFound,
			wantError:  model.ErrorInvalidScope,
		},
		{
			name: "no credential and no session",
			params: url.Values{
				"client_id": {"web"}, "redirect_uri": {appCallback}, "response_type": {"code"}, "scope": {"openid"},
				"code_challenge": {challenge}, "code_challenge_method": {"S256"},
			},
			wantStatus: http.StatusForbidden,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodGet, PathAuthorize+"?"+tc.params.Encode(), nil, tc.signedIn, nil)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d, body:\n%s", resp.StatusCode, tc.wantStatus, body)
			}
			if tc.wantError == "" {
				return
			}
			loc, err := url.Parse(resp.Header.Get("Location"))
			if err != nil {
				t.Fatal(err)
			}
			if got := loc.Query().Get("error"); got != tc.wantError {
				t.Errorf("error = %q, want %q", got, tc.wantError)
			}
		})
	}
}

func TestConsent(t *testing.T) {
	e := newTestEnv(t)
	params := url.Values{
		"client_id":     {"consent"},
		"redirect_uri":  {appCallback},
		"response_type": {"code"},
		"scope":         {"openid email"},
		"state":         {"s1"},
	}

	resp, _ := e.do(t, http.MethodGet, PathAuthorize+"?"+params.Encode(), nil, true, nil)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("sign in status = %d", resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodGet, resp.Header.Get("Location"), nil, false, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `action="/authorize/consent"`) {
		t.Fatalf("consent page status = %d, body:\n%s", resp.StatusCode, body)
	}

	resp, _ = e.do(t, http.MethodPost, PathConsent, url.Values{
		"request":  {params.Encode()},
		"decision": {"allow"},
		"scope":    {"email"},
		"remember": {"true"},
	}, false, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("consent status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if loc.Query().Get("code") == "" {
		t.Fatalf("no code after consent: %s", loc)
	}

	// Remembered consent skips the prompt.
	loc = e.authorize(t, params)
	if loc.Query().Get("code") == "" {
		t.Errorf("remembered consent did not issue a code: %s", loc)
	}

	resp, _ = e.do(t, http.MethodPost, PathConsent, url.Values{
		"request":  {params.Encode()},
		"decision": {"deny"},
	}, false, nil)
	loc, err = url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := loc.Query().Get("error"); got != model.ErrorAccessDenied {
		t.Errorf("denied consent error = %q", got)
	}

	// Denying clears the remembered consent, so a silent request needs it.
	silent := url.Values{}
	for k, v := range params {
		silent[k] = v
	}
	silent.Set("prompt", "none")
	resp, _ = e.do(t, http.MethodGet, PathAuthorize+"?"+silent.Encode(), nil, false, nil)
	loc, err = url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if got := loc.Query().Get("error"); got != model.ErrorConsentRequired {
		t.Errorf("silent request after deny error = %q, want %q", got, model.ErrorConsentRequired)
	}
}

func TestDeviceFlow(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, PathDeviceAuthorization, url.Values{
		"client_id": {"tv"},
		"scope":     {"openid api1"},
	}, false, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("device authorization status = %d, body:\n%s", resp.StatusCode, body)
	}
	da := decodeJSON[responses.DeviceAuthorizationResponse](t, body)
	if da.DeviceCode == "" || da.UserCode == "" || da.VerificationURI != testIssuer+PathDeviceVerification {
		t.Fatalf("unexpected device authorization response: %+v", da)
	}

	poll := func() (*http.Response, string) {
		return e.do(t, http.MethodPost, PathToken, url.Values{
			"grant_type":  {model.GrantTypeDeviceCode},
			"device_code": {da.DeviceCode},
			"client_id":   {"tv"},
		}, false, nil)
	}
	resp, body = poll()
	if resp.StatusCode != http.StatusBadRequest || decodeJSON[errorResponse](t, body).Error != model.ErrorAuthorizationPending {
		t.Fatalf("pending poll: status %d body %s", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodGet, PathDeviceVerification+"?userCode="+da.UserCode, nil, true, nil)
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("verification sign in status = %d, body:\n%s", resp.StatusCode, body)
	}
	resp, body = e.do(t, http.MethodGet, resp.Header.Get("Location"), nil, false, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "api1") {
		t.Fatalf("verification page status = %d, body:\n%s", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodPost, PathDeviceVerification, url.Values{
		"user_code": {da.UserCode},
		"decision":  {"allow"},
	}, false, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, body:\n%s", resp.StatusCode, body)
	}

	resp, body = poll()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approved poll status = %d, body:\n%s", resp.StatusCode, body)
	}
	tok := decodeJSON[responses.TokenResponse](t, body)
	if tok.AccessToken == "" || tok.IdentityToken == "" {
		t.Errorf("unexpected token response: %+v", tok)
	}
}

func TestIntrospectionAndRevocation(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, PathToken, url.Values{
		"grant_type": {model.GrantTypeClientCredentials},
		"scope":      {"api1"},
	}, false, basicAuth("svc", "svc-secret"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("client credentials status = %d, body:\n%s", resp.StatusCode, body)
	}
	tok := decodeJSON[responses.TokenResponse](t, body)
	if strings.Count(tok.AccessToken, ".") == 2 {
		t.Fatalf("expected a reference token, got a jwt")
	}

	introspect := func() map[string]any {
		resp, body := e.do(t, http.MethodPost, PathIntrospection, url.Values{"token": {tok.AccessToken}}, false, basicAuth("api", "api-secret"))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("introspection status = %d, body:\n%s", resp.StatusCode, body)
		}
		return decodeJSON[map[string]any](t, body)
	}
	got := introspect()
	if got["active"] != true || got["client_id"] != "svc" || got["scope"] != "api1" {
		t.Errorf("active introspection = %v", got)
	}

	resp, _ = e.do(t, http.MethodPost, PathIntrospection, url.Values{"token": {tok.AccessToken}}, false, basicAuth("api", "wrong"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad api secret status = %d", resp.StatusCode)
	}

	resp, body = e.do(t, http.MethodPost, PathRevocation, url.Values{
		"token":           {tok.AccessToken},
		"token_type_hint": {"access_token"},
	}, false, basicAuth("svc", "svc-secret"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revocation status = %d, body:\n%s", resp.StatusCode, body)
	}
	if diff := cmp.Diff(map[string]any{"active": false}, introspect()); diff != "" {
		t.Errorf("introspection after revocation (-want +got):\n%s", diff)
	}
}

func TestTokenEndpointClientAuthentication(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodPost, PathToken, url.Values{
		"grant_type": {model.GrantTypeClientCredentials},
	}, false, basicAuth("svc", "wrong"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, body:\n%s", resp.StatusCode, body)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate for basic auth failure")
	}
	if got := decodeJSON[errorResponse](t, body).Error; got != model.ErrorInvalidClient {
		t.Errorf("error = %q", got)
	}
}

func TestUserInfoRequiresToken(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodGet, PathUserInfo, nil, false, nil)
	if resp.StatusCode != http.StatusUnauthorized || !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Bearer") {
		t.Errorf("status = %d, WWW-Authenticate = %q", resp.StatusCode, resp.Header.Get("WWW-Authenticate"))
	}
	resp, _ = e.do(t, http.MethodGet, PathUserInfo, nil, false, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer not-a-token")
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("invalid token status = %d", resp.StatusCode)
	}
}

func TestDiscovery(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, PathDiscovery, nil, false, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	md := decodeJSON[providerMetadata](t, body)
	if md.Issuer != testIssuer || md.TokenEndpoint != testIssuer+PathToken || md.JWKSURI != testIssuer+PathJWKS {
		t.Errorf("unexpected endpoints: %+v", md)
	}
	if diff := cmp.Diff([]string{"openid", "profile", "email", "api1", "offline_access"}, md.ScopesSupported); diff != "" {
		t.Errorf("scopes_supported (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ES256"}, md.IDTokenSigningAlgValuesSupported); diff != "" {
		t.Errorf("signing algorithms (-want +got):\n%s", diff)
	}

	resp, body = e.do(t, http.MethodGet, PathJWKS, nil, false, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwks status = %d", resp.StatusCode)
	}
	jwks := decodeJSON[struct {
		Keys []map[string]any `json:"keys"`
	}](t, body)
	if len(jwks.Keys) == 0 {
		t.Error("jwks has no keys")
	}
}
