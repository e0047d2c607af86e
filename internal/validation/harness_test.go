package validation

import (
	"context"
	"testing"
	"time"

	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/keys"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/resources"
	"lds.li/grantidp/internal/secrets"
	"lds.li/grantidp/internal/tokens"
)

const testIssuer = "https://idp.example.com"

type fakeProfile struct {
	inactive map[string]bool
}

func (f *fakeProfile) GetProfileData(context.Context, *model.ProfileDataRequest) ([]model.Claim, error) {
	return nil, nil
}

func (f *fakeProfile) IsActive(_ context.Context, req *model.IsActiveRequest) (bool, error) {
	return !f.inactive[req.Subject.SubjectID], nil
}

type fakeClients map[string]*model.Client

func (f fakeClients) FindEnabledClientByID(_ context.Context, id string) (*model.Client, error) {
	c, ok := f[id]
	if !ok || !c.Enabled {
		return nil, nil
	}
	return c, nil
}

type env struct {
	now     time.Time
	clients fakeClients
	profile *fakeProfile

	codes     *grants.AuthorizationCodeStore
	refresh   *tokens.RefreshTokenService
	devices   *grants.DeviceFlowStore
	resources *resources.Validator
	tokens    *tokens.Service
	validator *tokens.Validator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		clients: fakeClients{},
		profile: &fakeProfile{inactive: map[string]bool{}},
	}
	clock := func() time.Time { return e.now }

	mk := func(id string, grantTypes ...string) *model.Client {
		c := model.NewClient(id)
		c.Enabled = true
		c.AllowedGrantTypes = grantTypes
		c.RedirectURIs = []string{"https://client.com/callback"}
		c.PostLogoutRedirectURIs = []string{"https://client.com/signed-out"}
		e.clients[id] = c
		return c
	}
	code := mk("codeclient", model.GrantTypeAuthorizationCode)
	code.AllowedScopes = []string{"openid", "profile", "api1"}
	code.AllowOfflineAccess = true

	pkce := mk("pkceclient", model.GrantTypeAuthorizationCode)
	pkce.AllowedScopes = []string{"openid", "profile"}
	pkce.RequirePKCE = true

	implicit := mk("implicitclient", model.GrantTypeImplicit)
	implicit.AllowedScopes = []string{"openid", "profile", "api1"}
	implicit.AllowAccessTokensViaBrowser = true

	hybrid := mk("hybridclient", model.GrantTypeHybrid)
	hybrid.AllowedScopes = []string{"openid", "profile"}

	cc := mk("ccclient", model.GrantTypeClientCredentials)
	cc.AllowedScopes = []string{"api1", "api2"}

	device := mk("deviceclient", model.GrantTypeDeviceCode)
	device.AllowedScopes = []string{"openid", "api1"}

	disabled := mk("disabledclient", model.GrantTypeAuthorizationCode)
	disabled.Enabled = false

	store, err := resources.NewInMemoryStore(model.Resources{
		IdentityResources: resources.DefaultIdentityResources(),
		APIScopes:         []model.APIScope{{Name: "api1", Enabled: true}, {Name: "api2", Enabled: true}},
		APIResources:      []model.APIResource{{Name: "api", Enabled: true, Scopes: []string{"api1", "api2"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	e.resources = &resources.Validator{Store: store}

	grantStore := grants.NewMemoryStore()
	e.codes = grants.NewAuthorizationCodeStore(grantStore, nil)
	e.codes.Now = clock
	refreshStore := grants.NewRefreshTokenStore(grantStore, nil)
	refreshStore.Now = clock
	e.refresh = tokens.NewRefreshTokenService(refreshStore, e.profile, nil)
	e.refresh.Now = clock
	e.devices = grants.NewDeviceFlowStore(grantStore, nil)
	e.devices.Now = clock
	reference := grants.NewReferenceTokenStore(grantStore, nil)
	reference.Now = clock

	km, err := keys.NewStatic(keys.DefaultAlgorithms[1])
	if err != nil {
		t.Fatal(err)
	}
	e.tokens, err = tokens.NewService(tokens.ServiceConfig{
		Issuer:          testIssuer,
		Creator:         tokens.NewCreator(km, tokens.Options{}),
		ReferenceTokens: reference,
		Profile:         e.profile,
		Now:             clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.validator, err = tokens.NewValidator(tokens.ValidatorConfig{
		Issuer:          testIssuer,
		Keys:            km,
		ReferenceTokens: reference,
		Clients:         e.clients,
		Profile:         e.profile,
		Now:             clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *env) client(id string) *secrets.ClientResult {
	return &secrets.ClientResult{Client: e.clients[id]}
}

func (e *env) tokenValidator() *TokenRequestValidator {
	return &TokenRequestValidator{
		Codes:         e.codes,
		RefreshTokens: e.refresh,
		DeviceCodes:   &DeviceCodeValidator{Store: e.devices, Profile: e.profile},
		Resources:     e.resources,
		Profile:       e.profile,
		Now:           func() time.Time { return e.now },
	}
}

// identityToken issues an identity token for sub to clientID.
func (e *env) identityToken(t *testing.T, sub, clientID string) string {
	t.Helper()
	ctx := context.Background()
	tok, err := e.tokens.CreateIdentityToken(ctx, &tokens.CreationRequest{
		Subject: &model.Subject{SubjectID: sub, SessionID: "session1"},
		Client:  e.clients[clientID],
	})
	if err != nil {
		t.Fatal(err)
	}
	compact, err := e.tokens.CreateSecurityToken(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	return compact
}

// accessToken issues an access token for sub to clientID with scopes.
func (e *env) accessToken(t *testing.T, sub, clientID string, scopes ...string) (*model.Token, string) {
	t.Helper()
	ctx := context.Background()
	client := e.clients[clientID]
	res, err := e.resources.ValidateRequestedResources(ctx, client, scopes)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Succeeded() {
		t.Fatalf("scopes %v invalid: %v", scopes, res.InvalidScopes)
	}
	var subject *model.Subject
	if sub != "" {
		subject = &model.Subject{SubjectID: sub, SessionID: "session1"}
	}
	tok, err := e.tokens.CreateAccessToken(ctx, &tokens.CreationRequest{Subject: subject, Client: client, Resources: res})
	if err != nil {
		t.Fatal(err)
	}
	compact, err := e.tokens.CreateSecurityToken(ctx, tok)
	if err != nil {
		t.Fatal(err)
	}
	return tok, compact
}
