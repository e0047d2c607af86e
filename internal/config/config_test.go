package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/model"
)

const testConfig = `{
	// comments are allowed
	"issuer": "https://${TEST_IDP_HOST:-idp.example.com}",
	"options": {
		"deviceFlowInterval": "10s",
		"trustedUserHeader": "X-Forwarded-User",
	},
	"clients": [
		{
			"id": "web",
			"clientSecrets": ["s3cret"],
			"redirectURLs": ["https://app.example.com/callback"],
			"grantTypes": ["authorization_code", "refresh_token"],
			"allowOfflineAccess": true,
			"tokenValidity": "15m",
			"slidingRefreshValidity": "72h",
			"requiredGroups": ["admins", "ops"],
			"claims": {"tier": "gold"},
		},
		{
			"id": "cli",
			"public": true,
			"grantTypes": ["urn:ietf:params:oauth:grant-type:device_code"],
			"userCodeType": "alphanumeric",
		},
	],
	"users": [
		{
			"id": "6b1e3a52-2f7a-4d8e-9c39-0d8c0f6c2b11",
			"username": "jane",
			"email": "jane@example.com",
			"fullName": "Jane Doe",
			"groups": ["admins"],
		},
	],
	"apiScopes": [{"name": "api.read"}],
	"apiResources": [{"name": "api", "scopes": ["api.read"], "secrets": ["apisecret"]}],
}`

func TestParseConfig(t *testing.T) {
	t.Setenv("TEST_IDP_HOST", "")

	c, err := ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatal(err)
	}
	if c.ParsedIssuer.Host != "idp.example.com" {
		t.Errorf("issuer host = %q", c.ParsedIssuer.Host)
	}
	if got := c.Options.DeviceFlowInterval.Duration(); got != 10*time.Second {
		t.Errorf("device flow interval = %s", got)
	}
	if c.Options.UserCodeLength != DefaultUserCodeLength || c.Options.SessionDuration.Duration() != DefaultSessionDuration {
		t.Errorf("defaults not applied: %+v", c.Options)
	}
	if len(c.IdentityResources) != 3 {
		t.Errorf("want default identity resources, got %v", c.IdentityResources)
	}

	clients := c.ModelClients()
	web := clients[0]
	if web.ClientSecrets[0].Value != cryptoutil.Sha256("s3cret") {
		t.Error("client secret was not hashed")
	}
	if !web.RequirePKCE || !web.RequireClientSecret || !web.Enabled {
		t.Errorf("unexpected flags: %+v", web)
	}
	if web.AccessTokenLifetime != 15*time.Minute || web.IdentityTokenLifetime != 15*time.Minute {
		t.Errorf("token lifetimes = %s / %s", web.AccessTokenLifetime, web.IdentityTokenLifetime)
	}
	if web.RefreshTokenExpiration != model.TokenExpirationSliding || web.SlidingRefreshTokenLifetime != 72*time.Hour {
		t.Errorf("sliding refresh not configured: %s %s", web.RefreshTokenExpiration, web.SlidingRefreshTokenLifetime)
	}
	if !web.AllowsScope(model.ScopeOfflineAccess) {
		t.Error("offline_access should be allowed")
	}
	if want := `["admins", "ops"].exists(g, g in user.groups)`; web.AuthorizationPolicy != want {
		t.Errorf("authorization policy = %q, want %q", web.AuthorizationPolicy, want)
	}
	if diff := cmp.Diff([]model.Claim{model.NewClaim("tier", "gold")}, web.Claims); diff != "" {
		t.Errorf("client claims (-want +got):\n%s", diff)
	}

	cli := clients[1]
	if cli.RequireClientSecret || cli.UserCodeType != model.UserCodeTypeAlphanumeric {
		t.Errorf("unexpected cli client: %+v", cli)
	}

	res := c.ModelResources()
	if len(res.APIResources) != 1 || res.APIResources[0].APISecrets[0].Value != cryptoutil.Sha256("apisecret") {
		t.Errorf("api resource not converted: %+v", res.APIResources)
	}

	u, err := c.Users.GetUserByUsername("jane")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := c.Users.GetUserBySubject(u.ID.String()); err != nil || got != u {
		t.Errorf("GetUserBySubject = %v, %v", got, err)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "unknown field",
			config:  `{"issuer": "https://idp", "bogus": true}`,
			wantErr: "unknown field",
		},
		{
			name:    "missing issuer",
			config:  `{}`,
			wantErr: "issuer is required",
		},
		{
			name:    "relative issuer",
			config:  `{"issuer": "/idp"}`,
			wantErr: "not an absolute URL",
		},
		{
			name:    "secretless confidential client",
			config:  `{"issuer": "https://idp", "clients": [{"id": "a", "redirectURLs": ["https://a/cb"]}]}`,
			wantErr: "missing client secrets",
		},
		{
			name:    "policy and groups",
			config:  `{"issuer": "https://idp", "clients": [{"id": "a", "public": true, "redirectURLs": ["https://a/cb"], "authorizationPolicy": "true", "requiredGroups": ["x"]}]}`,
			wantErr: "can not set both",
		},
		{
			name:    "browser client without redirect",
			config:  `{"issuer": "https://idp", "clients": [{"id": "a", "public": true}]}`,
			wantErr: "redirectUris are required",
		},
		{
			name:    "duplicate client",
			config:  `{"issuer": "https://idp", "clients": [{"id": "a", "public": true, "redirectURLs": ["https://a/cb"]}, {"id": "a", "public": true, "redirectURLs": ["https://a/cb"]}]}`,
			wantErr: "defined twice",
		},
		{
			name:    "user without username",
			config:  `{"issuer": "https://idp", "users": [{"id": "6b1e3a52-2f7a-4d8e-9c39-0d8c0f6c2b11", "email": "a@b"}]}`,
			wantErr: "missing username",
		},
		{
			name:    "unknown api scope",
			config:  `{"issuer": "https://idp", "apiResources": [{"name": "api", "scopes": ["nope"]}]}`,
			wantErr: "unknown api scope",
		},
		{
			name:    "bad duration",
			config:  `{"issuer": "https://idp", "options": {"sessionDuration": "forever"}}`,
			wantErr: "invalid duration",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.config))
			if err == nil {
				t.Fatal("want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}
