package config

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/model"
)

// Client represents an individual oauth2/oidc client.
type Client struct {
	// ID is the identifier for this client, corresponds to the client ID.
	ID   string `json:"id"`
	Name string `json:"name,omitzero"`
	// Disabled clients are rejected everywhere.
	Disabled bool `json:"disabled,omitzero"`
	// Secrets is a list of valid client secrets for this client, in
	// plaintext. They are hashed when the config is loaded. At least one
	// secret or JWK is required, unless the client is Public.
	Secrets []string `json:"clientSecrets,omitzero"`
	// JWKs are public keys, as JSON Web Keys, the client signs
	// private_key_jwt assertions with.
	JWKs []string `json:"jwks,omitzero"`
	// RedirectURLs is a list of valid redirect URLs for this client. These
	// are an exact match.
	RedirectURLs []string `json:"redirectURLs,omitzero"`
	// PostLogoutRedirectURLs are the URLs the end session endpoint may
	// send the user back to.
	PostLogoutRedirectURLs []string `json:"postLogoutRedirectURLs,omitzero"`
	// GrantTypes the client may use. Defaults to authorization_code.
	GrantTypes []string `json:"grantTypes,omitzero"`
	// Scopes the client may request. Defaults to openid, profile and email.
	Scopes []string `json:"scopes,omitzero"`
	// Public indicates that this client is public. A "public" client is one
	// who can't keep their credentials confidential. These will not be
	// required to use a client secret.
	// https://datatracker.ietf.org/doc/html/rfc6749#section-2.1
	Public bool `json:"public,omitzero"`
	// SkipPKCE indicates that this client should not be required to use PKCE.
	SkipPKCE bool `json:"skipPKCE,omitzero"`
	// AllowPlainPKCE permits the plain code challenge method.
	AllowPlainPKCE bool `json:"allowPlainPKCE,omitzero"`
	// UseRS256 signs identity tokens with RS256 rather than the server
	// default.
	UseRS256 bool `json:"useRS256,omitzero"`
	// RequireConsent shows the consent screen. AllowRememberConsent lets the
	// user skip it next time.
	RequireConsent       bool `json:"requireConsent,omitzero"`
	AllowRememberConsent bool `json:"allowRememberConsent,omitzero"`
	// AllowOfflineAccess permits the offline_access scope, and with it
	// refresh tokens.
	AllowOfflineAccess          bool `json:"allowOfflineAccess,omitzero"`
	AllowAccessTokensViaBrowser bool `json:"allowAccessTokensViaBrowser,omitzero"`
	// AlwaysIncludeUserClaimsInIDToken puts the user claims into identity
	// tokens even when an access token is issued alongside.
	AlwaysIncludeUserClaimsInIDToken bool `json:"alwaysIncludeUserClaimsInIDToken,omitzero"`
	// ReferenceTokens issues opaque access tokens that are looked up at the
	// introspection endpoint.
	ReferenceTokens bool `json:"referenceTokens,omitzero"`
	// ReuseRefreshTokens keeps the same refresh token handle across
	// refreshes instead of issuing a new one each time.
	ReuseRefreshTokens bool `json:"reuseRefreshTokens,omitzero"`
	// UpdateClaimsOnRefresh re-reads the user's claims on refresh.
	UpdateClaimsOnRefresh bool `json:"updateClaimsOnRefresh,omitzero"`
	// IncludeJWTID adds a jti to access tokens.
	IncludeJWTID bool `json:"includeJWTID,omitzero"`

	FrontChannelLogoutURL             string `json:"frontChannelLogoutURL,omitzero"`
	FrontChannelLogoutSessionRequired bool   `json:"frontChannelLogoutSessionRequired,omitzero"`
	BackChannelLogoutURL              string `json:"backChannelLogoutURL,omitzero"`
	BackChannelLogoutSessionRequired  bool   `json:"backChannelLogoutSessionRequired,omitzero"`

	// ClaimsPolicy is a CEL expression that can be used to modify the claims
	// for this client.
	ClaimsPolicy string `json:"claimsPolicy,omitzero"`
	// AuthorizationPolicy is a CEL expression that can be used to determine if
	// a user is authorized to access this client.
	AuthorizationPolicy string `json:"authorizationPolicy,omitzero"`
	// RequiredGroups is a list of group names that the user must be a member of
	// to access this client. If empty, no group membership is required. This is a convenience
	// field that will be converted automatically to an AuthorizationPolicy. Both can not be
	// specified at the same time.
	RequiredGroups []string `json:"requiredGroups,omitzero"`

	// Claims are added to every access token issued to this client, prefixed
	// with ClaimsPrefix.
	Claims       map[string]string `json:"claims,omitzero"`
	ClaimsPrefix string            `json:"claimsPrefix,omitzero"`
	// AlwaysSendClaims includes Claims in user tokens too, not only client
	// credentials tokens.
	AlwaysSendClaims bool `json:"alwaysSendClaims,omitzero"`

	// GrantValidity overrides the default validity time for authorization
	// codes.
	GrantValidity JSONDuration `json:"grantValidity,omitzero"`
	// TokenValidity overrides the default validity time for ID/access tokens.
	// Go duration format.
	TokenValidity JSONDuration `json:"tokenValidity,omitzero"`
	// RefreshValidity overrides the absolute lifetime of refresh tokens.
	RefreshValidity JSONDuration `json:"refreshValidity,omitzero"`
	// SlidingRefreshValidity enables sliding refresh token expiration with
	// this window.
	SlidingRefreshValidity JSONDuration `json:"slidingRefreshValidity,omitzero"`
	// DeviceCodeValidity overrides how long a device code can be approved.
	DeviceCodeValidity JSONDuration `json:"deviceCodeValidity,omitzero"`
	// ConsentValidity limits how long remembered consent lasts.
	ConsentValidity JSONDuration `json:"consentValidity,omitzero"`
	// UserCodeType is numeric or alphanumeric.
	UserCodeType model.UserCodeType `json:"userCodeType,omitzero"`
}

// authorizationPolicy is the explicit policy, or one built from
// RequiredGroups.
func (c *Client) authorizationPolicy() string {
	if c.AuthorizationPolicy != "" || len(c.RequiredGroups) == 0 {
		return c.AuthorizationPolicy
	}
	quoted := make([]string, len(c.RequiredGroups))
	for i, g := range c.RequiredGroups {
		quoted[i] = strconv.Quote(g)
	}
	return fmt.Sprintf("[%s].exists(g, g in user.groups)", strings.Join(quoted, ", "))
}

// ToModel converts the config form into the client the protocol code uses,
// with secrets hashed and defaults applied.
func (c *Client) ToModel() *model.Client {
	m := &model.Client{
		ClientID:                          c.ID,
		ClientName:                        c.Name,
		Enabled:                           !c.Disabled,
		ProtocolType:                      model.ProtocolTypeOIDC,
		ClientSecrets:                     sharedSecrets(c.Secrets),
		RequireClientSecret:               !c.Public,
		RequireConsent:                    c.RequireConsent,
		AllowRememberConsent:              c.AllowRememberConsent,
		RequirePKCE:                       !c.SkipPKCE,
		AllowPlainTextPKCE:                c.AllowPlainPKCE,
		AllowAccessTokensViaBrowser:       c.AllowAccessTokensViaBrowser,
		AllowOfflineAccess:                c.AllowOfflineAccess,
		AllowedGrantTypes:                 c.GrantTypes,
		RedirectURIs:                      c.RedirectURLs,
		PostLogoutRedirectURIs:            c.PostLogoutRedirectURLs,
		AllowedScopes:                     c.Scopes,
		FrontChannelLogoutURI:             c.FrontChannelLogoutURL,
		FrontChannelLogoutSessionRequired: c.FrontChannelLogoutSessionRequired,
		BackChannelLogoutURI:              c.BackChannelLogoutURL,
		BackChannelLogoutSessionRequired:  c.BackChannelLogoutSessionRequired,
		AlwaysIncludeUserClaimsInIDToken:  c.AlwaysIncludeUserClaimsInIDToken,
		IdentityTokenLifetime:             c.TokenValidity.Duration(),
		AccessTokenLifetime:               c.TokenValidity.Duration(),
		AuthorizationCodeLifetime:         c.GrantValidity.Duration(),
		AbsoluteRefreshTokenLifetime:      c.RefreshValidity.Duration(),
		SlidingRefreshTokenLifetime:       c.SlidingRefreshValidity.Duration(),
		DeviceCodeLifetime:                c.DeviceCodeValidity.Duration(),
		ConsentLifetime:                   c.ConsentValidity.Duration(),
		UserCodeType:                      c.UserCodeType,
		UpdateAccessTokenClaimsOnRefresh:  c.UpdateClaimsOnRefresh,
		IncludeJWTID:                      c.IncludeJWTID,
		AlwaysSendClientClaims:            c.AlwaysSendClaims,
		ClientClaimsPrefix:                c.ClaimsPrefix,
		AuthorizationPolicy:               c.authorizationPolicy(),
		ClaimsPolicy:                      c.ClaimsPolicy,
	}
	if len(m.AllowedGrantTypes) == 0 {
		m.AllowedGrantTypes = []string{model.GrantTypeAuthorizationCode}
	}
	if len(m.AllowedScopes) == 0 {
		m.AllowedScopes = []string{model.ScopeOpenID, model.ScopeProfile, model.ScopeEmail}
	}
	if c.AllowOfflineAccess && !m.AllowsScope(model.ScopeOfflineAccess) {
		m.AllowedScopes = append(m.AllowedScopes, model.ScopeOfflineAccess)
	}
	for _, k := range c.JWKs {
		m.ClientSecrets = append(m.ClientSecrets, model.Secret{Type: model.SecretTypeJSONWebKey, Value: k})
	}
	if c.UseRS256 {
		m.AllowedIdentityTokenSigningAlgorithms = []string{"RS256"}
	}
	if c.ReferenceTokens {
		m.AccessTokenType = model.AccessTokenTypeReference
	}
	if c.ReuseRefreshTokens {
		m.RefreshTokenUsage = model.TokenUsageReUse
	}
	if c.SlidingRefreshValidity != 0 {
		m.RefreshTokenExpiration = model.TokenExpirationSliding
	}
	for _, k := range slices.Sorted(maps.Keys(c.Claims)) {
		m.Claims = append(m.Claims, model.NewClaim(k, c.Claims[k]))
	}
	m.ApplyDefaults()
	return m
}

func sharedSecrets(plain []string) []model.Secret {
	var out []model.Secret
	for _, s := range plain {
		out = append(out, model.Secret{Type: model.SecretTypeSharedSecret, Value: cryptoutil.Sha256(s)})
	}
	return out
}
