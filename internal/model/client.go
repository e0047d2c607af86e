package model

import (
	"slices"
	"time"
)

// Grant types a client can be allowed to use.
const (
	GrantTypeImplicit          = "implicit"
	GrantTypeHybrid            = "hybrid"
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// ProtocolTypeOIDC is the only protocol type clients can be configured for.
const ProtocolTypeOIDC = "oidc"

// AccessTokenType selects how access tokens are issued for a client.
type AccessTokenType string

const (
	AccessTokenTypeJWT       AccessTokenType = "jwt"
	AccessTokenTypeReference AccessTokenType = "reference"
)

// TokenUsage controls whether refresh tokens can be redeemed more than once.
type TokenUsage string

const (
	TokenUsageReUse       TokenUsage = "reuse"
	TokenUsageOneTimeOnly TokenUsage = "onetime"
)

// TokenExpiration controls how refresh token lifetimes are computed.
type TokenExpiration string

const (
	TokenExpirationAbsolute TokenExpiration = "absolute"
	TokenExpirationSliding  TokenExpiration = "sliding"
)

// UserCodeType selects the alphabet of device flow user codes.
type UserCodeType string

const (
	UserCodeTypeNumeric      UserCodeType = "numeric"
	UserCodeTypeAlphanumeric UserCodeType = "alphanumeric"
)

// Default client settings.
const (
	DefaultIdentityTokenLifetime        = 5 * time.Minute
	DefaultAccessTokenLifetime          = time.Hour
	DefaultAuthorizationCodeLifetime    = 5 * time.Minute
	DefaultAbsoluteRefreshTokenLifetime = 30 * 24 * time.Hour
	DefaultSlidingRefreshTokenLifetime  = 15 * 24 * time.Hour
	DefaultDeviceCodeLifetime           = 5 * time.Minute
	DefaultPollingInterval              = 5 * time.Second
)

// Client is a registered relying party. Clients are immutable for the
// duration of a request.
type Client struct {
	ClientID    string `json:"clientId"`
	ClientName  string `json:"clientName,omitzero"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitzero"`
	// ProtocolType must be "oidc".
	ProtocolType string `json:"protocolType"`

	ClientSecrets       []Secret `json:"clientSecrets,omitzero"`
	RequireClientSecret bool     `json:"requireClientSecret"`

	RequireConsent       bool `json:"requireConsent"`
	AllowRememberConsent bool `json:"allowRememberConsent"`

	RequirePKCE                 bool `json:"requirePkce"`
	AllowPlainTextPKCE          bool `json:"allowPlainTextPkce"`
	AllowAccessTokensViaBrowser bool `json:"allowAccessTokensViaBrowser"`
	AllowOfflineAccess          bool `json:"allowOfflineAccess"`

	AllowedGrantTypes      []string `json:"allowedGrantTypes"`
	RedirectURIs           []string `json:"redirectUris,omitzero"`
	PostLogoutRedirectURIs []string `json:"postLogoutRedirectUris,omitzero"`
	AllowedScopes          []string `json:"allowedScopes,omitzero"`
	AllowedCORSOrigins     []string `json:"allowedCorsOrigins,omitzero"`

	FrontChannelLogoutURI             string `json:"frontChannelLogoutUri,omitzero"`
	FrontChannelLogoutSessionRequired bool   `json:"frontChannelLogoutSessionRequired"`
	BackChannelLogoutURI              string `json:"backChannelLogoutUri,omitzero"`
	BackChannelLogoutSessionRequired  bool   `json:"backChannelLogoutSessionRequired"`

	AlwaysIncludeUserClaimsInIDToken bool          `json:"alwaysIncludeUserClaimsInIdToken"`
	IdentityTokenLifetime            time.Duration `json:"identityTokenLifetime"`
	AccessTokenLifetime              time.Duration `json:"accessTokenLifetime"`
	AuthorizationCodeLifetime        time.Duration `json:"authorizationCodeLifetime"`
	AbsoluteRefreshTokenLifetime     time.Duration `json:"absoluteRefreshTokenLifetime"`
	SlidingRefreshTokenLifetime      time.Duration `json:"slidingRefreshTokenLifetime"`
	DeviceCodeLifetime               time.Duration `json:"deviceCodeLifetime"`
	UserCodeType                     UserCodeType  `json:"userCodeType,omitzero"`
	ConsentLifetime                  time.Duration `json:"consentLifetime,omitzero"`

	RefreshTokenUsage                TokenUsage      `json:"refreshTokenUsage"`
	RefreshTokenExpiration           TokenExpiration `json:"refreshTokenExpiration"`
	UpdateAccessTokenClaimsOnRefresh bool            `json:"updateAccessTokenClaimsOnRefresh"`
	AccessTokenType                  AccessTokenType `json:"accessTokenType"`
	IncludeJWTID                     bool            `json:"includeJwtId"`

	// AllowedIdentityTokenSigningAlgorithms restricts the algorithms used to
	// sign identity tokens for this client. Empty means the server default.
	AllowedIdentityTokenSigningAlgorithms []string `json:"allowedIdentityTokenSigningAlgorithms,omitzero"`

	// Claims are added to access tokens issued to this client.
	Claims                 []Claim `json:"claims,omitzero"`
	AlwaysSendClientClaims bool    `json:"alwaysSendClientClaims"`
	ClientClaimsPrefix     string  `json:"clientClaimsPrefix,omitzero"`

	// AuthorizationPolicy is a CEL expression deciding if a user may use
	// this client.
	AuthorizationPolicy string `json:"authorizationPolicy,omitzero"`
	// ClaimsPolicy is a CEL expression that patches the user claims issued
	// to this client.
	ClaimsPolicy string `json:"claimsPolicy,omitzero"`
}

// NewClient returns a client with the default settings applied.
func NewClient(id string) *Client {
	c := &Client{ClientID: id}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills unset lifetimes and modes with their defaults. Boolean
// settings are left alone.
func (c *Client) ApplyDefaults() {
	if c.ProtocolType == "" {
		c.ProtocolType = ProtocolTypeOIDC
	}
	if c.IdentityTokenLifetime == 0 {
		c.IdentityTokenLifetime = DefaultIdentityTokenLifetime
	}
	if c.AccessTokenLifetime == 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.AuthorizationCodeLifetime == 0 {
		c.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if c.AbsoluteRefreshTokenLifetime == 0 {
		c.AbsoluteRefreshTokenLifetime = DefaultAbsoluteRefreshTokenLifetime
	}
	if c.SlidingRefreshTokenLifetime == 0 {
		c.SlidingRefreshTokenLifetime = DefaultSlidingRefreshTokenLifetime
	}
	if c.DeviceCodeLifetime == 0 {
		c.DeviceCodeLifetime = DefaultDeviceCodeLifetime
	}
	if c.UserCodeType == "" {
		c.UserCodeType = UserCodeTypeNumeric
	}
	if c.RefreshTokenUsage == "" {
		c.RefreshTokenUsage = TokenUsageOneTimeOnly
	}
	if c.RefreshTokenExpiration == "" {
		c.RefreshTokenExpiration = TokenExpirationAbsolute
	}
	if c.AccessTokenType == "" {
		c.AccessTokenType = AccessTokenTypeJWT
	}
}

// AllowsGrantType reports if the client is configured for grantType.
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// AllowsScope reports if scope is in the client's allowed scopes.
func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// IsImplicitOnly reports if the implicit grant is the only grant the client
// can use. Such clients never authenticate at the token endpoint.
func (c *Client) IsImplicitOnly() bool {
	return len(c.AllowedGrantTypes) == 1 && c.AllowedGrantTypes[0] == GrantTypeImplicit
}
