package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/hujson"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/validation"
)

type Config struct {
	// Issuer is the issuer URL for this config.
	Issuer string `json:"issuer"`
	// ParsedIssuer is the parsed issuer URL, this happens at load time.
	ParsedIssuer *url.URL `json:"-"`
	// Options tune protocol behaviour.
	Options Options `json:"options,omitzero"`
	// Clients is a list of fixed clients for this issuer.
	Clients []Client `json:"clients,omitempty"`
	// Users is a list of users for this issuer.
	Users Users `json:"users,omitempty"`
	// IdentityResources default to openid, profile and email.
	IdentityResources []IdentityResource `json:"identityResources,omitempty"`
	APIScopes         []APIScope         `json:"apiScopes,omitempty"`
	APIResources      []APIResource      `json:"apiResources,omitempty"`
}

// Options are server wide settings.
type Options struct {
	// AccessTokenJWTType is the typ header of JWT access tokens. Defaults to
	// at+jwt.
	AccessTokenJWTType string `json:"accessTokenJWTType,omitzero"`
	// EmitScopesAsSpaceDelimitedString writes the scope claim of access
	// tokens as one string rather than an array.
	EmitScopesAsSpaceDelimitedString bool `json:"emitScopesAsSpaceDelimitedString,omitzero"`
	// InputLengths caps the size of request parameters. Unset fields use
	// the defaults.
	InputLengths validation.InputLengths `json:"inputLengths,omitzero"`
	// LogoutTokenLifetime is how long back-channel logout tokens are valid.
	// Defaults to 5m.
	LogoutTokenLifetime JSONDuration `json:"logoutTokenLifetime,omitzero"`
	// DeviceFlowInterval is the polling interval given to devices. Defaults
	// to 5s.
	DeviceFlowInterval JSONDuration `json:"deviceFlowInterval,omitzero"`
	// UserCodeLength is the length of device flow user codes. Defaults to 8.
	UserCodeLength int `json:"userCodeLength,omitzero"`
	// SessionDuration is the duration a session is valid for. Defaults to 1h.
	SessionDuration JSONDuration `json:"sessionDuration,omitzero"`
	// TrustedUserHeader names the header an authenticating proxy sets to the
	// signed in username. Sign in is disabled when empty.
	TrustedUserHeader string `json:"trustedUserHeader,omitzero"`
	// RequestTimeout bounds back-channel logout calls. Defaults to 5s.
	RequestTimeout JSONDuration `json:"requestTimeout,omitzero"`
}

// Defaults applied by SetDefaults.
const (
	DefaultLogoutTokenLifetime = 5 * time.Minute
	DefaultSessionDuration     = time.Hour
	DefaultUserCodeLength      = 8
	DefaultRequestTimeout      = 5 * time.Second
)

// ParseConfig parses the config from the given file, expanding environment
// variables and validating the config.
func ParseConfig(file []byte) (*Config, error) {
	scb := []byte(os.Expand(string(file), getenvWithDefault))
	scb, err := hujson.Standardize(scb)
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}
	var c Config
	dec := json.NewDecoder(bytes.NewReader(scb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) SetDefaults() {
	o := &c.Options
	if o.LogoutTokenLifetime == 0 {
		o.LogoutTokenLifetime = JSONDuration(DefaultLogoutTokenLifetime)
	}
	if o.DeviceFlowInterval == 0 {
		o.DeviceFlowInterval = JSONDuration(model.DefaultPollingInterval)
	}
	if o.UserCodeLength == 0 {
		o.UserCodeLength = DefaultUserCodeLength
	}
	if o.SessionDuration == 0 {
		o.SessionDuration = JSONDuration(DefaultSessionDuration)
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = JSONDuration(DefaultRequestTimeout)
	}
	if len(c.IdentityResources) == 0 {
		c.IdentityResources = DefaultIdentityResources()
	}
}

func (c *Config) Validate() error {
	var validErr error

	if c.Issuer == "" {
		validErr = errors.Join(validErr, errors.New("issuer is required"))
	} else {
		u, err := url.Parse(c.Issuer)
		switch {
		case err != nil:
			validErr = errors.Join(validErr, fmt.Errorf("issuer %s is not a valid URL: %w", c.Issuer, err))
		case !u.IsAbs():
			validErr = errors.Join(validErr, fmt.Errorf("issuer %s is not an absolute URL", c.Issuer))
		}
		c.ParsedIssuer = u
	}

	if c.Options.UserCodeLength < 6 {
		validErr = errors.Join(validErr, fmt.Errorf("user code length %d is too short, minimum is 6", c.Options.UserCodeLength))
	}

	seen := map[string]bool{}
	for _, cl := range c.Clients {
		if cl.ID == "" {
			validErr = errors.Join(validErr, errors.New("client missing ID"))
			continue
		}
		if seen[cl.ID] {
			validErr = errors.Join(validErr, fmt.Errorf("client %s defined twice", cl.ID))
		}
		seen[cl.ID] = true
		if len(cl.Secrets) == 0 && len(cl.JWKs) == 0 && !cl.Public {
			validErr = errors.Join(validErr, fmt.Errorf("non-public client %s missing client secrets", cl.ID))
		}
		if cl.AuthorizationPolicy != "" && len(cl.RequiredGroups) > 0 {
			validErr = errors.Join(validErr, fmt.Errorf("client %s can not set both authorizationPolicy and requiredGroups", cl.ID))
		}
		if err := validation.ValidateClientConfiguration(cl.ToModel()); err != nil {
			validErr = errors.Join(validErr, fmt.Errorf("client %s: %w", cl.ID, err))
		}
	}

	users := map[uuid.UUID]bool{}
	usernames := map[string]bool{}
	for _, u := range c.Users {
		if u.ID == uuid.Nil {
			validErr = errors.Join(validErr, fmt.Errorf("user %s missing ID", u.Username))
		}
		if users[u.ID] {
			validErr = errors.Join(validErr, fmt.Errorf("user %s defined twice", u.ID))
		}
		users[u.ID] = true
		if u.Username == "" {
			validErr = errors.Join(validErr, fmt.Errorf("user %s missing username", u.ID))
		} else if usernames[u.Username] {
			validErr = errors.Join(validErr, fmt.Errorf("username %s used twice", u.Username))
		}
		usernames[u.Username] = true
		if u.Email == "" {
			validErr = errors.Join(validErr, fmt.Errorf("user %s missing email", u.ID))
		}
	}

	validErr = errors.Join(validErr, validateResources(c))

	return validErr
}

// ModelClients returns the configured clients in protocol form.
func (c *Config) ModelClients() []*model.Client {
	out := make([]*model.Client, 0, len(c.Clients))
	for i := range c.Clients {
		out = append(out, c.Clients[i].ToModel())
	}
	return out
}

// ModelResources returns the configured identity resources, API scopes and
// API resources in protocol form.
func (c *Config) ModelResources() model.Resources {
	var r model.Resources
	for _, ir := range c.IdentityResources {
		r.IdentityResources = append(r.IdentityResources, ir.ToModel())
	}
	for _, s := range c.APIScopes {
		r.APIScopes = append(r.APIScopes, s.ToModel())
	}
	for _, a := range c.APIResources {
		r.APIResources = append(r.APIResources, a.ToModel())
	}
	return r
}

// getenvWithDefault maps FOO:-default to $FOO or default if $FOO is unset or
// null.
func getenvWithDefault(key string) string {
	parts := strings.SplitN(key, ":-", 2)
	val := os.Getenv(parts[0])
	if val == "" && len(parts) == 2 {
		val = parts[1]
	}
	return val
}
