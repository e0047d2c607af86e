package validation

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"lds.li/grantidp/internal/model"
)

// exclusiveGrantTypes are grant type pairs a single client may not combine.
var exclusiveGrantTypes = [][2]string{
	{model.GrantTypeImplicit, model.GrantTypeAuthorizationCode},
	{model.GrantTypeImplicit, model.GrantTypeHybrid},
	{model.GrantTypeAuthorizationCode, model.GrantTypeHybrid},
}

// ValidateClientConfiguration checks a client definition for settings that
// can never work. The returned error wraps model.ErrInvalidOperation.
func ValidateClientConfiguration(c *model.Client) error {
	if c == nil {
		return fmt.Errorf("client is nil: %w", model.ErrInvalidArgument)
	}
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("clientId is required"))
	}
	if c.ProtocolType != model.ProtocolTypeOIDC {
		errs = append(errs, fmt.Errorf("unsupported protocol type %q", c.ProtocolType))
	}

	if len(c.AllowedGrantTypes) == 0 {
		errs = append(errs, errors.New("at least one grant type is required"))
	}
	seen := map[string]bool{}
	for _, gt := range c.AllowedGrantTypes {
		if gt == "" || strings.ContainsAny(gt, " \t") {
			errs = append(errs, fmt.Errorf("invalid grant type %q", gt))
		}
		if seen[gt] {
			errs = append(errs, fmt.Errorf("grant type %q listed twice", gt))
		}
		seen[gt] = true
	}
	for _, pair := range exclusiveGrantTypes {
		if seen[pair[0]] && seen[pair[1]] {
			errs = append(errs, fmt.Errorf("grant types %s and %s cannot be combined", pair[0], pair[1]))
		}
	}

	if usesRedirects(c) && len(c.RedirectURIs) == 0 {
		errs = append(errs, errors.New("redirectUris are required for browser based grant types"))
	}
	for _, u := range slices.Concat(c.RedirectURIs, c.PostLogoutRedirectURIs) {
		if pu, err := url.Parse(u); err != nil || !pu.IsAbs() {
			errs = append(errs, fmt.Errorf("redirect uri %q is not an absolute url", u))
		}
	}
	for _, u := range []string{c.FrontChannelLogoutURI, c.BackChannelLogoutURI} {
		if u == "" {
			continue
		}
		if pu, err := url.Parse(u); err != nil || !pu.IsAbs() {
			errs = append(errs, fmt.Errorf("logout uri %q is not an absolute url", u))
		}
	}

	if c.RequireClientSecret && len(c.ClientSecrets) == 0 && !c.IsImplicitOnly() {
		errs = append(errs, errors.New("client requires a secret but has none"))
	}

	switch c.UserCodeType {
	case "", model.UserCodeTypeNumeric, model.UserCodeTypeAlphanumeric:
	default:
		errs = append(errs, fmt.Errorf("unknown user code type %q", c.UserCodeType))
	}

	lifetimes := map[string]int64{
		"identityTokenLifetime":        int64(c.IdentityTokenLifetime),
		"accessTokenLifetime":          int64(c.AccessTokenLifetime),
		"authorizationCodeLifetime":    int64(c.AuthorizationCodeLifetime),
		"absoluteRefreshTokenLifetime": int64(c.AbsoluteRefreshTokenLifetime),
		"slidingRefreshTokenLifetime":  int64(c.SlidingRefreshTokenLifetime),
		"deviceCodeLifetime":           int64(c.DeviceCodeLifetime),
	}
	for _, name := range slices.Sorted(maps.Keys(lifetimes)) {
		if lifetimes[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("client %s: %w: %w", c.ClientID, model.ErrInvalidOperation, err)
	}
	return nil
}

func usesRedirects(c *model.Client) bool {
	return slices.ContainsFunc(c.AllowedGrantTypes, func(gt string) bool {
		return gt == model.GrantTypeAuthorizationCode || gt == model.GrantTypeImplicit || gt == model.GrantTypeHybrid
	})
}
