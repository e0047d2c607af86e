package config

import (
	"errors"
	"fmt"

	"lds.li/grantidp/internal/model"
)

// IdentityResource is a scope that releases user claims.
type IdentityResource struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitzero"`
	// Disabled resources are not requestable.
	Disabled   bool     `json:"disabled,omitzero"`
	Required   bool     `json:"required,omitzero"`
	UserClaims []string `json:"userClaims,omitzero"`
}

func (r IdentityResource) ToModel() model.IdentityResource {
	return model.IdentityResource{
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Enabled:     !r.Disabled,
		Required:    r.Required,
		UserClaims:  r.UserClaims,
	}
}

// APIScope is a scope granting access to API resources.
type APIScope struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitzero"`
	Disabled    bool     `json:"disabled,omitzero"`
	Required    bool     `json:"required,omitzero"`
	UserClaims  []string `json:"userClaims,omitzero"`
}

func (s APIScope) ToModel() model.APIScope {
	return model.APIScope{
		Name:        s.Name,
		DisplayName: s.DisplayName,
		Enabled:     !s.Disabled,
		Required:    s.Required,
		UserClaims:  s.UserClaims,
	}
}

// APIResource is a protected API, the audience of access tokens carrying its
// scopes.
type APIResource struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitzero"`
	Disabled    bool     `json:"disabled,omitzero"`
	Scopes      []string `json:"scopes"`
	UserClaims  []string `json:"userClaims,omitzero"`
	// Secrets authenticate the resource at the introspection endpoint.
	// Values are plaintext and hashed at load.
	Secrets []string `json:"secrets,omitzero"`
	// SigningAlgorithms restricts how access tokens for this resource are
	// signed.
	SigningAlgorithms []string `json:"signingAlgorithms,omitzero"`
}

func (r APIResource) ToModel() model.APIResource {
	return model.APIResource{
		Name:                                r.Name,
		DisplayName:                         r.DisplayName,
		Enabled:                             !r.Disabled,
		Scopes:                              r.Scopes,
		UserClaims:                          r.UserClaims,
		APISecrets:                          sharedSecrets(r.Secrets),
		AllowedAccessTokenSigningAlgorithms: r.SigningAlgorithms,
	}
}

// DefaultIdentityResources are served when the config lists none.
func DefaultIdentityResources() []IdentityResource {
	return []IdentityResource{
		{Name: model.ScopeOpenID, DisplayName: "Your user identifier", Required: true, UserClaims: []string{model.ClaimSubject}},
		{Name: model.ScopeProfile, DisplayName: "User profile", UserClaims: []string{"name", "preferred_username", "groups"}},
		{Name: model.ScopeEmail, DisplayName: "Your email address", UserClaims: []string{"email", "email_verified"}},
	}
}

func validateResources(c *Config) error {
	seen := map[string]string{}
	check := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("%s missing name", kind)
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%s %s has the same name as a %s", kind, name, prev)
		}
		seen[name] = kind
		return nil
	}
	var errs []error
	for _, r := range c.IdentityResources {
		if err := check("identity resource", r.Name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range c.APIScopes {
		if err := check("api scope", s.Name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range c.APIResources {
		if r.Name == "" {
			errs = append(errs, errors.New("api resource missing name"))
		}
		for _, s := range r.Scopes {
			if seen[s] != "api scope" {
				errs = append(errs, fmt.Errorf("api resource %s references unknown api scope %s", r.Name, s))
			}
		}
	}
	return errors.Join(errs...)
}
