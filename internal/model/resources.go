package model

import (
	"fmt"
	"slices"
)

// Standard scope names.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// IdentityResource is a named group of user claims requestable as a scope.
type IdentityResource struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitzero"`
	Enabled     bool     `json:"enabled"`
	Required    bool     `json:"required"`
	UserClaims  []string `json:"userClaims,omitzero"`
}

// APIScope is a scope that grants access to one or more API resources.
type APIScope struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitzero"`
	Enabled     bool     `json:"enabled"`
	Required    bool     `json:"required"`
	UserClaims  []string `json:"userClaims,omitzero"`
}

// APIResource is a protected API. Its name is used as the access token
// audience.
type APIResource struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitzero"`
	Enabled     bool     `json:"enabled"`
	Scopes      []string `json:"scopes"`
	UserClaims  []string `json:"userClaims,omitzero"`
	// APISecrets authenticate the resource at the introspection endpoint.
	APISecrets []Secret `json:"apiSecrets,omitzero"`
	// AllowedAccessTokenSigningAlgorithms restricts how tokens for this
	// resource are signed. Empty means no restriction.
	AllowedAccessTokenSigningAlgorithms []string `json:"allowedAccessTokenSigningAlgorithms,omitzero"`
}

// Resources is a set of identity resources, API resources and API scopes.
type Resources struct {
	IdentityResources []IdentityResource
	APIResources      []APIResource
	APIScopes         []APIScope
	OfflineAccess     bool
}

// FindIdentityResource returns the identity resource named name.
func (r *Resources) FindIdentityResource(name string) (IdentityResource, bool) {
	i := slices.IndexFunc(r.IdentityResources, func(ir IdentityResource) bool { return ir.Name == name })
	if i < 0 {
		return IdentityResource{}, false
	}
	return r.IdentityResources[i], true
}

// FindAPIScope returns the API scope named name.
func (r *Resources) FindAPIScope(name string) (APIScope, bool) {
	i := slices.IndexFunc(r.APIScopes, func(s APIScope) bool { return s.Name == name })
	if i < 0 {
		return APIScope{}, false
	}
	return r.APIScopes[i], true
}

// FindMatchingSigningAlgorithms returns the signing algorithms acceptable to
// every API resource that restricts them. It returns nil when no resource has
// a restriction, and ErrInvalidOperation when the restrictions have no
// algorithm in common.
func (r *Resources) FindMatchingSigningAlgorithms() ([]string, error) {
	var (
		matching   []string
		restricted bool
	)
	for _, api := range r.APIResources {
		if len(api.AllowedAccessTokenSigningAlgorithms) == 0 {
			continue
		}
		if !restricted {
			matching = slices.Clone(api.AllowedAccessTokenSigningAlgorithms)
			restricted = true
			continue
		}
		matching = slices.DeleteFunc(matching, func(alg string) bool {
			return !slices.Contains(api.AllowedAccessTokenSigningAlgorithms, alg)
		})
	}
	if restricted && len(matching) == 0 {
		return nil, fmt.Errorf("signing algorithms requirements for requested resources are not compatible: %w", ErrInvalidOperation)
	}
	return matching, nil
}

// ParsedScopeValue is a requested scope split into its name and optional
// parameter, e.g. "transaction:123".
type ParsedScopeValue struct {
	RawValue        string
	ParsedName      string
	ParsedParameter string
}

// ResourceValidationResult is the outcome of validating requested scopes
// against a client and the resource store.
type ResourceValidationResult struct {
	Resources     Resources
	ParsedScopes  []ParsedScopeValue
	InvalidScopes []string
}

// Succeeded reports whether every requested scope was valid and at least one
// scope was resolved.
func (r *ResourceValidationResult) Succeeded() bool {
	return len(r.ParsedScopes) > 0 && len(r.InvalidScopes) == 0
}

// RawScopeValues returns the requested values of the valid scopes.
func (r *ResourceValidationResult) RawScopeValues() []string {
	vals := make([]string, 0, len(r.ParsedScopes))
	for _, s := range r.ParsedScopes {
		vals = append(vals, s.RawValue)
	}
	return vals
}

// HasIdentityScopes reports if any identity resource was resolved.
func (r *ResourceValidationResult) HasIdentityScopes() bool {
	return len(r.Resources.IdentityResources) > 0
}

// HasAPIScopes reports if any API scope was resolved.
func (r *ResourceValidationResult) HasAPIScopes() bool {
	return len(r.Resources.APIScopes) > 0
}

// Filter returns a copy restricted to the given raw scope values.
func (r *ResourceValidationResult) Filter(scopes []string) *ResourceValidationResult {
	out := &ResourceValidationResult{}
	for _, ps := range r.ParsedScopes {
		if !slices.Contains(scopes, ps.RawValue) {
			continue
		}
		out.ParsedScopes = append(out.ParsedScopes, ps)
		if ps.ParsedName == ScopeOfflineAccess {
			out.Resources.OfflineAccess = r.Resources.OfflineAccess
			continue
		}
		if ir, ok := r.Resources.FindIdentityResource(ps.ParsedName); ok {
			out.Resources.IdentityResources = append(out.Resources.IdentityResources, ir)
		}
		if s, ok := r.Resources.FindAPIScope(ps.ParsedName); ok {
			out.Resources.APIScopes = append(out.Resources.APIScopes, s)
			for _, api := range r.Resources.APIResources {
				if slices.Contains(api.Scopes, s.Name) && !slices.ContainsFunc(out.Resources.APIResources, func(a APIResource) bool { return a.Name == api.Name }) {
					out.Resources.APIResources = append(out.Resources.APIResources, api)
				}
			}
		}
	}
	return out
}
