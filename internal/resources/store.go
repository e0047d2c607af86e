// Package resources resolves requested scopes to identity resources, API
// scopes and API resources, and decides when consent is required.
package resources

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"lds.li/grantidp/internal/model"
)

// Store looks up configured resources.
type Store interface {
	FindIdentityResourcesByScopeName(ctx context.Context, names []string) ([]model.IdentityResource, error)
	FindAPIScopesByName(ctx context.Context, names []string) ([]model.APIScope, error)
	FindAPIResourcesByScopeName(ctx context.Context, names []string) ([]model.APIResource, error)
	FindAPIResourcesByName(ctx context.Context, names []string) ([]model.APIResource, error)
	GetAllResources(ctx context.Context) (*model.Resources, error)
}

// InMemoryStore serves resources from a fixed set, typically the config
// file.
type InMemoryStore struct {
	resources model.Resources
}

// NewInMemoryStore returns a store over res. Names must be unique within
// each kind of resource.
func NewInMemoryStore(res model.Resources) (*InMemoryStore, error) {
	var errs []error
	seen := map[string]bool{}
	for _, ir := range res.IdentityResources {
		if ir.Name == "" || seen[ir.Name] {
			errs = append(errs, fmt.Errorf("identity resource %q is empty or duplicated", ir.Name))
		}
		seen[ir.Name] = true
	}
	seen = map[string]bool{}
	for _, s := range res.APIScopes {
		if s.Name == "" || seen[s.Name] {
			errs = append(errs, fmt.Errorf("api scope %q is empty or duplicated", s.Name))
		}
		seen[s.Name] = true
	}
	seen = map[string]bool{}
	for _, api := range res.APIResources {
		if api.Name == "" || seen[api.Name] {
			errs = append(errs, fmt.Errorf("api resource %q is empty or duplicated", api.Name))
		}
		seen[api.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &InMemoryStore{resources: res}, nil
}

func (s *InMemoryStore) FindIdentityResourcesByScopeName(_ context.Context, names []string) ([]model.IdentityResource, error) {
	var out []model.IdentityResource
	for _, ir := range s.resources.IdentityResources {
		if slices.Contains(names, ir.Name) {
			out = append(out, ir)
		}
	}
	return out, nil
}

func (s *InMemoryStore) FindAPIScopesByName(_ context.Context, names []string) ([]model.APIScope, error) {
	var out []model.APIScope
	for _, sc := range s.resources.APIScopes {
		if slices.Contains(names, sc.Name) {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *InMemoryStore) FindAPIResourcesByScopeName(_ context.Context, names []string) ([]model.APIResource, error) {
	var out []model.APIResource
	for _, api := range s.resources.APIResources {
		if slices.ContainsFunc(api.Scopes, func(sc string) bool { return slices.Contains(names, sc) }) {
			out = append(out, api)
		}
	}
	return out, nil
}

func (s *InMemoryStore) FindAPIResourcesByName(_ context.Context, names []string) ([]model.APIResource, error) {
	var out []model.APIResource
	for _, api := range s.resources.APIResources {
		if slices.Contains(names, api.Name) {
			out = append(out, api)
		}
	}
	return out, nil
}

func (s *InMemoryStore) GetAllResources(context.Context) (*model.Resources, error) {
	res := s.resources
	return &res, nil
}

// DefaultIdentityResources returns the standard OpenID Connect identity
// resources.
func DefaultIdentityResources() []model.IdentityResource {
	return []model.IdentityResource{
		{Name: model.ScopeOpenID, DisplayName: "Your user identifier", Enabled: true, Required: true, UserClaims: []string{"sub"}},
		{Name: model.ScopeProfile, DisplayName: "User profile", Enabled: true, UserClaims: []string{
			"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username",
			"profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at",
		}},
		{Name: model.ScopeEmail, DisplayName: "Your email address", Enabled: true, UserClaims: []string{"email", "email_verified"}},
	}
}
