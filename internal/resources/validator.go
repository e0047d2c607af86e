package resources

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"lds.li/grantidp/internal/model"
)

// Validator resolves requested scopes against a client and the resource
// store.
type Validator struct {
	Store  Store
	Parser *ScopeParser
	Logger *slog.Logger
}

// ValidateRequestedResources parses scopes and resolves each one against the
// client's allowed scopes and the enabled resources. Scopes that fail to
// parse, are unknown or are not allowed for the client are reported in
// InvalidScopes. An error is returned when the store fails, or when the API
// resources resolved have no signing algorithm in common.
func (v *Validator) ValidateRequestedResources(ctx context.Context, client *model.Client, scopes []string) (*model.ResourceValidationResult, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required: %w", model.ErrInvalidArgument)
	}
	parser := v.Parser
	if parser == nil {
		parser = &ScopeParser{}
	}
	log := v.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	res := &model.ResourceValidationResult{}
	parsed := parser.ParseScopeValues(scopes)
	for _, e := range parsed.Errors {
		log.DebugContext(ctx, "invalid scope value", "scope", e.RawValue, "err", e.Error)
		res.InvalidScopes = append(res.InvalidScopes, e.RawValue)
	}

	names := make([]string, 0, len(parsed.Scopes))
	for _, ps := range parsed.Scopes {
		names = append(names, ps.ParsedName)
	}
	identity, err := v.Store.FindIdentityResourcesByScopeName(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("find identity resources: %w", err)
	}
	apiScopes, err := v.Store.FindAPIScopesByName(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("find api scopes: %w", err)
	}
	apis, err := v.Store.FindAPIResourcesByScopeName(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("find api resources: %w", err)
	}

	for _, ps := range parsed.Scopes {
		if v.resolve(res, client, ps, identity, apiScopes, apis) {
			res.ParsedScopes = append(res.ParsedScopes, ps)
			continue
		}
		log.DebugContext(ctx, "scope not allowed or not found", "client_id", client.ClientID, "scope", ps.RawValue)
		res.InvalidScopes = append(res.InvalidScopes, ps.RawValue)
	}

	if _, err := res.Resources.FindMatchingSigningAlgorithms(); err != nil {
		return nil, err
	}
	return res, nil
}

func (v *Validator) resolve(res *model.ResourceValidationResult, client *model.Client, ps model.ParsedScopeValue, identity []model.IdentityResource, apiScopes []model.APIScope, apis []model.APIResource) bool {
	if ps.ParsedName == model.ScopeOfflineAccess {
		if !client.AllowOfflineAccess {
			return false
		}
		res.Resources.OfflineAccess = true
		return true
	}

	if i := slices.IndexFunc(identity, func(ir model.IdentityResource) bool { return ir.Name == ps.ParsedName }); i >= 0 {
		ir := identity[i]
		if !ir.Enabled || !client.AllowsScope(ir.Name) {
			return false
		}
		if _, ok := res.Resources.FindIdentityResource(ir.Name); !ok {
			res.Resources.IdentityResources = append(res.Resources.IdentityResources, ir)
		}
		return true
	}

	i := slices.IndexFunc(apiScopes, func(s model.APIScope) bool { return s.Name == ps.ParsedName })
	if i < 0 {
		return false
	}
	scope := apiScopes[i]
	if !scope.Enabled || !client.AllowsScope(scope.Name) {
		return false
	}
	if _, ok := res.Resources.FindAPIScope(scope.Name); !ok {
		res.Resources.APIScopes = append(res.Resources.APIScopes, scope)
	}
	for _, api := range apis {
		if !api.Enabled || !slices.Contains(api.Scopes, scope.Name) {
			continue
		}
		if !slices.ContainsFunc(res.Resources.APIResources, func(a model.APIResource) bool { return a.Name == api.Name }) {
			res.Resources.APIResources = append(res.Resources.APIResources, api)
		}
	}
	return true
}
