package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/secrets"
)

// DeviceAuthorizationRequest is a validated device authorization request.
type DeviceAuthorizationRequest struct {
	Raw             url.Values
	Client          *model.Client
	RequestedScopes []string
	Resources       *model.ResourceValidationResult
	IsOpenIDRequest bool
}

// DeviceAuthorizationResult is the outcome of validating a device
// authorization request.
type DeviceAuthorizationResult struct {
	Result
	Request *DeviceAuthorizationRequest
}

// DeviceAuthorizationRequestValidator validates requests to the device
// authorization endpoint.
type DeviceAuthorizationRequestValidator struct {
	Resources ResourceValidator
	Lengths   InputLengths
	Logger    *slog.Logger
}

func (v *DeviceAuthorizationRequestValidator) Validate(ctx context.Context, params url.Values, client *secrets.ClientResult) (*DeviceAuthorizationResult, error) {
	if params == nil || client == nil || client.Client == nil {
		return nil, fmt.Errorf("device authorization needs parameters and an authenticated client: %w", model.ErrInvalidArgument)
	}
	lengths := v.Lengths.withDefaults()
	req := &DeviceAuthorizationRequest{Raw: params, Client: client.Client}
	res := &DeviceAuthorizationResult{Result: newResult(), Request: req}
	fail := func(code, desc string) (*DeviceAuthorizationResult, error) {
		res.setError(code, desc)
		observe(ctx, discardIfNil(v.Logger), "device_authorization", &res.Result)
		return res, nil
	}

	switch req.Client.ProtocolType {
	case model.ProtocolTypeOIDC:
	case "":
		return fail(model.ErrorInvalidRequest, "client has no protocol type")
	default:
		return fail(model.ErrorInvalidRequest, "invalid protocol")
	}
	if !req.Client.AllowsGrantType(model.GrantTypeDeviceCode) {
		return fail(model.ErrorUnauthorizedClient, "client not authorized for device flow")
	}

	scope := params.Get("scope")
	if len(scope) > lengths.Scope {
		return fail(model.ErrorInvalidScope, "scope is too long")
	}
	scopes := strings.Fields(scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(req.Client.AllowedScopes)
		if req.Client.AllowOfflineAccess {
			scopes = append(scopes, model.ScopeOfflineAccess)
		}
	}
	if len(scopes) == 0 {
		return fail(model.ErrorInvalidScope, "no scopes requested or allowed")
	}

	resources, err := v.Resources.ValidateRequestedResources(ctx, req.Client, scopes)
	if err != nil {
		return nil, fmt.Errorf("validate requested resources: %w", err)
	}
	if !resources.Succeeded() {
		return fail(model.ErrorInvalidScope, "invalid scope: "+strings.Join(resources.InvalidScopes, " "))
	}
	req.RequestedScopes = resources.RawScopeValues()
	req.Resources = resources
	req.IsOpenIDRequest = slices.Contains(req.RequestedScopes, model.ScopeOpenID)

	res.setSuccess()
	observe(ctx, discardIfNil(v.Logger), "device_authorization", &res.Result)
	return res, nil
}
