package validation

import (
	"context"
	"fmt"
	"log/slog"

	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/tokens"
)

// DeviceThrottle decides whether a client is polling a device code too
// often.
type DeviceThrottle interface {
	// ShouldSlowDown records a poll for deviceCode and reports if it came
	// too soon after the previous one.
	ShouldSlowDown(ctx context.Context, deviceCode string) bool
}

// DeviceCodeResult is the outcome of validating a polled device code.
type DeviceCodeResult struct {
	Result
	DeviceCode *model.DeviceCode
}

// DeviceCodeValidator checks a device code polled at the token endpoint.
type DeviceCodeValidator struct {
	Store *grants.DeviceFlowStore
	// Throttle is consulted before the code is looked up. Nil disables
	// slow_down.
	Throttle DeviceThrottle
	Profile  tokens.ProfileService
	Logger   *slog.Logger
}

// Validate returns expired_token for a code past its lifetime and
// authorization_pending until the user has approved it. A redeemed code is
// removed from the store, and a code raced by a concurrent poll is
// invalid_grant.
func (v *DeviceCodeValidator) Validate(ctx context.Context, deviceCode string, client *model.Client) (*DeviceCodeResult, error) {
	res := &DeviceCodeResult{Result: newResult()}
	fail := func(code, desc string) (*DeviceCodeResult, error) {
		res.setError(code, desc)
		observe(ctx, discardIfNil(v.Logger), "device_code", &res.Result)
		return res, nil
	}

	if v.Throttle != nil && v.Throttle.ShouldSlowDown(ctx, deviceCode) {
		return fail(model.ErrorSlowDown, "")
	}

	dc, expired, err := v.Store.FindByDeviceCode(ctx, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("find device code: %w", err)
	}
	if expired {
		if err := v.Store.RemoveByDeviceCode(ctx, deviceCode); err != nil {
			return nil, fmt.Errorf("remove expired device code: %w", err)
		}
		return fail(model.ErrorExpiredToken, "")
	}
	if dc == nil {
		return fail(model.ErrorInvalidGrant, "invalid device code")
	}
	if dc.ClientID != client.ClientID {
		discardIfNil(v.Logger).WarnContext(ctx, "device code polled by another client", "client_id", client.ClientID, "device_client_id", dc.ClientID)
		return fail(model.ErrorInvalidGrant, "invalid device code")
	}
	if !dc.IsAuthorized {
		return fail(model.ErrorAuthorizationPending, "")
	}
	if dc.Subject == nil {
		return fail(model.ErrorInvalidGrant, "device code has no subject")
	}
	if len(dc.AuthorizedScopes) == 0 {
		return fail(model.ErrorAccessDenied, "no scopes were authorized")
	}

	active, err := v.Profile.IsActive(ctx, &model.IsActiveRequest{
		Subject: *dc.Subject,
		Client:  client,
		Caller:  "DeviceCodeValidation",
	})
	if err != nil {
		return nil, fmt.Errorf("check subject active: %w", err)
	}
	if !active {
		return fail(model.ErrorInvalidGrant, "subject is not active")
	}

	redeemed, err := v.Store.ConsumeByDeviceCode(ctx, deviceCode)
	if err != nil {
		return nil, fmt.Errorf("consume device code: %w", err)
	}
	if !redeemed {
		return fail(model.ErrorInvalidGrant, "device code has already been redeemed")
	}
	res.DeviceCode = dc
	res.setSuccess()
	observe(ctx, discardIfNil(v.Logger), "device_code", &res.Result)
	return res, nil
}
