package responses

import (
	"context"
	"fmt"
	"net/url"
	"slices"

	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/validation"
)

// DeviceAuthorizationResponse is the device authorization endpoint success
// body, RFC 8628 section 3.2.
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitzero"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// CreateDeviceAuthorizationResponse starts a device authorization and stores
// it under a fresh device code and user code.
func (g *Generator) CreateDeviceAuthorizationResponse(ctx context.Context, req *validation.DeviceAuthorizationRequest) (*DeviceAuthorizationResponse, error) {
	if req == nil || req.Client == nil {
		return nil, fmt.Errorf("device authorization response needs a validated request: %w", model.ErrInvalidArgument)
	}
	if g.opts.VerificationURI == "" {
		return nil, fmt.Errorf("no device verification uri configured: %w", model.ErrInvalidOperation)
	}

	deviceCode, err := g.handles.Generate(cryptoutil.DefaultHandleLength)
	if err != nil {
		return nil, fmt.Errorf("generate device code: %w", err)
	}
	userCode, err := g.uniqueUserCode(ctx, req.Client)
	if err != nil {
		return nil, err
	}

	scopes := req.RequestedScopes
	if req.Resources != nil {
		scopes = req.Resources.RawScopeValues()
	}
	dc := &model.DeviceCode{
		ClientID:        req.Client.ClientID,
		CreationTime:    g.now(),
		Lifetime:        req.Client.DeviceCodeLifetime,
		IsOpenID:        req.IsOpenIDRequest,
		RequestedScopes: scopes,
	}
	if err := g.devices.StoreDeviceAuthorization(ctx, deviceCode, userCode, dc); err != nil {
		return nil, fmt.Errorf("store device authorization: %w", err)
	}

	complete, err := url.Parse(g.opts.VerificationURI)
	if err != nil {
		return nil, fmt.Errorf("parse verification uri: %w", model.ErrInvalidOperation)
	}
	q := complete.Query()
	q.Set("userCode", userCode)
	complete.RawQuery = q.Encode()

	return &DeviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         g.opts.VerificationURI,
		VerificationURIComplete: complete.String(),
		ExpiresIn:               int(req.Client.DeviceCodeLifetime.Seconds()),
		Interval:                int(g.opts.Interval.Seconds()),
	}, nil
}

func (g *Generator) uniqueUserCode(ctx context.Context, client *model.Client) (string, error) {
	alphabet := cryptoutil.NumericUserCodeAlphabet
	if client.UserCodeType == model.UserCodeTypeAlphanumeric {
		alphabet = cryptoutil.AlphanumericUserCodeAlphabet
	}
	for range userCodeAttempts {
		code, err := cryptoutil.UserCode(alphabet, g.opts.UserCodeLength)
		if err != nil {
			return "", fmt.Errorf("generate user code: %w", err)
		}
		existing, err := g.devices.FindByUserCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check user code: %w", err)
		}
		if existing == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("no unused user code after %d attempts", userCodeAttempts)
}

// PendingDeviceAuthorization returns the device authorization waiting behind
// userCode so it can be shown to the user, or nil when the code is unknown,
// expired or already decided.
func (g *Generator) PendingDeviceAuthorization(ctx context.Context, userCode string) (*model.DeviceCode, error) {
	dc, err := g.devices.FindByUserCode(ctx, userCode)
	if err != nil {
		return nil, fmt.Errorf("find user code: %w", err)
	}
	if dc == nil || dc.IsAuthorized {
		return nil, nil
	}
	return dc, nil
}

// DeviceDecision is the user's answer to a device authorization.
type DeviceDecision struct {
	Subject *model.Subject
	// Scopes the user granted. Empty, or Denied, rejects the request.
	Scopes []string
	Denied bool
}

// CompleteDeviceAuthorization records the user's decision for userCode. A
// granted decision is limited to the scopes the device asked for. The
// polling client receives access_denied for a rejected request.
func (g *Generator) CompleteDeviceAuthorization(ctx context.Context, userCode string, decision DeviceDecision) error {
	if decision.Subject == nil || decision.Subject.SubjectID == "" {
		return fmt.Errorf("device decision needs a subject: %w", model.ErrInvalidArgument)
	}
	dc, err := g.PendingDeviceAuthorization(ctx, userCode)
	if err != nil {
		return err
	}
	if dc == nil {
		return fmt.Errorf("no pending device authorization for user code: %w", model.ErrInvalidArgument)
	}

	var granted []string
	if !decision.Denied {
		for _, s := range decision.Scopes {
			if slices.Contains(dc.RequestedScopes, s) && !slices.Contains(granted, s) {
				granted = append(granted, s)
			}
		}
	}
	subject := *decision.Subject
	dc.IsAuthorized = true
	dc.Subject = &subject
	dc.SessionID = subject.SessionID
	dc.AuthorizedScopes = granted
	if err := g.devices.UpdateByUserCode(ctx, userCode, dc); err != nil {
		return fmt.Errorf("update device authorization: %w", err)
	}
	g.logger.InfoContext(ctx, "device authorization decided", "client_id", dc.ClientID, "sub", subject.SubjectID, "granted", len(granted) > 0)
	return nil
}
