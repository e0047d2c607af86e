package validation

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"

	"lds.li/grantidp/internal/model"
)

// EndSessionRequest is a validated RP-initiated logout request.
type EndSessionRequest struct {
	Raw url.Values
	// Client is the relying party that asked for the logout, when it could
	// be identified.
	Client    *model.Client
	Subject   *model.Subject
	SessionID string

	// PostLogoutRedirectURI is only set when registered for Client. State
	// is only kept alongside it.
	PostLogoutRedirectURI string
	State                 string
	UILocales             string

	IDTokenHintClaims []model.Claim
}

// EndSessionResult is the outcome of validating an end session request.
type EndSessionResult struct {
	Result
	Request *EndSessionRequest
}

// EndSessionRequestValidator validates requests to the end session endpoint.
type EndSessionRequestValidator struct {
	IdentityTokens IdentityTokenValidator
	Clients        ClientStore
	Lengths        InputLengths
	Logger         *slog.Logger
}

// Validate checks params. subject is the currently authenticated user, or
// nil.
func (v *EndSessionRequestValidator) Validate(ctx context.Context, params url.Values, subject *model.Subject) (*EndSessionResult, error) {
	if params == nil {
		return nil, fmt.Errorf("end session parameters are nil: %w", model.ErrInvalidArgument)
	}
	log := discardIfNil(v.Logger)
	lengths := v.Lengths.withDefaults()
	req := &EndSessionRequest{Raw: params, Subject: subject}
	if subject != nil {
		req.SessionID = subject.SessionID
	}
	res := &EndSessionResult{Result: newResult(), Request: req}
	fail := func(code, desc string) (*EndSessionResult, error) {
		res.setError(code, desc)
		observe(ctx, log, "end_session", &res.Result)
		return res, nil
	}

	if hint := params.Get("id_token_hint"); hint != "" {
		if v.IdentityTokens == nil {
			return fail(model.ErrorInvalidRequest, "invalid id_token_hint")
		}
		tr, err := v.IdentityTokens.ValidateIdentityToken(ctx, hint, "", false)
		if err != nil {
			return nil, fmt.Errorf("validate id_token_hint: %w", err)
		}
		if tr.IsError {
			return fail(model.ErrorInvalidRequest, "error validating id_token_hint")
		}
		if subject != nil {
			if sub := tr.SubjectID(); sub != subject.SubjectID {
				log.WarnContext(ctx, "id_token_hint subject differs from the signed in user", "hint_sub", sub, "sub", subject.SubjectID)
				return fail(model.ErrorInvalidRequest, "Current user does not match identity token")
			}
		}
		req.Client = tr.Client
		req.IDTokenHintClaims = tr.Claims
	}

	if clientID := params.Get("client_id"); clientID != "" {
		switch {
		case len(clientID) > lengths.ClientID:
			return fail(model.ErrorInvalidRequest, "client_id is too long")
		case req.Client != nil && req.Client.ClientID != clientID:
			return fail(model.ErrorInvalidRequest, "client_id does not match id_token_hint")
		case req.Client == nil && v.Clients != nil:
			c, err := v.Clients.FindEnabledClientByID(ctx, clientID)
			if err != nil {
				return nil, fmt.Errorf("find client %s: %w", clientID, err)
			}
			req.Client = c
		}
	}

	if redirect := params.Get("post_logout_redirect_uri"); redirect != "" {
		if req.Client != nil && len(redirect) <= lengths.RedirectURI && slices.Contains(req.Client.PostLogoutRedirectURIs, redirect) {
			req.PostLogoutRedirectURI = redirect
			req.State = params.Get("state")
			if len(req.State) > lengths.State {
				req.State = ""
			}
		} else {
			log.InfoContext(ctx, "dropping unregistered post_logout_redirect_uri", "post_logout_redirect_uri", redirect)
		}
	}

	req.UILocales = params.Get("ui_locales")
	if len(req.UILocales) > lengths.UILocale {
		req.UILocales = ""
	}

	res.setSuccess()
	observe(ctx, log, "end_session", &res.Result)
	return res, nil
}
