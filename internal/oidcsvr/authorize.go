package oidcsvr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/resources"
	"lds.li/grantidp/internal/responses"
	"lds.li/grantidp/internal/validation"
	"lds.li/web"
	"lds.li/web/httperror"
)

const consentAllow = "allow"

func authorizeParams(r *http.Request) (url.Values, error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return r.PostForm, nil
	}
	return r.URL.Query(), nil
}

func (s *Server) handleAuthorize(ctx context.Context, w web.ResponseWriter, r *web.Request) error {
	params, err := authorizeParams(r.RawRequest())
	if err != nil {
		return httperror.BadRequestErrf("%s: malformed request body", model.ErrorInvalidRequest)
	}

	res, err := s.AuthorizeValidator.Validate(ctx, params, s.Sessions.GetUser(ctx))
	if err != nil {
		return fmt.Errorf("validate authorize request: %w", err)
	}
	if res.IsError {
		return s.authorizeError(w, r, res.Request, res.Error, res.ErrorDescription)
	}
	req := res.Request

	if s.needsLogin(req) {
		if slices.Contains(req.PromptModes, validation.PromptNone) {
			return s.authorizeError(w, r, req, model.ErrorLoginRequired, "")
		}
		return s.signInAndResume(ctx, w, r, params)
	}

	active, err := s.Profile.IsActive(ctx, &model.IsActiveRequest{
		Subject: *req.Subject,
		Client:  req.Client,
		Caller:  model.ProfileCallerAuthorizeEndpoint,
	})
	if err != nil {
		return s.authorizeServerError(ctx, w, r, req, "check user is active", err)
	}
	if !active {
		s.logger().InfoContext(ctx, "user not permitted for client", "client_id", req.ClientID, "sub", req.Subject.SubjectID)
		return s.authorizeError(w, r, req, model.ErrorAccessDenied, "user is not permitted to use this client")
	}

	if resources.RequiresConsent(req.Client) {
		remembered, err := s.Consent.ConsentedScopes(ctx, req.Subject.SubjectID, req.ClientID)
		if err != nil {
			return s.authorizeServerError(ctx, w, r, req, "load consent", err)
		}
		covered := !slices.ContainsFunc(req.Resources.RawScopeValues(), func(sc string) bool {
			return !slices.Contains(remembered, sc)
		})
		if !covered || slices.Contains(req.PromptModes, validation.PromptConsent) {
			if slices.Contains(req.PromptModes, validation.PromptNone) {
				return s.authorizeError(w, r, req, model.ErrorConsentRequired, "")
			}
			return s.showConsent(w, r, req, params)
		}
	}

	return s.issueAuthorizeResponse(ctx, w, r, req, false)
}

// needsLogin reports whether the user has to (re)authenticate before the
// request can be answered.
func (s *Server) needsLogin(req *validation.AuthorizeRequest) bool {
	if req.Subject == nil {
		return true
	}
	if slices.Contains(req.PromptModes, validation.PromptLogin) {
		return true
	}
	if req.MaxAge != nil && s.now().Sub(req.Subject.AuthTime) > *req.MaxAge {
		return true
	}
	return false
}

// signInAndResume starts a session from the request's credential and sends
// the browser back to the authorize endpoint. prompt=login and max_age are
// satisfied by the fresh sign in, so they are dropped from the resumed
// request.
func (s *Server) signInAndResume(ctx context.Context, w web.ResponseWriter, r *web.Request, params url.Values) error {
	if _, err := s.signIn(ctx, r); err != nil {
		return err
	}

	resume := url.Values{}
	for k, vs := range params {
		resume[k] = slices.Clone(vs)
	}
	resume.Del("max_age")
	if p := resume.Get("prompt"); p != "" {
		var kept []string
		for _, m := range strings.Fields(p) {
			if m != validation.PromptLogin {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			resume.Del("prompt")
		} else {
			resume.Set("prompt", strings.Join(kept, " "))
		}
	}
	return w.WriteResponse(r, &web.RedirectResponse{
		URL:  PathAuthorize + "?" + resume.Encode(),
		Code: http.StatusSeeOther,
	})
}

// signIn starts a user session from the request's credential.
func (s *Server) signIn(ctx context.Context, r *web.Request) (*model.Subject, error) {
	var subject *model.Subject
	if s.Authenticator != nil {
		var err error
		subject, err = s.Authenticator.Authenticate(r.RawRequest())
		if errors.Is(err, model.ErrInvalidArgument) {
			s.logger().InfoContext(ctx, "authentication rejected", "err", err)
			return nil, httperror.ForbiddenErrf("%s: you are not permitted to sign in", model.ErrorAccessDenied)
		}
		if err != nil {
			return nil, fmt.Errorf("authenticate user: %w", err)
		}
	}
	if subject == nil {
		return nil, loginRequiredErr()
	}
	signedIn, err := s.Sessions.SignIn(ctx, *subject)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	return signedIn, nil
}

func (s *Server) showConsent(w web.ResponseWriter, r *web.Request, req *validation.AuthorizeRequest, params url.Values) error {
	var scopes []consentScope
	for _, ps := range req.Resources.ParsedScopes {
		sc := consentScope{Name: ps.RawValue, DisplayName: ps.RawValue}
		if ir, ok := req.Resources.Resources.FindIdentityResource(ps.ParsedName); ok {
			sc.Required = ir.Required
			if ir.DisplayName != "" {
				sc.DisplayName = ir.DisplayName
			}
		} else if as, ok := req.Resources.Resources.FindAPIScope(ps.ParsedName); ok {
			sc.Required = as.Required
			if as.DisplayName != "" {
				sc.DisplayName = as.DisplayName
			}
		}
		scopes = append(scopes, sc)
	}
	name := req.Client.ClientName
	if name == "" {
		name = req.ClientID
	}
	return render(w, r, "consent", consentPage{
		Action:        PathConsent,
		ClientName:    name,
		Request:       params.Encode(),
		Scopes:        scopes,
		AllowRemember: req.Client.AllowRememberConsent,
	})
}

// handleConsent takes the user's answer to the consent page. The original
// request is validated again with the current session, so a tampered form
// gains nothing.
func (s *Server) handleConsent(ctx context.Context, w web.ResponseWriter, r *web.Request) error {
	raw := r.RawRequest()
	if err := raw.ParseForm(); err != nil {
		return httperror.BadRequestErrf("%s: malformed request body", model.ErrorInvalidRequest)
	}
	params, err := url.ParseQuery(raw.PostForm.Get("request"))
	if err != nil {
		return httperror.BadRequestErrf("%s: malformed authorization request", model.ErrorInvalidRequest)
	}
	subject := s.Sessions.GetUser(ctx)
	if subject == nil {
		return httperror.ForbiddenErrf("%s: your session has ended", model.ErrorLoginRequired)
	}

	res, err := s.AuthorizeValidator.Validate(ctx, params, subject)
	if err != nil {
		return fmt.Errorf("validate authorize request: %w", err)
	}
	if res.IsError {
		return s.authorizeError(w, r, res.Request, res.Error, res.ErrorDescription)
	}
	req := res.Request
	if raw.PostForm.Get("decision") != consentAllow {
		if err := s.Consent.UpdateConsent(ctx, subject, req.Client, nil, false); err != nil {
			s.logger().WarnContext(ctx, "clear consent", "client_id", req.ClientID, "err", err)
		}
		return s.authorizeError(w, r, req, model.ErrorAccessDenied, "the user denied the request")
	}

	requested := req.Resources.RawScopeValues()
	var granted []string
	for _, sc := range raw.PostForm["scope"] {
		if slices.Contains(requested, sc) && !slices.Contains(granted, sc) {
			granted = append(granted, sc)
		}
	}
	for _, ps := range req.Resources.ParsedScopes {
		if isRequiredScope(req.Resources, ps) && !slices.Contains(granted, ps.RawValue) {
			granted = append(granted, ps.RawValue)
		}
	}
	if len(granted) == 0 {
		return s.authorizeError(w, r, req, model.ErrorAccessDenied, "no scopes were granted")
	}
	remember := raw.PostForm.Get("remember") == "true"
	if err := s.Consent.UpdateConsent(ctx, subject, req.Client, granted, remember); err != nil {
		return s.authorizeServerError(ctx, w, r, req, "store consent", err)
	}
	req.Resources = req.Resources.Filter(granted)
	return s.issueAuthorizeResponse(ctx, w, r, req, true)
}

func isRequiredScope(res *model.ResourceValidationResult, ps model.ParsedScopeValue) bool {
	if ir, ok := res.Resources.FindIdentityResource(ps.ParsedName); ok {
		return ir.Required
	}
	if as, ok := res.Resources.FindAPIScope(ps.ParsedName); ok {
		return as.Required
	}
	return false
}

func (s *Server) issueAuthorizeResponse(ctx context.Context, w web.ResponseWriter, r *web.Request, req *validation.AuthorizeRequest, consentShown bool) error {
	resp, err := s.Responses.CreateAuthorizeResponse(ctx, req, consentShown)
	if err != nil {
		return s.authorizeServerError(ctx, w, r, req, "create authorize response", err)
	}
	s.Sessions.AddClientID(ctx, req.ClientID)
	s.Sessions.EnsureCookie(ctx)
	return writeAuthorizeResponse(w, r, resp)
}

func writeAuthorizeResponse(w web.ResponseWriter, r *web.Request, resp *responses.AuthorizeResponse) error {
	if resp.ResponseMode == validation.ResponseModeFormPost {
		return render(w, r, "formpost", formPostPage{Action: resp.RedirectURI, Params: resp.Parameters()})
	}
	u, err := resp.RedirectURL()
	if err != nil {
		return fmt.Errorf("build redirect: %w", err)
	}
	w.Header().Set("Cache-Control", "no-store")
	return w.WriteResponse(r, &web.RedirectResponse{URL: u, Code: http.StatusFound})
}

// authorizeError returns the error to the client when the redirect URI has
// been validated, and shows it to the user otherwise.
func (s *Server) authorizeError(w web.ResponseWriter, r *web.Request, req *validation.AuthorizeRequest, code, description string) error {
	resp := responses.NewAuthorizeErrorResponse(req, code, description)
	if resp == nil {
		if description == "" {
			return httperror.BadRequestErrf("%s", code)
		}
		return httperror.BadRequestErrf("%s: %s", code, description)
	}
	return writeAuthorizeResponse(w, r, resp)
}

func (s *Server) authorizeServerError(ctx context.Context, w web.ResponseWriter, r *web.Request, req *validation.AuthorizeRequest, msg string, err error) error {
	s.logger().ErrorContext(ctx, msg, "client_id", req.ClientID, "err", err)
	return s.authorizeError(w, r, req, model.ErrorServerError, "")
}
