package oidcsvr

import (
	"net/http"
	"strings"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/responses"
	"lds.li/grantidp/internal/secrets"
)

// authenticateClient parses the form and authenticates the calling client.
// It writes the error response and returns nil when that fails.
func (s *Server) authenticateClient(w http.ResponseWriter, r *http.Request) *secrets.ClientResult {
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, r, model.ErrorInvalidRequest, "malformed request body")
		return nil
	}
	cr, err := s.ClientSecrets.Validate(r.Context(), r)
	if err != nil {
		s.serverError(w, r, "authenticate client", err)
		return nil
	}
	if cr.IsError {
		s.writeOAuthError(w, r, model.ErrorInvalidClient, cr.ErrorDescription)
		return nil
	}
	return cr
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cr := s.authenticateClient(w, r)
	if cr == nil {
		return
	}
	res, err := s.TokenValidator.Validate(ctx, r.PostForm, cr)
	if err != nil {
		s.serverError(w, r, "validate token request", err)
		return
	}
	if res.IsError {
		s.writeOAuthError(w, r, res.Error, res.ErrorDescription)
		return
	}
	resp, err := s.Responses.CreateTokenResponse(ctx, res.Request)
	if err != nil {
		s.serverError(w, r, "create token response", err)
		return
	}
	s.logger().InfoContext(ctx, "tokens issued", "client_id", cr.Client.ClientID, "grant_type", res.Request.GrantType)
	writeJSON(ctx, s.logger(), w, http.StatusOK, resp)
}

// handleRevocation answers 200 for any well formed request from an
// authenticated client, whether or not a token was revoked (RFC 7009).
func (s *Server) handleRevocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cr := s.authenticateClient(w, r)
	if cr == nil {
		return
	}
	res, err := s.RevocationValidator.Validate(ctx, r.PostForm, cr)
	if err != nil {
		s.serverError(w, r, "validate revocation request", err)
		return
	}
	if res.IsError {
		s.writeOAuthError(w, r, res.Error, res.ErrorDescription)
		return
	}
	if _, err := s.Responses.Revoke(ctx, res.Request); err != nil {
		s.serverError(w, r, "revoke token", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleIntrospection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, r, model.ErrorInvalidRequest, "malformed request body")
		return
	}
	api, err := s.APISecrets.Validate(ctx, r)
	if err != nil {
		s.serverError(w, r, "authenticate api", err)
		return
	}
	if api.IsError {
		s.writeOAuthError(w, r, model.ErrorInvalidClient, "")
		return
	}
	res, err := s.IntrospectionValidator.Validate(ctx, r.PostForm, api.Resource)
	if err != nil {
		s.serverError(w, r, "validate introspection request", err)
		return
	}
	if res.IsError {
		s.writeOAuthError(w, r, res.Error, res.ErrorDescription)
		return
	}
	writeJSON(ctx, s.logger(), w, http.StatusOK, responses.IntrospectionResponse(res.Request))
}

// bearerToken returns the access token from the Authorization header, or the
// access_token form field of a POST.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("access_token")
	}
	return ""
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="`+s.Issuer+`"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	res, err := s.UserInfoValidator.Validate(ctx, token)
	if err != nil {
		s.serverError(w, r, "validate userinfo request", err)
		return
	}
	if res.IsError {
		status := http.StatusUnauthorized
		if res.Error == model.ErrorInsufficientScope {
			status = http.StatusForbidden
		}
		w.Header().Set("WWW-Authenticate", `Bearer error="`+res.Error+`"`)
		writeJSON(ctx, s.logger(), w, status, errorResponse{Error: res.Error, ErrorDescription: res.ErrorDescription})
		return
	}

	all, err := s.Resources.GetAllResources(ctx)
	if err != nil {
		s.serverError(w, r, "load identity resources", err)
		return
	}
	claims, err := s.Responses.UserInfoResponse(ctx, res, all.IdentityResources)
	if err != nil {
		s.serverError(w, r, "create userinfo response", err)
		return
	}
	writeJSON(ctx, s.logger(), w, http.StatusOK, claims)
}
