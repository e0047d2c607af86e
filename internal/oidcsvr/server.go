// Package oidcsvr serves the OAuth 2.0 and OpenID Connect protocol endpoints.
// Handlers are thin: they parse the request, hand it to a validator and map
// the result onto the response the RFCs define.
package oidcsvr

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"lds.li/grantidp/internal/keys"
	"lds.li/grantidp/internal/logout"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/ratelimit"
	"lds.li/grantidp/internal/resources"
	"lds.li/grantidp/internal/responses"
	"lds.li/grantidp/internal/secrets"
	"lds.li/grantidp/internal/tokens"
	"lds.li/grantidp/internal/usersession"
	"lds.li/grantidp/internal/validation"
	"lds.li/web"
)

// Endpoint paths, relative to the issuer.
const (
	PathDiscovery           = "/.well-known/openid-configuration"
	PathJWKS                = "/.well-known/jwks.json"
	PathAuthorize           = "/authorize"
	PathConsent             = "/authorize/consent"
	PathToken               = "/token"
	PathUserInfo            = "/userinfo"
	PathRevocation          = "/revocation"
	PathIntrospection       = "/introspect"
	PathDeviceAuthorization = "/device_authorization"
	PathDeviceVerification  = "/device"
	PathEndSession          = "/endsession"
)

// Authenticator signs in users that have no session.
type Authenticator interface {
	// Authenticate returns the subject the request proves, or nil if it
	// carries no credential.
	Authenticate(r *http.Request) (*model.Subject, error)
}

// Server holds the collaborators of the protocol endpoints. All fields
// other than Logger, RateLimit and Now are required.
type Server struct {
	Issuer string
	Keys   keys.Material

	AuthorizeValidator     *validation.AuthorizeRequestValidator
	TokenValidator         *validation.TokenRequestValidator
	DeviceValidator        *validation.DeviceAuthorizationRequestValidator
	EndSessionValidator    *validation.EndSessionRequestValidator
	UserInfoValidator      *validation.UserInfoRequestValidator
	RevocationValidator    *validation.RevocationRequestValidator
	IntrospectionValidator *validation.IntrospectionRequestValidator
	ClientSecrets          *secrets.ClientSecretValidator
	APISecrets             *secrets.APISecretValidator

	Responses     *responses.Generator
	Resources     resources.Store
	Consent       *resources.ConsentService
	Profile       tokens.ProfileService
	Sessions      *usersession.Manager
	Authenticator Authenticator
	Logout        *logout.Service

	// RateLimit guards the endpoints that authenticate users and clients.
	RateLimit *ratelimit.Middleware
	Logger    *slog.Logger
	Now       func() time.Time
}

// AddHandlers registers the endpoints on r. The browser facing endpoints
// rely on the web session r manages; the others are plain JSON APIs.
func (s *Server) AddHandlers(r *web.Server) {
	limited := func(h http.Handler) http.Handler {
		if s.RateLimit == nil {
			return h
		}
		return s.RateLimit.Wrap(h)
	}

	r.HandleFunc("GET "+PathDiscovery, s.handleDiscovery)
	r.HandleFunc("GET "+PathJWKS, s.handleJWKS)

	r.Handle("GET "+PathAuthorize, limited(web.BrowserHandlerFunc(s.handleAuthorize)))
	r.Handle("POST "+PathAuthorize, limited(web.BrowserHandlerFunc(s.handleAuthorize)))
	r.Handle("POST "+PathConsent, limited(web.BrowserHandlerFunc(s.handleConsent)))

	r.Handle("POST "+PathToken, limited(http.HandlerFunc(s.handleToken)))
	r.Handle("POST "+PathRevocation, limited(http.HandlerFunc(s.handleRevocation)))
	r.Handle("POST "+PathIntrospection, limited(http.HandlerFunc(s.handleIntrospection)))
	r.HandleFunc("GET "+PathUserInfo, s.handleUserInfo)
	r.HandleFunc("POST "+PathUserInfo, s.handleUserInfo)

	r.Handle("POST "+PathDeviceAuthorization, limited(http.HandlerFunc(s.handleDeviceAuthorization)))
	r.Handle("GET "+PathDeviceVerification, limited(web.BrowserHandlerFunc(s.handleDeviceVerification)))
	r.Handle("POST "+PathDeviceVerification, limited(web.BrowserHandlerFunc(s.handleDeviceDecision)))

	r.Handle("GET "+PathEndSession, web.BrowserHandlerFunc(s.handleEndSession))
	r.Handle("POST "+PathEndSession, web.BrowserHandlerFunc(s.handleEndSession))
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) endpoint(path string) string {
	return s.Issuer + path
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitzero"`
}

func writeJSON(ctx context.Context, log *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WarnContext(ctx, "write json response", "err", err)
	}
}

// writeOAuthError sends a JSON protocol error. invalid_client is sent as 401
// per RFC 6749 section 5.2.
func (s *Server) writeOAuthError(w http.ResponseWriter, r *http.Request, code, description string) {
	status := http.StatusBadRequest
	if code == model.ErrorInvalidClient {
		status = http.StatusUnauthorized
		if r.Header.Get("Authorization") != "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+s.Issuer+`"`)
		}
	}
	writeJSON(r.Context(), s.logger(), w, status, errorResponse{Error: code, ErrorDescription: description})
}

// serverError logs err and answers with a generic server_error. Internal
// detail never reaches the client.
func (s *Server) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger().ErrorContext(r.Context(), msg, "path", r.URL.Path, "err", err)
	status, code := http.StatusInternalServerError, model.ErrorServerError
	if errors.Is(err, model.ErrInvalidArgument) {
		status, code = http.StatusBadRequest, model.ErrorInvalidRequest
	}
	writeJSON(r.Context(), s.logger(), w, status, errorResponse{Error: code})
}
