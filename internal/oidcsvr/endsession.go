package oidcsvr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"lds.li/grantidp/internal/logout"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/usersession"
	"lds.li/web"
	"lds.li/web/httperror"
)

// handleEndSession ends the user's session, notifies the clients that took
// part in it and returns the user to the client when it asked for that.
func (s *Server) handleEndSession(ctx context.Context, w web.ResponseWriter, r *web.Request) error {
	params, err := authorizeParams(r.RawRequest())
	if err != nil {
		return httperror.BadRequestErrf("%s: malformed request body", model.ErrorInvalidRequest)
	}
	res, err := s.EndSessionValidator.Validate(ctx, params, s.Sessions.GetUser(ctx))
	if err != nil {
		return fmt.Errorf("validate end session request: %w", err)
	}
	if res.IsError {
		return httperror.BadRequestErrf("%s: %s", res.Error, res.ErrorDescription)
	}
	req := res.Request

	var frontChannel []string
	if ended := s.Sessions.RemoveCookie(ctx); ended != nil && s.Logout != nil {
		frontChannel = s.notifyLogout(ctx, ended)
	}

	redirect := ""
	if req.PostLogoutRedirectURI != "" {
		u, err := url.Parse(req.PostLogoutRedirectURI)
		if err == nil {
			if req.State != "" {
				q := u.Query()
				q.Set("state", req.State)
				u.RawQuery = q.Encode()
			}
			redirect = u.String()
		}
	}
	if len(frontChannel) == 0 && redirect != "" {
		return w.WriteResponse(r, &web.RedirectResponse{URL: redirect, Code: http.StatusFound})
	}
	if len(frontChannel) > 0 {
		w.Header().Set("Content-Security-Policy", frontChannelCSP(frontChannel))
	}
	return render(w, r, "loggedout", loggedOutPage{
		RedirectURL:      redirect,
		FrontChannelURLs: frontChannel,
	})
}

// notifyLogout sends the back-channel logout tokens for the ended session
// and returns the front-channel URLs the page has to load. Failures are
// logged; the user is signed out regardless. A client that needs a sid the
// session does not have is a configuration error, logged at error level,
// and does not stop the other clients from being notified.
func (s *Server) notifyLogout(ctx context.Context, ended *usersession.Session) []string {
	lc := &logout.Context{
		SubjectID: ended.Subject.SubjectID,
		SessionID: ended.Subject.SessionID,
		ClientIDs: ended.Clients,
	}
	frontChannel, err := s.Logout.FrontChannelLogoutURLs(ctx, lc)
	if err != nil {
		s.logger().WarnContext(ctx, "collect front channel logout urls", "sub", lc.SubjectID, "err", err)
	}
	reqs, err := s.Logout.BackChannelLogoutNotifications(ctx, lc)
	if errors.Is(err, model.ErrInvalidArgument) {
		s.logger().ErrorContext(ctx, "back channel logout misconfigured", "sub", lc.SubjectID, "err", err)
	} else if err != nil {
		s.logger().WarnContext(ctx, "collect back channel logout notifications", "sub", lc.SubjectID, "err", err)
	}
	if len(reqs) > 0 {
		res, err := s.Logout.SendBackChannelLogoutNotifications(ctx, reqs)
		if err != nil {
			s.logger().WarnContext(ctx, "send back channel logout notifications", "sub", lc.SubjectID, "err", err)
		} else if len(res.Failed) > 0 {
			s.logger().WarnContext(ctx, "back channel logout failed for some clients", "sub", lc.SubjectID, "failed", res.Failed)
		}
	}
	return frontChannel
}

// frontChannelCSP widens the page policy so the logout iframes can load.
func frontChannelCSP(urls []string) string {
	var origins []string
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		origins = append(origins, u.Scheme+"://"+u.Host)
	}
	if len(origins) == 0 {
		origins = []string{"'none'"}
	}
	return "default-src 'none'; img-src 'self'; style-src 'self' 'unsafe-inline'; base-uri 'self'; frame-ancestors 'none'; frame-src " + strings.Join(origins, " ")
}
