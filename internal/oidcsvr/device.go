package oidcsvr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/responses"
	"lds.li/web"
	"lds.li/web/httperror"
)

func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cr := s.authenticateClient(w, r)
	if cr == nil {
		return
	}
	res, err := s.DeviceValidator.Validate(ctx, r.PostForm, cr)
	if err != nil {
		s.serverError(w, r, "validate device authorization request", err)
		return
	}
	if res.IsError {
		s.writeOAuthError(w, r, res.Error, res.ErrorDescription)
		return
	}
	resp, err := s.Responses.CreateDeviceAuthorizationResponse(ctx, res.Request)
	if err != nil {
		s.serverError(w, r, "create device authorization response", err)
		return
	}
	writeJSON(ctx, s.logger(), w, http.StatusOK, resp)
}

// normalizeUserCode drops the separators users type when copying a code off
// a device screen.
func normalizeUserCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

// deviceUser returns the signed in subject, signing the user in from the
// request's credential when there is no session yet. A GET that signed the
// user in is redirected back to itself, and a nil subject is returned once
// that response has been written.
func (s *Server) deviceUser(ctx context.Context, w web.ResponseWriter, r *web.Request) (*model.Subject, error) {
	if subject := s.Sessions.GetUser(ctx); subject != nil {
		return subject, nil
	}
	fresh, err := s.signIn(ctx, r)
	if err != nil {
		return nil, err
	}
	if r.RawRequest().Method == http.MethodGet {
		return nil, w.WriteResponse(r, &web.RedirectResponse{
			URL:  r.URL().RequestURI(),
			Code: http.StatusSeeOther,
		})
	}
	return fresh, nil
}

func (s *Server) clientName(ctx context.Context, clientID string) string {
	c, err := s.AuthorizeValidator.Clients.FindEnabledClientByID(ctx, clientID)
	if err != nil || c == nil || c.ClientName == "" {
		return clientID
	}
	return c.ClientName
}

// handleDeviceVerification shows the pending device authorization for the
// user code in the query, or a form to enter one.
func (s *Server) handleDeviceVerification(ctx context.Context, w web.ResponseWriter, r *web.Request) error {
	subject, err := s.deviceUser(ctx, w, r)
	if subject == nil || err != nil {
		return err
	}
	page := devicePage{Action: PathDeviceVerification}
	if code := normalizeUserCode(r.URL().Query().Get("userCode")); code != "" {
		page.UserCode = code
		dc, err := s.Responses.PendingDeviceAuthorization(ctx, code)
		if err != nil {
			return fmt.Errorf("find device authorization: %w", err)
		}
		if dc != nil {
			page.Pending = dc
			page.ClientName = s.clientName(ctx, dc.ClientID)
		}
	}
	return render(w, r, "device", page)
}

// handleDeviceDecision records the user's answer for a user code. The device
// receives its tokens, or access_denied, on its next poll.
func (s *Server) handleDeviceDecision(ctx context.Context, w web.ResponseWriter, r *web.Request) error {
	raw := r.RawRequest()
	if err := raw.ParseForm(); err != nil {
		return httperror.BadRequestErrf("%s: malformed request body", model.ErrorInvalidRequest)
	}
	subject, err := s.deviceUser(ctx, w, r)
	if subject == nil || err != nil {
		return err
	}
	code := normalizeUserCode(raw.PostForm.Get("user_code"))
	dc, err := s.Responses.PendingDeviceAuthorization(ctx, code)
	if err != nil {
		return fmt.Errorf("find device authorization: %w", err)
	}
	if dc == nil {
		// The page asks for the code again.
		return render(w, r, "device", devicePage{Action: PathDeviceVerification, UserCode: code})
	}

	decision := responses.DeviceDecision{
		Subject: subject,
		Scopes:  dc.RequestedScopes,
		Denied:  raw.PostForm.Get("decision") != consentAllow,
	}
	if !decision.Denied {
		client, err := s.AuthorizeValidator.Clients.FindEnabledClientByID(ctx, dc.ClientID)
		if err != nil {
			return fmt.Errorf("find client: %w", err)
		}
		active := false
		if client != nil {
			active, err = s.Profile.IsActive(ctx, &model.IsActiveRequest{
				Subject: *subject,
				Client:  client,
				Caller:  model.ProfileCallerDeviceVerification,
			})
			if err != nil {
				return fmt.Errorf("check user is active: %w", err)
			}
		}
		if !active {
			decision.Denied = true
			s.logger().InfoContext(ctx, "user not permitted for device client", "client_id", dc.ClientID, "sub", subject.SubjectID)
		}
	}
	if err := s.Responses.CompleteDeviceAuthorization(ctx, code, decision); err != nil {
		if errors.Is(err, model.ErrInvalidArgument) {
			return render(w, r, "device", devicePage{Action: PathDeviceVerification, UserCode: code})
		}
		return fmt.Errorf("complete device authorization: %w", err)
	}

	msg := messagePage{Title: "Device signed in", Message: "You can return to your device."}
	if decision.Denied {
		msg = messagePage{Title: "Request denied", Message: "The device was not signed in."}
	}
	return render(w, r, "message", msg)
}
