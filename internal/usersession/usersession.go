// Package usersession tracks the signed in user of a browser, and the clients
// that have been issued tokens during the session. The state lives in the
// web session of the request, which the session manager persists to a
// session.KV.
package usersession

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"lds.li/grantidp/internal/model"
	"lds.li/web/session"
)

func init() {
	gob.Register(&Session{})
}

// SessionKey is the web session value holding the user session.
const SessionKey = "usersession"

// Session is the stored state of a user session.
type Session struct {
	Subject   model.Subject
	Clients   []string
	ExpiresAt time.Time
}

type Config struct {
	// Duration is how long a session lasts after it was last used.
	Duration time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Manager reads and writes user sessions.
type Manager struct {
	duration time.Duration
	log      *slog.Logger
	now      func() time.Time
}

func New(cfg Config) (*Manager, error) {
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("invalid session config: %w: %w", model.ErrInvalidArgument, errors.New("session duration must be positive"))
	}
	m := &Manager{
		duration: cfg.Duration,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Current returns the active session of the request in ctx, or nil. Expired
// sessions are dropped.
func (m *Manager) Current(ctx context.Context) *Session {
	sess, ok := session.FromContext(ctx)
	if !ok {
		return nil
	}
	s, ok := sess.Get(SessionKey).(*Session)
	if !ok || s == nil {
		return nil
	}
	if !s.ExpiresAt.After(m.now()) {
		return nil
	}
	return s
}

// GetUser returns the signed in subject, or nil if there is none.
func (m *Manager) GetUser(ctx context.Context) *model.Subject {
	s := m.Current(ctx)
	if s == nil {
		return nil
	}
	sub := s.Subject
	return &sub
}

// GetSessionID returns the session id shared with clients as sid, or an
// empty string without a session.
func (m *Manager) GetSessionID(ctx context.Context) string {
	if s := m.Current(ctx); s != nil {
		return s.Subject.SessionID
	}
	return ""
}

// GetClientList returns the clients tokens were issued to in this session.
func (m *Manager) GetClientList(ctx context.Context) []string {
	if s := m.Current(ctx); s != nil {
		return slices.Clone(s.Clients)
	}
	return nil
}

// AddClientID records clientID against the session. It is a no-op without
// a session.
func (m *Manager) AddClientID(ctx context.Context, clientID string) {
	s := m.Current(ctx)
	if s == nil || slices.Contains(s.Clients, clientID) {
		return
	}
	s.Clients = append(s.Clients, clientID)
	session.MustFromContext(ctx).Set(SessionKey, s)
}

// SignIn starts a new user session for subject, replacing any current one.
// The returned subject carries the new session id and authentication time.
func (m *Manager) SignIn(ctx context.Context, subject model.Subject) (*model.Subject, error) {
	if subject.SubjectID == "" {
		return nil, fmt.Errorf("sign in without a subject: %w", model.ErrInvalidArgument)
	}
	sess, ok := session.FromContext(ctx)
	if !ok {
		return nil, errors.New("no web session in context")
	}
	now := m.now()
	subject.SessionID = uuid.NewString()
	if subject.AuthTime.IsZero() {
		subject.AuthTime = now
	}
	sess.Set(SessionKey, &Session{Subject: subject, ExpiresAt: now.Add(m.duration)})
	m.log.InfoContext(ctx, "user signed in", "sub", subject.SubjectID, "sid", subject.SessionID)
	return &subject, nil
}

// EnsureCookie slides the expiry of the current session forward.
func (m *Manager) EnsureCookie(ctx context.Context) {
	s := m.Current(ctx)
	if s == nil {
		return
	}
	s.ExpiresAt = m.now().Add(m.duration)
	session.MustFromContext(ctx).Set(SessionKey, s)
}

// RemoveCookie ends the web session. It returns the user session that was
// ended, so its clients can be notified.
func (m *Manager) RemoveCookie(ctx context.Context) *Session {
	sess, ok := session.FromContext(ctx)
	if !ok {
		return nil
	}
	s := m.Current(ctx)
	sess.Set(SessionKey, nil)
	sess.Delete()
	if s != nil {
		m.log.InfoContext(ctx, "user signed out", "sub", s.Subject.SubjectID, "sid", s.Subject.SessionID)
	}
	return s
}
