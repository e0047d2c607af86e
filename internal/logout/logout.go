// Package logout notifies clients that a user session has ended, through
// front-channel iframes and back-channel logout tokens.
package logout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"lds.li/grantidp/internal/model"
)

// BackChannelLogoutEvent is the events member identifying a logout token.
const BackChannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

const (
	defaultTokenLifetime = 5 * time.Minute
	defaultConcurrency   = 4
	defaultTimeout       = 5 * time.Second
)

var dispatches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "logout_backchannel_dispatch_total",
		Help: "Back-channel logout notifications by outcome",
	},
	[]string{"outcome"},
)

// Context is the session being ended.
type Context struct {
	SubjectID string
	SessionID string
	// ClientIDs are the clients that were issued tokens in the session.
	ClientIDs []string
}

// BackChannelRequest is one logout token to deliver.
type BackChannelRequest struct {
	ClientID          string
	SubjectID         string
	SessionID         string
	LogoutURI         string
	SessionIDRequired bool
	// AllowedSigningAlgorithms are the client's identity token algorithms,
	// used for the logout token too.
	AllowedSigningAlgorithms []string
}

// ClientStore finds the clients to notify. Disabled clients are not
// returned.
type ClientStore interface {
	FindEnabledClientByID(ctx context.Context, clientID string) (*model.Client, error)
}

// TokenIssuer signs logout tokens.
type TokenIssuer interface {
	Issuer() string
	CreateSecurityToken(ctx context.Context, token *model.Token) (string, error)
}

type Config struct {
	Clients ClientStore
	Tokens  TokenIssuer
	// HTTPClient posts the logout tokens. Defaults to a client with a 5s
	// timeout.
	HTTPClient *http.Client
	// TokenLifetime defaults to 5 minutes.
	TokenLifetime time.Duration
	// Concurrency is the number of notifications sent at once.
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service builds and sends logout notifications.
type Service struct {
	clients     ClientStore
	tokens      TokenIssuer
	http        *http.Client
	lifetime    time.Duration
	concurrency int
	log         *slog.Logger
	now         func() time.Time
}

func New(cfg Config) (*Service, error) {
	var errs []error
	if cfg.Clients == nil {
		errs = append(errs, errors.New("client store is required"))
	}
	if cfg.Tokens == nil {
		errs = append(errs, errors.New("token issuer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid logout config: %w: %w", model.ErrInvalidArgument, err)
	}
	s := &Service{
		clients:     cfg.Clients,
		tokens:      cfg.Tokens,
		http:        cfg.HTTPClient,
		lifetime:    cfg.TokenLifetime,
		concurrency: cfg.Concurrency,
		log:         cfg.Logger,
		now:         cfg.Now,
	}
	if s.http == nil {
		s.http = &http.Client{Timeout: defaultTimeout}
	}
	if s.lifetime <= 0 {
		s.lifetime = defaultTokenLifetime
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *Service) sessionClients(ctx context.Context, lc *Context) ([]*model.Client, error) {
	if lc == nil {
		return nil, fmt.Errorf("logout context is nil: %w", model.ErrInvalidArgument)
	}
	var out []*model.Client
	for _, id := range lc.ClientIDs {
		c, err := s.clients.FindEnabledClientByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("find client %s: %w", id, err)
		}
		if c == nil {
			s.log.DebugContext(ctx, "skipping logout for unknown or disabled client", "client_id", id)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// FrontChannelLogoutURLs returns the URLs to load in the browser so each
// client with a front-channel logout URI clears its own session. iss and sid
// are added for clients that require the session.
func (s *Service) FrontChannelLogoutURLs(ctx context.Context, lc *Context) ([]string, error) {
	clients, err := s.sessionClients(ctx, lc)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, c := range clients {
		if c.FrontChannelLogoutURI == "" {
			continue
		}
		u := c.FrontChannelLogoutURI
		if c.FrontChannelLogoutSessionRequired && lc.SessionID != "" {
			pu, err := url.Parse(u)
			if err != nil {
				s.log.WarnContext(ctx, "invalid front channel logout uri", "client_id", c.ClientID, "err", err)
				continue
			}
			q := pu.Query()
			q.Set("iss", s.tokens.Issuer())
			q.Set("sid", lc.SessionID)
			pu.RawQuery = q.Encode()
			u = pu.String()
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// SessionRequiredError names the clients that need a session id in their
// logout token when the ended session has none. It matches
// model.ErrInvalidArgument.
type SessionRequiredError struct {
	ClientIDs []string
}

func (e *SessionRequiredError) Error() string {
	return fmt.Sprintf("clients %s require a session id for back-channel logout but none is available", strings.Join(e.ClientIDs, ", "))
}

func (e *SessionRequiredError) Unwrap() error { return model.ErrInvalidArgument }

// BackChannelLogoutNotifications returns a request for each client with a
// back-channel logout URI. Clients that require a session id when lc has none
// are left out and reported in a *SessionRequiredError, returned alongside
// the requests for every other client.
func (s *Service) BackChannelLogoutNotifications(ctx context.Context, lc *Context) ([]BackChannelRequest, error) {
	clients, err := s.sessionClients(ctx, lc)
	if err != nil {
		return nil, err
	}
	var (
		reqs      []BackChannelRequest
		noSession []string
	)
	for _, c := range clients {
		if c.BackChannelLogoutURI == "" {
			continue
		}
		if c.BackChannelLogoutSessionRequired && lc.SessionID == "" {
			noSession = append(noSession, c.ClientID)
			continue
		}
		reqs = append(reqs, BackChannelRequest{
			ClientID:                 c.ClientID,
			SubjectID:                lc.SubjectID,
			SessionID:                lc.SessionID,
			LogoutURI:                c.BackChannelLogoutURI,
			SessionIDRequired:        c.BackChannelLogoutSessionRequired,
			AllowedSigningAlgorithms: c.AllowedIdentityTokenSigningAlgorithms,
		})
	}
	if len(noSession) > 0 {
		return reqs, &SessionRequiredError{ClientIDs: noSession}
	}
	return reqs, nil
}

// CreateLogoutToken mints the logout token for req.
func (s *Service) CreateLogoutToken(ctx context.Context, req BackChannelRequest) (string, error) {
	if req.SessionIDRequired && req.SessionID == "" {
		return "", fmt.Errorf("client %s requires a session id for back-channel logout but none is available: %w", req.ClientID, model.ErrInvalidArgument)
	}
	claims := []model.Claim{
		model.NewClaim(model.ClaimJWTID, uuid.NewString()),
		{Type: model.ClaimEvents, Value: `{"` + BackChannelLogoutEvent + `":{}}`, ValueType: model.ClaimValueTypeJSON},
	}
	if req.SubjectID != "" {
		claims = append(claims, model.NewClaim(model.ClaimSubject, req.SubjectID))
	}
	if req.SessionID != "" {
		claims = append(claims, model.NewClaim(model.ClaimSessionID, req.SessionID))
	}
	tok := &model.Token{
		Type:                     model.TokenTypeLogoutToken,
		AllowedSigningAlgorithms: req.AllowedSigningAlgorithms,
		ClientID:                 req.ClientID,
		Issuer:                   s.tokens.Issuer(),
		Audiences:                []string{req.ClientID},
		CreationTime:             s.now(),
		Lifetime:                 s.lifetime,
		Claims:                   claims,
	}
	compact, err := s.tokens.CreateSecurityToken(ctx, tok)
	if err != nil {
		return "", fmt.Errorf("create logout token for %s: %w", req.ClientID, err)
	}
	return compact, nil
}

// DispatchResult lists the clients whose notification failed.
type DispatchResult struct {
	Sent   int
	Failed []string
}

// SendBackChannelLogoutNotifications posts a logout token to every request's
// logout URI. Failures are logged and reported per client, they do not stop
// the other notifications. A request that needs a session id but has none is
// never sent and is logged as a configuration error.
func (s *Service) SendBackChannelLogoutNotifications(ctx context.Context, reqs []BackChannelRequest) (*DispatchResult, error) {
	failed := make([]bool, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, r := range reqs {
		g.Go(func() error {
			if r.SessionIDRequired && r.SessionID == "" {
				s.log.ErrorContext(gctx, "client requires a session id for back-channel logout but none is available", "client_id", r.ClientID)
				dispatches.WithLabelValues("misconfigured").Inc()
				failed[i] = true
				return nil
			}
			if err := s.send(gctx, r); err != nil {
				s.log.WarnContext(gctx, "back-channel logout failed", "client_id", r.ClientID, "uri", r.LogoutURI, "err", err)
				dispatches.WithLabelValues("failed").Inc()
				failed[i] = true
				return nil
			}
			dispatches.WithLabelValues("sent").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &DispatchResult{}
	for i, f := range failed {
		if f {
			res.Failed = append(res.Failed, reqs[i].ClientID)
			continue
		}
		res.Sent++
	}
	return res, nil
}

func (s *Service) send(ctx context.Context, r BackChannelRequest) error {
	token, err := s.CreateLogoutToken(ctx, r)
	if err != nil {
		return err
	}
	body := url.Values{"logout_token": {token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.LogoutURI, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}
