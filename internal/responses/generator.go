// Package responses turns validated protocol requests into the responses
// sent back to clients, issuing and persisting tokens and codes on the way.
package responses

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/tokens"
)

// Options are the server wide settings used when building responses.
type Options struct {
	// VerificationURI is where users enter device flow user codes.
	VerificationURI string
	// Interval is the minimum time between device code polls.
	Interval time.Duration
	// UserCodeLength is the number of characters in a user code.
	UserCodeLength int
}

const (
	defaultUserCodeLength = 8
	userCodeAttempts      = 10
)

// Config configures a Generator.
type Config struct {
	Tokens          *tokens.Service
	RefreshTokens   *tokens.RefreshTokenService
	Codes           *grants.AuthorizationCodeStore
	Devices         *grants.DeviceFlowStore
	RefreshStore    *grants.RefreshTokenStore
	ReferenceTokens *grants.ReferenceTokenStore
	Profile         tokens.ProfileService
	// Handles generates device codes. Defaults to random hex handles.
	Handles grants.HandleGenerator
	Options Options
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Generator builds token, authorize, device authorization, revocation,
// introspection and userinfo responses.
type Generator struct {
	tokens    *tokens.Service
	refresh   *tokens.RefreshTokenService
	codes     *grants.AuthorizationCodeStore
	devices   *grants.DeviceFlowStore
	rtStore   *grants.RefreshTokenStore
	reference *grants.ReferenceTokenStore
	profile   tokens.ProfileService
	handles   grants.HandleGenerator
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg Config) (*Generator, error) {
	var errs []error
	if cfg.Tokens == nil {
		errs = append(errs, errors.New("token service is required"))
	}
	if cfg.RefreshTokens == nil {
		errs = append(errs, errors.New("refresh token service is required"))
	}
	if cfg.Codes == nil {
		errs = append(errs, errors.New("authorization code store is required"))
	}
	if cfg.Devices == nil {
		errs = append(errs, errors.New("device flow store is required"))
	}
	if cfg.RefreshStore == nil {
		errs = append(errs, errors.New("refresh token store is required"))
	}
	if cfg.ReferenceTokens == nil {
		errs = append(errs, errors.New("reference token store is required"))
	}
	if cfg.Profile == nil {
		errs = append(errs, errors.New("profile service is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("response generator: %w: %w", model.ErrInvalidArgument, err)
	}

	g := &Generator{
		tokens:    cfg.Tokens,
		refresh:   cfg.RefreshTokens,
		codes:     cfg.Codes,
		devices:   cfg.Devices,
		rtStore:   cfg.RefreshStore,
		reference: cfg.ReferenceTokens,
		profile:   cfg.Profile,
		handles:   cfg.Handles,
		opts:      cfg.Options,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if g.handles == nil {
		g.handles = cryptoutil.HandleGenerator{}
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.opts.Interval <= 0 {
		g.opts.Interval = model.DefaultPollingInterval
	}
	if g.opts.UserCodeLength <= 0 {
		g.opts.UserCodeLength = defaultUserCodeLength
	}
	return g, nil
}
