package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/model"
)

// RefreshTokenService issues, validates and rolls refresh tokens.
type RefreshTokenService struct {
	store   *grants.RefreshTokenStore
	profile ProfileService
	logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewRefreshTokenService(store *grants.RefreshTokenStore, profile ProfileService, logger *slog.Logger) *RefreshTokenService {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RefreshTokenService{store: store, profile: profile, logger: logger, Now: time.Now}
}

// CreateRefreshToken stores a refresh token for accessToken and returns its
// handle. Sliding tokens never outlive the absolute lifetime.
func (s *RefreshTokenService) CreateRefreshToken(ctx context.Context, subject model.Subject, accessToken *model.Token, client *model.Client) (string, error) {
	if accessToken == nil || client == nil {
		return "", fmt.Errorf("refresh token needs an access token and client: %w", model.ErrInvalidArgument)
	}
	lifetime := client.AbsoluteRefreshTokenLifetime
	if client.RefreshTokenExpiration == model.TokenExpirationSliding {
		lifetime = client.SlidingRefreshTokenLifetime
		if client.AbsoluteRefreshTokenLifetime > 0 && lifetime > client.AbsoluteRefreshTokenLifetime {
			s.logger.WarnContext(ctx, "sliding refresh token lifetime exceeds absolute lifetime, using absolute", "client_id", client.ClientID)
			lifetime = client.AbsoluteRefreshTokenLifetime
		}
	}
	rt := &model.RefreshToken{
		CreationTime:     s.Now(),
		Lifetime:         lifetime,
		AccessToken:      *accessToken,
		AuthorizedScopes: accessToken.Scopes(),
		Subject:          subject,
		Version:          accessToken.Version,
		Description:      accessToken.Description,
	}
	handle, err := s.store.StoreRefreshToken(ctx, rt)
	if err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return handle, nil
}

// ValidateRefreshToken checks that handle is a live, unconsumed refresh token
// issued to client for an active subject.
func (s *RefreshTokenService) ValidateRefreshToken(ctx context.Context, handle string, client *model.Client) (*ValidationResult, error) {
	invalid := func(desc string) (*ValidationResult, error) {
		s.logger.InfoContext(ctx, "refresh token rejected", "client_id", client.ClientID, "reason", desc)
		tokenValidations.WithLabelValues(model.TokenTypeRefreshToken, "invalid").Inc()
		return &ValidationResult{IsError: true, Error: model.ErrorInvalidGrant, ErrorDescription: desc}, nil
	}

	rt, err := s.store.GetRefreshToken(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	if rt == nil {
		return invalid("invalid refresh token")
	}
	if rt.Expired(s.Now()) {
		if err := s.store.RemoveRefreshToken(ctx, handle); err != nil {
			return nil, fmt.Errorf("remove expired refresh token: %w", err)
		}
		return invalid("refresh token has expired")
	}
	if rt.ClientID() != client.ClientID {
		return invalid("refresh token issued to a different client")
	}
	if !client.AllowOfflineAccess {
		return invalid("client does not allow offline access")
	}
	if rt.ConsumedTime != nil {
		s.logger.WarnContext(ctx, "consumed refresh token presented", "client_id", client.ClientID, "sub", rt.Subject.SubjectID)
		return invalid("refresh token has already been used")
	}
	active, err := s.profile.IsActive(ctx, &model.IsActiveRequest{
		Subject: rt.Subject,
		Client:  client,
		Caller:  model.TokenTypeRefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("check subject active: %w", err)
	}
	if !active {
		return invalid("subject is not active")
	}

	tokenValidations.WithLabelValues(model.TokenTypeRefreshToken, "valid").Inc()
	return &ValidationResult{Client: client, RefreshToken: rt, Claims: rt.AccessToken.Claims}, nil
}

// ConsumeRefreshToken atomically marks the token under handle consumed. Of
// concurrent callers only one sees true.
func (s *RefreshTokenService) ConsumeRefreshToken(ctx context.Context, handle string) (bool, error) {
	ok, err := s.store.ConsumeRefreshToken(ctx, handle)
	if err != nil {
		return false, fmt.Errorf("consume refresh token: %w", err)
	}
	return ok, nil
}

// UpdateRefreshToken applies the client's usage and expiration policy after
// rt was redeemed under handle, and returns the handle to give the client.
// One-time tokens are marked consumed, if validation has not done so
// already, and replaced by a new handle. Sliding
// tokens have their lifetime extended, bounded by the absolute lifetime.
func (s *RefreshTokenService) UpdateRefreshToken(ctx context.Context, handle string, rt *model.RefreshToken, client *model.Client) (string, error) {
	if rt == nil || client == nil {
		return "", fmt.Errorf("nil refresh token or client: %w", model.ErrInvalidArgument)
	}
	now := s.Now()
	var needsCreate, needsUpdate bool

	if client.RefreshTokenUsage == model.TokenUsageOneTimeOnly {
		if _, err := s.store.ConsumeRefreshToken(ctx, handle); err != nil {
			return "", fmt.Errorf("mark refresh token consumed: %w", err)
		}
		needsCreate = true
	}

	if client.RefreshTokenExpiration == model.TokenExpirationSliding {
		current := now.Sub(rt.CreationTime)
		lifetime := current + client.SlidingRefreshTokenLifetime
		if client.AbsoluteRefreshTokenLifetime > 0 && lifetime > client.AbsoluteRefreshTokenLifetime {
			lifetime = client.AbsoluteRefreshTokenLifetime
		}
		rt.Lifetime = lifetime
		needsUpdate = true
	}

	switch {
	case needsCreate:
		rt.ConsumedTime = nil
		newHandle, err := s.store.StoreRefreshToken(ctx, rt)
		if err != nil {
			return "", fmt.Errorf("store rolled refresh token: %w", err)
		}
		return newHandle, nil
	case needsUpdate:
		if err := s.store.UpdateRefreshToken(ctx, handle, rt); err != nil {
			return "", fmt.Errorf("extend refresh token: %w", err)
		}
	}
	return handle, nil
}
