package grants

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/model"
)

// HandleGenerator creates the opaque handles given to clients.
type HandleGenerator interface {
	Generate(length int) (string, error)
}

// GrantStore maps a typed payload onto persisted grants of one type. Items
// are serialized as JSON into the grant data, and are addressed by handle.
// Only the hash of the handle is stored.
type GrantStore[T any] struct {
	GrantType string
	Store     Store
	Handles   HandleGenerator
	Logger    *slog.Logger
	// Now is used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

// NewGrantStore returns a GrantStore for grantType using the default handle
// generator.
func NewGrantStore[T any](grantType string, store Store, logger *slog.Logger) *GrantStore[T] {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GrantStore[T]{
		GrantType: grantType,
		Store:     store,
		Handles:   cryptoutil.HandleGenerator{},
		Logger:    logger,
		Now:       time.Now,
	}
}

// HashKey returns the storage key for handle.
func (s *GrantStore[T]) HashKey(handle string) string {
	return cryptoutil.Sha256(handle + ":" + s.GrantType)
}

// CreateItem stores item under a newly generated handle and returns the
// handle. The grant expires at created plus lifetime.
func (s *GrantStore[T]) CreateItem(ctx context.Context, item *T, clientID, subjectID, sessionID, description string, created time.Time, lifetime time.Duration) (string, error) {
	handle, err := s.Handles.Generate(cryptoutil.DefaultHandleLength)
	if err != nil {
		return "", fmt.Errorf("generate %s handle: %w", s.GrantType, err)
	}
	exp := created.Add(lifetime)
	if err := s.StoreItem(ctx, handle, item, clientID, subjectID, sessionID, description, created, &exp, nil); err != nil {
		return "", err
	}
	return handle, nil
}

// StoreItem writes item under an existing handle, replacing what is there.
func (s *GrantStore[T]) StoreItem(ctx context.Context, handle string, item *T, clientID, subjectID, sessionID, description string, created time.Time, expiration, consumed *time.Time) error {
	if item == nil {
		return fmt.Errorf("%s item is nil: %w", s.GrantType, model.ErrInvalidArgument)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.GrantType, err)
	}
	grant := &model.PersistedGrant{
		Key:          s.HashKey(handle),
		Type:         s.GrantType,
		ClientID:     clientID,
		SubjectID:    subjectID,
		SessionID:    sessionID,
		Description:  description,
		CreationTime: created,
		Expiration:   expiration,
		ConsumedTime: consumed,
		Data:         string(data),
	}
	if err := s.Store.Store(ctx, grant); err != nil {
		return fmt.Errorf("store %s: %w", s.GrantType, err)
	}
	return nil
}

// GetItem returns the item for handle. It returns nil when the grant is
// missing, is of another type, has expired or cannot be decoded.
func (s *GrantStore[T]) GetItem(ctx context.Context, handle string) (*T, error) {
	_, item, err := s.getGrant(ctx, handle)
	return item, err
}

func (s *GrantStore[T]) getGrant(ctx context.Context, handle string) (*model.PersistedGrant, *T, error) {
	grant, err := s.Store.Get(ctx, s.HashKey(handle))
	if err != nil {
		return nil, nil, fmt.Errorf("get %s: %w", s.GrantType, err)
	}
	item := s.decode(ctx, grant)
	if item == nil {
		return nil, nil, nil
	}
	return grant, item, nil
}

// ConsumeItem atomically marks the grant for handle consumed and returns its
// item. It returns nil when the grant was already consumed, or for the same
// reasons as GetItem.
func (s *GrantStore[T]) ConsumeItem(ctx context.Context, handle string) (*T, error) {
	grant, err := s.Store.Consume(ctx, s.HashKey(handle), s.Now())
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", s.GrantType, err)
	}
	return s.decode(ctx, grant), nil
}

func (s *GrantStore[T]) decode(ctx context.Context, grant *model.PersistedGrant) *T {
	if grant == nil || grant.Type != s.GrantType {
		return nil
	}
	if grant.Expired(s.Now()) {
		s.Logger.DebugContext(ctx, "grant expired", "type", s.GrantType)
		return nil
	}
	var item T
	if err := json.Unmarshal([]byte(grant.Data), &item); err != nil {
		s.Logger.ErrorContext(ctx, "failed to decode grant", "type", s.GrantType, "err", err)
		return nil
	}
	return &item
}

// RemoveItem deletes the grant for handle.
func (s *GrantStore[T]) RemoveItem(ctx context.Context, handle string) error {
	if err := s.Store.Remove(ctx, s.HashKey(handle)); err != nil {
		return fmt.Errorf("remove %s: %w", s.GrantType, err)
	}
	return nil
}

// RemoveAllItems deletes every grant of this type for the subject and
// client. An empty sessionID matches all sessions.
func (s *GrantStore[T]) RemoveAllItems(ctx context.Context, subjectID, clientID, sessionID string) error {
	err := s.Store.RemoveAll(ctx, &model.PersistedGrantFilter{
		SubjectID: subjectID,
		ClientID:  clientID,
		SessionID: sessionID,
		Type:      s.GrantType,
	})
	if err != nil {
		return fmt.Errorf("remove all %s: %w", s.GrantType, err)
	}
	return nil
}
