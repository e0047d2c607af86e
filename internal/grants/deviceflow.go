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

// deviceRecord is stored under the device code key. It remembers the user
// code key so both records can be removed together.
type deviceRecord struct {
	UserCodeKey string           `json:"userCodeKey"`
	DeviceCode  model.DeviceCode `json:"deviceCode"`
}

// userCodeRecord is stored under the user code key and points at the device
// code record.
type userCodeRecord struct {
	DeviceCodeKey string `json:"deviceCodeKey"`
}

// DeviceFlowStore keeps device authorization state, addressable by both the
// device code polled by the client and the user code typed by the user.
type DeviceFlowStore struct {
	store  Store
	logger *slog.Logger
	// Now is used for expiry checks. Defaults to time.Now.
	Now func() time.Time
}

func NewDeviceFlowStore(store Store, logger *slog.Logger) *DeviceFlowStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DeviceFlowStore{store: store, logger: logger, Now: time.Now}
}

func deviceCodeKey(deviceCode string) string {
	return cryptoutil.Sha256(deviceCode + ":" + model.PersistedGrantTypeDeviceCode)
}

func userCodeKey(userCode string) string {
	return cryptoutil.Sha256(userCode + ":" + model.PersistedGrantTypeUserCode)
}

// StoreDeviceAuthorization persists a new device authorization.
func (s *DeviceFlowStore) StoreDeviceAuthorization(ctx context.Context, deviceCode, userCode string, data *model.DeviceCode) error {
	if deviceCode == "" || userCode == "" || data == nil {
		return fmt.Errorf("device code, user code and data are required: %w", model.ErrInvalidArgument)
	}
	dk, uk := deviceCodeKey(deviceCode), userCodeKey(userCode)
	exp := data.Expiration()
	subjectID := ""
	if data.Subject != nil {
		subjectID = data.Subject.SubjectID
	}

	if err := s.put(ctx, uk, model.PersistedGrantTypeUserCode, data, subjectID, exp, &userCodeRecord{DeviceCodeKey: dk}); err != nil {
		return err
	}
	return s.put(ctx, dk, model.PersistedGrantTypeDeviceCode, data, subjectID, exp, &deviceRecord{UserCodeKey: uk, DeviceCode: *data})
}

func (s *DeviceFlowStore) put(ctx context.Context, key, typ string, data *model.DeviceCode, subjectID string, exp time.Time, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	grant := &model.PersistedGrant{
		Key:          key,
		Type:         typ,
		ClientID:     data.ClientID,
		SubjectID:    subjectID,
		SessionID:    data.SessionID,
		Description:  data.Description,
		CreationTime: data.CreationTime,
		Expiration:   &exp,
		Data:         string(b),
	}
	if err := s.store.Store(ctx, grant); err != nil {
		return fmt.Errorf("store %s: %w", typ, err)
	}
	return nil
}

func (s *DeviceFlowStore) getDeviceRecord(ctx context.Context, key string) (*model.PersistedGrant, *deviceRecord, error) {
	grant, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("get device code: %w", err)
	}
	if grant == nil || grant.Type != model.PersistedGrantTypeDeviceCode {
		return nil, nil, nil
	}
	var rec deviceRecord
	if err := json.Unmarshal([]byte(grant.Data), &rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to decode device code", "err", err)
		return nil, nil, nil
	}
	return grant, &rec, nil
}

// FindByDeviceCode returns the device authorization for deviceCode. A record
// that has logically expired is never returned, instead expired is set so
// callers can tell it apart from an unknown code.
func (s *DeviceFlowStore) FindByDeviceCode(ctx context.Context, deviceCode string) (dc *model.DeviceCode, expired bool, err error) {
	_, rec, err := s.getDeviceRecord(ctx, deviceCodeKey(deviceCode))
	if err != nil || rec == nil {
		return nil, false, err
	}
	if rec.DeviceCode.Expired(s.Now()) {
		return nil, true, nil
	}
	return &rec.DeviceCode, false, nil
}

func (s *DeviceFlowStore) deviceKeyForUserCode(ctx context.Context, userCode string) (string, error) {
	grant, err := s.store.Get(ctx, userCodeKey(userCode))
	if err != nil {
		return "", fmt.Errorf("get user code: %w", err)
	}
	if grant == nil || grant.Type != model.PersistedGrantTypeUserCode {
		return "", nil
	}
	var rec userCodeRecord
	if err := json.Unmarshal([]byte(grant.Data), &rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to decode user code", "err", err)
		return "", nil
	}
	return rec.DeviceCodeKey, nil
}

// FindByUserCode returns the unexpired device authorization for userCode, or
// nil.
func (s *DeviceFlowStore) FindByUserCode(ctx context.Context, userCode string) (*model.DeviceCode, error) {
	dk, err := s.deviceKeyForUserCode(ctx, userCode)
	if err != nil || dk == "" {
		return nil, err
	}
	_, rec, err := s.getDeviceRecord(ctx, dk)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.DeviceCode.Expired(s.Now()) {
		return nil, nil
	}
	return &rec.DeviceCode, nil
}

// UpdateByUserCode replaces the device authorization found via userCode, for
// example once the user has approved it. Concurrent updates are last write
// wins.
func (s *DeviceFlowStore) UpdateByUserCode(ctx context.Context, userCode string, data *model.DeviceCode) error {
	if data == nil {
		return fmt.Errorf("device code data is nil: %w", model.ErrInvalidArgument)
	}
	dk, err := s.deviceKeyForUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if dk == "" {
		return fmt.Errorf("user code not found: %w", model.ErrInvalidArgument)
	}
	subjectID := ""
	if data.Subject != nil {
		subjectID = data.Subject.SubjectID
	}
	exp := data.Expiration()
	uk := userCodeKey(userCode)
	if err := s.put(ctx, uk, model.PersistedGrantTypeUserCode, data, subjectID, exp, &userCodeRecord{DeviceCodeKey: dk}); err != nil {
		return err
	}
	return s.put(ctx, dk, model.PersistedGrantTypeDeviceCode, data, subjectID, exp, &deviceRecord{UserCodeKey: uk, DeviceCode: *data})
}

// ConsumeByDeviceCode redeems the device authorization, removing it along
// with its user code. It reports false if another caller got there first or
// the code is unknown.
func (s *DeviceFlowStore) ConsumeByDeviceCode(ctx context.Context, deviceCode string) (bool, error) {
	dk := deviceCodeKey(deviceCode)
	grant, err := s.store.Consume(ctx, dk, s.Now())
	if err != nil {
		return false, fmt.Errorf("consume device code: %w", err)
	}
	if grant == nil || grant.Type != model.PersistedGrantTypeDeviceCode {
		return false, nil
	}
	if err := s.RemoveByDeviceCode(ctx, deviceCode); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveByDeviceCode deletes the device authorization and its user code.
func (s *DeviceFlowStore) RemoveByDeviceCode(ctx context.Context, deviceCode string) error {
	dk := deviceCodeKey(deviceCode)
	_, rec, err := s.getDeviceRecord(ctx, dk)
	if err != nil {
		return err
	}
	if rec != nil && rec.UserCodeKey != "" {
		if err := s.store.Remove(ctx, rec.UserCodeKey); err != nil {
			return fmt.Errorf("remove user code: %w", err)
		}
	}
	if err := s.store.Remove(ctx, dk); err != nil {
		return fmt.Errorf("remove device code: %w", err)
	}
	return nil
}
