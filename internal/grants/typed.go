package grants

import (
	"context"
	"log/slog"

	"lds.li/grantidp/internal/model"
)

// AuthorizationCodeStore keeps authorization codes until redeemed.
type AuthorizationCodeStore struct {
	*GrantStore[model.AuthorizationCode]
}

func NewAuthorizationCodeStore(store Store, logger *slog.Logger) *AuthorizationCodeStore {
	return &AuthorizationCodeStore{NewGrantStore[model.AuthorizationCode](model.PersistedGrantTypeAuthorizationCode, store, logger)}
}

// StoreAuthorizationCode persists code and returns the code handle.
func (s *AuthorizationCodeStore) StoreAuthorizationCode(ctx context.Context, code *model.AuthorizationCode) (string, error) {
	return s.CreateItem(ctx, code, code.ClientID, code.Subject.SubjectID, code.SessionID, code.Description, code.CreationTime, code.Lifetime)
}

func (s *AuthorizationCodeStore) GetAuthorizationCode(ctx context.Context, handle string) (*model.AuthorizationCode, error) {
	return s.GetItem(ctx, handle)
}

// ConsumeAuthorizationCode redeems the code under handle. Only one caller
// ever gets a non-nil code back, and the code is removed afterwards.
func (s *AuthorizationCodeStore) ConsumeAuthorizationCode(ctx context.Context, handle string) (*model.AuthorizationCode, error) {
	code, err := s.ConsumeItem(ctx, handle)
	if err != nil {
		return nil, err
	}
	if err := s.RemoveItem(ctx, handle); err != nil {
		return nil, err
	}
	return code, nil
}

func (s *AuthorizationCodeStore) RemoveAuthorizationCode(ctx context.Context, handle string) error {
	return s.RemoveItem(ctx, handle)
}

// RefreshTokenStore keeps refresh tokens, including consumed one-time tokens
// until they expire.
type RefreshTokenStore struct {
	*GrantStore[model.RefreshToken]
}

func NewRefreshTokenStore(store Store, logger *slog.Logger) *RefreshTokenStore {
	return &RefreshTokenStore{NewGrantStore[model.RefreshToken](model.PersistedGrantTypeRefreshToken, store, logger)}
}

// StoreRefreshToken persists token and returns the refresh token handle.
func (s *RefreshTokenStore) StoreRefreshToken(ctx context.Context, token *model.RefreshToken) (string, error) {
	return s.CreateItem(ctx, token, token.ClientID(), token.Subject.SubjectID, token.SessionID(), token.Description, token.CreationTime, token.Lifetime)
}

// UpdateRefreshToken replaces the token stored under handle, e.g. to record
// consumption or a sliding lifetime.
func (s *RefreshTokenStore) UpdateRefreshToken(ctx context.Context, handle string, token *model.RefreshToken) error {
	exp := token.CreationTime.Add(token.Lifetime)
	return s.StoreItem(ctx, handle, token, token.ClientID(), token.Subject.SubjectID, token.SessionID(), token.Description, token.CreationTime, &exp, token.ConsumedTime)
}

// GetRefreshToken returns the token for handle, with ConsumedTime set if the
// grant has been consumed.
func (s *RefreshTokenStore) GetRefreshToken(ctx context.Context, handle string) (*model.RefreshToken, error) {
	grant, rt, err := s.getGrant(ctx, handle)
	if err != nil || rt == nil {
		return nil, err
	}
	if rt.ConsumedTime == nil && grant.ConsumedTime != nil {
		t := *grant.ConsumedTime
		rt.ConsumedTime = &t
	}
	return rt, nil
}

// ConsumeRefreshToken marks the token under handle consumed. It reports false
// if the token is unknown, expired or was consumed before.
func (s *RefreshTokenStore) ConsumeRefreshToken(ctx context.Context, handle string) (bool, error) {
	rt, err := s.ConsumeItem(ctx, handle)
	if err != nil {
		return false, err
	}
	return rt != nil, nil
}

func (s *RefreshTokenStore) RemoveRefreshToken(ctx context.Context, handle string) error {
	return s.RemoveItem(ctx, handle)
}

// RemoveRefreshTokens deletes all refresh tokens issued to clientID for
// subjectID.
func (s *RefreshTokenStore) RemoveRefreshTokens(ctx context.Context, subjectID, clientID string) error {
	return s.RemoveAllItems(ctx, subjectID, clientID, "")
}

// ReferenceTokenStore keeps the access tokens behind reference handles.
type ReferenceTokenStore struct {
	*GrantStore[model.Token]
}

func NewReferenceTokenStore(store Store, logger *slog.Logger) *ReferenceTokenStore {
	return &ReferenceTokenStore{NewGrantStore[model.Token](model.PersistedGrantTypeReferenceToken, store, logger)}
}

// StoreReferenceToken persists token and returns the reference handle.
func (s *ReferenceTokenStore) StoreReferenceToken(ctx context.Context, token *model.Token) (string, error) {
	return s.CreateItem(ctx, token, token.ClientID, token.SubjectID(), token.SessionID(), token.Description, token.CreationTime, token.Lifetime)
}

func (s *ReferenceTokenStore) GetReferenceToken(ctx context.Context, handle string) (*model.Token, error) {
	return s.GetItem(ctx, handle)
}

func (s *ReferenceTokenStore) RemoveReferenceToken(ctx context.Context, handle string) error {
	return s.RemoveItem(ctx, handle)
}

// RemoveReferenceTokens deletes all reference tokens issued to clientID for
// subjectID.
func (s *ReferenceTokenStore) RemoveReferenceTokens(ctx context.Context, subjectID, clientID string) error {
	return s.RemoveAllItems(ctx, subjectID, clientID, "")
}

// UserConsentStore keeps remembered consent, one record per subject and
// client.
type UserConsentStore struct {
	*GrantStore[model.Consent]
}

func NewUserConsentStore(store Store, logger *slog.Logger) *UserConsentStore {
	return &UserConsentStore{NewGrantStore[model.Consent](model.PersistedGrantTypeUserConsent, store, logger)}
}

func consentHandle(subjectID, clientID string) string {
	return clientID + "|" + subjectID
}

// StoreUserConsent replaces the consent for the subject and client.
func (s *UserConsentStore) StoreUserConsent(ctx context.Context, consent *model.Consent) error {
	return s.StoreItem(ctx, consentHandle(consent.SubjectID, consent.ClientID), consent, consent.ClientID, consent.SubjectID, "", "", consent.CreationTime, consent.Expiration, nil)
}

// GetUserConsent returns the unexpired consent for the subject and client, or
// nil.
func (s *UserConsentStore) GetUserConsent(ctx context.Context, subjectID, clientID string) (*model.Consent, error) {
	return s.GetItem(ctx, consentHandle(subjectID, clientID))
}

func (s *UserConsentStore) RemoveUserConsent(ctx context.Context, subjectID, clientID string) error {
	return s.RemoveItem(ctx, consentHandle(subjectID, clientID))
}
