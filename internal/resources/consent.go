package resources

import (
	"context"
	"fmt"
	"slices"
	"time"

	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/model"
)

// RequiresConsent reports whether the user must be shown a consent prompt
// for client. Remembered consent does not skip the prompt.
func RequiresConsent(client *model.Client) bool {
	return client != nil && client.RequireConsent
}

// ConsentService records the scopes a user consented to per client.
type ConsentService struct {
	Store *grants.UserConsentStore
	Now   func() time.Time
}

func (s *ConsentService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// UpdateConsent stores the consented scopes when remember is set and the
// client allows it, and clears any stored consent otherwise.
func (s *ConsentService) UpdateConsent(ctx context.Context, subject *model.Subject, client *model.Client, scopes []string, remember bool) error {
	if subject == nil || subject.SubjectID == "" || client == nil {
		return fmt.Errorf("subject and client are required: %w", model.ErrInvalidArgument)
	}
	if !remember || !client.AllowRememberConsent || len(scopes) == 0 {
		if err := s.Store.RemoveUserConsent(ctx, subject.SubjectID, client.ClientID); err != nil {
			return fmt.Errorf("remove consent: %w", err)
		}
		return nil
	}

	now := s.now()
	consent := &model.Consent{
		SubjectID:    subject.SubjectID,
		ClientID:     client.ClientID,
		Scopes:       slices.Sorted(slices.Values(scopes)),
		CreationTime: now,
	}
	if client.ConsentLifetime > 0 {
		exp := now.Add(client.ConsentLifetime)
		consent.Expiration = &exp
	}
	if err := s.Store.StoreUserConsent(ctx, consent); err != nil {
		return fmt.Errorf("store consent: %w", err)
	}
	return nil
}

// ConsentedScopes returns the scopes the subject remembered consent to for
// the client, or nil.
func (s *ConsentService) ConsentedScopes(ctx context.Context, subjectID, clientID string) ([]string, error) {
	c, err := s.Store.GetUserConsent(ctx, subjectID, clientID)
	if err != nil {
		return nil, fmt.Errorf("get consent: %w", err)
	}
	if c == nil {
		return nil, nil
	}
	return c.Scopes, nil
}
