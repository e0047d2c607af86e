package config

import (
	"fmt"

	"github.com/google/uuid"
)

// User is an account that can sign in. The ID is the subject of every token
// issued for the user.
type User struct {
	// ID is the users unique ID, must be a UUID.
	ID uuid.UUID `json:"id,omitzero"`
	// Email is the users email address.
	Email string `json:"email,omitzero"`
	// EmailVerified is reported as the email_verified claim.
	EmailVerified bool `json:"emailVerified,omitzero"`
	// FullName is the users full name.
	FullName string `json:"fullName,omitzero"`
	// Username is what the user signs in with. It is the value of the trusted
	// user header, and the preferred_username claim.
	Username string `json:"username,omitzero"`
	// Metadata is a generic map of metadata for the user, available to
	// policies.
	Metadata map[string]any `json:"metadata,omitzero"`
	// Groups is a list of group names that a user is a member of.
	Groups []string `json:"groups,omitzero"`
	// Disabled users can not sign in, and tokens are no longer issued or
	// refreshed for them.
	Disabled bool `json:"disabled,omitzero"`
}

type Users []*User

func (u Users) GetUser(id uuid.UUID) (*User, error) {
	for _, user := range u {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, fmt.Errorf("user %s not found", id)
}

// GetUserBySubject finds the user for a token subject.
func (u Users) GetUserBySubject(sub string) (*User, error) {
	id, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("parse subject %q: %w", sub, err)
	}
	return u.GetUser(id)
}

func (u Users) GetUserByUsername(username string) (*User, error) {
	for _, user := range u {
		if user.Username == username {
			return user, nil
		}
	}
	return nil, fmt.Errorf("user %s not found", username)
}
