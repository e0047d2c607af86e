package model

import (
	"time"
)

// Persisted grant types.
const (
	PersistedGrantTypeAuthorizationCode = "authorization_code"
	PersistedGrantTypeReferenceToken    = "reference_token"
	PersistedGrantTypeRefreshToken      = "refresh_token"
	PersistedGrantTypeUserConsent       = "user_consent"
	PersistedGrantTypeDeviceCode        = "device_code"
	PersistedGrantTypeUserCode          = "user_code"
)

// PersistedGrant is the opaque server side record behind codes, tokens and
// consent. Key is a hash of the handle given to the client, never the handle.
type PersistedGrant struct {
	Key          string     `json:"key"`
	Type         string     `json:"type"`
	SubjectID    string     `json:"subjectId,omitzero"`
	SessionID    string     `json:"sessionId,omitzero"`
	ClientID     string     `json:"clientId"`
	Description  string     `json:"description,omitzero"`
	CreationTime time.Time  `json:"creationTime"`
	Expiration   *time.Time `json:"expiration,omitzero"`
	ConsumedTime *time.Time `json:"consumedTime,omitzero"`
	Data         string     `json:"data"`
}

// Expired reports whether the grant has an expiration before now.
func (g *PersistedGrant) Expired(now time.Time) bool {
	return g.Expiration != nil && g.Expiration.Before(now)
}

// Clone returns a deep copy of g.
func (g *PersistedGrant) Clone() *PersistedGrant {
	c := *g
	if g.Expiration != nil {
		e := *g.Expiration
		c.Expiration = &e
	}
	if g.ConsumedTime != nil {
		t := *g.ConsumedTime
		c.ConsumedTime = &t
	}
	return &c
}

// PersistedGrantFilter selects grants for bulk query and removal. All set
// fields must match. SubjectID is required: a filter without it matches
// nothing.
type PersistedGrantFilter struct {
	SubjectID string `json:"subjectId,omitzero"`
	SessionID string `json:"sessionId,omitzero"`
	ClientID  string `json:"clientId,omitzero"`
	Type      string `json:"type,omitzero"`
}

// Matches reports if g is selected by the filter.
func (f *PersistedGrantFilter) Matches(g *PersistedGrant) bool {
	if f == nil || f.SubjectID == "" {
		return false
	}
	if g.SubjectID != f.SubjectID {
		return false
	}
	if f.SessionID != "" && g.SessionID != f.SessionID {
		return false
	}
	if f.ClientID != "" && g.ClientID != f.ClientID {
		return false
	}
	if f.Type != "" && g.Type != f.Type {
		return false
	}
	return true
}

// AuthorizationCode is the payload stored behind an authorization code.
type AuthorizationCode struct {
	CreationTime        time.Time     `json:"creationTime"`
	Lifetime            time.Duration `json:"lifetime"`
	ClientID            string        `json:"clientId"`
	Subject             Subject       `json:"subject"`
	SessionID           string        `json:"sessionId,omitzero"`
	IsOpenID            bool          `json:"isOpenId"`
	RequestedScopes     []string      `json:"requestedScopes"`
	RedirectURI         string        `json:"redirectUri"`
	Nonce               string        `json:"nonce,omitzero"`
	StateHash           string        `json:"stateHash,omitzero"`
	CodeChallenge       string        `json:"codeChallenge,omitzero"`
	CodeChallengeMethod string        `json:"codeChallengeMethod,omitzero"`
	WasConsentShown     bool          `json:"wasConsentShown"`
	Description         string        `json:"description,omitzero"`
}

// Expired reports if the code lifetime has elapsed at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return c.CreationTime.Add(c.Lifetime).Before(now)
}

// RefreshToken is the payload stored behind a refresh token handle.
type RefreshToken struct {
	CreationTime     time.Time     `json:"creationTime"`
	Lifetime         time.Duration `json:"lifetime"`
	ConsumedTime     *time.Time    `json:"consumedTime,omitzero"`
	AccessToken      Token         `json:"accessToken"`
	AuthorizedScopes []string      `json:"authorizedScopes"`
	Subject          Subject       `json:"subject"`
	Version          int           `json:"version"`
	Description      string        `json:"description,omitzero"`
}

// ClientID returns the client the refresh token was issued to.
func (r *RefreshToken) ClientID() string { return r.AccessToken.ClientID }

// SessionID returns the session the refresh token was issued in.
func (r *RefreshToken) SessionID() string { return r.AccessToken.SessionID() }

// Expired reports if the refresh token lifetime has elapsed at now.
func (r *RefreshToken) Expired(now time.Time) bool {
	return r.CreationTime.Add(r.Lifetime).Before(now)
}

// Consent records the scopes a subject granted to a client.
type Consent struct {
	SubjectID    string     `json:"subjectId"`
	ClientID     string     `json:"clientId"`
	Scopes       []string   `json:"scopes"`
	CreationTime time.Time  `json:"creationTime"`
	Expiration   *time.Time `json:"expiration,omitzero"`
}

// DeviceCode is the state of an in-progress device authorization.
type DeviceCode struct {
	ClientID         string        `json:"clientId"`
	CreationTime     time.Time     `json:"creationTime"`
	Lifetime         time.Duration `json:"lifetime"`
	IsOpenID         bool          `json:"isOpenId"`
	IsAuthorized     bool          `json:"isAuthorized"`
	Subject          *Subject      `json:"subject,omitzero"`
	RequestedScopes  []string      `json:"requestedScopes"`
	AuthorizedScopes []string      `json:"authorizedScopes,omitzero"`
	SessionID        string        `json:"sessionId,omitzero"`
	Description      string        `json:"description,omitzero"`
}

// Expiration is CreationTime plus Lifetime.
func (d *DeviceCode) Expiration() time.Time {
	return d.CreationTime.Add(d.Lifetime)
}

// Expired reports if the device code lifetime has elapsed at now.
func (d *DeviceCode) Expired(now time.Time) bool {
	return d.Expiration().Before(now)
}

// Subject is an authenticated end user, as recorded on grants and sessions.
type Subject struct {
	SubjectID             string    `json:"sub"`
	SessionID             string    `json:"sid,omitzero"`
	AuthTime              time.Time `json:"authTime,omitzero"`
	IdentityProvider      string    `json:"idp,omitzero"`
	AuthenticationMethods []string  `json:"amr,omitzero"`
}
