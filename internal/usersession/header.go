package usersession

import (
	"fmt"
	"net/http"

	"lds.li/grantidp/internal/config"
	"lds.li/grantidp/internal/model"
)

// AuthMethodProxy is the amr value of users authenticated by a proxy.
const AuthMethodProxy = "proxy"

// HeaderAuthenticator signs users in from a header set by an authenticating
// reverse proxy. The proxy must strip the header from client requests.
type HeaderAuthenticator struct {
	Header string
	Users  config.Users
}

// Authenticate returns the subject for the username in the header, or nil if
// the header is not set. Unknown and disabled users are an error.
func (a *HeaderAuthenticator) Authenticate(r *http.Request) (*model.Subject, error) {
	if a.Header == "" {
		return nil, nil
	}
	username := r.Header.Get(a.Header)
	if username == "" {
		return nil, nil
	}
	u, err := a.Users.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", err, model.ErrInvalidArgument)
	}
	if u.Disabled {
		return nil, fmt.Errorf("user %s is disabled: %w", username, model.ErrInvalidArgument)
	}
	return &model.Subject{
		SubjectID:             u.ID.String(),
		IdentityProvider:      "local",
		AuthenticationMethods: []string{AuthMethodProxy},
	}, nil
}
