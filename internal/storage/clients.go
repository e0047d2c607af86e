package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"crawshaw.dev/jsonfile"
	"lds.li/grantidp/internal/model"
)

// ClientRegistry is the on-disk store for clients managed through the admin
// API, as opposed to clients declared in the config file.
type ClientRegistry struct {
	Clients []*RegisteredClient `json:"clients,omitzero"`
}

// RegisteredClient is a client added at runtime.
type RegisteredClient struct {
	Client    model.Client `json:"client"`
	CreatedAt time.Time    `json:"created_at,omitzero"`
}

// Find returns the registered client with id, or nil.
func (r *ClientRegistry) Find(id string) *RegisteredClient {
	for _, c := range r.Clients {
		if c.Client.ClientID == id {
			return c
		}
	}
	return nil
}

// OpenClientRegistry opens an existing client registry. If the file does not
// exist an error is returned.
func OpenClientRegistry(path string) (*jsonfile.JSONFile[ClientRegistry], error) {
	s, err := jsonfile.Load[ClientRegistry](path)
	if err != nil {
		return nil, fmt.Errorf("load client registry from %s: %w", path, err)
	}
	return s, nil
}

// NewClientRegistry opens the client registry at path, creating it if it
// does not exist.
func NewClientRegistry(path string) (*jsonfile.JSONFile[ClientRegistry], error) {
	s, err := jsonfile.Load[ClientRegistry](path)
	if errors.Is(err, fs.ErrNotExist) {
		s, err = jsonfile.New[ClientRegistry](path)
		if err != nil {
			return nil, fmt.Errorf("create client registry: %w", err)
		}
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("load client registry from %s: %w", path, err)
	}
	return s, nil
}
