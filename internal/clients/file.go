package clients

import (
	"context"
	"fmt"
	"time"

	"crawshaw.dev/jsonfile"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/storage"
	"lds.li/grantidp/internal/validation"
)

// FileClients are clients managed through the admin API, persisted in a JSON
// file.
type FileClients struct {
	registry *jsonfile.JSONFile[storage.ClientRegistry]
	now      func() time.Time
}

func NewFileClients(registry *jsonfile.JSONFile[storage.ClientRegistry]) *FileClients {
	return &FileClients{registry: registry, now: time.Now}
}

// FindClientByID returns a copy of the stored client, or nil.
func (f *FileClients) FindClientByID(_ context.Context, clientID string) (*model.Client, error) {
	var c *model.Client
	f.registry.Read(func(r *storage.ClientRegistry) {
		if rc := r.Find(clientID); rc != nil {
			cp := rc.Client
			c = &cp
		}
	})
	return c, nil
}

// List returns copies of all stored clients.
func (f *FileClients) List(context.Context) ([]*storage.RegisteredClient, error) {
	var out []*storage.RegisteredClient
	f.registry.Read(func(r *storage.ClientRegistry) {
		for _, rc := range r.Clients {
			cp := *rc
			out = append(out, &cp)
		}
	})
	return out, nil
}

// Add stores a new client after applying defaults and validating it. Adding
// an ID that already exists fails with ErrInvalidArgument.
func (f *FileClients) Add(_ context.Context, c *model.Client) error {
	cp := *c
	cp.ApplyDefaults()
	if err := validation.ValidateClientConfiguration(&cp); err != nil {
		return err
	}
	var exists bool
	if err := f.registry.Write(func(r *storage.ClientRegistry) error {
		if r.Find(cp.ClientID) != nil {
			exists = true
			return nil
		}
		r.Clients = append(r.Clients, &storage.RegisteredClient{Client: cp, CreatedAt: f.now()})
		return nil
	}); err != nil {
		return fmt.Errorf("add client %s: %w", cp.ClientID, err)
	}
	if exists {
		return fmt.Errorf("client %s already exists: %w", cp.ClientID, model.ErrInvalidArgument)
	}
	return nil
}

// Delete removes the client, reporting whether it existed.
func (f *FileClients) Delete(_ context.Context, clientID string) (bool, error) {
	var found bool
	err := f.registry.Write(func(r *storage.ClientRegistry) error {
		for i, rc := range r.Clients {
			if rc.Client.ClientID == clientID {
				r.Clients = append(r.Clients[:i], r.Clients[i+1:]...)
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete client %s: %w", clientID, err)
	}
	return found, nil
}
