package clients

import (
	"context"
	"fmt"

	"lds.li/grantidp/internal/model"
)

// StaticClients serves the clients declared in the config file. They can not
// be changed at runtime.
type StaticClients struct {
	clients map[string]*model.Client
	order   []string
}

// NewStaticClients indexes clients by ID. IDs must be unique.
func NewStaticClients(clients []*model.Client) (*StaticClients, error) {
	s := &StaticClients{clients: make(map[string]*model.Client, len(clients))}
	for _, c := range clients {
		if _, ok := s.clients[c.ClientID]; ok {
			return nil, fmt.Errorf("client %s defined twice: %w", c.ClientID, model.ErrInvalidOperation)
		}
		s.clients[c.ClientID] = c
		s.order = append(s.order, c.ClientID)
	}
	return s, nil
}

// FindClientByID returns the client with the given ID, or nil if it doesn't
// exist.
func (s *StaticClients) FindClientByID(_ context.Context, clientID string) (*model.Client, error) {
	return s.clients[clientID], nil
}

// List returns the clients in config order.
func (s *StaticClients) List(context.Context) ([]*model.Client, error) {
	out := make([]*model.Client, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.clients[id])
	}
	return out, nil
}
