// Package clients is the client store: clients from the config file and
// clients added through the admin API, looked up as one set.
package clients

import (
	"context"
	"fmt"
	"log/slog"

	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/validation"
)

// Source is a set of clients.
type Source interface {
	FindClientByID(ctx context.Context, clientID string) (*model.Client, error)
}

// MultiClients combines multiple client sources, with static clients taking
// precedence.
type MultiClients struct {
	Static *StaticClients
	// File may be nil when no client registry is configured.
	File *FileClients
	Log  *slog.Logger
}

// NewMultiClients creates a new MultiClients instance
func NewMultiClients(static *StaticClients, file *FileClients, logger *slog.Logger) *MultiClients {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MultiClients{Static: static, File: file, Log: logger}
}

func (m *MultiClients) sources() []Source {
	var s []Source
	if m.Static != nil {
		s = append(s, m.Static)
	}
	if m.File != nil {
		s = append(s, m.File)
	}
	return s
}

// FindClientByID returns the client with the ID from the first source that
// has it, or nil.
func (m *MultiClients) FindClientByID(ctx context.Context, clientID string) (*model.Client, error) {
	for _, s := range m.sources() {
		c, err := s.FindClientByID(ctx, clientID)
		if err != nil {
			return nil, fmt.Errorf("find client %s: %w", clientID, err)
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, nil
}

// FindEnabledClientByID returns the client only if it is enabled and its
// configuration is valid. Invalid clients are logged and treated as
// missing.
func (m *MultiClients) FindEnabledClientByID(ctx context.Context, clientID string) (*model.Client, error) {
	c, err := m.FindClientByID(ctx, clientID)
	if err != nil || c == nil {
		return nil, err
	}
	if !c.Enabled {
		m.Log.DebugContext(ctx, "client is disabled", "client_id", clientID)
		return nil, nil
	}
	if err := validation.ValidateClientConfiguration(c); err != nil {
		m.Log.ErrorContext(ctx, "client configuration is invalid", "client_id", clientID, "err", err)
		return nil, nil
	}
	return c, nil
}
