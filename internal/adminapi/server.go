package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/run"
	"lds.li/grantidp/internal/clients"
	"lds.li/grantidp/internal/config"
	"lds.li/grantidp/internal/cryptoutil"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/storage"
)

// GrantLister is the grant storage the admin API reads and prunes.
type GrantLister interface {
	List(ctx context.Context) ([]*model.PersistedGrant, error)
	GetAll(ctx context.Context, filter *model.PersistedGrantFilter) ([]*model.PersistedGrant, error)
	RemoveAll(ctx context.Context, filter *model.PersistedGrantFilter) error
}

var _ GrantLister = (*storage.PersistedGrants)(nil)

// Server provides an admin API over a Unix socket.
type Server struct {
	grants     GrantLister
	clients    *clients.FileClients
	users      config.Users
	socketPath string
	log        *slog.Logger
}

// NewServer creates a new admin API server. users resolves usernames given
// as a grant subject.
func NewServer(grants GrantLister, fileClients *clients.FileClients, users config.Users, socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		grants:     grants,
		clients:    fileClients,
		users:      users,
		socketPath: socketPath,
		log:        logger,
	}
}

// Handler returns the admin API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/grants", s.handleListGrants)
	mux.HandleFunc("DELETE /admin/grants", s.handleRevokeGrants)
	mux.HandleFunc("GET /admin/clients", s.handleListClients)
	mux.HandleFunc("POST /admin/clients", s.handleAddClient)
	mux.HandleFunc("DELETE /admin/clients/{id}", s.handleDeleteClient)
	return mux
}

// Start starts the admin API server on a Unix socket.
func (s *Server) Start(ctx context.Context, g *run.Group) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// owner read/write only
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("set socket permissions: %w", err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Add(func() error {
		s.log.InfoContext(ctx, "admin API server listening", slog.String("socket", s.socketPath))
		return server.Serve(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	})

	return nil
}

// GrantInfo describes a stored grant. The grant payload is never exposed.
type GrantInfo struct {
	Key          string     `json:"key"`
	Type         string     `json:"type"`
	SubjectID    string     `json:"subject_id,omitzero"`
	SessionID    string     `json:"session_id,omitzero"`
	ClientID     string     `json:"client_id"`
	Description  string     `json:"description,omitzero"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   *time.Time `json:"expiration,omitzero"`
	ConsumedTime *time.Time `json:"consumed_time,omitzero"`
}

func grantInfo(g *model.PersistedGrant) GrantInfo {
	return GrantInfo{
		Key:          g.Key,
		Type:         g.Type,
		SubjectID:    g.SubjectID,
		SessionID:    g.SessionID,
		ClientID:     g.ClientID,
		Description:  g.Description,
		CreationTime: g.CreationTime,
		Expiration:   g.Expiration,
		ConsumedTime: g.ConsumedTime,
	}
}

// grantFilter reads the filter from the query. The subject may be a user ID
// or a username.
func (s *Server) grantFilter(r *http.Request) (*model.PersistedGrantFilter, error) {
	q := r.URL.Query()
	f := &model.PersistedGrantFilter{
		SubjectID: q.Get("subject"),
		SessionID: q.Get("session"),
		ClientID:  q.Get("client"),
		Type:      q.Get("type"),
	}
	if f.SubjectID != "" {
		if _, err := s.users.GetUserBySubject(f.SubjectID); err != nil {
			u, err := s.users.GetUserByUsername(f.SubjectID)
			if err != nil {
				return nil, fmt.Errorf("unknown subject %s: %w", f.SubjectID, model.ErrInvalidArgument)
			}
			f.SubjectID = u.ID.String()
		}
	}
	return f, nil
}

// handleListGrants streams matching grants as NDJSON.
func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := s.grantFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var found []*model.PersistedGrant
	if f.SubjectID != "" {
		found, err = s.grants.GetAll(ctx, f)
	} else {
		found, err = s.grants.List(ctx)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("list grants: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, g := range found {
		if f.SubjectID == "" && ((f.ClientID != "" && g.ClientID != f.ClientID) || (f.Type != "" && g.Type != f.Type)) {
			continue
		}
		if err := enc.Encode(grantInfo(g)); err != nil {
			s.log.ErrorContext(ctx, "encode grant", slog.String("error", err.Error()))
			return
		}
	}
}

// RevokeGrantsResponse reports how many grants a revocation removed.
type RevokeGrantsResponse struct {
	Removed int `json:"removed"`
}

// handleRevokeGrants removes the grants matching the filter. A subject is
// required.
func (s *Server) handleRevokeGrants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := s.grantFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.SubjectID == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}

	matched, err := s.grants.GetAll(ctx, f)
	if err != nil {
		http.Error(w, fmt.Sprintf("find grants: %v", err), http.StatusInternalServerError)
		return
	}
	if err := s.grants.RemoveAll(ctx, f); err != nil {
		http.Error(w, fmt.Sprintf("remove grants: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.InfoContext(ctx, "grants revoked by admin", "sub", f.SubjectID, "client_id", f.ClientID, "type", f.Type, "count", len(matched))

	writeJSON(ctx, s.log, w, http.StatusOK, RevokeGrantsResponse{Removed: len(matched)})
}

// ClientInfo summarizes a registered client.
type ClientInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitzero"`
	Enabled      bool      `json:"enabled"`
	Public       bool      `json:"public"`
	GrantTypes   []string  `json:"grant_types"`
	RedirectURIs []string  `json:"redirect_uris,omitzero"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
}

type ListClientsResponse struct {
	Clients []ClientInfo `json:"clients"`
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	registered, err := s.clients.List(ctx)
	if err != nil {
		http.Error(w, fmt.Sprintf("list clients: %v", err), http.StatusInternalServerError)
		return
	}
	resp := ListClientsResponse{Clients: []ClientInfo{}}
	for _, rc := range registered {
		resp.Clients = append(resp.Clients, ClientInfo{
			ID:           rc.Client.ClientID,
			Name:         rc.Client.ClientName,
			Enabled:      rc.Client.Enabled,
			Public:       !rc.Client.RequireClientSecret,
			GrantTypes:   rc.Client.AllowedGrantTypes,
			RedirectURIs: rc.Client.RedirectURIs,
			CreatedAt:    rc.CreatedAt,
		})
	}
	writeJSON(ctx, s.log, w, http.StatusOK, resp)
}

// AddClientResponse carries the generated secret, if one was created. It is
// not retrievable later.
type AddClientResponse struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitzero"`
}

// handleAddClient registers a client described in the config file format.
// Confidential clients without a secret get a generated one.
func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req config.Client
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "client id is required", http.StatusBadRequest)
		return
	}

	var resp AddClientResponse
	if !req.Public && len(req.Secrets) == 0 && len(req.JWKs) == 0 {
		secret, err := cryptoutil.HandleGenerator{}.Generate(cryptoutil.DefaultHandleLength)
		if err != nil {
			http.Error(w, fmt.Sprintf("generate secret: %v", err), http.StatusInternalServerError)
			return
		}
		req.Secrets = []string{secret}
		resp.ClientSecret = secret
	}

	if err := s.clients.Add(ctx, req.ToModel()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, model.ErrInvalidArgument) || errors.Is(err, model.ErrInvalidOperation) {
			status = http.StatusBadRequest
		}
		http.Error(w, fmt.Sprintf("add client: %v", err), status)
		return
	}
	s.log.InfoContext(ctx, "client registered by admin", "client_id", req.ID)

	resp.ClientID = req.ID
	writeJSON(ctx, s.log, w, http.StatusCreated, resp)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	found, err := s.clients.Delete(ctx, id)
	if err != nil {
		http.Error(w, fmt.Sprintf("delete client: %v", err), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "client not found", http.StatusNotFound)
		return
	}
	s.log.InfoContext(ctx, "client deleted by admin", "client_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(ctx context.Context, log *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.ErrorContext(ctx, "encode response", slog.String("error", err.Error()))
	}
}
