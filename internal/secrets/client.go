package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"lds.li/grantidp/internal/model"
)

var clientAuthentications = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "client_authentications_total",
		Help: "Client authentication attempts by method and result",
	},
	[]string{"method", "result"},
)

// ClientStore finds clients by id.
type ClientStore interface {
	// FindEnabledClientByID returns the client, or nil if it does not exist
	// or is disabled.
	FindEnabledClientByID(ctx context.Context, clientID string) (*model.Client, error)
}

// ClientResult is the outcome of authenticating the client on a request.
type ClientResult struct {
	IsError          bool
	Error            string
	ErrorDescription string

	Client *model.Client
	Secret *model.ParsedSecret
	// Confirmation binds issued tokens to the presented credential.
	Confirmation string
}

// ClientSecretValidator authenticates the client making a request.
type ClientSecretValidator struct {
	Parsers    []Parser
	Validators []Validator
	Clients    ClientStore
	Logger     *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Validate parses the request credential, finds the client and checks the
// credential against the client's secrets. Clients that do not require a
// secret are authenticated by id alone.
func (v *ClientSecretValidator) Validate(ctx context.Context, r *http.Request) (*ClientResult, error) {
	if v.Clients == nil {
		return nil, fmt.Errorf("client secret validator has no client store: %w", model.ErrInvalidOperation)
	}
	log := logger(v.Logger)

	parsed := ParseSecret(r, v.Parsers)
	if parsed == nil {
		log.InfoContext(ctx, "no client credential found on request")
		clientAuthentications.WithLabelValues("none", "failure").Inc()
		return clientFailure(), nil
	}
	method := parsed.Properties["method"]
	log = log.With("client_id", parsed.ID, "method", method)
	fail := func(msg string) (*ClientResult, error) {
		log.InfoContext(ctx, msg)
		clientAuthentications.WithLabelValues(method, "failure").Inc()
		return clientFailure(), nil
	}

	client, err := v.Clients.FindEnabledClientByID(ctx, parsed.ID)
	if err != nil {
		return nil, fmt.Errorf("find client %s: %w", parsed.ID, err)
	}
	if client == nil {
		return fail("unknown or disabled client")
	}

	res := &ClientResult{Client: client, Secret: parsed}
	if !client.RequireClientSecret || client.IsImplicitOnly() {
		log.DebugContext(ctx, "client does not require a secret")
		clientAuthentications.WithLabelValues(method, "public").Inc()
		return res, nil
	}
	if parsed.Type == model.ParsedSecretTypeNoSecret {
		return fail("client requires a secret but none was presented")
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	secrets := client.ClientSecrets
	if secrets == nil {
		secrets = []model.Secret{}
	}
	vr, err := ValidateAll(ctx, v.Validators, secrets, parsed, now)
	if err != nil {
		return nil, fmt.Errorf("validate secret for client %s: %w", client.ClientID, err)
	}
	if !vr.Success {
		return fail("client secret validation failed")
	}
	res.Confirmation = vr.Confirmation
	clientAuthentications.WithLabelValues(method, "success").Inc()
	return res, nil
}

func clientFailure() *ClientResult {
	return &ClientResult{IsError: true, Error: model.ErrorInvalidClient}
}
