package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lds.li/grantidp/internal/model"
)

// APIResourceStore finds API resources by name.
type APIResourceStore interface {
	FindAPIResourcesByName(ctx context.Context, names []string) ([]model.APIResource, error)
}

// APIResult is the outcome of authenticating an API resource.
type APIResult struct {
	IsError  bool
	Error    string
	Resource *model.APIResource
}

// APISecretValidator authenticates API resources calling the introspection
// endpoint with their API secrets.
type APISecretValidator struct {
	Parsers    []Parser
	Validators []Validator
	Resources  APIResourceStore
	Logger     *slog.Logger
	Now        func() time.Time
}

func (v *APISecretValidator) Validate(ctx context.Context, r *http.Request) (*APIResult, error) {
	log := logger(v.Logger)
	fail := &APIResult{IsError: true, Error: model.ErrorInvalidClient}

	parsed := ParseSecret(r, v.Parsers)
	if parsed == nil {
		log.InfoContext(ctx, "no api credential found on request")
		return fail, nil
	}
	log = log.With("api", parsed.ID)

	apis, err := v.Resources.FindAPIResourcesByName(ctx, []string{parsed.ID})
	if err != nil {
		return nil, fmt.Errorf("find api resource %s: %w", parsed.ID, err)
	}
	if len(apis) != 1 || !apis[0].Enabled {
		log.InfoContext(ctx, "unknown or disabled api resource")
		return fail, nil
	}
	api := apis[0]
	if parsed.Type == model.ParsedSecretTypeNoSecret || len(api.APISecrets) == 0 {
		log.InfoContext(ctx, "api resource presented no secret or has none configured")
		return fail, nil
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	vr, err := ValidateAll(ctx, v.Validators, api.APISecrets, parsed, now)
	if err != nil {
		return nil, fmt.Errorf("validate secret for api %s: %w", api.Name, err)
	}
	if !vr.Success {
		log.InfoContext(ctx, "api secret validation failed")
		return fail, nil
	}
	return &APIResult{Resource: &api}, nil
}
