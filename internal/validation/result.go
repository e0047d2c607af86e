// Package validation checks OAuth 2.0 and OpenID Connect protocol requests.
//
// Validators return protocol errors as result values with IsError set, using
// the registered error codes. A non-nil Go error is reserved for
// configuration, argument and storage failures, which callers must surface as
// server errors.
package validation

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"lds.li/grantidp/internal/model"
)

var validationResults = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "protocol_validation_results_total",
		Help: "Protocol request validation outcomes by endpoint and error code",
	},
	[]string{"endpoint", "error"},
)

// Result carries a protocol error. Validators start from newResult, which
// fails with invalid_request, and only clear the error once every check has
// passed.
type Result struct {
	IsError          bool
	Error            string
	ErrorDescription string
}

func newResult() Result {
	return Result{IsError: true, Error: model.ErrorInvalidRequest}
}

func reject(code, desc string) *Result {
	return &Result{IsError: true, Error: code, ErrorDescription: desc}
}

func (r *Result) setSuccess() {
	r.IsError = false
	r.Error = ""
	r.ErrorDescription = ""
}

func (r *Result) setError(code, desc string) {
	r.IsError = true
	r.Error = code
	r.ErrorDescription = desc
}

// observe records the outcome and logs failures.
func observe(ctx context.Context, log *slog.Logger, endpoint string, r *Result) {
	if !r.IsError {
		validationResults.WithLabelValues(endpoint, "").Inc()
		return
	}
	validationResults.WithLabelValues(endpoint, r.Error).Inc()
	log.InfoContext(ctx, "request validation failed", "endpoint", endpoint, "error", r.Error, "error_description", r.ErrorDescription)
}

// InputLengths bounds the size of request parameters.
type InputLengths struct {
	ClientID               int
	Scope                  int
	RedirectURI            int
	Nonce                  int
	State                  int
	UILocale               int
	LoginHint              int
	AcrValues              int
	GrantType              int
	AuthorizationCode      int
	RefreshToken           int
	DeviceCode             int
	TokenHandle            int
	JWT                    int
	CodeChallengeMinLength int
	CodeChallengeMaxLength int
	CodeVerifierMinLength  int
	CodeVerifierMaxLength  int
}

// DefaultInputLengths returns the limits used when none are configured.
func DefaultInputLengths() InputLengths {
	return InputLengths{
		ClientID:               100,
		Scope:                  300,
		RedirectURI:            400,
		Nonce:                  300,
		State:                  2000,
		UILocale:               100,
		LoginHint:              100,
		AcrValues:              300,
		GrantType:              100,
		AuthorizationCode:      100,
		RefreshToken:           100,
		DeviceCode:             100,
		TokenHandle:            100,
		JWT:                    51200,
		CodeChallengeMinLength: 43,
		CodeChallengeMaxLength: 128,
		CodeVerifierMinLength:  43,
		CodeVerifierMaxLength:  128,
	}
}

func (l InputLengths) withDefaults() InputLengths {
	d := DefaultInputLengths()
	set := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	set(&l.ClientID, d.ClientID)
	set(&l.Scope, d.Scope)
	set(&l.RedirectURI, d.RedirectURI)
	set(&l.Nonce, d.Nonce)
	set(&l.State, d.State)
	set(&l.UILocale, d.UILocale)
	set(&l.LoginHint, d.LoginHint)
	set(&l.AcrValues, d.AcrValues)
	set(&l.GrantType, d.GrantType)
	set(&l.AuthorizationCode, d.AuthorizationCode)
	set(&l.RefreshToken, d.RefreshToken)
	set(&l.DeviceCode, d.DeviceCode)
	set(&l.TokenHandle, d.TokenHandle)
	set(&l.JWT, d.JWT)
	set(&l.CodeChallengeMinLength, d.CodeChallengeMinLength)
	set(&l.CodeChallengeMaxLength, d.CodeChallengeMaxLength)
	set(&l.CodeVerifierMinLength, d.CodeVerifierMinLength)
	set(&l.CodeVerifierMaxLength, d.CodeVerifierMaxLength)
	return l
}

// ClientStore finds enabled clients.
type ClientStore interface {
	FindEnabledClientByID(ctx context.Context, clientID string) (*model.Client, error)
}

// ResourceValidator resolves requested scopes for a client.
type ResourceValidator interface {
	ValidateRequestedResources(ctx context.Context, client *model.Client, scopes []string) (*model.ResourceValidationResult, error)
}

func discardIfNil(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
