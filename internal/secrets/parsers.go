// Package secrets authenticates clients: it parses the credential a client
// presents on a request and validates it against the client's stored secrets.
package secrets

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"lds.li/grantidp/internal/model"
)

// Input limits applied while parsing credentials.
const (
	DefaultMaxClientIDLength     = 100
	DefaultMaxClientSecretLength = 100
	DefaultMaxAssertionLength    = 51200
)

// Limits bound the size of parsed credentials. Oversized values are not
// parsed.
type Limits struct {
	ClientID     int
	ClientSecret int
	Assertion    int
}

func (l Limits) withDefaults() Limits {
	if l.ClientID == 0 {
		l.ClientID = DefaultMaxClientIDLength
	}
	if l.ClientSecret == 0 {
		l.ClientSecret = DefaultMaxClientSecretLength
	}
	if l.Assertion == 0 {
		l.Assertion = DefaultMaxAssertionLength
	}
	return l
}

// Parser extracts a client credential from a request. Parse returns nil
// when the request does not carry a credential of the parser's kind.
type Parser interface {
	// AuthenticationMethod is the token_endpoint_auth_method name.
	AuthenticationMethod() string
	Parse(r *http.Request) *model.ParsedSecret
}

// BasicAuthParser reads client_secret_basic credentials. Both parts of the
// header are form-url-decoded as required by RFC 6749.
type BasicAuthParser struct {
	Limits Limits
	Logger *slog.Logger
}

func (BasicAuthParser) AuthenticationMethod() string { return "client_secret_basic" }

func (p BasicAuthParser) Parse(r *http.Request) *model.ParsedSecret {
	rawID, rawSecret, ok := r.BasicAuth()
	if !ok {
		return nil
	}
	limits := p.Limits.withDefaults()
	id, err := url.QueryUnescape(rawID)
	if err != nil || id == "" || len(id) > limits.ClientID {
		logger(p.Logger).DebugContext(r.Context(), "malformed basic authentication client id")
		return nil
	}
	secret, err := url.QueryUnescape(rawSecret)
	if err != nil || len(secret) > limits.ClientSecret {
		logger(p.Logger).DebugContext(r.Context(), "malformed basic authentication secret", "client_id", id)
		return nil
	}
	if secret == "" {
		return &model.ParsedSecret{ID: id, Type: model.ParsedSecretTypeNoSecret}
	}
	return &model.ParsedSecret{ID: id, Credential: secret, Type: model.ParsedSecretTypeSharedSecret}
}

// PostBodyParser reads client_secret_post credentials, or a bare client_id
// for public clients.
type PostBodyParser struct {
	Limits Limits
}

func (PostBodyParser) AuthenticationMethod() string { return "client_secret_post" }

func (p PostBodyParser) Parse(r *http.Request) *model.ParsedSecret {
	limits := p.Limits.withDefaults()
	id := r.PostFormValue("client_id")
	if id == "" || len(id) > limits.ClientID {
		return nil
	}
	if r.PostFormValue("client_assertion") != "" {
		return nil
	}
	secret := r.PostFormValue("client_secret")
	if secret == "" {
		return &model.ParsedSecret{ID: id, Type: model.ParsedSecretTypeNoSecret}
	}
	if len(secret) > limits.ClientSecret {
		return nil
	}
	return &model.ParsedSecret{ID: id, Credential: secret, Type: model.ParsedSecretTypeSharedSecret}
}

// JWTBearerParser reads private_key_jwt client assertions. The client id is
// taken from client_id, or from the assertion subject when absent.
type JWTBearerParser struct {
	Limits Limits
	Logger *slog.Logger
}

func (JWTBearerParser) AuthenticationMethod() string { return "private_key_jwt" }

func (p JWTBearerParser) Parse(r *http.Request) *model.ParsedSecret {
	if r.PostFormValue("client_assertion_type") != model.ParsedSecretTypeJWTBearer {
		return nil
	}
	assertion := r.PostFormValue("client_assertion")
	limits := p.Limits.withDefaults()
	if assertion == "" || len(assertion) > limits.Assertion {
		return nil
	}
	id := r.PostFormValue("client_id")
	if id == "" {
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(assertion, claims); err != nil {
			logger(p.Logger).DebugContext(r.Context(), "client assertion is not a JWT", "err", err)
			return nil
		}
		id, _ = claims.GetSubject()
	}
	if id == "" || len(id) > limits.ClientID {
		return nil
	}
	return &model.ParsedSecret{
		ID:         id,
		Credential: assertion,
		Type:       model.ParsedSecretTypeJWTBearer,
	}
}

// MutualTLSParser uses the verified TLS client certificate as the
// credential. The client id must be sent in the body.
type MutualTLSParser struct {
	Limits Limits
}

func (MutualTLSParser) AuthenticationMethod() string { return "tls_client_auth" }

func (p MutualTLSParser) Parse(r *http.Request) *model.ParsedSecret {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	id := r.PostFormValue("client_id")
	if id == "" || len(id) > p.Limits.withDefaults().ClientID {
		return nil
	}
	return &model.ParsedSecret{
		ID:         id,
		Credential: r.TLS.PeerCertificates[0],
		Type:       model.ParsedSecretTypeX509Certificate,
	}
}

// DefaultParsers returns the parsers in the order they are tried.
func DefaultParsers(limits Limits, logger *slog.Logger) []Parser {
	return []Parser{
		BasicAuthParser{Limits: limits, Logger: logger},
		JWTBearerParser{Limits: limits, Logger: logger},
		MutualTLSParser{Limits: limits},
		PostBodyParser{Limits: limits},
	}
}

// ParseSecret returns the credential found by the first parser that finds
// one, or nil.
func ParseSecret(r *http.Request, parsers []Parser) *model.ParsedSecret {
	for _, p := range parsers {
		if ps := p.Parse(r); ps != nil {
			if ps.Properties == nil {
				ps.Properties = map[string]string{}
			}
			ps.Properties["method"] = p.AuthenticationMethod()
			return ps
		}
	}
	return nil
}

// AuthenticationMethods lists the token_endpoint_auth_methods_supported.
func AuthenticationMethods(parsers []Parser) []string {
	methods := make([]string, 0, len(parsers))
	for _, p := range parsers {
		methods = append(methods, p.AuthenticationMethod())
	}
	return methods
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
