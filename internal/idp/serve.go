package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"lds.li/grantidp/internal/adminapi"
	"lds.li/grantidp/internal/clients"
	"lds.li/grantidp/internal/config"
	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/keys"
	"lds.li/grantidp/internal/logout"
	"lds.li/grantidp/internal/model"
	"lds.li/grantidp/internal/oidcsvr"
	"lds.li/grantidp/internal/policy"
	"lds.li/grantidp/internal/profile"
	"lds.li/grantidp/internal/ratelimit"
	"lds.li/grantidp/internal/resources"
	"lds.li/grantidp/internal/responses"
	"lds.li/grantidp/internal/secrets"
	"lds.li/grantidp/internal/storage"
	"lds.li/grantidp/internal/tokens"
	"lds.li/grantidp/internal/usersession"
	"lds.li/grantidp/internal/validation"
	"lds.li/grantidp/internal/webcommon"
	"lds.li/web"
	"lds.li/web/csp"
	"lds.li/web/proxyhdrs"
	"lds.li/web/requestid"
	"lds.li/web/session"
)

const (
	gcInterval          = 1 * time.Hour
	compactInterval     = 12 * time.Hour
	replaySweepInterval = 5 * time.Minute
	redisReplayPrefix   = "grantidp:replay:"
)

type ServeCmd struct {
	ListenAddr           string  `default:"localhost:8085" env:"IDP_LISTEN_ADDR" help:"Listen address for the server."`
	MetricsAddr          string  `env:"IDP_METRICS_ADDR" help:"Expose Prometheus metrics on the given host:port."`
	CertFile             string  `env:"IDP_CERT_FILE" help:"Path to the TLS certificate file."`
	KeyFile              string  `env:"IDP_KEY_FILE" help:"Path to the TLS key file."`
	StatePath            string  `env:"IDP_STATE_PATH" required:"" help:"Path to the state file."`
	ClientRegistryPath   string  `env:"IDP_CLIENT_REGISTRY_PATH" help:"Path to the file holding clients registered through the admin API."`
	RedisAddr            string  `env:"IDP_REDIS_ADDR" help:"Share the client assertion replay cache through redis at host:port."`
	ForwardedIPHeader    string  `env:"IDP_FORWARDED_IP_HEADER" help:"Header a trusted proxy sets to the client IP."`
	RequestIDHeader      string  `env:"IDP_REQUEST_ID_HEADER" help:"Header a trusted proxy sets to the request ID."`
	ForwardedProtoHeader string  `env:"IDP_FORWARDED_PROTO_HEADER" help:"Header a trusted proxy sets to the original scheme. Plain HTTP requests are redirected to HTTPS when the issuer is https."`
	RateLimit            float64 `default:"5" env:"IDP_RATE_LIMIT" help:"Sustained requests per second per client IP on the protocol endpoints."`
	RateLimitBurst       int     `default:"20" env:"IDP_RATE_LIMIT_BURST" help:"Requests per client IP allowed at once."`
}

func (c *ServeCmd) Run(ctx context.Context, cfg *config.Config, adminSocket adminapi.SocketPath) error {
	var g run.Group
	g.Add(run.ContextHandler(ctx))
	logger := slog.Default()

	state, err := storage.NewState(c.StatePath)
	if err != nil {
		return fmt.Errorf("open state from %s: %w", c.StatePath, err)
	}
	defer state.Close()

	g.Add(state.GarbageCollector(gcInterval))
	g.Add(state.Compactor(compactInterval))

	var fileClients *clients.FileClients
	if c.ClientRegistryPath != "" {
		registry, err := storage.NewClientRegistry(c.ClientRegistryPath)
		if err != nil {
			return fmt.Errorf("open client registry from %s: %w", c.ClientRegistryPath, err)
		}
		fileClients = clients.NewFileClients(registry)
	}
	staticClients, err := clients.NewStaticClients(cfg.ModelClients())
	if err != nil {
		return fmt.Errorf("load clients: %w", err)
	}
	multiClients := clients.NewMultiClients(staticClients, fileClients, logger.With("component", "clients"))

	km, err := keys.NewRotating(ctx, state.KeysetStore(), keys.DefaultAlgorithms, keys.DefaultRotationOptions)
	if err != nil {
		return fmt.Errorf("initializing keysets: %w", err)
	}

	var replay secrets.ReplayCache
	if c.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", c.RedisAddr, err)
		}
		defer rdb.Close()
		replay = secrets.NewRedisReplayCache(rdb, redisReplayPrefix)
	} else {
		mem := secrets.NewMemoryReplayCache()
		g.Add(periodic(replaySweepInterval, func() { mem.Sweep() }))
		replay = mem
	}

	srv, err := NewServer(cfg, Deps{
		Grants:  state.PersistedGrants(),
		Clients: multiClients,
		Keys:    km,
		Replay:  replay,
		RateLimit: &ratelimit.Middleware{
			Rate:   rate.Limit(c.RateLimit),
			Burst:  c.RateLimitBurst,
			Logger: logger.With("component", "ratelimit"),
		},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	if adminSocket != "" {
		if fileClients == nil {
			return errors.New("the admin API needs --client-registry-path")
		}
		adminServer := adminapi.NewServer(state.PersistedGrants(), fileClients, cfg.Users, string(adminSocket), logger.With("component", "adminapi"))
		if err := adminServer.Start(ctx, &g); err != nil {
			return fmt.Errorf("start admin API server: %w", err)
		}
	}

	websvr, err := NewWebServer(cfg.ParsedIssuer, state.SessionKV(), srv, WebOptions{
		ForwardedIPHeader:    c.ForwardedIPHeader,
		RequestIDHeader:      c.RequestIDHeader,
		ForwardedProtoHeader: c.ForwardedProtoHeader,
	})
	if err != nil {
		return fmt.Errorf("create web server: %w", err)
	}

	hs := &http.Server{
		Addr:              c.ListenAddr,
		Handler:           websvr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Add(func() error {
		if c.CertFile != "" && c.KeyFile != "" {
			logger.Info("server listening", slog.String("addr", "https://"+c.ListenAddr), slog.String("issuer", cfg.Issuer))
			if err := hs.ListenAndServeTLS(c.CertFile, c.KeyFile); err != nil {
				return fmt.Errorf("serving https: %w", err)
			}
		} else {
			logger.Info("server listening", slog.String("addr", "http://"+c.ListenAddr), slog.String("issuer", cfg.Issuer))
			if err := hs.ListenAndServe(); err != nil {
				return fmt.Errorf("serving http: %w", err)
			}
		}
		return nil
	}, func(error) {
		// new context for this, parent is likely already shut down
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	})

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		promsrv := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Add(func() error {
			logger.Info("metrics server listening", slog.String("addr", "http://"+c.MetricsAddr))
			if err := promsrv.ListenAndServe(); err != nil {
				return fmt.Errorf("serving metrics: %w", err)
			}
			return nil
		}, func(error) {
			promsrv.Close()
		})
	}

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}

// WebOptions configure the proxy facing middleware of the web server.
type WebOptions struct {
	ForwardedIPHeader    string
	RequestIDHeader      string
	ForwardedProtoHeader string
}

// NewWebServer mounts srv on a web server for baseURL. Browser sessions are
// kept in kv.
func NewWebServer(baseURL *url.URL, kv session.KV, srv *oidcsvr.Server, opts WebOptions) (*web.Server, error) {
	sessionManager, err := session.NewKVManager(kv, nil)
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	cspOpts := []csp.HandlerOpt{
		csp.DefaultSrc(`'none'`),
		csp.ImgSrc(`'self'`),
		csp.ConnectSrc(`'self'`),
		csp.FontSrc(`'self'`),
		csp.BaseURI(`'self'`),
		csp.FrameAncestors(`'none'`),
		// end defaults
		csp.ScriptSrc("'self' 'unsafe-inline'"), // form_post auto submit
		csp.StyleSrc("'self' 'unsafe-inline'"),
	}

	websvr, err := web.NewServer(&web.Config{
		BaseURL:        baseURL,
		SessionManager: sessionManager,
		Static:         webcommon.Static,
		CSPOpts:        cspOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating web server: %w", err)
	}

	rid := &requestid.Middleware{}
	if opts.RequestIDHeader != "" {
		rid.TrustedHeaders = []string{opts.RequestIDHeader}
	}
	if err := websvr.BaseMiddleware.Replace(web.MiddlewareRequestIDName, rid.Handler); err != nil {
		return nil, fmt.Errorf("replacing request id middleware: %w", err)
	}
	if opts.ForwardedIPHeader != "" {
		remoteIPMiddleware := &proxyhdrs.RemoteIP{ForwardedIPHeader: opts.ForwardedIPHeader}
		websvr.BaseMiddleware.Prepend(web.MiddlewareRequestLogName, remoteIPMiddleware.Handle)
	}
	if opts.ForwardedProtoHeader != "" && baseURL.Scheme == "https" {
		forceTLSMiddleware := &proxyhdrs.ForceTLS{ForwardedProtoHeader: opts.ForwardedProtoHeader}
		forceTLSMiddleware.AllowBypass("GET /healthz")
		if err := websvr.BaseMiddleware.InsertAfter(web.MiddlewareRequestLogName, forceTLSMiddleware.Handle); err != nil {
			return nil, fmt.Errorf("inserting force tls middleware: %w", err)
		}
	}

	srv.AddHandlers(websvr)
	websvr.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	return websvr, nil
}

// periodic returns a run.Group actor calling fn every interval.
func periodic(interval time.Duration, fn func()) (func() error, func(error)) {
	ctx, cancel := context.WithCancel(context.Background())
	return func() error {
			t := time.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					fn()
				}
			}
		}, func(error) {
			cancel()
		}
}

// Deps are the long lived collaborators the protocol server is built on.
type Deps struct {
	Grants  grants.Store
	Clients *clients.MultiClients
	Keys    keys.Material
	// Replay defaults to an in-memory cache.
	Replay    secrets.ReplayCache
	RateLimit *ratelimit.Middleware
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewServer assembles the protocol endpoints for cfg.
func NewServer(cfg *config.Config, d Deps) (*oidcsvr.Server, error) {
	if cfg == nil || cfg.ParsedIssuer == nil {
		return nil, fmt.Errorf("a validated config is required: %w", model.ErrInvalidArgument)
	}
	var errs []error
	if d.Grants == nil {
		errs = append(errs, errors.New("grant store is required"))
	}
	if d.Clients == nil {
		errs = append(errs, errors.New("client store is required"))
	}
	if d.Keys == nil {
		errs = append(errs, errors.New("key material is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidArgument, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	replay := d.Replay
	if replay == nil {
		replay = secrets.NewMemoryReplayCache()
	}
	component := func(name string) *slog.Logger { return logger.With("component", name) }
	opts := cfg.Options
	issuer := cfg.ParsedIssuer.String()

	pe, err := policy.NewPolicyEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create policy evaluator: %w", err)
	}
	profiles := profile.New(cfg.Users, pe, component("profile"))

	resourceStore, err := resources.NewInMemoryStore(cfg.ModelResources())
	if err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}
	resourceValidator := &resources.Validator{Store: resourceStore, Logger: component("resources")}

	codes := grants.NewAuthorizationCodeStore(d.Grants, component("grants"))
	refreshStore := grants.NewRefreshTokenStore(d.Grants, component("grants"))
	reference := grants.NewReferenceTokenStore(d.Grants, component("grants"))
	consents := grants.NewUserConsentStore(d.Grants, component("grants"))
	devices := grants.NewDeviceFlowStore(d.Grants, component("grants"))
	codes.Now, refreshStore.Now, reference.Now, consents.Now, devices.Now = now, now, now, now, now

	tokenOpts := tokens.Options{
		AccessTokenJWTType:               opts.AccessTokenJWTType,
		EmitScopesAsSpaceDelimitedString: opts.EmitScopesAsSpaceDelimitedString,
		MaxJWTLength:                     opts.InputLengths.JWT,
		MaxReferenceTokenLength:          opts.InputLengths.TokenHandle,
	}
	tokenService, err := tokens.NewService(tokens.ServiceConfig{
		Issuer:          issuer,
		Creator:         tokens.NewCreator(d.Keys, tokenOpts),
		ReferenceTokens: reference,
		Profile:         profiles,
		Logger:          component("tokens"),
		Now:             now,
	})
	if err != nil {
		return nil, fmt.Errorf("create token service: %w", err)
	}
	tokenValidator, err := tokens.NewValidator(tokens.ValidatorConfig{
		Issuer:          issuer,
		Keys:            d.Keys,
		ReferenceTokens: reference,
		Clients:         d.Clients,
		Profile:         profiles,
		Options:         tokenOpts,
		Logger:          component("tokens"),
		Now:             now,
	})
	if err != nil {
		return nil, fmt.Errorf("create token validator: %w", err)
	}
	refresh := tokens.NewRefreshTokenService(refreshStore, profiles, component("tokens"))

	gen, err := responses.New(responses.Config{
		Tokens:          tokenService,
		RefreshTokens:   refresh,
		Codes:           codes,
		Devices:         devices,
		RefreshStore:    refreshStore,
		ReferenceTokens: reference,
		Profile:         profiles,
		Options: responses.Options{
			VerificationURI: issuer + oidcsvr.PathDeviceVerification,
			Interval:        opts.DeviceFlowInterval.Duration(),
			UserCodeLength:  opts.UserCodeLength,
		},
		Logger: component("responses"),
		Now:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("create response generator: %w", err)
	}

	sessions, err := usersession.New(usersession.Config{
		Duration: opts.SessionDuration.Duration(),
		Logger:   component("usersession"),
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}

	logouts, err := logout.New(logout.Config{
		Clients:       d.Clients,
		Tokens:        tokenService,
		HTTPClient:    &http.Client{Timeout: opts.RequestTimeout.Duration()},
		TokenLifetime: opts.LogoutTokenLifetime.Duration(),
		Logger:        component("logout"),
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("create logout service: %w", err)
	}

	parsers := secrets.DefaultParsers(secrets.Limits{}, component("secrets"))
	secretValidators := []secrets.Validator{
		secrets.HashedSharedSecretValidator{Logger: component("secrets")},
		&secrets.PrivateKeyJWTValidator{
			Audience: issuer + oidcsvr.PathToken,
			Replay:   replay,
			Logger:   component("secrets"),
			Now:      now,
		},
		secrets.X509ThumbprintValidator{},
		secrets.X509NameValidator{},
	}

	var authn oidcsvr.Authenticator
	if opts.TrustedUserHeader != "" {
		authn = &usersession.HeaderAuthenticator{Header: opts.TrustedUserHeader, Users: cfg.Users}
	}

	lengths := opts.InputLengths
	return &oidcsvr.Server{
		Issuer: issuer,
		Keys:   d.Keys,
		AuthorizeValidator: &validation.AuthorizeRequestValidator{
			Clients:        d.Clients,
			Resources:      resourceValidator,
			IdentityTokens: tokenValidator,
			Lengths:        lengths,
			Logger:         component("validation"),
		},
		TokenValidator: &validation.TokenRequestValidator{
			Codes:         codes,
			RefreshTokens: refresh,
			DeviceCodes: &validation.DeviceCodeValidator{
				Store: devices,
				Throttle: &ratelimit.DeviceThrottle{
					Interval:  opts.DeviceFlowInterval.Duration(),
					Retention: maxDeviceCodeLifetime(cfg),
					Now:       now,
				},
				Profile: profiles,
				Logger:  component("validation"),
			},
			Resources: resourceValidator,
			Profile:   profiles,
			Lengths:   lengths,
			Logger:    component("validation"),
			Now:       now,
		},
		DeviceValidator:        &validation.DeviceAuthorizationRequestValidator{Resources: resourceValidator, Lengths: lengths, Logger: component("validation")},
		EndSessionValidator:    &validation.EndSessionRequestValidator{IdentityTokens: tokenValidator, Clients: d.Clients, Lengths: lengths, Logger: component("validation")},
		UserInfoValidator:      &validation.UserInfoRequestValidator{AccessTokens: tokenValidator, Logger: component("validation")},
		RevocationValidator:    &validation.RevocationRequestValidator{Lengths: lengths, Logger: component("validation")},
		IntrospectionValidator: &validation.IntrospectionRequestValidator{AccessTokens: tokenValidator, Logger: component("validation")},
		ClientSecrets: &secrets.ClientSecretValidator{
			Parsers:    parsers,
			Validators: secretValidators,
			Clients:    d.Clients,
			Logger:     component("secrets"),
			Now:        now,
		},
		APISecrets: &secrets.APISecretValidator{
			Parsers:    parsers,
			Validators: secretValidators,
			Resources:  resourceStore,
			Logger:     component("secrets"),
			Now:        now,
		},
		Responses:     gen,
		Resources:     resourceStore,
		Consent:       &resources.ConsentService{Store: consents, Now: now},
		Profile:       profiles,
		Sessions:      sessions,
		Authenticator: authn,
		Logout:        logouts,
		RateLimit:     d.RateLimit,
		Logger:        component("oidcsvr"),
		Now:           now,
	}, nil
}

// maxDeviceCodeLifetime is how long the poll throttle has to remember a
// device code.
func maxDeviceCodeLifetime(cfg *config.Config) time.Duration {
	longest := model.DefaultDeviceCodeLifetime
	for _, c := range cfg.ModelClients() {
		longest = max(longest, c.DeviceCodeLifetime)
	}
	return longest
}
