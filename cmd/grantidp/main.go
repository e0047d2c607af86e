package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	promversion "github.com/prometheus/common/version"
	"golang.org/x/term"
	"lds.li/grantidp/internal/adminapi"
	"lds.li/grantidp/internal/admincli"
	"lds.li/grantidp/internal/config"
	"lds.li/grantidp/internal/idp"
	"lds.li/grantidp/internal/policy"
)

const progname = "grantidp"

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		promversion.Version = info.Main.Version
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if promversion.Revision == "" {
					promversion.Revision = setting.Value
				}
			case "vcs.modified":
				if setting.Value == "true" && promversion.Revision != "" && !strings.HasSuffix(promversion.Revision, "-modified") {
					promversion.Revision += "-modified"
				}
			case "vcs.branch":
				if promversion.Branch == "" {
					promversion.Branch = setting.Value
				}
			}
		}
	}
	prometheus.MustRegister(versioncollector.NewCollector(progname))
}

var rootCmd = struct {
	Debug bool `env:"DEBUG" help:"Enable debug logging"`

	Version kong.VersionFlag `help:"Print version information"`

	ConfigFile      kong.NamedFileContentFlag `name:"config" required:"" env:"IDP_CONFIG_FILE" help:"Path to the config file."`
	AdminSocketPath string                    `env:"IDP_ADMIN_SOCKET_PATH" help:"Path to Unix socket to serve the admin API (optional for serve)."`

	Serve          idp.ServeCmd        `cmd:"" help:"Serve the identity provider."`
	ValidateConfig ValidateConfigCmd   `cmd:"" help:"Validate the configuration file."`
	Grants         admincli.GrantsCmd  `cmd:"" help:"Inspect and revoke persisted grants."`
	Clients        admincli.ClientsCmd `cmd:"" help:"Manage clients registered at runtime."`
}{}

type ValidateConfigCmd struct{}

func (c *ValidateConfigCmd) Run(cfg *config.Config) error {
	// Everything is already validated in main
	slog.Info("Configuration and policies are valid",
		slog.Int("clients", len(cfg.Clients)),
		slog.Int("users", len(cfg.Users)),
		slog.Int("api_resources", len(cfg.APIResources)))
	return nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
		// Exit immediately on second signal
		<-sigCh
		os.Exit(1)
	}()

	clictx := kong.Parse(
		&rootCmd,
		kong.Description("grantidp is an OpenID Connect and OAuth 2.0 identity provider"),
		kong.Vars{"version": promversion.Version},
	)

	slogOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if rootCmd.Debug {
		slogOpts.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, slogOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, slogOpts)
	}
	slog.SetDefault(slog.New(handler))

	if clictx.Selected().Name != "serve" && clictx.Selected().Name != "validate-config" {
		if rootCmd.AdminSocketPath == "" {
			clictx.Fatalf("admin socket path is required")
		}
	}

	cfg, err := config.ParseConfig(rootCmd.ConfigFile.Contents)
	if err != nil {
		clictx.Fatalf("parse config from %s: %v", rootCmd.ConfigFile.Filename, err)
	}

	if err := policy.ValidatePolicies(cfg); err != nil {
		clictx.Fatalf("validate policies: %v", err)
	}

	clictx.Bind(cfg)
	clictx.Bind(adminapi.SocketPath(rootCmd.AdminSocketPath))

	clictx.BindTo(ctx, (*context.Context)(nil))
	clictx.FatalIfErrorf(clictx.Run())
}
