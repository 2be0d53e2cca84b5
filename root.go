package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pansave/internal/account"
	"github.com/tonimelisma/pansave/internal/config"
	"github.com/tonimelisma/pansave/internal/factory"
	"github.com/tonimelisma/pansave/internal/pathcache"
	"github.com/tonimelisma/pansave/internal/service"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagAccount    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags is the parsed form of the persistent flags.
type CLIFlags struct {
	ConfigPath string
	Account    string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs. It is built once in
// the root pre-run and stored in the command context.
type CLIContext struct {
	Flags   CLIFlags
	Logger  *slog.Logger
	Holder  *config.Holder
	Factory *factory.Factory
	Router  *account.Router
	Out     io.Writer

	svc   *service.Service
	cache *pathcache.Cache
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the context built by the root pre-run. Commands
// only run after it, so a missing value is a wiring bug.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext missing from command context")
	}

	return cc
}

// Service opens the path cache on first use and returns the service.
// Commands that only read config never touch the cache database.
func (cc *CLIContext) Service(ctx context.Context) (*service.Service, error) {
	if cc.svc != nil {
		return cc.svc, nil
	}

	store, err := pathcache.Open(ctx, cc.Holder.Config().Cache, cc.Logger)
	if err != nil {
		cc.Logger.Warn("path cache unavailable, continuing without it",
			slog.String("error", err.Error()),
		)

		store = pathcache.Nop{}
	}

	cc.cache = pathcache.New(store, cc.Logger)
	cc.svc = service.New(cc.Router, cc.Factory, cc.Logger, service.WithCache(cc.cache))

	return cc.svc, nil
}

// Close releases the path cache.
func (cc *CLIContext) Close() error {
	if cc.cache == nil {
		return nil
	}

	return cc.cache.Close()
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pansave",
		Short: "Multi-provider cloud drive CLI",
		Long: `pansave manages accounts on several cloud drives (Quark, UC, 115, Baidu,
Xunlei, Aliyun Drive) through one interface: resolve share links, list
folders, and save shared files into your own drive.`,
		Version: version,
		// We print errors ourselves in exitOnError.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := buildCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(withCLIContext(cmd.Context(), cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return mustCLIContext(cmd.Context()).Close()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagAccount, "account", "", "account name to use (default: chosen by share link, then default account)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newLsShareCmd())
	cmd.AddCommand(newCrumbsCmd())
	cmd.AddCommand(newSaveCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newRenameCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newPathIDCmd())
	cmd.AddCommand(newPathOfCmd())
	cmd.AddCommand(newEnsurePathsCmd())

	return cmd
}

// buildCLIContext resolves the configuration from the override chain and
// wires the factory and router on top of it.
func buildCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	flags := CLIFlags{
		ConfigPath: flagConfigPath,
		Account:    flagAccount,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	cfg, path, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: flags.ConfigPath})
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := buildLogger(cfg, flags, cmd.ErrOrStderr())
	holder := config.NewHolder(cfg, path)
	f := factory.New(logger)

	opts := account.DefaultOptions(
		holder,
		newHTTPClient(cfg.Network),
		config.NewCredentialWriter(holder, logger),
		config.SessionDir(),
		logger,
	)

	return &CLIContext{
		Flags:   flags,
		Logger:  logger,
		Holder:  holder,
		Factory: f,
		Router:  account.NewRouter(holder, f, opts, logger),
		Out:     cmd.OutOrStdout(),
	}, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger(cfg *config.Config, flags CLIFlags, w io.Writer) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg != nil && cfg.Logging.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// newHTTPClient returns the client every adapter shares. The timeout bounds
// each request; a configured user agent replaces Go's default.
func newHTTPClient(n config.NetworkConfig) *http.Client {
	client := &http.Client{Timeout: n.TimeoutDuration()}

	if n.UserAgent != "" {
		client.Transport = userAgentTransport{agent: n.UserAgent, next: http.DefaultTransport}
	}

	return client
}

type userAgentTransport struct {
	agent string
	next  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Adapters set their own browser user agent where a provider needs one.
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)

	return t.next.RoundTrip(r)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
