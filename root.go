package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/filehaven/filehaven/internal/api"
	"github.com/filehaven/filehaven/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServer     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// cfg holds the effective configuration loaded by PersistentPreRunE and is
// available to all subcommands.
var cfg *config.Config

// httpClientTimeout bounds CLI requests so a hung server cannot block the
// terminal indefinitely.
const httpClientTimeout = 30 * time.Second

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds the fully assembled root command. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "filehaven",
		Short:   "File sync server and client",
		Long:    "A client-server file synchronization service with full version history and conflict detection.",
		Version: version,
		// Silence cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagServer, "server", "", "server base URL (default from config)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSuperviseCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMvCmd())
	cmd.AddCommand(newVersionsCmd())
	cmd.AddCommand(newRestoreCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig resolves the config file path (flag > env > default), loads it,
// and overlays the environment. The result lands in cfg.
func loadConfig() error {
	env := config.ReadEnvOverrides()

	path := config.DefaultConfigPath()
	if env.ConfigPath != "" {
		path = env.ConfigPath
	}

	if flagConfigPath != "" {
		path = flagConfigPath
	}

	loaded, err := config.LoadOrDefault(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := config.ApplyEnv(loaded, env); err != nil {
		return err
	}

	cfg = loaded

	return nil
}

// serverURL resolves the server base URL: --server wins, then the config
// file, then the local default.
func serverURL() string {
	if flagServer != "" {
		return flagServer
	}

	if cfg != nil && cfg.Client.ServerURL != "" {
		return cfg.Client.ServerURL
	}

	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}

// apiClient builds the transport the file commands talk through.
func apiClient() *api.Client {
	return api.NewClient(serverURL(), defaultHTTPClient(), buildLogger())
}

// buildLogger creates an slog.Logger from the config baseline with the CLI
// flags overriding it. log_format auto picks a text handler on a TTY and
// JSON otherwise, so piped output stays machine-readable.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelWarn
	}

	format := "auto"
	if cfg != nil && cfg.Logging.LogFormat != "" {
		format = cfg.Logging.LogFormat
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch {
	case format == "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case format == "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()):
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// exitOnError prints a user-friendly error to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
