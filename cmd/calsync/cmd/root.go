package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wmax/calsync/internal/adapter"
	"github.com/wmax/calsync/internal/adapter/google"
	"github.com/wmax/calsync/internal/adapter/outlook"
	"github.com/wmax/calsync/internal/config"
	"github.com/wmax/calsync/internal/logging"
	"github.com/wmax/calsync/internal/storage"
)

var (
	cfgFile  string
	logLevel string
	v        = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "Keep local calendars in sync with Google and Outlook",
	Long: `calsync mirrors events between a local event store and external calendar
providers. It pulls remote changes, pushes local edits, follows provider
webhooks and renews them before they lapse.

Run "calsync serve" for the HTTP service with webhooks and the scheduler,
or use the subcommands to manage configs and trigger syncs by hand.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/calsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN (sqlite://path or postgres://...)")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("dsn"))
}

func initConfig() {
	dir, err := config.DefaultDir()
	cobra.CheckErr(err)
	config.Setup(v, cfgFile, dir)
	cobra.CheckErr(config.Read(v))
}

// app is what most commands need: resolved config, logger and an open store.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *storage.Store
	registry *adapter.Registry
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	logger, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, err
	}
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", "path", used)
	}

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{cfg: cfg, logger: logger, store: store, registry: registry}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newRegistry(cfg *config.Config, logger *slog.Logger) (*adapter.Registry, error) {
	opts, err := oauthOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	return adapter.Default(opts), nil
}

// oauthOptions builds the OAuth clients of the providers that are configured.
func oauthOptions(cfg *config.Config) (adapter.Options, error) {
	var opts adapter.Options
	if cfg.Google.CredentialsFile != "" {
		b, err := os.ReadFile(cfg.Google.CredentialsFile)
		if err != nil {
			return opts, fmt.Errorf("read google credentials: %w", err)
		}
		if opts.GoogleOAuth, err = google.OAuthConfigFromJSON(b); err != nil {
			return opts, err
		}
	}
	if cfg.Microsoft.ClientID != "" {
		opts.MicrosoftOAuth = outlook.OAuthConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.TenantID)
	}
	return opts, nil
}
