// Package config loads the service configuration from viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wmax/calsync/internal/core"
)

// EnvPrefix is the prefix of environment overrides, e.g. CALSYNC_SERVER_ADDR.
const EnvPrefix = "CALSYNC"

// Config is the fully resolved service configuration.
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Google    GoogleConfig
	Microsoft MicrosoftConfig
	Sync      SyncConfig
	Webhooks  WebhooksConfig
	Log       LogConfig
}

type DatabaseConfig struct {
	DSN string
}

type ServerConfig struct {
	Addr string
	// Externally reachable base URL, used for webhook callbacks
	PublicURL string
	// Optional bearer token guarding the renewal endpoint
	CronSecret string
}

type GoogleConfig struct {
	CredentialsFile string
}

type MicrosoftConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
}

type SyncConfig struct {
	DefaultInterval time.Duration
	Workers         int
	// Zero disables the pending-operation reaper
	ReapPendingAfter time.Duration
}

type WebhooksConfig struct {
	RenewSchedule string
	Horizon       time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// DefaultDir is $HOME/.config/calsync.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "calsync"), nil
}

// Setup points v at the config file and environment and registers defaults.
// An empty cfgFile searches dir for config.yaml.
func Setup(v *viper.Viper, cfgFile, dir string) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.dsn", "sqlite://"+filepath.Join(dir, "calsync.db"))
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.cron_secret", "")
	v.SetDefault("google.credentials_file", "")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.tenant_id", "common")
	v.SetDefault("sync.default_interval_minutes", int(core.DefaultSyncInterval/time.Minute))
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.reap_pending_after", "0s")
	v.SetDefault("webhooks.renew_schedule", "@every 6h")
	v.SetDefault("webhooks.horizon", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Read loads the config file if there is one. A missing file is not an error.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load resolves and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{DSN: v.GetString("database.dsn")},
		Server: ServerConfig{
			Addr:       v.GetString("server.addr"),
			PublicURL:  strings.TrimRight(v.GetString("server.public_url"), "/"),
			CronSecret: v.GetString("server.cron_secret"),
		},
		Google: GoogleConfig{CredentialsFile: expandPath(v.GetString("google.credentials_file"))},
		Microsoft: MicrosoftConfig{
			ClientID:     v.GetString("microsoft.client_id"),
			ClientSecret: v.GetString("microsoft.client_secret"),
			TenantID:     v.GetString("microsoft.tenant_id"),
		},
		Sync: SyncConfig{
			DefaultInterval:  time.Duration(v.GetInt("sync.default_interval_minutes")) * time.Minute,
			Workers:          v.GetInt("sync.workers"),
			ReapPendingAfter: v.GetDuration("sync.reap_pending_after"),
		},
		Webhooks: WebhooksConfig{
			RenewSchedule: v.GetString("webhooks.renew_schedule"),
			Horizon:       v.GetDuration("webhooks.horizon"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.Sync.DefaultInterval <= 0 {
		problems = append(problems, "sync.default_interval_minutes must be positive")
	}
	if c.Sync.Workers <= 0 {
		problems = append(problems, "sync.workers must be positive")
	}
	if c.Sync.ReapPendingAfter < 0 {
		problems = append(problems, "sync.reap_pending_after must not be negative")
	}
	if c.Webhooks.Horizon <= 0 {
		problems = append(problems, "webhooks.horizon must be positive")
	}
	if c.Webhooks.RenewSchedule == "" {
		problems = append(problems, "webhooks.renew_schedule is required")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not debug, info, warn or error", c.Log.Level))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", core.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
