// Package config reads the server configuration from the environment, with command line flags taking precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

// Config is everything cmd/bearfit-server needs.
type Config struct {
	Addr             string        `env:"BEARFIT_ADDR"              envDefault:"localhost:8080"`
	DBPath           string        `env:"BEARFIT_DB_PATH"           envDefault:"bearfit.sqlite3"`
	Environment      string        `env:"BEARFIT_ENV"               envDefault:"development"`
	LogFormat        string        `env:"BEARFIT_LOG_FORMAT"        envDefault:"text"`
	LogLevel         string        `env:"BEARFIT_LOG_LEVEL"         envDefault:"info"`
	SnapshotInterval time.Duration `env:"BEARFIT_SNAPSHOT_INTERVAL" envDefault:"30s"`
	AdminAuthTTL     time.Duration `env:"BEARFIT_ADMIN_AUTH_TTL"    envDefault:"24h"`
	// OccupancyURL sends room counts to a remote registry instead of the in-process one.
	OccupancyURL string `env:"BEARFIT_OCCUPANCY_URL"`
	// PublicKey is the admin Ed25519 key, raw base64 or an OpenSSH line. Empty disables admin authorization.
	PublicKey string `env:"PUBLIC_KEY_B64"`
}

// Load parses the environment (nil means the process environment) and then args.
func Load(args []string, environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	flagSet := pflag.NewFlagSet("bearfit-server", pflag.ContinueOnError)
	cfg.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AddFlags binds a flag to every field, defaulting to the value already in c.
func (c *Config) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Addr, "addr", c.Addr, "the address to listen on")
	flagSet.StringVar(&c.DBPath, "db", c.DBPath, "sqlite database path, or :memory:")
	flagSet.StringVar(&c.Environment, "env", c.Environment, "deployment environment; production disables CORS")
	flagSet.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	flagSet.DurationVar(&c.SnapshotInterval, "snapshot-interval", c.SnapshotInterval, "how often dirty rooms write a snapshot")
	flagSet.DurationVar(&c.AdminAuthTTL, "admin-auth-ttl", c.AdminAuthTTL, "how long an admin signature stays valid")
	flagSet.StringVar(&c.OccupancyURL, "occupancy-url", c.OccupancyURL, "report room counts to this remote index instead of in-process")
	flagSet.StringVar(&c.PublicKey, "public-key", c.PublicKey, "admin ed25519 public key")
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db path must not be empty"))
	}
	if c.AdminAuthTTL <= 0 {
		errs = append(errs, errors.New("admin auth ttl must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Production reports whether the server runs in production.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// NewLogger builds the slog logger described by the config.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", value)
	}
	return level, nil
}
