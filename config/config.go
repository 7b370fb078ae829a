// ABOUTME: Application configuration loaded from .env files and CONTACTSYNC_* variables
// ABOUTME: Resolves XDG default paths for the database and provider definitions
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/harperreed/contactsync/logger"
)

// AppName is the XDG application directory name.
const AppName = "contactsync"

// Config holds all application configuration.
type Config struct {
	DBPath          string        `env:"CONTACTSYNC_DB_PATH"`
	Provider        string        `env:"CONTACTSYNC_PROVIDER"`
	DefinitionsDir  string        `env:"CONTACTSYNC_DEFINITIONS_DIR"`
	SettingsBackend string        `env:"CONTACTSYNC_SETTINGS_BACKEND" envDefault:"sqlite"`
	LogLevel        string        `env:"CONTACTSYNC_LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"CONTACTSYNC_LOG_FORMAT"       envDefault:"console"`
	LogOutput       string        `env:"CONTACTSYNC_LOG_OUTPUT"       envDefault:"stderr"`
	HTTPTimeout     time.Duration `env:"CONTACTSYNC_HTTP_TIMEOUT"     envDefault:"30s"`
	RefreshLockTTL  time.Duration `env:"CONTACTSYNC_REFRESH_LOCK_TTL" envDefault:"30s"`
	RefreshWait     time.Duration `env:"CONTACTSYNC_REFRESH_WAIT"     envDefault:"10s"`
	BatchChunkSize  int           `env:"CONTACTSYNC_BATCH_CHUNK_SIZE" envDefault:"50"`
	BatchLease      time.Duration `env:"CONTACTSYNC_BATCH_LEASE"      envDefault:"5m"`
	WebPort         int           `env:"CONTACTSYNC_WEB_PORT"         envDefault:"8080"`
	PublicURL       string        `env:"CONTACTSYNC_PUBLIC_URL"       envDefault:"http://localhost:8080"`
}

// Load reads an optional .env file and then parses the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return parse(env.Options{})
}

// FromMap parses configuration from an explicit environment, ignoring the process.
func FromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(xdg.DataHome, AppName, "contactsync.db")
	}
	if c.DefinitionsDir == "" {
		c.DefinitionsDir = filepath.Join(xdg.ConfigHome, AppName, "providers")
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.SettingsBackend {
	case "sqlite", "charm":
	default:
		return fmt.Errorf("unsupported settings backend %q (want sqlite or charm)", c.SettingsBackend)
	}
	if c.BatchChunkSize <= 0 {
		return fmt.Errorf("batch chunk size must be positive, got %d", c.BatchChunkSize)
	}
	if c.WebPort <= 0 || c.WebPort > 65535 {
		return fmt.Errorf("invalid web port %d", c.WebPort)
	}
	return nil
}

// Logger returns the logger configuration.
func (c *Config) Logger() *logger.Config {
	cfg := logger.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Format = c.LogFormat
	cfg.Output = c.LogOutput
	return cfg
}

// OAuthRedirectURL is the callback URL registered with OAuth providers.
func (c *Config) OAuthRedirectURL() string {
	return c.PublicURL + "/oauth/callback"
}
