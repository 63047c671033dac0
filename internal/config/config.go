package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// vipRequestsPerSecond is the automation host API rate when the
	// host license is VIP.
	vipRequestsPerSecond = 8

	// standardRequestsPerSecond is the automation host API rate for
	// non-VIP licenses. The host rejects bursts above this.
	standardRequestsPerSecond = 2
)

// Config holds all environment-based configuration for profile-sync.
type Config struct {
	// Cloud backend settings.
	CloudAPIURL   string `env:"CLOUD_API_URL"`
	CloudAPIToken string `env:"CLOUD_API_TOKEN"`

	// PushHost is the websocket host for the realtime change channel.
	// When empty, the monitor runs without realtime updates and relies
	// on reconciliation passes only.
	PushHost string `env:"PUSH_HOST"`

	// Owner scopes every cloud call to one tenant. Required.
	Owner string `env:"OWNER"`

	// Local automation host (browser profile manager) settings.
	BrowserAPIURL string `env:"BROWSER_API_URL" envDefault:"http://127.0.0.1:54345"`

	// BrowserVIP selects the automation host rate limit tier.
	BrowserVIP bool `env:"BROWSER_VIP" envDefault:"true"`

	// FilterOwnAccounts restricts reconciliation and subscriptions to
	// profiles created by OwnerDisplayName on the automation host.
	FilterOwnAccounts bool   `env:"FILTER_OWN_ACCOUNTS" envDefault:"false"`
	OwnerDisplayName  string `env:"OWNER_DISPLAY_NAME"`

	// StatePath overrides the bbolt database location. Defaults to
	// ~/.profile-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := defaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CloudAPIURL == "" {
		return fmt.Errorf("CLOUD_API_URL is required")
	}

	if c.CloudAPIToken == "" {
		return fmt.Errorf("CLOUD_API_TOKEN is required")
	}

	// Owner scoping is mandatory: an unscoped cloud call would operate
	// across every tenant's accounts.
	if c.Owner == "" {
		return fmt.Errorf("OWNER is required")
	}

	if c.FilterOwnAccounts && c.OwnerDisplayName == "" {
		return fmt.Errorf("OWNER_DISPLAY_NAME is required when FILTER_OWN_ACCOUNTS is enabled")
	}

	return nil
}

// BrowserRate returns the automation host request rate in requests per
// second for the configured license tier.
func (c *Config) BrowserRate() int {
	if c.BrowserVIP {
		return vipRequestsPerSecond
	}

	return standardRequestsPerSecond
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// defaultStatePath returns ~/.profile-sync/state.db.
func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".profile-sync", "state.db"), nil
}
