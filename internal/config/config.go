package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	// Experiment
	NumParticipants  int   `env:"NUM_PARTICIPANTS" envDefault:"4"`
	TotalRounds      int   `env:"TOTAL_ROUNDS" envDefault:"3"`
	Endowment        int64 `env:"ENDOWMENT" envDefault:"10000"`
	Multiplier       int64 `env:"MULTIPLIER" envDefault:"2"`
	ContributionStep int64 `env:"CONTRIBUTION_STEP" envDefault:"0"`
	AutoReset        bool  `env:"AUTO_RESET" envDefault:"true"`

	// Ledger
	LedgerDriver  string        `env:"LEDGER_DRIVER" envDefault:"postgres"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	SQLitePath    string        `env:"SQLITE_PATH" envDefault:"kifubot.db"`
	LedgerTimeout time.Duration `env:"LEDGER_TIMEOUT" envDefault:"5s"`
	LedgerRetries uint          `env:"LEDGER_RETRIES" envDefault:"4"`

	// Web Server
	WebBind      string `env:"WEB_BIND" envDefault:"0.0.0.0:3000"`
	WebUIBaseURL string `env:"-"`

	// Discord Bot
	DiscordToken     string `env:"DISCORD_TOKEN"`
	DiscordChannelID string `env:"DISCORD_CHANNEL_ID"`

	// Discord OAuth2 (operators only)
	DiscordClientID     string   `env:"DISCORD_CLIENT_ID"`
	DiscordClientSecret string   `env:"DISCORD_CLIENT_SECRET"`
	DiscordRedirectURI  string   `env:"DISCORD_REDIRECT_URI" envDefault:"http://localhost:3000/api/auth/callback"`
	OperatorIDs         []string `env:"OPERATOR_IDS" envSeparator:","`

	// Session
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-only-change-me"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	// Load environment variables from .env if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// Extract base URL from redirect URI
	cfg.WebUIBaseURL = extractBaseURL(cfg.DiscordRedirectURI)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot run an experiment.
func (c *Config) Validate() error {
	if c.NumParticipants < 1 {
		return fmt.Errorf("NUM_PARTICIPANTS must be at least 1")
	}
	if c.TotalRounds < 1 {
		return fmt.Errorf("TOTAL_ROUNDS must be at least 1")
	}
	if c.Endowment <= 0 {
		return fmt.Errorf("ENDOWMENT must be positive")
	}
	if c.Multiplier <= 0 {
		return fmt.Errorf("MULTIPLIER must be positive")
	}
	if c.ContributionStep < 0 {
		return fmt.Errorf("CONTRIBUTION_STEP must not be negative")
	}
	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive")
	}

	switch c.LedgerDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver)
	}
	return nil
}

// OperatorAuthEnabled reports whether operator login can be offered.
func (c *Config) OperatorAuthEnabled() bool {
	return c.DiscordClientID != "" && c.DiscordClientSecret != "" && len(c.OperatorIDs) > 0
}

func extractBaseURL(redirectURI string) string {
	// e.g., "http://localhost:3000/api/auth/callback" -> "http://localhost:3000"
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "http://localhost:3000"
	}

	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
}
