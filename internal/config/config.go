// Package config defines the bot configuration and validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/akilibots/akili-martingale/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by AKILI_* environment variables. It is
// loaded once at boot and held immutably for the engine's lifetime; changing
// it requires a restart.
type Config struct {
	Exchange ExchangeConfig `toml:"exchange"`
	Strategy StrategyConfig `toml:"strategy"`
	State    StateConfig    `toml:"state"`
	Journal  JournalConfig  `toml:"journal"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds exchange credentials and venue selection.
type ExchangeConfig struct {
	// Name selects the exchange adapter. Currently "binance-futures".
	Name   string `toml:"name"`
	APIKey string `toml:"api_key"`

	// APISecret is the plaintext API secret. Leave empty and set
	// EncryptedSecretPath + KeyPassword to load it from an encrypted file.
	APISecret           string `toml:"api_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	KeyPassword         string `toml:"key_password"`

	Testnet bool `toml:"testnet"`
}

// StepConfig is one stage of the accumulation ladder.
type StepConfig struct {
	PriceOffset  float64 `toml:"price_offset"`
	Size         float64 `toml:"size"`
	ProfitOffset float64 `toml:"profit_offset"`
}

// StrategyConfig holds the position-building parameters.
type StrategyConfig struct {
	// Market is the exchange symbol, e.g. "BTCUSDT".
	Market string `toml:"market"`

	// Direction is "long" or "short", fixed for the strategy's lifetime.
	Direction string `toml:"direction"`

	// StartPrice anchors the step ladder. Zero means derive it from the live
	// mid-price at boot.
	StartPrice float64 `toml:"start_price"`

	// FollowThreshold aborts the bot when the market drifts this fraction away
	// from the still-unfilled first entry order. Zero disables the check.
	FollowThreshold float64 `toml:"follow_threshold"`

	// MakerFeeRate is the per-leg maker fee used for realized-profit
	// accounting.
	MakerFeeRate float64 `toml:"maker_fee_rate"`

	// LivenessInterval is the period of the keep-alive and drift check.
	LivenessInterval duration `toml:"liveness_interval"`

	Steps []StepConfig `toml:"steps"`
}

// DomainSteps converts the configured ladder into domain steps.
func (c StrategyConfig) DomainSteps() []domain.Step {
	steps := make([]domain.Step, len(c.Steps))
	for i, s := range c.Steps {
		steps[i] = domain.Step{
			PriceOffset:  decimal.NewFromFloat(s.PriceOffset),
			Size:         decimal.NewFromFloat(s.Size),
			ProfitOffset: decimal.NewFromFloat(s.ProfitOffset),
		}
	}
	return steps
}

// DomainDirection converts the configured direction string.
func (c StrategyConfig) DomainDirection() domain.Direction {
	if strings.EqualFold(c.Direction, "short") {
		return domain.DirectionShort
	}
	return domain.DirectionLong
}

// RedisConfig holds Redis connection parameters for the redis state backend.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Key      string `toml:"key"`
}

// StateConfig selects and configures the snapshot store.
type StateConfig struct {
	// Backend is "file" or "redis".
	Backend string      `toml:"backend"`
	Path    string      `toml:"path"`
	Redis   RedisConfig `toml:"redis"`
}

// JournalConfig holds PostgreSQL connection parameters for the trade journal.
// The journal is optional; it is wired only when Enabled is true.
type JournalConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// ArchiveConfig holds S3-compatible object storage parameters for archiving
// terminal position records. Optional.
type ArchiveConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`

	// Prefix is the object key prefix for archived positions.
	Prefix string `toml:"prefix"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "30s", "5m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for the TOML decoder.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name: "binance-futures",
		},
		Strategy: StrategyConfig{
			Direction:        "long",
			MakerFeeRate:     0.0002,
			LivenessInterval: duration{30 * time.Second},
		},
		State: StateConfig{
			Backend: "file",
			Path:    "martingale_state.json",
			Redis: RedisConfig{
				Addr: "localhost:6379",
				Key:  "akili:martingale:state",
			},
		},
		Journal: JournalConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "akili",
			User:          "akili",
			SSLMode:       "disable",
			PoolMaxConns:  4,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Archive: ArchiveConfig{
			Region:         "us-east-1",
			ForcePathStyle: true,
			Prefix:         "positions",
		},
		Notify: NotifyConfig{
			Events: []string{"order_filled", "position_closed", "error"},
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if c.Exchange.Name != "binance-futures" {
		errs = append(errs, fmt.Sprintf("exchange: unsupported name %q (valid: binance-futures)", c.Exchange.Name))
	}
	if c.Exchange.APIKey == "" {
		errs = append(errs, "exchange: api_key must not be empty")
	}
	if c.Exchange.APISecret == "" && c.Exchange.EncryptedSecretPath == "" {
		errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set")
	}
	if c.Exchange.EncryptedSecretPath != "" && c.Exchange.KeyPassword == "" {
		errs = append(errs, "exchange: key_password is required when encrypted_secret_path is set")
	}

	// Strategy
	if c.Strategy.Market == "" {
		errs = append(errs, "strategy: market must not be empty")
	}
	dir := strings.ToLower(c.Strategy.Direction)
	if dir != "long" && dir != "short" {
		errs = append(errs, fmt.Sprintf("strategy: direction must be long or short, got %q", c.Strategy.Direction))
	}
	if c.Strategy.StartPrice < 0 {
		errs = append(errs, "strategy: start_price must not be negative")
	}
	if c.Strategy.FollowThreshold < 0 {
		errs = append(errs, "strategy: follow_threshold must not be negative")
	}
	if c.Strategy.MakerFeeRate < 0 {
		errs = append(errs, "strategy: maker_fee_rate must not be negative")
	}
	if c.Strategy.LivenessInterval.Duration <= 0 {
		errs = append(errs, "strategy: liveness_interval must be positive")
	}
	if len(c.Strategy.Steps) == 0 {
		errs = append(errs, "strategy: at least one step is required")
	}
	for i, s := range c.Strategy.Steps {
		if s.Size <= 0 {
			errs = append(errs, fmt.Sprintf("strategy: steps[%d].size must be > 0", i))
		}
		if s.PriceOffset < 0 || s.PriceOffset >= 1 {
			errs = append(errs, fmt.Sprintf("strategy: steps[%d].price_offset must be in [0, 1)", i))
		}
		if s.ProfitOffset <= 0 {
			errs = append(errs, fmt.Sprintf("strategy: steps[%d].profit_offset must be > 0", i))
		}
		if i > 0 && s.PriceOffset <= c.Strategy.Steps[i-1].PriceOffset {
			errs = append(errs, fmt.Sprintf("strategy: steps[%d].price_offset must increase over steps[%d]", i, i-1))
		}
	}

	// State
	switch c.State.Backend {
	case "file":
		if c.State.Path == "" {
			errs = append(errs, "state: path must not be empty for the file backend")
		}
	case "redis":
		if c.State.Redis.Addr == "" {
			errs = append(errs, "state: redis.addr must not be empty for the redis backend")
		}
		if c.State.Redis.Key == "" {
			errs = append(errs, "state: redis.key must not be empty for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("state: unknown backend %q (valid: file, redis)", c.State.Backend))
	}

	// Journal
	if c.Journal.Enabled {
		if strings.TrimSpace(c.Journal.DSN) == "" {
			if c.Journal.Host == "" {
				errs = append(errs, "journal: host must not be empty (or set journal.dsn)")
			}
			if c.Journal.Port <= 0 || c.Journal.Port > 65535 {
				errs = append(errs, fmt.Sprintf("journal: port must be 1-65535, got %d", c.Journal.Port))
			}
			if c.Journal.Database == "" {
				errs = append(errs, "journal: database must not be empty")
			}
		}
		if c.Journal.PoolMaxConns < 1 {
			errs = append(errs, "journal: pool_max_conns must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.Endpoint == "" {
			errs = append(errs, "archive: endpoint must not be empty when enabled")
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, "archive: bucket must not be empty when enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
