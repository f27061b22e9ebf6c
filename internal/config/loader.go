package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies AKILI_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known AKILI_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "AKILI_EXCHANGE_NAME")
	setStr(&cfg.Exchange.APIKey, "AKILI_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "AKILI_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "AKILI_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.KeyPassword, "AKILI_EXCHANGE_KEY_PASSWORD")
	setBool(&cfg.Exchange.Testnet, "AKILI_EXCHANGE_TESTNET")

	// ── Strategy ──
	setStr(&cfg.Strategy.Market, "AKILI_STRATEGY_MARKET")
	setStr(&cfg.Strategy.Direction, "AKILI_STRATEGY_DIRECTION")
	setFloat64(&cfg.Strategy.StartPrice, "AKILI_STRATEGY_START_PRICE")
	setFloat64(&cfg.Strategy.FollowThreshold, "AKILI_STRATEGY_FOLLOW_THRESHOLD")
	setFloat64(&cfg.Strategy.MakerFeeRate, "AKILI_STRATEGY_MAKER_FEE_RATE")
	setDuration(&cfg.Strategy.LivenessInterval, "AKILI_STRATEGY_LIVENESS_INTERVAL")

	// ── State ──
	setStr(&cfg.State.Backend, "AKILI_STATE_BACKEND")
	setStr(&cfg.State.Path, "AKILI_STATE_PATH")
	setStr(&cfg.State.Redis.Addr, "AKILI_STATE_REDIS_ADDR")
	setStr(&cfg.State.Redis.Password, "AKILI_STATE_REDIS_PASSWORD")
	setInt(&cfg.State.Redis.DB, "AKILI_STATE_REDIS_DB")
	setStr(&cfg.State.Redis.Key, "AKILI_STATE_REDIS_KEY")

	// ── Journal ──
	setBool(&cfg.Journal.Enabled, "AKILI_JOURNAL_ENABLED")
	setStr(&cfg.Journal.DSN, "AKILI_JOURNAL_DSN")
	setStr(&cfg.Journal.Host, "AKILI_JOURNAL_HOST")
	setInt(&cfg.Journal.Port, "AKILI_JOURNAL_PORT")
	setStr(&cfg.Journal.Database, "AKILI_JOURNAL_DATABASE")
	setStr(&cfg.Journal.User, "AKILI_JOURNAL_USER")
	setStr(&cfg.Journal.Password, "AKILI_JOURNAL_PASSWORD")
	setStr(&cfg.Journal.SSLMode, "AKILI_JOURNAL_SSLMODE")
	setBool(&cfg.Journal.RunMigrations, "AKILI_JOURNAL_RUN_MIGRATIONS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "AKILI_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Endpoint, "AKILI_ARCHIVE_ENDPOINT")
	setStr(&cfg.Archive.Region, "AKILI_ARCHIVE_REGION")
	setStr(&cfg.Archive.Bucket, "AKILI_ARCHIVE_BUCKET")
	setStr(&cfg.Archive.AccessKey, "AKILI_ARCHIVE_ACCESS_KEY")
	setStr(&cfg.Archive.SecretKey, "AKILI_ARCHIVE_SECRET_KEY")
	setBool(&cfg.Archive.ForcePathStyle, "AKILI_ARCHIVE_FORCE_PATH_STYLE")
	setStr(&cfg.Archive.Prefix, "AKILI_ARCHIVE_PREFIX")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "AKILI_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "AKILI_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "AKILI_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "AKILI_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "AKILI_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
