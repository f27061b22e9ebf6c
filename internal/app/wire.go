package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/akilibots/akili-martingale/internal/blob/s3"
	"github.com/akilibots/akili-martingale/internal/config"
	"github.com/akilibots/akili-martingale/internal/crypto"
	"github.com/akilibots/akili-martingale/internal/domain"
	"github.com/akilibots/akili-martingale/internal/exchange/binance"
	"github.com/akilibots/akili-martingale/internal/notify"
	"github.com/akilibots/akili-martingale/internal/state"
	"github.com/akilibots/akili-martingale/internal/store/postgres"
)

// Dependencies bundles the wired infrastructure the bot runs on. Journal and
// Archiver stay nil when the corresponding sections are disabled.
type Dependencies struct {
	Exchange domain.ExchangeClient
	Store    domain.StateStore
	Journal  domain.Journal
	Archiver domain.Archiver
	Notifier *notify.Notifier
}

// Wire constructs the concrete dependencies from configuration and returns
// them with a cleanup function to be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Exchange ---
	secret, err := crypto.LoadAPISecret(crypto.SecretConfig{
		RawSecret:           cfg.Exchange.APISecret,
		EncryptedSecretPath: cfg.Exchange.EncryptedSecretPath,
		Password:            cfg.Exchange.KeyPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: load api secret: %w", err)
	}

	exchange, err := binance.New(ctx, binance.Config{
		APIKey:    cfg.Exchange.APIKey,
		APISecret: secret,
		Testnet:   cfg.Exchange.Testnet,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: exchange: %w", err)
	}
	closers = append(closers, func() { _ = exchange.Close() })
	exchange.StartTicker(ctx, cfg.Strategy.Market, cfg.Exchange.Testnet)
	deps.Exchange = exchange

	// --- State store ---
	switch cfg.State.Backend {
	case "redis":
		store, err := state.NewRedisStore(ctx, state.RedisConfig{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
			Key:      cfg.State.Redis.Key,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: state store: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Store = store
	default:
		deps.Store = state.NewFileStore(cfg.State.Path)
	}

	// --- Journal (optional) ---
	if cfg.Journal.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Journal.DSN,
			Host:     cfg.Journal.Host,
			Port:     cfg.Journal.Port,
			Database: cfg.Journal.Database,
			User:     cfg.Journal.User,
			Password: cfg.Journal.Password,
			SSLMode:  cfg.Journal.SSLMode,
			MaxConns: cfg.Journal.PoolMaxConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Journal.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Journal = postgres.NewJournal(pgClient.Pool())
	}

	// --- Archive (optional) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3 health: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3Client, cfg.Archive.Prefix)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
