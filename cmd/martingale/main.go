// Command martingale runs the staged position-building bot: it loads and
// validates configuration, wires the exchange and persistence, and drives the
// position until the take-profit fills or the process is stopped.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/akilibots/akili-martingale/internal/app"
	"github.com/akilibots/akili-martingale/internal/config"
	"github.com/akilibots/akili-martingale/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptSecret := flag.String("encrypt-secret", "",
		"write the API secret from AKILI_EXCHANGE_API_SECRET, encrypted with AKILI_EXCHANGE_KEY_PASSWORD, to this path and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *encryptSecret != "" {
		if err := writeEncryptedSecret(*encryptSecret); err != nil {
			logger.Error("failed to encrypt secret", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("encrypted secret written", slog.String("path", *encryptSecret))
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("bot shut down gracefully")
		} else {
			logger.Error("bot exited with error", slog.String("error", err.Error()))
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("bot stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// writeEncryptedSecret is the operator path for provisioning credentials
// without keeping the plaintext secret in config.toml.
func writeEncryptedSecret(path string) error {
	secret := os.Getenv("AKILI_EXCHANGE_API_SECRET")
	password := os.Getenv("AKILI_EXCHANGE_KEY_PASSWORD")
	if secret == "" || password == "" {
		return fmt.Errorf("AKILI_EXCHANGE_API_SECRET and AKILI_EXCHANGE_KEY_PASSWORD must be set")
	}

	blob, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}
