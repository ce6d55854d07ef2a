package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"streamchat/internal/chat"
	"streamchat/internal/config"
	"streamchat/internal/crypto"
	"streamchat/internal/storage"
)

var envFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "streamchat",
		Short:         "Chat service streaming LLM responses over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.AddCommand(newServeCmd(), newChatsCmd())
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("streamchat failed")
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newCipher(cfg config.CryptoConfig) (*crypto.Manager, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return crypto.NewManager(cfg.CurrentKeyID, cfg.Keys)
}

func openStore(ctx context.Context, cfg *config.Config, cipher *crypto.Manager) (chat.Store, error) {
	return storage.OpenStore(ctx, storage.Config{
		Driver:      cfg.Store.Driver,
		DSN:         cfg.Store.DSN,
		AutoMigrate: cfg.Store.AutoMigrate,
		KeyPrefix:   cfg.Redis.KeyPrefix,
	}, storage.Options{Cipher: cipher})
}
