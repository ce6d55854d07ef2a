package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"streamchat/internal/chat"
	"streamchat/internal/completion"
	"streamchat/internal/completion/registry"
	"streamchat/internal/config"
	"streamchat/internal/httpapi"
	"streamchat/internal/metrics"
	"streamchat/internal/queue"
	"streamchat/internal/session"
	"streamchat/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat service",
		Long:  "Run the HTTP chat service.\n\nEnvironment:\n" + config.Usage(),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	setupLogger(cfg.Log.Level)
	log.Info().
		Str("provider", cfg.Provider.Kind).
		Str("store", cfg.Store.Driver).
		Bool("encryption", cfg.Crypto.Enabled()).
		Msg("starting streamchat")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cipher, err := newCipher(cfg.Crypto)
	if err != nil {
		return fmt.Errorf("init crypto manager: %w", err)
	}
	if cipher != nil {
		log.Info().Str("key_id", cipher.CurrentKeyID()).Msg("sealing chat content")
	}

	catalog, err := completion.ParseCatalog(cfg.Chat.Models, cfg.Chat.DefaultModel)
	if err != nil {
		return fmt.Errorf("parse CHAT_MODELS: %w", err)
	}

	client, err := registry.Build(registry.BuildOptions{
		Kind:         cfg.Provider.Kind,
		ResourceName: cfg.Provider.AzureResource,
		Endpoint:     providerEndpoint(cfg.Provider),
		APIKey:       cfg.Provider.APIKey(),
		APIVersion:   cfg.Provider.AzureVersion,
		Deployments:  catalog.Deployments(),
		HTTPClient: &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: cfg.Provider.Timeout,
			IdleConnTimeout:       90 * time.Second,
		}},
		MaxRetries:  cfg.Provider.MaxRetries,
		BackoffBase: cfg.Provider.BackoffBase,
		Logger:      log.Logger,
	})
	if err != nil {
		return fmt.Errorf("build completion client: %w", err)
	}

	// the store opens in the background; requests wait on the gate
	gate := storage.NewGate(ctx, func(ctx context.Context) (chat.Store, error) {
		return openStore(ctx, cfg, cipher)
	})
	defer func() {
		if err := gate.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	var limiter *queue.RateLimiter
	var guard *queue.IdempotencyGuard
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		limiter = queue.NewRateLimiter(rdb, cfg.Rate.PerHour, cfg.Redis.KeyPrefix)
		guard = queue.NewIdempotencyGuard(rdb, cfg.Redis.IdempotencyTTL, cfg.Redis.KeyPrefix)
	} else {
		log.Info().Msg("REDIS_ADDR not set, rate limiting and idempotency keys disabled")
	}

	m := metrics.Global()
	trimmer := completion.Trimmer{MaxTokens: cfg.Chat.MaxContextTokens}
	manager := session.NewManager(session.ManagerConfig{
		Store:   gate,
		Client:  client,
		Catalog: catalog,
		System:  cfg.Chat.SystemPrompt,
		Trimmer: trimmer,
		Smooth:  cfg.Chat.Smoothing,
		Logger:  log.Logger,
		Metrics: m,
		IdleTTL: cfg.Chat.SessionIdleTTL,
	})
	go manager.Run(ctx, 0)

	api := httpapi.New(httpapi.Config{
		Manager:     manager,
		Client:      client,
		Catalog:     catalog,
		System:      cfg.Chat.SystemPrompt,
		Smooth:      cfg.Chat.Smoothing,
		Trimmer:     trimmer,
		Limiter:     limiter,
		Idempotency: guard,
		Ready:       gate.Ready,
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
		CORSOrigin:  cfg.HTTP.CORSOrigin,
		Logger:      log.Logger,
		Metrics:     m,

		TrustForwardedFor: cfg.HTTP.TrustProxy,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Shutdown waits for idle connections, but SSE streams stay open until
	// their sessions close.
	httpServer.RegisterOnShutdown(manager.Shutdown)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	manager.Shutdown()

	log.Info().Msg("stopped")
	return runErr
}

func providerEndpoint(p config.ProviderConfig) string {
	if p.Kind == config.ProviderAzure {
		return p.AzureEndpoint
	}
	return p.BaseURL
}
