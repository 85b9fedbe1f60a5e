package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"napochat/internal/cache"
	"napochat/internal/config"
	"napochat/internal/metrics"
	"napochat/internal/providers/openai_compat"
	"napochat/internal/relay"
	"napochat/internal/server"
	"napochat/internal/stats"
	"napochat/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("app_id", cfg.AppID).
		Str("model", cfg.OpenAI.Model).
		Str("db_driver", cfg.DB.Driver).
		Bool("stats_cache", cfg.Redis.Addr != "").
		Msg("starting napochat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	var statsCache *cache.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		statsCache = cache.New(rdb, cfg.Redis.StatsTTL)
	}

	m := metrics.Global()

	provider := openai_compat.New(openai_compat.Config{
		BaseURL:    cfg.OpenAI.BaseURL,
		APIKey:     cfg.OpenAI.APIKey,
		HTTPClient: &http.Client{Timeout: cfg.OpenAI.Timeout},
	})

	relaySvc := relay.New(relay.Config{
		AppID:        cfg.AppID,
		Model:        cfg.OpenAI.Model,
		MaxTokens:    cfg.OpenAI.MaxTokens,
		Provider:     provider,
		Instructions: store,
		Usage:        store,
		Logger:       log.Logger.With().Str("component", "relay").Logger(),
	})

	aggregator := stats.NewAggregator(store, cfg.Stats.EpochYear)

	srv, err := server.New(server.Config{
		AppID:        cfg.AppID,
		Instructions: store,
		Relay:        relaySvc,
		Stats:        aggregator,
		Cache:        statsCache,
		Logger:       log.Logger.With().Str("component", "server").Logger(),
		Metrics:      m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	mux.Handle("/", srv.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
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
