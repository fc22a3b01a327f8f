package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pentest-command-gateway/internal/api"
	"pentest-command-gateway/internal/config"
	"pentest-command-gateway/internal/container"
	"pentest-command-gateway/internal/gateway"
	"pentest-command-gateway/internal/monitor"
	"pentest-command-gateway/internal/notify"
	"pentest-command-gateway/internal/settings"
	"pentest-command-gateway/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	// Env overrides for container deployments
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
			log.Info().Int("port", p).Msg("using port from environment")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Record store: Postgres in production, in-memory when no DSN is set
	var store storage.Store
	if cfg.Database.DSN != "" {
		store, err = storage.NewPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
	} else {
		log.Warn().Msg("no database DSN configured — using in-memory store, state is lost on restart")
		store = storage.NewMemory()
	}
	defer store.Close()

	// Container runtime (auto-detects Docker CLI vs containerd)
	rt, err := container.NewRuntime(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no container runtime available (execution will fail)")
		// Continue startup so health/metrics endpoints work for debugging
	}

	registry := container.NewRegistry(rt, cfg.Runtime.ImageSignature, cfg.Runtime.PreferredContainer, metrics)
	runner := container.NewRunner(rt, metrics)

	// Buffered history writer so executions never block on the database
	historyWriter := storage.NewHistoryWriter(store, cfg.Gateway.HistoryBufferSize)
	historyWriter.Start()
	defer historyWriter.Flush(10 * time.Second)

	hub := notify.NewHub(metrics)
	provider := settings.NewProvider(store)

	gw := gateway.New(store, registry, runner, provider, hub, historyWriter, metrics)

	// Periodic sweep so pending commands time out even when nobody reads
	// the queue
	go func() {
		ticker := time.NewTicker(cfg.Gateway.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gw.SweepNow(ctx)
			}
		}
	}()

	// Create and start HTTP server
	server := api.NewServer(cfg, gw, store, rt, hub, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		if closer, ok := rt.(interface{ Close() error }); ok && closer != nil {
			if err := closer.Close(); err != nil {
				log.Error().Err(err).Msg("runtime close error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", cfg.Database.DSN != "").
		Bool("runtime_available", rt != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
