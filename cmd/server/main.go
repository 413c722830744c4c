package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vetbox/internal/api"
	"vetbox/internal/config"
	"vetbox/internal/engine"
	"vetbox/internal/monitor"
	"vetbox/internal/sandbox"
	"vetbox/internal/wire"
)

func main() {
	// The Tier-2 init helper is this same binary; it never returns.
	if sandbox.MaybeSandboxInit() {
		return
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	eng, err := engine.Build(ctx, cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build analysis engine")
	}

	var wireServer *wire.Server
	if cfg.Wire.Enabled {
		wireServer = wire.NewServer(eng, cfg.Wire)
		if err := wireServer.Start(); err != nil {
			eng.Close()
			log.Fatal().Err(err).Msg("failed to start wire server")
		}
	}

	server := api.NewServer(cfg, eng, metrics)

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if wireServer != nil {
			if err := wireServer.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("wire server shutdown error")
			}
		}

		// Drains the queue, then releases sandbox, cache and audit writer.
		eng.Close()
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("tier2_backend", eng.Tier2Backend()).
		Str("budget_preset", eng.Budget().Preset).
		Bool("wire_enabled", wireServer != nil).
		Bool("db_enabled", eng.Store() != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		eng.Close()
		log.Fatal().Err(err).Msg("server failed")
	}

	<-done
	log.Info().Msg("server stopped")
}
