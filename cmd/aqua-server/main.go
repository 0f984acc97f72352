package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/markus-barta/aquacd/internal/config"
	"github.com/markus-barta/aquacd/internal/perennial"
	"github.com/markus-barta/aquacd/internal/server"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	// Log configuration warnings
	for _, warning := range cfg.Warnings() {
		log.Warn().Msg(warning)
	}

	insp := perennial.NewInspector(cfg, log)

	// Dispatch history is best-effort; the server runs without it.
	var history *server.History
	if !cfg.UseRootDir {
		history, err = server.OpenHistory(cfg.HistoryPath(), log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history will not be recorded")
		} else {
			defer func() { _ = history.Close() }()
		}
	}

	metrics := server.NewMetrics(prometheus.DefaultRegisterer)
	srv := server.New(cfg, insp, history, metrics, log)

	if err := srv.Load(); err != nil {
		log.Warn().Err(err).Msg("failed to restore state, starting fresh")
	}
	srv.ProcessTrash()

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go srv.RunLoops(ctx)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-shutdownCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}

	cancel()

	if err := srv.Save(); err != nil {
		log.Error().Err(err).Msg("final checkpoint failed")
	}
	log.Info().Msg("server shutdown complete")
}
