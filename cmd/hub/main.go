// Command hub runs the A2A communication hub.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs" // respect container CPU limits

	"github.com/agentgrid/a2ahub/internal/config"
	"github.com/agentgrid/a2ahub/internal/hub"
)

func main() {
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration error")
	}

	logger := newLogger(cfg)
	cfg.LogConfig(logger)

	server, err := hub.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build hub")
	}
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start hub")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown did not complete cleanly")
		os.Exit(1)
	}
	logger.Info().Msg("Hub stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	switch cfg.LogFormat {
	case "pretty", "text":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	default:
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().
		Timestamp().
		Str("service", "a2ahub").
		Logger()
}
