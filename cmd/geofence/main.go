package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/touristguard/geofence/internal/adapter/httpapi"
	kafkaadapter "github.com/touristguard/geofence/internal/adapter/kafka"
	"github.com/touristguard/geofence/internal/adapter/postgres"
	"github.com/touristguard/geofence/internal/config"
	"github.com/touristguard/geofence/internal/engine"
	"github.com/touristguard/geofence/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	builder := engine.NewBuilder(cfg.Engine(), logger, metrics, clock)

	// Durable trailing log and event stream are both feature-flagged.
	var recorders []engine.Recorder
	if cfg.DatabaseURL != "" {
		sink, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres sink unavailable", "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		recorders = append(recorders, sink)
		logger.Info("postgres trailing log enabled")
	}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		publisher := kafkaadapter.NewPublisher(brokers, cfg.KafkaEventTopic, logger)
		defer publisher.Close() //nolint:errcheck
		recorders = append(recorders, publisher)
		logger.Info("kafka event stream enabled", "topic", cfg.KafkaEventTopic)
	}
	if len(recorders) > 0 {
		builder = builder.WithRecorder(multiRecorder(recorders))
	}

	eng, err := builder.Build(ctx)
	if err != nil {
		logger.Error("engine initialization failed", "error", err)
		os.Exit(1)
	}

	srv := httpapi.NewServer(cfg.HTTPAddr, eng, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
