package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/place2polygon/internal/adapter/filewatch"
	httpadapter "github.com/couchcryptid/place2polygon/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/place2polygon/internal/adapter/kafka"
	"github.com/couchcryptid/place2polygon/internal/app"
	"github.com/couchcryptid/place2polygon/internal/config"
	"github.com/couchcryptid/place2polygon/internal/observability"
	"github.com/couchcryptid/place2polygon/internal/pipeline"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Orchestrated search when a language model is configured.
	stack, err := app.Build(ctx, cfg, cfg.LLM.Provider != "none", logger, metrics)
	if err != nil {
		logger.Error("failed to build resolution stack", "error", err)
		os.Exit(1)
	}
	defer stack.Close()
	stack.Manager.StartSweeper(cfg.Cache.SweepInterval)

	source, sink, closers, err := openTransport(cfg, logger)
	if err != nil {
		logger.Error("failed to open transport", "source", cfg.Source, "error", err)
		os.Exit(1)
	}

	p := pipeline.New(source, stack.Transformer, sink, logger, metrics, cfg.BatchSize)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, httpadapter.API{
		Processor:      stack.Transformer,
		Cache:          stack.Cache,
		RequestTimeout: cfg.ResolveTimeout,
	}, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start pipeline.
	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	for name, c := range closers {
		if err := c.Close(); err != nil {
			logger.Error("close error", "component", name, "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// openTransport returns the configured document source and sink along with
// whatever must be closed on shutdown.
func openTransport(cfg *config.Config, logger *slog.Logger) (pipeline.BatchExtractor, pipeline.BatchLoader, map[string]io.Closer, error) {
	if cfg.Source == config.SourceDir {
		inbox, err := filewatch.NewInbox(cfg.InboxDir, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		outbox, err := filewatch.NewOutbox(cfg.OutboxDir)
		if err != nil {
			inbox.Close()
			return nil, nil, nil, err
		}
		logger.Info("watching inbox", "inbox", cfg.InboxDir, "outbox", cfg.OutboxDir)
		return inbox, outbox, map[string]io.Closer{"inbox": inbox}, nil
	}

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)
	return reader, writer, map[string]io.Closer{"kafka reader": reader, "kafka writer": writer}, nil
}
