// Package main implements the studduo API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/studduoai/studduo/engine/bootstrap"
	"github.com/studduoai/studduo/engine/ingest"
	"github.com/studduoai/studduo/pkg/config"
	"github.com/studduoai/studduo/pkg/mid"
	"github.com/studduoai/studduo/pkg/resilience"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg, err := config.Load(envOr("STUDDUO_CONFIG", "studduo.yaml"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer eng.Close()

	s := &server{
		builder: eng.Pipeline,
		turns:   eng.History,
		stats:   eng,
		ingest:  ingest.NewPipeline(eng.IngestDeps()),
		logger:  logger,
	}

	mux := s.routes()
	if cfg.Server.MetricsPort == "" {
		mux.Handle("GET /metrics", eng.Metrics.Handler())
	} else {
		go func() {
			addr := ":" + cfg.Server.MetricsPort
			logger.Info("metrics server starting", "addr", addr)
			if err := http.ListenAndServe(addr, eng.Metrics.Handler()); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.Metrics(eng.Metrics),
		mid.RateLimit(resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.Server.RatePerSec, Burst: cfg.Server.RateBurst})),
		mid.CORS(cfg.Server.CORSOrigin),
		mid.OTel("studduo-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
