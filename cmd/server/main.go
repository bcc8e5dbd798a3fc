// Package main runs the batch engine service:
// - HTTP API and websocket event stream
// - Keeper loops (optional): process eligible batches
// - Prometheus metrics endpoint
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"batch-engine/internal/api"
	"batch-engine/internal/app"
	"batch-engine/internal/config"
	"batch-engine/internal/logger"
	"batch-engine/internal/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("BATCH_CONFIG"), "Path to YAML config file")
	migrate := flag.Bool("migrate", false, "Apply database migrations on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format).Named("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, *migrate, log)
	stop()
	if err != nil {
		log.Error("server error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("shutdown complete")
	_ = log.Sync()
}

func run(ctx context.Context, cfg *config.Config, migrate bool, log *zap.Logger) error {
	a, err := app.New(ctx, app.Options{Config: cfg, Logger: log, Migrate: migrate, WithHub: true})
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close()

	srv := api.NewServer(api.Options{
		Engines:   a.Engines,
		Hub:       a.Hub,
		JWTSecret: []byte(cfg.HTTP.JWTSecret),
		Logger:    log,
	})

	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			log.Info("metrics server listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if cfg.Keeper.Enabled {
		for _, k := range a.Keepers() {
			g.Go(func() error { return k.Run(gctx) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Duration("timeout", cfg.HTTP.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		err := httpServer.Shutdown(shutdownCtx)
		if metricsServer != nil {
			err = errors.Join(err, metricsServer.Shutdown(shutdownCtx))
		}
		return err
	})

	return g.Wait()
}
