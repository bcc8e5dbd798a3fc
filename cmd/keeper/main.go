// Package main runs the keeper standalone: once, or on the configured interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"batch-engine/internal/app"
	"batch-engine/internal/config"
	"batch-engine/internal/logger"
)

var errTickFailed = errors.New("tick reported errors")

func main() {
	configPath := flag.String("config", os.Getenv("BATCH_CONFIG"), "Path to YAML config file")
	once := flag.Bool("once", false, "Run a single tick per product and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format).Named("keeper")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, *once, log)
	stop()
	if err != nil {
		log.Error("keeper error", zap.Error(err))
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run owns the app so its deferred Close runs before main exits.
func run(ctx context.Context, cfg *config.Config, once bool, log *zap.Logger) error {
	a, err := app.New(ctx, app.Options{Config: cfg, Logger: log})
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close()

	keepers := a.Keepers()
	if once {
		failed := false
		for i, k := range keepers {
			res := k.Tick(ctx)
			log.Info("tick",
				zap.String("product", a.Engines[i].Product().Name),
				zap.Int("processed", len(res.Processed)),
				zap.Int("skipped", len(res.Skipped)),
				zap.Strings("errors", res.Errors))
			failed = failed || len(res.Errors) > 0
		}
		if failed {
			return errTickFailed
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range keepers {
		g.Go(func() error { return k.Run(gctx) })
	}
	return g.Wait()
}
