// Package main applies the embedded PostgreSQL and ClickHouse migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"batch-engine/internal/config"
	"batch-engine/internal/logger"
	"batch-engine/internal/storage/migrations"
	pgstore "batch-engine/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", os.Getenv("BATCH_CONFIG"), "Path to YAML config file")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format).Named("migrate")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err = run(ctx, cfg, log)
	cancel()
	if err != nil {
		log.Error("migrate failed", zap.Error(err))
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	if cfg.Storage.Backend != "postgres" {
		log.Info("memory backend configured, nothing to migrate")
		return nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return fmt.Errorf("postgres migrations: %w", err)
	}
	log.Info("postgres migrations applied")

	if cfg.Storage.ClickHouseDSN == "" {
		return nil
	}
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.Storage.ClickHouseDSN)
	if err != nil {
		return fmt.Errorf("clickhouse migrations: %w", err)
	}
	defer conn.Close()
	log.Info("clickhouse migrations applied")
	return nil
}
