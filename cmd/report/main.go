package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"batch-engine/internal/app"
	"batch-engine/internal/config"
	"batch-engine/internal/logger"
	"batch-engine/internal/reporting"
)

func main() {
	configPath := flag.String("config", os.Getenv("BATCH_CONFIG"), "Path to YAML config file")
	outputDir := flag.String("output-dir", "reports", "Output directory for generated files")
	product := flag.String("product", "", "Only report this product (default: all)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format).Named("report")

	err = run(context.Background(), cfg, *outputDir, *product, log)
	if err != nil {
		log.Error("report failed", zap.Error(err))
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, outputDir, product string, log *zap.Logger) error {
	a, err := app.New(ctx, app.Options{Config: cfg, Logger: log})
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	for _, e := range a.Engines {
		name := e.Product().Name
		if product != "" && name != product {
			continue
		}

		report, err := reporting.NewGenerator(name, a.Stores[name], a.EventStore).Generate(ctx)
		if err != nil {
			return fmt.Errorf("generate %s report: %w", name, err)
		}

		base := strings.ToUpper(name)
		mdPath := filepath.Join(outputDir, "REPORT_"+base+".md")
		csvPath := filepath.Join(outputDir, "BATCHES_"+base+".csv")
		if err := os.WriteFile(mdPath, []byte(reporting.RenderMarkdown(report)), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", mdPath, err)
		}
		if err := os.WriteFile(csvPath, []byte(reporting.RenderCSV(report.Batches)), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", csvPath, err)
		}

		if len(report.IntegrityErrors) > 0 {
			log.Warn("integrity errors", zap.String("product", name), zap.Strings("errors", report.IntegrityErrors))
		}
		fmt.Printf("%s report generated:\n  - %s\n  - %s\n", name, mdPath, csvPath)
	}
	return nil
}
