// Ballotwatch - Real-time fraud scoring for electronic votes.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opensource-finance/ballotwatch/internal/alert"
	"github.com/opensource-finance/ballotwatch/internal/api"
	"github.com/opensource-finance/ballotwatch/internal/bus"
	"github.com/opensource-finance/ballotwatch/internal/cache"
	"github.com/opensource-finance/ballotwatch/internal/config"
	"github.com/opensource-finance/ballotwatch/internal/dataset"
	"github.com/opensource-finance/ballotwatch/internal/domain"
	"github.com/opensource-finance/ballotwatch/internal/ensemble"
	"github.com/opensource-finance/ballotwatch/internal/explain"
	"github.com/opensource-finance/ballotwatch/internal/metrics"
	"github.com/opensource-finance/ballotwatch/internal/repository"
	"github.com/opensource-finance/ballotwatch/internal/scoring"
	"github.com/opensource-finance/ballotwatch/internal/stats"
	"github.com/opensource-finance/ballotwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// sinkQueueSize buffers the archive and bus forwarder during alert bursts.
const sinkQueueSize = 1024

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting ballotwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"stats", cfg.Stats.Type,
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("ballotwatch failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ballotwatch shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Statistics Store
	store, err := stats.New(cfg.Stats)
	if err != nil {
		return fmt.Errorf("failed to initialize statistics store: %w", err)
	}
	defer store.Close()
	slog.Info("statistics store initialized", "type", cfg.Stats.Type)

	// Load the model bundle. Without one the service starts unready.
	models := ensemble.NewHolder()
	if _, err := models.Load(cfg.Model.BundleDir); err != nil {
		if cfg.Model.Required {
			return fmt.Errorf("failed to load model bundle: %w", err)
		}
		slog.Warn("no model loaded, scoring is degraded until POST /model/reload",
			"dir", cfg.Model.BundleDir,
			"error", err,
		)
	}
	metrics.SetModelLoaded(models.Ready())

	if cfg.Stats.Warm {
		if err := warmStats(ctx, store, repo, cfg.Model.BundleDir); err != nil {
			return err
		}
	}

	explainer, err := explain.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize explainability engine: %w", err)
	}

	// Alert distribution
	distributor := alert.NewDistributor(alert.Config{
		Retention: cfg.Alerts.Retention,
		QueueSize: cfg.Alerts.QueueSize,
	})
	defer distributor.Close()
	distributor.RegisterBuffered(alert.NewArchive(repo), sinkQueueSize)
	if cfg.Alerts.ForwardToBus {
		distributor.RegisterBuffered(alert.NewBusForwarder(busImpl), sinkQueueSize)
	}
	go distributor.KeepAlive(ctx, cfg.Alerts.PingInterval)

	svc := scoring.NewService(store, models, explainer, distributor,
		scoring.WithRepository(repo),
		scoring.WithCache(cacheImpl, cfg.Cache.VerdictTTL),
		scoring.WithBus(busImpl),
	)

	// Async scoring from the bus
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Worker.Concurrency}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Scorer:    svc,
		Alerts:    distributor,
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Models:    models,
		BundleDir: cfg.Model.BundleDir,
		Version:   Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("ballotwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_loaded", models.Ready(),
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop intake before draining the worker.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	return serveErr
}

// warmStats replays the bundle's training history and the stored votes so
// that live aggregates start on the scale the model was trained on.
func warmStats(ctx context.Context, store domain.StatsStore, repo domain.Repository, bundleDir string) error {
	var history []*domain.VoteEvent

	path := filepath.Join(bundleDir, ensemble.HistoryFile)
	labeled, err := dataset.ReadCSV(path, dataset.ReadOptions{})
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("no training history in bundle, statistics start empty", "path", path)
	case err != nil:
		return fmt.Errorf("failed to read training history: %w", err)
	default:
		history = dataset.Events(labeled)
	}

	stored, err := repo.ListVotes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored votes: %w", err)
	}
	history = append(history, stored...)

	start := time.Now()
	n, err := stats.Warm(ctx, store, history)
	if err != nil {
		return fmt.Errorf("failed to warm statistics: %w", err)
	}
	slog.Info("statistics warmed",
		"votes", n,
		"stored_votes", len(stored),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  BALLOTWATCH - real-time vote fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze-vote       - Score a vote synchronously")
	fmt.Println("    POST /votes              - Queue a vote for async scoring")
	fmt.Println("    GET  /verdicts/{voteID}  - Get the verdict for a vote")
	fmt.Println("    GET  /alerts?limit=50    - Recent fraud alerts")
	fmt.Println("    GET  /stats              - Live statistics")
	fmt.Println("    GET  /ws/alerts          - Alert feed (websocket)")
	fmt.Println("    POST /model/reload       - Reload the model bundle")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println("    GET  /ready              - Readiness (503 until a model is loaded)")
	fmt.Println("    GET  /metrics            - Prometheus metrics")
	fmt.Println()
}
