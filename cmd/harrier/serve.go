package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/analysis"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bootstrap"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/estimator"
	"github.com/opensource-finance/harrier/internal/history"
	"github.com/opensource-finance/harrier/internal/observability"
	"github.com/opensource-finance/harrier/internal/patterns"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/scoring"
	"github.com/opensource-finance/harrier/internal/sectors"
	"github.com/opensource-finance/harrier/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the async analysis worker",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := domain.LoadConfig()
	observability.InitLogger(cfg.Logging)

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "tiers", cacheImpl.Stats().Tiers)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	table, err := sectors.Load(cfg.Scoring.SectorTablePath)
	if err != nil {
		return err
	}
	slog.Info("sector table loaded", "version", table.Version, "sectors", len(table.Sectors))

	artifact, err := loadModel(ctx, cfg.Model, repo)
	if err != nil {
		return err
	}

	opts := scoring.DefaultOptions()
	opts.Sectors = table
	svc, err := scoring.New(opts, artifact)
	if err != nil {
		return err
	}
	slog.Info("model loaded", "version", artifact.Version, "source", artifact.Source, "trees", len(artifact.Trees))

	engine, err := patterns.NewEngine(10)
	if err != nil {
		return fmt.Errorf("failed to initialize pattern engine: %w", err)
	}
	defer engine.Close()
	if err := loadPatterns(ctx, repo, engine); err != nil {
		return err
	}
	slog.Info("pattern engine initialized", "patterns_count", engine.PatternsCount())

	metrics := observability.NewMetrics()

	pipeline, err := analysis.New(analysis.Deps{
		Scoring:     svc,
		Patterns:    engine,
		History:     history.NewService(repo, cfg.Scoring.HistoryLimit),
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Metrics:     metrics,
		AnalysisTTL: cfg.Cache.AnalysisTTL,
		Version:     Version,
	})
	if err != nil {
		return err
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, pipeline, metrics)
		workerCfg := worker.Config{
			TenantIDs:   cfg.Worker.TenantIDs,
			WorkerCount: cfg.Worker.WorkerCount,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
		}
	}

	srv := api.NewServer(cfg.Server, api.NewHandler(api.HandlerDeps{
		Pipeline: pipeline,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Patterns: engine,
		Metrics:  metrics,
		Version:  Version,
	}))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version, artifact.Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("harrier shutdown complete")
	return nil
}

// loadModel resolves the estimator artifact: an explicit file first, then
// the latest stored artifact, then a one-time bootstrap when allowed.
func loadModel(ctx context.Context, cfg domain.ModelConfig, repo domain.Repository) (*estimator.Artifact, error) {
	if cfg.Path != "" {
		return estimator.LoadFile(cfg.Path)
	}

	stored, err := repo.GetLatestModelArtifact(ctx, estimator.ArtifactName)
	switch {
	case err == nil:
		return estimator.DecodeArtifact(stored.Payload)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("failed to load stored model: %w", err)
	}

	if !cfg.AutoBootstrap {
		return nil, fmt.Errorf("no model artifact found; set HARRIER_MODEL_PATH or run harrier bootstrap")
	}

	slog.Warn("no model artifact found, training bootstrap fixture", "trees", cfg.Trees, "samples", cfg.Samples)
	artifact, err := bootstrap.Train(ctx, bootstrapConfig(cfg.Seed, cfg.Trees, cfg.Samples))
	if err != nil {
		return nil, fmt.Errorf("bootstrap training failed: %w", err)
	}
	if err := storeModel(ctx, repo, artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

func bootstrapConfig(seed int64, trees, samples int) bootstrap.Config {
	bc := bootstrap.DefaultConfig()
	bc.Seed = seed
	if trees > 0 {
		bc.Trees = trees
	}
	if samples > 0 {
		bc.Samples = samples
	}
	return bc
}

func storeModel(ctx context.Context, repo domain.Repository, artifact *estimator.Artifact) error {
	payload, err := artifact.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	err = repo.SaveModelArtifact(ctx, &domain.ModelArtifact{
		Name:      estimator.ArtifactName,
		Version:   artifact.Version,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to store model: %w", err)
	}
	slog.Info("model stored", "version", artifact.Version)
	return nil
}

// loadPatterns loads global patterns from the database, seeding the
// defaults into an empty database first.
func loadPatterns(ctx context.Context, repo domain.Repository, engine *patterns.Engine) error {
	stored, err := repo.ListPatterns(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list patterns from database", "error", err)
		return engine.LoadPatterns(patterns.DefaultPatterns())
	}

	if len(stored) == 0 {
		stored = patterns.DefaultPatterns()
		for _, p := range stored {
			p.TenantID = domain.GlobalTenantID
			if err := repo.SavePattern(ctx, domain.GlobalTenantID, p); err != nil {
				slog.Warn("failed to seed pattern", "id", p.ID, "error", err)
			}
		}
		slog.Info("seeded default patterns", "count", len(stored))
	}

	return engine.LoadPatterns(stored)
}

func printBanner(cfg *domain.Config, version, modelVersion string) {
	fmt.Println()
	fmt.Println("  HARRIER")
	fmt.Println("  Fraud risk scoring for tax filings")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Model:    %s\n", modelVersion)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze           - Rule-based analysis")
	fmt.Println("    POST /analyze/ensemble  - Ensemble analysis")
	fmt.Println("    POST /filings           - Queue a filing for async analysis")
	fmt.Println("    GET  /filings/{id}      - Get filing by ID")
	fmt.Println("    GET  /analyses/{id}     - Get analysis by ID")
	fmt.Println("    GET  /taxpayers/{id}/analyses - Taxpayer risk history")
	fmt.Println("    GET  /model             - Loaded model metadata")
	fmt.Println("    GET  /patterns          - List fraud patterns")
	fmt.Println("    POST /patterns          - Create a fraud pattern")
	fmt.Println("    POST /patterns/reload   - Hot-reload patterns")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println("    GET  /metrics           - Prometheus metrics")
	fmt.Println()
}
