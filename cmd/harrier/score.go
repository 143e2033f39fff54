package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/analysis"
	"github.com/opensource-finance/harrier/internal/bootstrap"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/estimator"
	"github.com/opensource-finance/harrier/internal/observability"
	"github.com/opensource-finance/harrier/internal/patterns"
	"github.com/opensource-finance/harrier/internal/scoring"
	"github.com/opensource-finance/harrier/internal/sectors"
)

var scoreFlags struct {
	model  string
	method string
}

var scoreCmd = &cobra.Command{
	Use:   "score <request.json>",
	Short: "Score one filing offline and print the result as JSON",
	Long: `Scores an analysis request file without a server, repository or bus.

The file holds {"filing": {...}, "history": [...]}. When --model is not
given the bootstrap fixture is trained in memory first.`,
	Args: cobra.ExactArgs(1),
	RunE: runScore,
}

func init() {
	f := scoreCmd.Flags()
	f.StringVar(&scoreFlags.model, "model", "", "Path to a model artifact")
	f.StringVar(&scoreFlags.method, "method", string(domain.MethodEnsemble), "Scoring method: rules or ensemble")
}

func runScore(cmd *cobra.Command, args []string) error {
	cfg := domain.LoadConfig()
	observability.InitLoggerTo(os.Stderr, cfg.Logging)

	method := domain.AnalysisMethod(scoreFlags.method)
	if method != domain.MethodRules && method != domain.MethodEnsemble {
		return fmt.Errorf("method must be rules or ensemble, got %q", scoreFlags.method)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	var req domain.AnalysisRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("failed to parse request %s: %w", args[0], err)
	}
	// Offline scoring never looks history up.
	if req.History == nil {
		req.History = &domain.History{}
	}

	var artifact *estimator.Artifact
	if scoreFlags.model != "" {
		artifact, err = estimator.LoadFile(scoreFlags.model)
	} else {
		slog.Info("no model given, training bootstrap fixture")
		artifact, err = bootstrap.Train(cmd.Context(), bootstrapConfig(cfg.Model.Seed, cfg.Model.Trees, cfg.Model.Samples))
	}
	if err != nil {
		return err
	}

	table, err := sectors.Load(cfg.Scoring.SectorTablePath)
	if err != nil {
		return err
	}
	opts := scoring.DefaultOptions()
	opts.Sectors = table
	svc, err := scoring.New(opts, artifact)
	if err != nil {
		return err
	}

	engine, err := patterns.NewEngine(0)
	if err != nil {
		return err
	}
	defer engine.Close()
	if err := engine.LoadPatterns(patterns.DefaultPatterns()); err != nil {
		return err
	}

	pipeline, err := analysis.New(analysis.Deps{Scoring: svc, Patterns: engine, Version: Version})
	if err != nil {
		return err
	}
	a, err := pipeline.Analyze(cmd.Context(), analysis.Request{
		TenantID: "offline",
		Method:   method,
		Filing:   req.Filing,
		History:  req.History,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(a.ToResponse())
}
