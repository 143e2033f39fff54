// Package bootstrap trains a fixture fraud forest on synthetic filings so
// the estimator is never untrained. It is not a real-data training path.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/estimator"
)

// SourceBootstrap marks artifacts produced by this package.
const SourceBootstrap = "bootstrap"

// Config controls the synthetic data and forest hyperparameters.
type Config struct {
	Samples   int
	FraudRate float64
	Seed      int64

	Trees           int
	MaxDepth        int
	MinSamplesSplit int
	// MaxFeatures is the number of features tried per split. 0 means sqrt.
	MaxFeatures int

	// Parallel limits concurrent tree training. 0 means GOMAXPROCS.
	Parallel int
}

// DefaultConfig returns the standard fixture settings.
func DefaultConfig() Config {
	return Config{
		Samples:         1000,
		FraudRate:       0.1,
		Seed:            42,
		Trees:           100,
		MaxDepth:        10,
		MinSamplesSplit: 2,
	}
}

func (c Config) validate() error {
	switch {
	case c.Samples < 10:
		return fmt.Errorf("samples must be at least 10, got %d", c.Samples)
	case c.FraudRate <= 0 || c.FraudRate >= 1:
		return fmt.Errorf("fraud rate must be in (0,1), got %v", c.FraudRate)
	case c.Trees < 1:
		return fmt.Errorf("trees must be positive, got %d", c.Trees)
	case c.MaxDepth < 1:
		return fmt.Errorf("max depth must be positive, got %d", c.MaxDepth)
	}
	return nil
}

// Train generates the synthetic dataset and fits the forest. Output is
// identical for identical configs apart from TrainedAt.
func Train(ctx context.Context, cfg Config) (*estimator.Artifact, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MinSamplesSplit < 2 {
		cfg.MinSamplesSplit = 2
	}
	if cfg.MaxFeatures <= 0 {
		cfg.MaxFeatures = int(math.Sqrt(float64(domain.FeatureCount)))
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	master := rand.New(rand.NewPCG(uint64(cfg.Seed), 0x5eed))

	ds := Synthesize(cfg.Samples, cfg.FraudRate, master)
	positives := ds.Positives()
	if positives == 0 || positives == len(ds.Y) {
		return nil, fmt.Errorf("synthetic data has a single class (%d/%d positive)", positives, len(ds.Y))
	}

	mean, scale := fitScaler(ds.X)
	scaler := estimator.Scaler{Mean: mean, Scale: scale}
	scaled := make([]domain.FeatureVector, len(ds.X))
	for i, row := range ds.X {
		scaled[i] = scaler.Transform(row)
	}

	n := float64(len(ds.Y))
	classWeight := [2]float64{
		n / (2 * float64(len(ds.Y)-positives)),
		n / (2 * float64(positives)),
	}

	seeds := make([]uint64, cfg.Trees)
	for i := range seeds {
		seeds[i] = master.Uint64()
	}

	params := treeParams{
		maxDepth:        cfg.MaxDepth,
		minSamplesSplit: cfg.MinSamplesSplit,
		maxFeatures:     cfg.MaxFeatures,
	}
	trees := make([]estimator.Tree, cfg.Trees)
	importances := make([][domain.FeatureCount]float64, cfg.Trees)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallel)
	for i := range trees {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewPCG(seeds[i], uint64(i)))
			trees[i], importances[i] = growTree(scaled, ds.Y, classWeight, params, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("forest training cancelled: %w", err)
	}

	artifact := &estimator.Artifact{
		Source:       SourceBootstrap,
		TrainedAt:    time.Now().UTC(),
		FeatureNames: append([]string(nil), domain.FeatureNames[:]...),
		Scaler:       scaler,
		Trees:        trees,
		Importances:  meanImportance(importances),
		Params: map[string]float64{
			"samples":           float64(cfg.Samples),
			"fraud_rate":        cfg.FraudRate,
			"seed":              float64(cfg.Seed),
			"trees":             float64(cfg.Trees),
			"max_depth":         float64(cfg.MaxDepth),
			"min_samples_split": float64(cfg.MinSamplesSplit),
			"max_features":      float64(cfg.MaxFeatures),
		},
	}

	version, err := fingerprint(artifact)
	if err != nil {
		return nil, err
	}
	artifact.Version = version

	if err := artifact.Validate(); err != nil {
		return nil, fmt.Errorf("trained artifact failed validation: %w", err)
	}

	slog.Info("bootstrap model trained",
		"version", artifact.Version,
		"trees", cfg.Trees,
		"samples", cfg.Samples,
		"positives", positives,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return artifact, nil
}

// meanImportance normalizes each tree's impurity decrease, averages across
// trees and renormalizes to sum 1.
func meanImportance(perTree [][domain.FeatureCount]float64) []float64 {
	out := make([]float64, domain.FeatureCount)
	for _, imp := range perTree {
		sum := 0.0
		for _, v := range imp {
			sum += v
		}
		if sum == 0 {
			continue
		}
		for j, v := range imp {
			out[j] += v / sum
		}
	}
	total := 0.0
	for _, v := range out {
		total += v
	}
	if total > 0 {
		for j := range out {
			out[j] /= total
		}
	}
	return out
}

// fingerprint derives the version from the fitted parameters.
func fingerprint(a *estimator.Artifact) (string, error) {
	data, err := json.Marshal(struct {
		Scaler estimator.Scaler
		Trees  []estimator.Tree
	}{a.Scaler, a.Trees})
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint model: %w", err)
	}
	sum := sha256.Sum256(data)
	return "rf-" + hex.EncodeToString(sum[:6]), nil
}
