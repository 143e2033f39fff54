package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/bootstrap"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/estimator"
	"github.com/opensource-finance/harrier/internal/observability"
	"github.com/opensource-finance/harrier/internal/repository"
)

var bootstrapFlags struct {
	out     string
	seed    int64
	trees   int
	samples int
	store   bool
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Train the synthetic fixture model",
	Long: `Trains the random forest on synthetic filings and writes the artifact.

The fixture exists so the estimator is never untrained. It is not a
substitute for a model trained on labelled filings.

  harrier bootstrap --out model.json
  harrier bootstrap --store --trees 200 --samples 5000`,
	Args: cobra.NoArgs,
	RunE: runBootstrap,
}

func init() {
	defaults := bootstrap.DefaultConfig()
	f := bootstrapCmd.Flags()
	f.StringVar(&bootstrapFlags.out, "out", "", "Write the artifact to this file")
	f.Int64Var(&bootstrapFlags.seed, "seed", defaults.Seed, "Random seed")
	f.IntVar(&bootstrapFlags.trees, "trees", defaults.Trees, "Number of trees")
	f.IntVar(&bootstrapFlags.samples, "samples", defaults.Samples, "Number of synthetic filings")
	f.BoolVar(&bootstrapFlags.store, "store", false, "Store the artifact in the configured repository")
}

func runBootstrap(cmd *cobra.Command, _ []string) error {
	cfg := domain.LoadConfig()
	observability.InitLoggerTo(os.Stderr, cfg.Logging)

	if bootstrapFlags.out == "" && !bootstrapFlags.store {
		return fmt.Errorf("nothing to do: pass --out, --store, or both")
	}

	start := time.Now()
	artifact, err := bootstrap.Train(cmd.Context(), bootstrapConfig(bootstrapFlags.seed, bootstrapFlags.trees, bootstrapFlags.samples))
	if err != nil {
		return err
	}
	slog.Info("bootstrap complete",
		"version", artifact.Version,
		"samples", humanize.Comma(int64(bootstrapFlags.samples)),
		"trees", len(artifact.Trees),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)

	if bootstrapFlags.out != "" {
		if err := estimator.SaveFile(bootstrapFlags.out, artifact); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", bootstrapFlags.out, artifact.Version)
	}

	if bootstrapFlags.store {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()
		if err := storeModel(cmd.Context(), repo, artifact); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stored %s in %s repository\n", artifact.Version, cfg.Repository.Driver)
	}
	return nil
}
