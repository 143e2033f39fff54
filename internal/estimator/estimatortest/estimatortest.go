// Package estimatortest provides small hand-built forests for tests.
package estimatortest

import (
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/estimator"
)

// RatioStump returns an unscaled one-tree forest that scores 0.9 when the
// deduction ratio exceeds 0.5 and 0.1 otherwise.
func RatioStump() *estimator.Artifact {
	return &estimator.Artifact{
		Version:      "stump-1",
		Source:       "test",
		TrainedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		FeatureNames: append([]string(nil), domain.FeatureNames[:]...),
		Scaler: estimator.Scaler{
			Mean:  make([]float64, domain.FeatureCount),
			Scale: []float64{1, 1, 1, 1, 1, 1, 1},
		},
		Trees: []estimator.Tree{{Nodes: []estimator.Node{
			{Feature: domain.FeatureDeductionRatio, Threshold: 0.5, Left: 1, Right: 2},
			{Leaf: true, Value: 0.1},
			{Leaf: true, Value: 0.9},
		}}},
		Importances: []float64{0, 0, 1, 0, 0, 0, 0},
	}
}
