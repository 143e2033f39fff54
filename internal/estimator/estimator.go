// Package estimator serves a trained random forest over filing feature vectors.
package estimator

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
)

// PredictionThreshold is the informational cut-off for Prediction.
const PredictionThreshold = 0.5

// Estimator wraps a validated artifact. The artifact is never mutated after
// New, so Predict is safe for concurrent use.
type Estimator struct {
	artifact   *Artifact
	extractor  *features.Extractor
	importance map[string]float64
}

// New validates the artifact and builds an estimator.
func New(artifact *Artifact, extractor *features.Extractor) (*Estimator, error) {
	if err := artifact.Validate(); err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}

	importance := make(map[string]float64, domain.FeatureCount)
	for i, name := range artifact.FeatureNames {
		importance[name] = artifact.Importances[i]
	}

	return &Estimator{
		artifact:   artifact,
		extractor:  extractor,
		importance: importance,
	}, nil
}

// Version returns the loaded model version.
func (e *Estimator) Version() string {
	return e.artifact.Version
}

// Artifact returns the loaded artifact. Callers must not modify it.
func (e *Estimator) Artifact() *Artifact {
	return e.artifact
}

// Importance returns a copy of the feature-importance map.
func (e *Estimator) Importance() map[string]float64 {
	out := make(map[string]float64, len(e.importance))
	for k, v := range e.importance {
		out[k] = v
	}
	return out
}

// Predict scores a filing.
func (e *Estimator) Predict(filing domain.Filing, history domain.History) domain.EstimatorResult {
	return e.PredictVector(e.extractor.Extract(filing, history))
}

// PredictVector scores an extracted feature vector. Malformed input or an
// internal failure yields a degraded zero-probability result.
func (e *Estimator) PredictVector(v domain.FeatureVector) (result domain.EstimatorResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("estimator panicked", "panic", r)
			result = e.degraded(fmt.Errorf("panic: %v", r))
		}
	}()

	for i, x := range v {
		if !finite(x) {
			return e.degraded(fmt.Errorf("feature %s is not finite", domain.FeatureNames[i]))
		}
	}

	scaled := e.artifact.Scaler.Transform(v)
	sum := 0.0
	for _, tree := range e.artifact.Trees {
		sum += tree.predict(scaled)
	}
	p := sum / float64(len(e.artifact.Trees))
	if !finite(p) {
		return e.degraded(fmt.Errorf("non-finite probability"))
	}
	p = math.Max(0, math.Min(p, 1))

	return domain.EstimatorResult{
		Probability:       p,
		Prediction:        p > PredictionThreshold,
		FeatureImportance: e.Importance(),
		Confidence:        math.Max(p, 1-p),
		ModelVersion:      e.artifact.Version,
	}
}

// PredictSlice scores a raw slice, rejecting slices of the wrong length.
func (e *Estimator) PredictSlice(x []float64) domain.EstimatorResult {
	if len(x) != domain.FeatureCount {
		return e.degraded(fmt.Errorf("expected %d features, got %d", domain.FeatureCount, len(x)))
	}
	var v domain.FeatureVector
	copy(v[:], x)
	return e.PredictVector(v)
}

func (e *Estimator) degraded(err error) domain.EstimatorResult {
	return domain.EstimatorResult{
		Probability:       0,
		Prediction:        false,
		FeatureImportance: e.Importance(),
		Confidence:        0,
		ModelVersion:      e.artifact.Version,
		Degraded:          true,
		Error:             err.Error(),
	}
}

// predict walks the tree. Validate guarantees children follow parents, so
// the walk terminates within len(Nodes) steps.
func (t Tree) predict(x domain.FeatureVector) float64 {
	i := 0
	for steps := 0; steps < len(t.Nodes); steps++ {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	panic("tree walk did not reach a leaf")
}
