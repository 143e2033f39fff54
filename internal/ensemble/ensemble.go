// Package ensemble merges the estimator probability and the rule score into
// the final flagging decision.
package ensemble

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Component names reported when an input is degraded.
const (
	ComponentEstimator = "estimator"
	ComponentRules     = "rules"
)

// Config holds the blend weights and the flag threshold.
type Config struct {
	EstimatorWeight float64
	RuleWeight      float64

	// FlagThreshold is exclusive: a score must exceed it to flag.
	FlagThreshold float64
}

// DefaultConfig returns the standard 0.7/0.3 blend flagged above 0.6.
func DefaultConfig() Config {
	return Config{
		EstimatorWeight: 0.7,
		RuleWeight:      0.3,
		FlagThreshold:   0.6,
	}
}

// Combiner applies a Config. It is immutable and safe for concurrent use.
type Combiner struct {
	cfg Config
}

// NewCombiner creates a combiner.
func NewCombiner(cfg Config) *Combiner {
	return &Combiner{cfg: cfg}
}

// Config returns the combiner's configuration.
func (c *Combiner) Config() Config {
	return c.cfg
}

// Score returns the weighted blend.
func (c *Combiner) Score(estimatorProbability, ruleScore float64) float64 {
	return c.cfg.EstimatorWeight*estimatorProbability + c.cfg.RuleWeight*ruleScore
}

// Flags reports whether an ensemble score crosses the flag threshold.
func (c *Combiner) Flags(score float64) bool {
	return score > c.cfg.FlagThreshold
}

// Combine blends two component scores into a decision.
func (c *Combiner) Combine(estimatorProbability, ruleScore float64) domain.EnsembleDecision {
	score := c.Score(estimatorProbability, ruleScore)
	level := domain.LevelFromScore(score)
	return domain.EnsembleDecision{
		Score:          score,
		Final:          c.Flags(score),
		Level:          level,
		Recommendation: Recommend(level),
		EstimatorScore: estimatorProbability,
		RuleScore:      ruleScore,
	}
}

// Decide combines full component results, passing through confidences and
// importances. The overall confidence uses the same blend as the score.
//
// A degraded input still yields a score, but the decision is marked
// degraded with a manual-review note and its confidence drops to zero.
func (c *Combiner) Decide(est domain.EstimatorResult, rules domain.RiskAssessment) domain.EnsembleDecision {
	d := c.Combine(est.Probability, rules.Score)
	d.EstimatorConfidence = est.Confidence
	d.RuleConfidence = rules.Confidence
	d.Confidence = c.Score(est.Confidence, rules.Confidence)
	d.FeatureImportance = est.FeatureImportance

	if est.Degraded {
		d.DegradedComponents = append(d.DegradedComponents, ComponentEstimator)
	}
	if rules.Degraded {
		d.DegradedComponents = append(d.DegradedComponents, ComponentRules)
	}
	if len(d.DegradedComponents) > 0 {
		d.Degraded = true
		d.Confidence = 0
		d.Note = fmt.Sprintf("Manual review required: %s analysis degraded",
			strings.Join(d.DegradedComponents, " and "))
	}
	return d
}

// Recommend returns the ensemble recommendation for a level.
func Recommend(level domain.RiskLevel) string {
	switch level {
	case domain.RiskHigh:
		return "Immediate manual review required - high fraud probability"
	case domain.RiskMedium:
		return "Enhanced verification recommended - moderate risk"
	default:
		return "Standard processing - low risk detected"
	}
}
