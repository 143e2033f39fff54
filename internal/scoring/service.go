// Package scoring exposes the two scoring entry points over the extractor,
// rule analyzer, estimator and combiner.
package scoring

import (
	"fmt"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/ensemble"
	"github.com/opensource-finance/harrier/internal/estimator"
	"github.com/opensource-finance/harrier/internal/features"
	"github.com/opensource-finance/harrier/internal/rules"
)

// Service is the scoring core. Every call is a pure function of its
// arguments, so a Service is safe for concurrent use without locking.
type Service struct {
	extractor *features.Extractor
	analyzer  *rules.Analyzer
	estimator *estimator.Estimator
	combiner  *ensemble.Combiner
}

// NewService wires the components. All of them are required.
func NewService(extractor *features.Extractor, analyzer *rules.Analyzer, est *estimator.Estimator, combiner *ensemble.Combiner) (*Service, error) {
	if extractor == nil || analyzer == nil || est == nil || combiner == nil {
		return nil, fmt.Errorf("scoring service requires extractor, analyzer, estimator and combiner")
	}
	return &Service{
		extractor: extractor,
		analyzer:  analyzer,
		estimator: est,
		combiner:  combiner,
	}, nil
}

// Options override the default component configuration.
type Options struct {
	Sectors  domain.SectorTable
	Timing   features.TimingConfig
	Weights  rules.Weights
	Ensemble ensemble.Config
}

// DefaultOptions returns the built-in sector table, timing markers,
// heuristic weights and ensemble blend.
func DefaultOptions() Options {
	return Options{
		Sectors:  domain.DefaultSectorTable(),
		Timing:   features.DefaultTimingConfig(),
		Weights:  rules.DefaultWeights(),
		Ensemble: ensemble.DefaultConfig(),
	}
}

// New builds a service from options and a model artifact. It fails if the
// artifact cannot be served.
func New(opts Options, artifact *estimator.Artifact) (*Service, error) {
	ex := features.NewExtractor(opts.Sectors, opts.Timing)
	est, err := estimator.New(artifact, ex)
	if err != nil {
		return nil, fmt.Errorf("failed to load estimator: %w", err)
	}
	return NewService(ex, rules.NewAnalyzer(ex, opts.Weights), est, ensemble.NewCombiner(opts.Ensemble))
}

// AssessRules runs the rule analyzer only.
func (s *Service) AssessRules(filing domain.Filing, history domain.History) domain.RiskAssessment {
	return s.analyzer.Analyze(filing, history)
}

// AssessEnsemble extracts features once, runs both components over the
// shared vector and combines them.
func (s *Service) AssessEnsemble(filing domain.Filing, history domain.History) (domain.RiskAssessment, domain.EnsembleDecision) {
	f := s.extractor.Normalize(filing)
	v := s.extractor.Extract(f, history)

	assessment := s.analyzer.AnalyzeFeatures(f, history, v)
	prediction := s.estimator.PredictVector(v)
	return assessment, s.combiner.Decide(prediction, assessment)
}

// Features returns the feature vector for a filing.
func (s *Service) Features(filing domain.Filing, history domain.History) domain.FeatureVector {
	return s.extractor.Extract(filing, history)
}

// Normalize applies the filing defaulting rules.
func (s *Service) Normalize(filing domain.Filing) domain.Filing {
	return s.extractor.Normalize(filing)
}

// Estimator returns the loaded estimator.
func (s *Service) Estimator() *estimator.Estimator {
	return s.estimator
}

// Sectors returns the sector table in use.
func (s *Service) Sectors() domain.SectorTable {
	return s.extractor.Sectors()
}

// Weights returns the heuristic weights of the rule analyzer.
func (s *Service) Weights() rules.Weights {
	return s.analyzer.Weights()
}

// Blend returns the ensemble weights and flag threshold.
func (s *Service) Blend() ensemble.Config {
	return s.combiner.Config()
}
