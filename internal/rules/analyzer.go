// Package rules implements the weighted heuristic risk analyzer for tax filings.
package rules

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
)

// Weights holds the per-heuristic multipliers. They sum to 1.0.
type Weights struct {
	IncomeDeviation float64
	DeductionRatio  float64
	Historical      float64
	RoundNumbers    float64
	Timing          float64
}

// DefaultWeights returns the standard heuristic weights.
func DefaultWeights() Weights {
	return Weights{
		IncomeDeviation: 0.30,
		DeductionRatio:  0.25,
		Historical:      0.20,
		RoundNumbers:    0.15,
		Timing:          0.10,
	}
}

// Absolute income tiers for the income deviation check.
var (
	veryLowIncome = decimal.NewFromInt(10000)
	lowIncome     = decimal.NewFromInt(25000)
)

// Recommendation texts.
const (
	recommendLow    = "Standard processing - no additional review required"
	recommendMedium = "Consider automated verification checks"
	recommendHigh   = "Manual review recommended - request supporting documents"

	suffixDeduction = " | Verify deduction documentation"
	suffixIncome    = " | Cross-reference with third-party data"

	// ErrorFactor is the single factor reported by a degraded assessment.
	ErrorFactor = "Analysis error"

	// ErrorRecommendation is the recommendation of a degraded assessment.
	ErrorRecommendation = "Manual review required due to analysis error"
)

// Analyzer runs the five heuristic checks. It holds only immutable
// configuration and is safe for concurrent use.
type Analyzer struct {
	extractor *features.Extractor
	weights   Weights
}

// NewAnalyzer creates an analyzer sharing the extractor's sector table and
// timing configuration.
func NewAnalyzer(extractor *features.Extractor, weights Weights) *Analyzer {
	return &Analyzer{extractor: extractor, weights: weights}
}

// Weights returns the analyzer's weights.
func (a *Analyzer) Weights() Weights {
	return a.weights
}

// Analyze scores a filing. It never returns an error; internal failures
// produce a degraded assessment.
func (a *Analyzer) Analyze(filing domain.Filing, history domain.History) domain.RiskAssessment {
	f := a.extractor.Normalize(filing)
	return a.AnalyzeFeatures(f, history, a.extractor.Extract(f, history))
}

// AnalyzeFeatures scores a filing using an already extracted vector.
func (a *Analyzer) AnalyzeFeatures(filing domain.Filing, history domain.History, v domain.FeatureVector) (result domain.RiskAssessment) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rule analysis panicked", "filing_id", filing.FilingID, "panic", r)
			result = Degraded(fmt.Errorf("panic: %v", r))
		}
	}()

	f := a.extractor.Normalize(filing)
	sectors := a.extractor.Sectors()
	profile := sectors.Profile(f.BusinessSector)

	checks := []struct {
		name   string
		weight float64
		risk   float64
		reason string
	}{
		{name: domain.HeuristicIncomeDeviation, weight: a.weights.IncomeDeviation},
		{name: domain.HeuristicDeductionRatio, weight: a.weights.DeductionRatio},
		{name: domain.HeuristicHistorical, weight: a.weights.Historical},
		{name: domain.HeuristicRoundNumbers, weight: a.weights.RoundNumbers},
		{name: domain.HeuristicTiming, weight: a.weights.Timing},
	}
	checks[0].risk, checks[0].reason = checkIncome(f, sectors.Currency)
	checks[1].risk, checks[1].reason = checkDeductionRatio(v[domain.FeatureDeductionRatio], profile.DeductionRatio, f.BusinessSector)
	checks[2].risk, checks[2].reason = checkHistory(f, history)
	checks[3].risk, checks[3].reason = checkRoundNumbers(int(v[domain.FeatureRoundNumberCount]))
	if a.extractor.Timing().Unusual(f.TaxPeriod) {
		checks[4].risk, checks[4].reason = 0.3, "Unusual filing timing pattern"
	}

	breakdown := make(map[string]float64, len(checks))
	var findings []domain.RiskFinding
	var factors []string
	score := 0.0
	for _, c := range checks {
		breakdown[c.name] = c.risk
		if c.risk <= 0 {
			continue
		}
		contribution := c.risk * c.weight
		score += contribution
		factors = append(factors, c.reason)
		findings = append(findings, domain.RiskFinding{
			Name:         c.name,
			Risk:         c.risk,
			Weight:       c.weight,
			Contribution: contribution,
			Reason:       c.reason,
		})
	}

	if math.IsNaN(score) || math.IsInf(score, 0) {
		slog.Warn("rule analysis produced a non-finite score", "filing_id", f.FilingID)
		return Degraded(fmt.Errorf("non-finite risk score"))
	}
	score = math.Max(0, math.Min(score, 1))

	level := domain.LevelFromScore(score)
	if factors == nil {
		factors = []string{}
	}

	return domain.RiskAssessment{
		Score:          score,
		Level:          level,
		Factors:        factors,
		Findings:       findings,
		Confidence:     math.Max(0.7, 1-0.05*float64(len(factors))),
		Recommendation: Recommend(level, factors),
		Breakdown:      breakdown,
		Details: domain.AssessmentDetails{
			DeductionRatio: v[domain.FeatureDeductionRatio],
			TaxableIncome:  f.TaxableIncome().InexactFloat64(),
			SectorVersion:  sectors.Version,
		},
	}
}

// Degraded returns the fail-open assessment reported on internal failure.
func Degraded(err error) domain.RiskAssessment {
	return domain.RiskAssessment{
		Score:          0,
		Level:          domain.RiskLow,
		Factors:        []string{ErrorFactor},
		Confidence:     0,
		Recommendation: ErrorRecommendation,
		Breakdown:      map[string]float64{},
		Degraded:       true,
		Error:          err.Error(),
	}
}

// Recommend builds the recommendation text for a level and its factors.
func Recommend(level domain.RiskLevel, factors []string) string {
	var rec string
	switch level {
	case domain.RiskHigh:
		rec = recommendHigh
	case domain.RiskMedium:
		rec = recommendMedium
	default:
		rec = recommendLow
	}
	if anyContains(factors, "deduction") {
		rec += suffixDeduction
	}
	if anyContains(factors, "income") {
		rec += suffixIncome
	}
	return rec
}

func anyContains(factors []string, word string) bool {
	for _, f := range factors {
		if strings.Contains(strings.ToLower(f), word) {
			return true
		}
	}
	return false
}

// checkIncome flags absolute low income. The sector only appears in the text.
func checkIncome(f domain.Filing, currency string) (float64, string) {
	switch {
	case f.Income.LessThan(veryLowIncome):
		return 0.8, fmt.Sprintf("Income (%s %s) significantly below typical %s business levels",
			currency, humanize.Comma(f.Income.Round(0).IntPart()), f.BusinessSector)
	case f.Income.LessThan(lowIncome):
		return 0.4, fmt.Sprintf("Income below average for %s sector", f.BusinessSector)
	}
	return 0, ""
}

// checkDeductionRatio reports the strongest matching tier.
func checkDeductionRatio(ratio, typical float64, sector string) (float64, string) {
	switch {
	case ratio > 0.7:
		return 0.9, fmt.Sprintf("Deductions represent %.1f%% of income (typical: %.1f%%)", ratio*100, typical*100)
	case ratio > 0.5:
		return 0.6, fmt.Sprintf("High deduction ratio (%.1f%%) compared to industry average (%.1f%%)", ratio*100, typical*100)
	case ratio > typical+0.1:
		return 0.3, fmt.Sprintf("Above average deduction ratio for %s sector", sector)
	}
	return 0, ""
}

func checkHistory(f domain.Filing, history domain.History) (float64, string) {
	mean, ok := features.HistoricalMean(history)
	if !ok {
		return 0, ""
	}
	deviation := math.Abs(f.Income.InexactFloat64()-mean) / mean
	switch {
	case deviation > 0.5:
		return 0.7, fmt.Sprintf("Income deviates %.1f%% from historical average", deviation*100)
	case deviation > 0.3:
		return 0.4, "Significant income change from historical pattern"
	}
	return 0, ""
}

func checkRoundNumbers(count int) (float64, string) {
	switch {
	case count >= 2:
		return 0.5, "Multiple round numbers suggest estimated figures"
	case count == 1:
		return 0.2, "Some figures appear rounded"
	}
	return 0, ""
}
