// Package features turns a filing and its history into the fixed-order
// numeric vector consumed by the estimator and the rule analyzer.
package features

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/harrier/internal/domain"
)

// TimingConfig controls the filing-timing suspicion score.
type TimingConfig struct {
	// Markers are matched as case-insensitive substrings of the tax period.
	Markers []string

	// Default is the score for an unmarked period.
	Default float64

	// Elevated is the score when a marker matches.
	Elevated float64
}

// DefaultTimingConfig returns the standard early/delay markers.
func DefaultTimingConfig() TimingConfig {
	return TimingConfig{
		Markers:  []string{"early", "delay"},
		Default:  0.1,
		Elevated: 0.8,
	}
}

// Unusual reports whether taxPeriod carries one of the timing markers.
func (c TimingConfig) Unusual(taxPeriod string) bool {
	if taxPeriod == "" {
		return false
	}
	period := strings.ToLower(taxPeriod)
	for _, m := range c.Markers {
		if m != "" && strings.Contains(period, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

var (
	thousand     = decimal.NewFromInt(1000)
	fiveThousand = decimal.NewFromInt(5000)
)

// IsRound reports whether an amount is divisible by 1000 or 5000.
func IsRound(d decimal.Decimal) bool {
	return d.Mod(thousand).IsZero() || d.Mod(fiveThousand).IsZero()
}

// RoundCount counts round figures among income, deductions and taxable income.
func RoundCount(f domain.Filing) int {
	n := 0
	for _, d := range []decimal.Decimal{f.Income, f.Deductions, f.TaxableIncome()} {
		if IsRound(d) {
			n++
		}
	}
	return n
}

// DeductionRatio returns deductions/income, or 0 when income is not positive.
func DeductionRatio(f domain.Filing) float64 {
	if !f.Income.IsPositive() {
		return 0
	}
	return f.Deductions.Div(f.Income).InexactFloat64()
}

// HistoricalMean returns the mean of the strictly positive incomes in h
// and whether any were found.
func HistoricalMean(h domain.History) (float64, bool) {
	sum := decimal.Zero
	n := int64(0)
	for _, prior := range h {
		if prior.Income.IsPositive() {
			sum = sum.Add(prior.Income)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum.Div(decimal.NewFromInt(n)).InexactFloat64(), true
}

// Extractor builds feature vectors. It is immutable and safe for
// concurrent use.
type Extractor struct {
	sectors domain.SectorTable
	timing  TimingConfig
}

// NewExtractor creates an extractor over a sector table and timing config.
func NewExtractor(sectors domain.SectorTable, timing TimingConfig) *Extractor {
	return &Extractor{sectors: sectors, timing: timing}
}

// Sectors returns the sector table the extractor was built with.
func (e *Extractor) Sectors() domain.SectorTable {
	return e.sectors
}

// Timing returns the timing configuration.
func (e *Extractor) Timing() TimingConfig {
	return e.timing
}

// Normalize applies the defaulting rules for this extractor's sector table.
func (e *Extractor) Normalize(f domain.Filing) domain.Filing {
	return f.Normalized(e.sectors.DefaultSector)
}

// Extract computes the feature vector. It never fails; any slot that would
// be undefined is 0.
func (e *Extractor) Extract(filing domain.Filing, history domain.History) domain.FeatureVector {
	f := e.Normalize(filing)
	income := f.Income.InexactFloat64()
	deductions := f.Deductions.InexactFloat64()

	var v domain.FeatureVector
	v[domain.FeatureIncome] = math.Log1p(income)
	v[domain.FeatureDeductions] = math.Log1p(deductions)
	v[domain.FeatureDeductionRatio] = DeductionRatio(f)

	if avg := e.sectors.Profile(f.BusinessSector).AverageIncome; avg != 0 {
		v[domain.FeatureIndustryDeviation] = (income - avg) / avg
	}
	if mean, ok := HistoricalMean(history); ok {
		v[domain.FeatureHistoricalChange] = (income - mean) / mean
	}

	v[domain.FeatureRoundNumberCount] = float64(RoundCount(f))

	v[domain.FeatureTimingScore] = e.timing.Default
	if e.timing.Unusual(f.TaxPeriod) {
		v[domain.FeatureTimingScore] = e.timing.Elevated
	}

	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}

// Map returns the vector keyed by feature name.
func Map(v domain.FeatureVector) map[string]float64 {
	m := make(map[string]float64, domain.FeatureCount)
	for i, name := range domain.FeatureNames {
		m[name] = v[i]
	}
	return m
}
