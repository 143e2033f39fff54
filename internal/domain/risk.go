package domain

// RiskLevel is the discrete classification of a score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Level tier boundaries. Intervals are half-open with inclusive lower bounds.
const (
	MediumRiskThreshold = 0.4
	HighRiskThreshold   = 0.7
)

// LevelFromScore maps a score in [0,1] to a RiskLevel.
func LevelFromScore(score float64) RiskLevel {
	switch {
	case score >= HighRiskThreshold:
		return RiskHigh
	case score >= MediumRiskThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// FeatureCount is the number of slots in a FeatureVector.
const FeatureCount = 7

// Feature slot indexes.
const (
	FeatureIncome = iota
	FeatureDeductions
	FeatureDeductionRatio
	FeatureIndustryDeviation
	FeatureHistoricalChange
	FeatureRoundNumberCount
	FeatureTimingScore
)

// FeatureNames lists the slot names in vector order.
var FeatureNames = [FeatureCount]string{
	"income",
	"deductions",
	"deduction_ratio",
	"income_industry_deviation",
	"historical_income_change",
	"round_number_count",
	"filing_timing_score",
}

// FeatureVector is the fixed-order numeric encoding of a filing.
// Every slot is finite.
type FeatureVector [FeatureCount]float64

// Heuristic names used by the rule-based analyzer.
const (
	HeuristicIncomeDeviation = "income_deviation"
	HeuristicDeductionRatio  = "deduction_ratio"
	HeuristicHistorical      = "historical_inconsistency"
	HeuristicRoundNumbers    = "round_numbers"
	HeuristicTiming          = "unusual_timing"
)

// RiskFinding is the output of one heuristic check.
type RiskFinding struct {
	Name         string  `json:"name"`
	Risk         float64 `json:"risk"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Reason       string  `json:"reason,omitempty"`
}

// AssessmentDetails carries derived figures for reviewers.
type AssessmentDetails struct {
	DeductionRatio float64 `json:"deductionRatio"`
	TaxableIncome  float64 `json:"taxableIncome"`
	SectorVersion  string  `json:"sectorVersion,omitempty"`
}

// RiskAssessment is the rule-based analyzer's result.
type RiskAssessment struct {
	Score          float64            `json:"score"`
	Level          RiskLevel          `json:"level"`
	Factors        []string           `json:"factors"`
	Findings       []RiskFinding      `json:"findings"`
	Confidence     float64            `json:"confidence"`
	Recommendation string             `json:"recommendation"`
	Breakdown      map[string]float64 `json:"breakdown"`
	Details        AssessmentDetails  `json:"details"`
	Degraded       bool               `json:"degraded,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// EstimatorResult is the statistical estimator's result.
type EstimatorResult struct {
	Probability       float64            `json:"probability"`
	Prediction        bool               `json:"prediction"`
	FeatureImportance map[string]float64 `json:"featureImportance"`
	Confidence        float64            `json:"confidence"`
	ModelVersion      string             `json:"modelVersion,omitempty"`
	Degraded          bool               `json:"degraded,omitempty"`
	Error             string             `json:"error,omitempty"`
}

// EnsembleDecision is the combiner's result.
type EnsembleDecision struct {
	Score               float64            `json:"score"`
	Final               bool               `json:"final"`
	Level               RiskLevel          `json:"level"`
	Recommendation      string             `json:"recommendation"`
	EstimatorScore      float64            `json:"estimatorScore"`
	RuleScore           float64            `json:"ruleScore"`
	EstimatorConfidence float64            `json:"estimatorConfidence"`
	RuleConfidence      float64            `json:"ruleConfidence"`
	Confidence          float64            `json:"confidence"`
	FeatureImportance   map[string]float64 `json:"featureImportance,omitempty"`
	Degraded            bool               `json:"degraded,omitempty"`
	DegradedComponents  []string           `json:"degradedComponents,omitempty"`
	Note                string             `json:"note,omitempty"`
}
