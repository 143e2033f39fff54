package domain

import "time"

// PatternType classifies a known fraud pattern.
type PatternType string

const (
	PatternUnderReporting PatternType = "UNDER_REPORTING"
	PatternOverDeduction  PatternType = "OVER_DEDUCTION"
	PatternFalseExpenses  PatternType = "FALSE_EXPENSES"
	PatternShellCompanies PatternType = "SHELL_COMPANIES"
	PatternVATFraud       PatternType = "VAT_FRAUD"
	PatternPayrollFraud   PatternType = "PAYROLL_FRAUD"
)

// ValidPatternType reports whether t is one of the known pattern types.
func ValidPatternType(t PatternType) bool {
	switch t {
	case PatternUnderReporting, PatternOverDeduction, PatternFalseExpenses,
		PatternShellCompanies, PatternVATFraud, PatternPayrollFraud:
		return true
	}
	return false
}

// FraudPattern is a known fraud pattern expressed as a CEL expression
// over filing variables.
type FraudPattern struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenantId,omitempty"`
	Name        string      `json:"name"`
	Type        PatternType `json:"type"`
	Description string      `json:"description,omitempty"`

	// Expression must evaluate to bool, int or double.
	Expression string `json:"expression"`

	// RiskWeight scales the pattern's score in match reports.
	RiskWeight float64  `json:"riskWeight"`
	Indicators []string `json:"indicators,omitempty"`
	Enabled    bool     `json:"enabled"`

	// Effectiveness counters, maintained by the repository.
	DetectionCount     int64      `json:"detectionCount"`
	FalsePositiveCount int64      `json:"falsePositiveCount"`
	LastDetected       *time.Time `json:"lastDetected,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// PatternMatch is the outcome of evaluating one pattern against a filing.
type PatternMatch struct {
	PatternID   string      `json:"patternId"`
	PatternName string      `json:"patternName"`
	Type        PatternType `json:"type"`
	Score       float64     `json:"score"`
	Weighted    float64     `json:"weighted"`
	Matched     bool        `json:"matched"`
	Error       string      `json:"error,omitempty"`
}

// GlobalTenantID owns fraud patterns that apply to all tenants.
const GlobalTenantID = "*"
