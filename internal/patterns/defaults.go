package patterns

import "github.com/opensource-finance/harrier/internal/domain"

// DefaultPatterns returns the starter pattern set seeded into an empty
// repository. Operators manage patterns through the API afterwards.
func DefaultPatterns() []*domain.FraudPattern {
	return []*domain.FraudPattern{
		{
			ID:          "pat-over-deduction",
			Name:        "Excessive deductions",
			Type:        domain.PatternOverDeduction,
			Description: "Deductions consume most of the reported income",
			Expression:  "deduction_ratio > 0.7",
			RiskWeight:  0.9,
			Indicators:  []string{"deduction_ratio"},
			Enabled:     true,
		},
		{
			ID:          "pat-under-reporting",
			Name:        "Income collapse against history",
			Type:        domain.PatternUnderReporting,
			Description: "Income fell sharply compared with prior filings",
			Expression:  "history_count > 0 && historical_change < -0.5",
			RiskWeight:  0.7,
			Indicators:  []string{"historical_change", "history_count"},
			Enabled:     true,
		},
		{
			ID:          "pat-estimated-expenses",
			Name:        "Estimated expense figures",
			Type:        domain.PatternFalseExpenses,
			Description: "Round figures combined with above-typical deductions",
			Expression:  "round_count >= 2 && deduction_ratio > 0.5",
			RiskWeight:  0.5,
			Indicators:  []string{"round_count", "deduction_ratio"},
			Enabled:     true,
		},
	}
}
