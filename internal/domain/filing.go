package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Filing is one taxpayer's reported income and deductions for a tax period.
// FilingID and TaxpayerID are opaque and never parsed by the scoring core.
type Filing struct {
	FilingID       string          `json:"filingId"`
	TaxpayerID     string          `json:"taxpayerId"`
	Income         decimal.Decimal `json:"income"`
	Deductions     decimal.Decimal `json:"deductions"`
	BusinessSector string          `json:"businessSector,omitempty"`

	// TaxPeriod is an opaque label. Only the timing heuristic looks at it.
	TaxPeriod string `json:"taxPeriod,omitempty"`

	// SubmittedAt is set by the persistence layer; scoring ignores it.
	SubmittedAt time.Time `json:"submittedAt,omitempty"`
}

// History is the ordered list of a taxpayer's prior filings.
type History []Filing

// Normalized returns a copy of the filing with the permissive defaulting
// rules applied: negative amounts become zero, the sector is lower-cased
// and trimmed, and an empty sector becomes defaultSector.
func (f Filing) Normalized(defaultSector string) Filing {
	out := f
	if out.Income.IsNegative() {
		out.Income = decimal.Zero
	}
	if out.Deductions.IsNegative() {
		out.Deductions = decimal.Zero
	}
	out.BusinessSector = strings.ToLower(strings.TrimSpace(out.BusinessSector))
	if out.BusinessSector == "" {
		out.BusinessSector = defaultSector
	}
	return out
}

// TaxableIncome returns income minus deductions. It may be negative.
func (f Filing) TaxableIncome() decimal.Decimal {
	return f.Income.Sub(f.Deductions)
}

// AnalysisRequest is the payload accepted by the analysis endpoints and the
// async worker. A nil History means "look it up from the repository".
type AnalysisRequest struct {
	Filing  Filing   `json:"filing"`
	History *History `json:"history,omitempty"`
}
