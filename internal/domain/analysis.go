package domain

import (
	"time"
)

// AnalysisMethod identifies which entry point produced an analysis.
type AnalysisMethod string

const (
	MethodRules    AnalysisMethod = "rules"
	MethodEnsemble AnalysisMethod = "ensemble"
)

// Analysis is the persisted record of one scoring call.
type Analysis struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	FilingID   string         `json:"filingId"`
	TaxpayerID string         `json:"taxpayerId"`
	Method     AnalysisMethod `json:"method"`
	Score      float64        `json:"score"`
	Level      RiskLevel      `json:"level"`
	Flagged    bool           `json:"flagged"`
	Confidence float64        `json:"confidence"`
	Degraded   bool           `json:"degraded"`
	Timestamp  time.Time      `json:"timestamp"`

	Assessment RiskAssessment    `json:"assessment"`
	Decision   *EnsembleDecision `json:"decision,omitempty"`
	Patterns   []PatternMatch    `json:"patterns,omitempty"`

	Metadata AnalysisMetadata `json:"metadata"`
}

// AnalysisMetadata contains processing information.
type AnalysisMetadata struct {
	TraceID       string `json:"traceId"`
	HistoryCount  int    `json:"historyCount"`
	ProcessingMs  int64  `json:"processingMs"`
	ModelVersion  string `json:"modelVersion,omitempty"`
	SectorVersion string `json:"sectorVersion,omitempty"`
	EngineVersion string `json:"engineVersion"`
	Cached        bool   `json:"cached"`
}

// AnalysisResponse is the API view of an Analysis.
type AnalysisResponse struct {
	AnalysisID        string             `json:"analysisId"`
	FilingID          string             `json:"filingId"`
	Method            AnalysisMethod     `json:"method"`
	RiskScore         float64            `json:"riskScore"`
	RiskLevel         RiskLevel          `json:"riskLevel"`
	Flagged           bool               `json:"flagged"`
	Confidence        float64            `json:"confidence"`
	RiskFactors       []string           `json:"riskFactors"`
	Recommendation    string             `json:"recommendation"`
	FeatureImportance map[string]float64 `json:"featureImportance,omitempty"`
	MatchedPatterns   []string           `json:"matchedPatterns,omitempty"`
	Degraded          bool               `json:"degraded,omitempty"`
	Note              string             `json:"note,omitempty"`
	Metadata          AnalysisMetadata   `json:"metadata"`
}

// ToResponse converts an Analysis to its API response. Ensemble analyses
// report the ensemble score; rule analyses report the rule score.
func (a *Analysis) ToResponse() *AnalysisResponse {
	resp := &AnalysisResponse{
		AnalysisID:     a.ID,
		FilingID:       a.FilingID,
		Method:         a.Method,
		RiskScore:      a.Score,
		RiskLevel:      a.Level,
		Flagged:        a.Flagged,
		Confidence:     a.Confidence,
		RiskFactors:    a.Assessment.Factors,
		Recommendation: a.Assessment.Recommendation,
		Degraded:       a.Degraded,
		Metadata:       a.Metadata,
	}
	if a.Decision != nil {
		resp.Recommendation = a.Decision.Recommendation
		resp.FeatureImportance = a.Decision.FeatureImportance
		resp.Note = a.Decision.Note
	}
	for _, m := range a.Patterns {
		if m.Matched {
			resp.MatchedPatterns = append(resp.MatchedPatterns, m.PatternName)
		}
	}
	return resp
}
