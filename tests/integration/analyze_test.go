//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Harrier
// server.
//
// These tests exercise the complete pipeline:
//
//	Filing → History → Rules + Estimator → Ensemble → Patterns → Storage → Events
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// Start the server first with the default community configuration:
//
//	HARRIER_ASYNC_WORKER=true go run ./cmd/harrier serve
//
// Rule scores are deterministic and asserted exactly. The estimator is
// whatever model the server loaded, usually the bootstrap fixture, so
// ensemble assertions only check structure and invariants.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("HARRIER_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL: baseURL,
		// A fresh tenant per run keeps stored history from leaking between runs.
		TenantID: "it-" + uuid.NewString()[:8],
	}
}

// Filing mirrors the API's filing shape with plain numbers.
type Filing struct {
	FilingID       string  `json:"filingId,omitempty"`
	TaxpayerID     string  `json:"taxpayerId,omitempty"`
	Income         float64 `json:"income"`
	Deductions     float64 `json:"deductions"`
	BusinessSector string  `json:"businessSector,omitempty"`
	TaxPeriod      string  `json:"taxPeriod,omitempty"`
}

// AnalyzeRequest is the body for POST /analyze and /analyze/ensemble.
type AnalyzeRequest struct {
	Filing  Filing    `json:"filing"`
	History *[]Filing `json:"history,omitempty"`
}

// AnalyzeResponse is what the analyze endpoints return.
type AnalyzeResponse struct {
	AnalysisID        string             `json:"analysisId"`
	FilingID          string             `json:"filingId"`
	Method            string             `json:"method"`
	RiskScore         float64            `json:"riskScore"`
	RiskLevel         string             `json:"riskLevel"`
	Flagged           bool               `json:"flagged"`
	Confidence        float64            `json:"confidence"`
	RiskFactors       []string           `json:"riskFactors"`
	Recommendation    string             `json:"recommendation"`
	FeatureImportance map[string]float64 `json:"featureImportance"`
	MatchedPatterns   []string           `json:"matchedPatterns"`
	Degraded          bool               `json:"degraded"`
	Metadata          struct {
		TraceID      string `json:"traceId"`
		HistoryCount int    `json:"historyCount"`
		ModelVersion string `json:"modelVersion"`
		Cached       bool   `json:"cached"`
	} `json:"metadata"`
}

func noHistory() *[]Filing {
	h := []Filing{}
	return &h
}

func doRequest(t *testing.T, config TestConfig, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func analyze(t *testing.T, config TestConfig, path string, req AnalyzeRequest) AnalyzeResponse {
	t.Helper()

	status, body := doRequest(t, config, http.MethodPost, path, req)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var result AnalyzeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return result
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ============================================================================
// SCENARIO 1: Typical services filing
// ============================================================================

func TestTypicalFiling_LowRisk(t *testing.T) {
	/*
	   income 50000, deductions 15000, sector services.
	   Ratio 0.3 is under the services norm plus margin, so only the
	   round-number heuristic fires (all three figures are multiples of 1000).
	*/
	config := getTestConfig()

	result := analyze(t, config, "/analyze", AnalyzeRequest{
		Filing:  Filing{Income: 50000, Deductions: 15000, BusinessSector: "services"},
		History: noHistory(),
	})

	if result.RiskLevel != "LOW" {
		t.Errorf("Expected LOW, got %s (score %.3f)", result.RiskLevel, result.RiskScore)
	}
	if result.Flagged {
		t.Error("LOW filing must not be flagged")
	}
	for _, f := range result.RiskFactors {
		if bytes.Contains([]byte(f), []byte("eduction")) {
			t.Errorf("Unexpected deduction finding: %s", f)
		}
	}

	t.Logf("Typical filing: level=%s score=%.3f factors=%v", result.RiskLevel, result.RiskScore, result.RiskFactors)
}

// ============================================================================
// SCENARIO 2: Heavy deductions on a small retail filing
// ============================================================================

func TestHeavyDeductions_RuleScore(t *testing.T) {
	/*
	   income 10000, deductions 8000, sector retail.
	   Deduction ratio 0.8 (> 0.7) contributes 0.9 * 0.3 and the three round
	   figures contribute 0.5 * 0.3. Income is not strictly below 10000, so
	   the very-low-income tier does not fire. Rule score = 0.42, MEDIUM.
	*/
	config := getTestConfig()

	result := analyze(t, config, "/analyze", AnalyzeRequest{
		Filing:  Filing{Income: 10000, Deductions: 8000, BusinessSector: "retail"},
		History: noHistory(),
	})

	if !approxEqual(result.RiskScore, 0.42) {
		t.Errorf("Expected rule score 0.42, got %.4f", result.RiskScore)
	}
	if result.RiskLevel != "MEDIUM" {
		t.Errorf("Expected MEDIUM, got %s", result.RiskLevel)
	}
	if len(result.MatchedPatterns) == 0 {
		t.Error("Expected the over-deduction pattern to match")
	}

	t.Logf("Heavy deductions: score=%.3f patterns=%v", result.RiskScore, result.MatchedPatterns)
}

// ============================================================================
// SCENARIO 3: Income consistent with history
// ============================================================================

func TestConsistentHistory_NoHistoricalFinding(t *testing.T) {
	/*
	   income 45000 against a historical mean of 42000: ~7% deviation is
	   under the 30% tier, so no historical-consistency finding.
	*/
	config := getTestConfig()

	history := []Filing{{Income: 40000}, {Income: 44000}}
	result := analyze(t, config, "/analyze", AnalyzeRequest{
		Filing:  Filing{Income: 45000, Deductions: 9000, BusinessSector: "services"},
		History: &history,
	})

	for _, f := range result.RiskFactors {
		if bytes.Contains([]byte(f), []byte("historical")) {
			t.Errorf("Unexpected historical finding: %s", f)
		}
	}
	if result.Metadata.HistoryCount != 2 {
		t.Errorf("Expected history count 2, got %d", result.Metadata.HistoryCount)
	}
}

// ============================================================================
// SCENARIO 4: Stored history is used when none is supplied
// ============================================================================

func TestStoredHistory_Lookup(t *testing.T) {
	config := getTestConfig()
	taxpayer := "tp-" + uuid.NewString()[:8]

	analyze(t, config, "/analyze", AnalyzeRequest{
		Filing: Filing{FilingID: "hist-2022", TaxpayerID: taxpayer, Income: 90000, Deductions: 20000, TaxPeriod: "2022"},
	})
	analyze(t, config, "/analyze", AnalyzeRequest{
		Filing: Filing{FilingID: "hist-2023", TaxpayerID: taxpayer, Income: 100000, Deductions: 20000, TaxPeriod: "2023"},
	})

	// Income collapses to a third of the historical mean.
	result := analyze(t, config, "/analyze", AnalyzeRequest{
		Filing: Filing{FilingID: "hist-2024", TaxpayerID: taxpayer, Income: 31000, Deductions: 6000, TaxPeriod: "2024"},
	})

	if result.Metadata.HistoryCount != 2 {
		t.Fatalf("Expected 2 prior filings, got %d", result.Metadata.HistoryCount)
	}
	found := false
	for _, f := range result.RiskFactors {
		if bytes.Contains([]byte(f), []byte("historical average")) {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a historical deviation finding, got %v", result.RiskFactors)
	}
}

// ============================================================================
// SCENARIO 5: Ensemble invariants
// ============================================================================

func TestEnsemble_Invariants(t *testing.T) {
	/*
	   The ensemble score is 0.7 * estimator probability + 0.3 * rule score
	   and the filing is flagged iff that score exceeds 0.6. The estimator
	   is the loaded model, so only the invariants are checked here.
	*/
	config := getTestConfig()

	req := AnalyzeRequest{
		Filing:  Filing{FilingID: "ens-" + uuid.NewString()[:8], Income: 10000, Deductions: 8000, BusinessSector: "retail"},
		History: noHistory(),
	}
	result := analyze(t, config, "/analyze/ensemble", req)

	if result.Method != "ensemble" {
		t.Errorf("Expected method ensemble, got %s", result.Method)
	}
	if result.RiskScore < 0 || result.RiskScore > 1 {
		t.Errorf("Ensemble score out of range: %f", result.RiskScore)
	}
	if result.Flagged != (result.RiskScore > 0.6) {
		t.Errorf("Flag %v inconsistent with score %.4f", result.Flagged, result.RiskScore)
	}
	if len(result.FeatureImportance) != 7 {
		t.Errorf("Expected 7 feature importances, got %d", len(result.FeatureImportance))
	}
	if result.Metadata.ModelVersion == "" {
		t.Error("Expected model version in metadata")
	}

	again := analyze(t, config, "/analyze/ensemble", req)
	if !again.Metadata.Cached && !result.Degraded {
		t.Error("Expected the repeated ensemble request to be served from cache")
	}
	if !approxEqual(again.RiskScore, result.RiskScore) {
		t.Errorf("Cached score %.4f differs from original %.4f", again.RiskScore, result.RiskScore)
	}
}

// ============================================================================
// SCENARIO 6: Async submission through the worker
// ============================================================================

func TestAsyncSubmission(t *testing.T) {
	config := getTestConfig()
	filingID := "async-" + uuid.NewString()[:8]

	status, body := doRequest(t, config, http.MethodPost, "/filings", AnalyzeRequest{
		Filing:  Filing{FilingID: filingID, Income: 20000, Deductions: 15000, BusinessSector: "retail"},
		History: noHistory(),
	})
	if status != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", status, string(body))
	}

	// The worker persists the filing once it has been analyzed.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, _ := doRequest(t, config, http.MethodGet, "/filings/"+filingID, nil)
		if status == http.StatusOK {
			t.Logf("Async filing %s analyzed", filingID)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Skipf("filing %s not persisted within timeout; is HARRIER_ASYNC_WORKER enabled?", filingID)
}

// ============================================================================
// Retrieval and error handling
// ============================================================================

func TestAnalysisRetrieval(t *testing.T) {
	config := getTestConfig()

	created := analyze(t, config, "/analyze", AnalyzeRequest{
		Filing:  Filing{Income: 60000, Deductions: 30000, BusinessSector: "manufacturing"},
		History: noHistory(),
	})

	status, body := doRequest(t, config, http.MethodGet, "/analyses/"+created.AnalysisID, nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var stored struct {
		ID    string  `json:"id"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(body, &stored); err != nil {
		t.Fatalf("Failed to unmarshal analysis: %v", err)
	}
	if stored.ID != created.AnalysisID || !approxEqual(stored.Score, created.RiskScore) {
		t.Errorf("Stored analysis mismatch: %+v vs %s/%.4f", stored, created.AnalysisID, created.RiskScore)
	}

	if status, _ := doRequest(t, config, http.MethodGet, "/analyses/does-not-exist", nil); status != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown analysis, got %d", status)
	}
}

func TestErrorHandling(t *testing.T) {
	config := getTestConfig()

	tests := []struct {
		name   string
		body   string
		tenant string
		want   int
	}{
		{"MissingTenant", `{"filing":{"income":1}}`, "", http.StatusBadRequest},
		{"InvalidJSON", `{"filing":`, config.TenantID, http.StatusBadRequest},
		{"InvalidAmount", `{"filing":{"income":"lots"}}`, config.TenantID, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, config.BaseURL+"/analyze", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.tenant != "" {
				req.Header.Set("X-Tenant-ID", tt.tenant)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

// ============================================================================
// Throughput
// ============================================================================

func TestThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	config := getTestConfig()

	const n = 100
	start := time.Now()
	for i := 0; i < n; i++ {
		analyze(t, config, "/analyze/ensemble", AnalyzeRequest{
			Filing:  Filing{FilingID: fmt.Sprintf("tp-%d", i), Income: float64(20000 + i*997), Deductions: float64(5000 + i*313)},
			History: noHistory(),
		})
	}
	elapsed := time.Since(start)

	t.Logf("%d ensemble analyses in %v (%.1f/sec)", n, elapsed.Round(time.Millisecond), float64(n)/elapsed.Seconds())
}
