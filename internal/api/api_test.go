package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/opensource-finance/harrier/internal/analysis"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/estimator/estimatortest"
	"github.com/opensource-finance/harrier/internal/history"
	"github.com/opensource-finance/harrier/internal/observability"
	"github.com/opensource-finance/harrier/internal/patterns"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/scoring"
)

const (
	suspiciousBody = `{"filing":{"filingId":"filing-001","taxpayerId":"tp-001","income":10000,"deductions":8000,"businessSector":"retail","taxPeriod":"2024"},"history":[]}`
	typicalBody    = `{"filing":{"filingId":"filing-002","taxpayerId":"tp-002","income":50000,"deductions":15000,"businessSector":"services"},"history":[]}`
)

// createTestServer wires a full server over a temp SQLite database.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	svc, err := scoring.New(scoring.DefaultOptions(), estimatortest.RatioStump())
	if err != nil {
		t.Fatalf("failed to create scoring service: %v", err)
	}

	engine, _ := patterns.NewEngine(5)
	engine.LoadPatterns(patterns.DefaultPatterns())

	analysisCache := cache.NewMemory(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })
	metrics := observability.NewMetrics()

	pipeline, err := analysis.New(analysis.Deps{
		Scoring:  svc,
		Patterns: engine,
		History:  history.NewService(repo, 10),
		Repo:     repo,
		Cache:    analysisCache,
		Bus:      eventBus,
		Metrics:  metrics,
		Version:  "test-v1",
	})
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return NewServer(cfg, NewHandler(HandlerDeps{
		Pipeline: pipeline,
		Repo:     repo,
		Cache:    analysisCache,
		Bus:      eventBus,
		Patterns: engine,
		Metrics:  metrics,
		Version:  "test-v1",
	}))
}

func do(server *Server, method, path, body string, tenant bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant {
		req.Header.Set("X-Tenant-ID", "tenant-001")
	}
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) domain.AnalysisResponse {
	t.Helper()
	var resp domain.AnalysisResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return resp
}

func TestAnalyzeEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("RuleBased", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze", suspiciousBody, true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decodeResponse(t, rr)
		if resp.AnalysisID == "" {
			t.Error("expected analysisId in response")
		}
		if resp.Method != domain.MethodRules {
			t.Errorf("expected method rules, got %s", resp.Method)
		}
		if math.Abs(resp.RiskScore-0.42) > 1e-9 || resp.RiskLevel != domain.RiskMedium {
			t.Errorf("expected 0.42 MEDIUM, got %f %s", resp.RiskScore, resp.RiskLevel)
		}
		if len(resp.RiskFactors) == 0 {
			t.Error("expected risk factors")
		}
		if resp.Metadata.EngineVersion != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp.Metadata.EngineVersion)
		}
		if resp.Metadata.TraceID == "" {
			t.Error("expected traceId in metadata")
		}
	})

	t.Run("Ensemble", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze/ensemble", suspiciousBody, true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		resp := decodeResponse(t, rr)
		if !resp.Flagged || resp.RiskLevel != domain.RiskHigh {
			t.Errorf("expected flagged HIGH, got %s flagged=%v", resp.RiskLevel, resp.Flagged)
		}
		if resp.FeatureImportance["deduction_ratio"] != 1 {
			t.Errorf("expected feature importance in response, got %v", resp.FeatureImportance)
		}
		if len(resp.MatchedPatterns) == 0 {
			t.Error("expected matched patterns")
		}

		again := decodeResponse(t, do(server, http.MethodPost, "/analyze/ensemble", suspiciousBody, true))
		if !again.Metadata.Cached {
			t.Error("repeat request should be served from cache")
		}
	})

	t.Run("TypicalFiling", func(t *testing.T) {
		resp := decodeResponse(t, do(server, http.MethodPost, "/analyze/ensemble", typicalBody, true))
		if resp.Flagged || resp.RiskLevel != domain.RiskLow {
			t.Errorf("expected unflagged LOW, got %s flagged=%v", resp.RiskLevel, resp.Flagged)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze", suspiciousBody, false)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze", "not-json", true)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze", `{"filing":{"income":"ten thousand"}}`, true)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/analyze", typicalBody, true)
		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestRetrievalEndpoints(t *testing.T) {
	server := createTestServer(t)
	created := decodeResponse(t, do(server, http.MethodPost, "/analyze", suspiciousBody, true))

	t.Run("GetAnalysis", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/analyses/"+created.AnalysisID, "", true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var a domain.Analysis
		json.Unmarshal(rr.Body.Bytes(), &a)
		if a.ID != created.AnalysisID || a.FilingID != "filing-001" {
			t.Errorf("unexpected analysis: %+v", a)
		}
	})

	t.Run("GetFiling", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/filings/filing-001", "", true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var f domain.Filing
		json.Unmarshal(rr.Body.Bytes(), &f)
		if f.TaxpayerID != "tp-001" || f.Income.IntPart() != 10000 {
			t.Errorf("unexpected filing: %+v", f)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if rr := do(server, http.MethodGet, "/analyses/missing", "", true); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		if rr := do(server, http.MethodGet, "/filings/missing", "", true); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("OtherTenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/analyses/"+created.AnalysisID, nil)
		req.Header.Set("X-Tenant-ID", "tenant-002")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for other tenant, got %d", rr.Code)
		}
	})

	t.Run("Model", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/model", "", true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var info ModelInfo
		json.Unmarshal(rr.Body.Bytes(), &info)
		if info.Version != "stump-1" || info.Trees != 1 {
			t.Errorf("unexpected model info: %+v", info)
		}
		if info.RuleWeights["incomeDeviation"] != 0.30 || info.RuleWeights["timing"] != 0.10 {
			t.Errorf("unexpected rule weights: %v", info.RuleWeights)
		}
		want := EnsembleInfo{EstimatorWeight: 0.7, RuleWeight: 0.3, FlagThreshold: 0.6}
		if diff := cmp.Diff(want, info.Ensemble); diff != "" {
			t.Errorf("ensemble blend mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSubmitFiling(t *testing.T) {
	server := createTestServer(t)

	t.Run("Accepted", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/filings", suspiciousBody, true)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp SubmitResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.FilingID != "filing-001" || resp.Status != "queued" {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("RequiresFilingID", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/filings", `{"filing":{"income":100}}`, true)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/filings?method=magic", suspiciousBody, true)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestPatternEndpoints(t *testing.T) {
	server := createTestServer(t)

	count := func(t *testing.T) int {
		t.Helper()
		rr := do(server, http.MethodGet, "/patterns", "", true)
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		return resp.Count
	}

	if got := count(t); got != 3 {
		t.Fatalf("expected 3 default patterns, got %d", got)
	}

	t.Run("GetPattern", func(t *testing.T) {
		if rr := do(server, http.MethodGet, "/patterns/pat-over-deduction", "", true); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		if rr := do(server, http.MethodGet, "/patterns/nope", "", true); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("CreateValid", func(t *testing.T) {
		body := `{"id":"pat-zero-tax","name":"Zero taxable income","type":"UNDER_REPORTING","expression":"taxable_income <= 0.0","riskWeight":0.8,"enabled":true}`
		rr := do(server, http.MethodPost, "/patterns", body, true)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := count(t); got != 4 {
			t.Errorf("expected 4 patterns after create, got %d", got)
		}
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		tests := []struct {
			name string
			body string
		}{
			{"BadExpression", `{"id":"x","name":"x","type":"VAT_FRAUD","expression":"income >"}`},
			{"BadType", `{"id":"x","name":"x","type":"TAX_EVASION","expression":"income > 0.0"}`},
			{"MissingFields", `{"id":"x"}`},
			{"NegativeWeight", `{"id":"x","name":"x","type":"VAT_FRAUD","expression":"income > 0.0","riskWeight":-1}`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := do(server, http.MethodPost, "/patterns", tt.body, true)
				if rr.Code != http.StatusBadRequest {
					t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
				}
			})
		}
	})

	t.Run("Reload", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/patterns/reload", "", true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		// Only the created pattern is stored; the defaults were loaded in memory.
		if got := count(t); got != 1 {
			t.Errorf("expected 1 pattern after reload, got %d", got)
		}
	})

	t.Run("FalsePositive", func(t *testing.T) {
		rr := do(server, http.MethodPost, "/patterns/pat-zero-tax/false-positive", "", true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var p domain.FraudPattern
		json.Unmarshal(rr.Body.Bytes(), &p)
		if p.FalsePositiveCount != 1 {
			t.Errorf("expected 1 false positive, got %d", p.FalsePositiveCount)
		}

		get := do(server, http.MethodGet, "/patterns/pat-zero-tax", "", true)
		json.Unmarshal(get.Body.Bytes(), &p)
		if p.FalsePositiveCount != 1 {
			t.Errorf("stored pattern should report 1 false positive, got %d", p.FalsePositiveCount)
		}

		if rr := do(server, http.MethodPost, "/patterns/pat-over-deduction/false-positive", "", true); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for an unstored pattern, got %d", rr.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := do(server, http.MethodDelete, "/patterns/pat-zero-tax", "", true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got := count(t); got != 0 {
			t.Errorf("expected 0 patterns after delete, got %d", got)
		}
		if rr := do(server, http.MethodDelete, "/patterns/pat-zero-tax", "", true); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for repeated delete, got %d", rr.Code)
		}
	})
}

func TestTaxpayerAnalyses(t *testing.T) {
	server := createTestServer(t)

	for _, id := range []string{"h-1", "h-2", "h-3"} {
		body := `{"filing":{"filingId":"` + id + `","taxpayerId":"tp-hist","income":50000,"deductions":15000,"businessSector":"services"},"history":[]}`
		if rr := do(server, http.MethodPost, "/analyze", body, true); rr.Code != http.StatusOK {
			t.Fatalf("analyze %s: expected status 200, got %d", id, rr.Code)
		}
	}

	t.Run("NewestFirst", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/taxpayers/tp-hist/analyses", "", true)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp TaxpayerAnalysesResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.TaxpayerID != "tp-hist" || resp.Count != 3 {
			t.Fatalf("unexpected response: %+v", resp)
		}
		var ids []string
		for _, a := range resp.Analyses {
			ids = append(ids, a.FilingID)
		}
		if diff := cmp.Diff([]string{"h-3", "h-2", "h-1"}, ids); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/taxpayers/tp-hist/analyses?limit=2", "", true)
		var resp TaxpayerAnalysesResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 2 || resp.Analyses[0].FilingID != "h-3" {
			t.Errorf("unexpected limited response: %+v", resp)
		}

		if rr := do(server, http.MethodGet, "/taxpayers/tp-hist/analyses?limit=zero", "", true); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/taxpayers/tp-hist/analyses", nil)
		req.Header.Set("X-Tenant-ID", "tenant-999")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		var resp TaxpayerAnalysesResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if rr.Code != http.StatusOK || resp.Count != 0 || resp.Analyses == nil {
			t.Errorf("expected empty history for another tenant, got %d %+v", rr.Code, resp)
		}
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		if rr := do(server, http.MethodGet, "/taxpayers/tp-hist/analyses", "", false); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without tenant, got %d", rr.Code)
		}
	})
}

func TestOperationalEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/health", "", false)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		rr := do(server, http.MethodGet, "/ready", "", false)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(server, http.MethodPost, "/analyze", typicalBody, true)
		rr := do(server, http.MethodGet, "/metrics", "", false)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `harrier_analyses_total{level="LOW",method="rules"} 1`) {
			t.Errorf("expected analysis counter in metrics output")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TenantMiddlewareRejectsMalformedID", func(t *testing.T) {
		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler must not run for a malformed tenant")
		}))

		for _, tenant := range []string{"acme.eu", "*", strings.Repeat("t", 65)} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Tenant-ID", tenant)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: expected status 400, got %d", tenant, rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("tenant %q: expected JSON error, got %q", tenant, ct)
			}
		}
	})

	t.Run("TracingMiddlewareHonorsTraceparent", func(t *testing.T) {
		const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

		var captured string
		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = GetTraceID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if captured != traceID {
			t.Errorf("expected trace ID %s in context, got %q", traceID, captured)
		}
		if got := rr.Header().Get("X-Trace-ID"); got != traceID {
			t.Errorf("expected X-Trace-ID %s, got %q", traceID, got)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body["error"] == "" {
			t.Errorf("expected JSON error body, got %q", rr.Body.String())
		}
	})

	t.Run("StatusWriterKeepsFirstStatus", func(t *testing.T) {
		rr := httptest.NewRecorder()
		sw := wrap(rr)
		sw.Write([]byte("ok"))
		sw.WriteHeader(http.StatusTeapot)

		if sw.status != http.StatusOK {
			t.Errorf("implicit 200 must stick, got %d", sw.status)
		}
		if sw.bytes != 2 {
			t.Errorf("expected 2 bytes counted, got %d", sw.bytes)
		}
		if wrap(sw) != sw {
			t.Error("wrap must not double-wrap")
		}
	})

	t.Run("MaxBodyMiddlewareRejectsLargeBodies", func(t *testing.T) {
		handler := MaxBodyMiddleware(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var v map[string]any
			if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"padding":"`+strings.Repeat("x", 64)+`"}`))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}
