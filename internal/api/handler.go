package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/harrier/internal/analysis"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/observability"
	"github.com/opensource-finance/harrier/internal/patterns"
	"github.com/opensource-finance/harrier/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *analysis.Pipeline
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	patterns *patterns.Engine
	metrics  *observability.Metrics
	version  string
}

// HandlerDeps are the handler's collaborators. Pipeline is required.
type HandlerDeps struct {
	Pipeline *analysis.Pipeline
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Patterns *patterns.Engine
	Metrics  *observability.Metrics
	Version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		pipeline: deps.Pipeline,
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		patterns: deps.Patterns,
		metrics:  deps.Metrics,
		version:  deps.Version,
	}
}

// Analyze handles POST /analyze (rule-based only).
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	h.analyze(w, r, domain.MethodRules)
}

// AnalyzeEnsemble handles POST /analyze/ensemble.
func (h *Handler) AnalyzeEnsemble(w http.ResponseWriter, r *http.Request) {
	h.analyze(w, r, domain.MethodEnsemble)
}

func (h *Handler) analyze(w http.ResponseWriter, r *http.Request, method domain.AnalysisMethod) {
	ctx := r.Context()

	req, ok := decodeAnalysisRequest(w, r)
	if !ok {
		return
	}

	a, err := h.pipeline.Analyze(ctx, analysis.Request{
		TenantID: GetTenantID(ctx),
		TraceID:  GetTraceID(ctx),
		Method:   method,
		Filing:   req.Filing,
		History:  req.History,
	})
	if err != nil {
		if errors.Is(err, analysis.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("analysis failed", "method", method, "error", err)
		writeError(w, http.StatusInternalServerError, "analysis failed")
		return
	}

	// Degraded results are still answered with 200.
	writeJSON(w, http.StatusOK, a.ToResponse())
}

// SubmitResponse is the response for POST /filings.
type SubmitResponse struct {
	FilingID string `json:"filingId"`
	Status   string `json:"status"`
	TraceID  string `json:"traceId"`
}

// SubmitFiling handles POST /filings by queueing the filing for the worker.
func (h *Handler) SubmitFiling(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	req, ok := decodeAnalysisRequest(w, r)
	if !ok {
		return
	}
	if req.Filing.FilingID == "" {
		writeError(w, http.StatusBadRequest, "filing.filingId is required for async submission")
		return
	}

	method := domain.AnalysisMethod(r.URL.Query().Get("method"))
	if method == "" {
		method = domain.MethodEnsemble
	}
	if method != domain.MethodRules && method != domain.MethodEnsemble {
		writeError(w, http.StatusBadRequest, "method must be rules or ensemble")
		return
	}

	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)
	evt := domain.FilingSubmittedEvent{Request: *req, Method: method, TraceID: traceID}
	if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicFilingSubmitted, evt); err != nil {
		slog.Error("failed to queue filing",
			"filing_id", req.Filing.FilingID,
			"tenant_id", tenantID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "failed to queue filing")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		FilingID: req.Filing.FilingID,
		Status:   "queued",
		TraceID:  traceID,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether a model is loaded and scoring can be served.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.pipeline == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready":        "true",
		"modelVersion": h.pipeline.Scoring().Estimator().Version(),
	})
}

// Metrics serves Prometheus metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, http.StatusNotFound, "metrics not enabled")
		return
	}
	h.metrics.Handler().ServeHTTP(w, r)
}

// ModelInfo is the response for GET /model.
type ModelInfo struct {
	Version       string             `json:"version"`
	Source        string             `json:"source"`
	TrainedAt     string             `json:"trainedAt,omitempty"`
	Trees         int                `json:"trees"`
	Importance    map[string]float64 `json:"featureImportance"`
	Params        map[string]float64 `json:"params,omitempty"`
	SectorVersion string             `json:"sectorVersion"`
	RuleWeights   map[string]float64 `json:"ruleWeights"`
	Ensemble      EnsembleInfo       `json:"ensemble"`
}

// EnsembleInfo describes the score blend used by /analyze/ensemble.
type EnsembleInfo struct {
	EstimatorWeight float64 `json:"estimatorWeight"`
	RuleWeight      float64 `json:"ruleWeight"`
	FlagThreshold   float64 `json:"flagThreshold"`
}

// GetModel returns metadata about the loaded estimator.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	svc := h.pipeline.Scoring()
	est := svc.Estimator()
	art := est.Artifact()
	weights := svc.Weights()
	blend := svc.Blend()

	info := ModelInfo{
		Version:       art.Version,
		Source:        art.Source,
		Trees:         len(art.Trees),
		Importance:    est.Importance(),
		Params:        art.Params,
		SectorVersion: svc.Sectors().Version,
		RuleWeights: map[string]float64{
			"incomeDeviation": weights.IncomeDeviation,
			"deductionRatio":  weights.DeductionRatio,
			"historical":      weights.Historical,
			"roundNumbers":    weights.RoundNumbers,
			"timing":          weights.Timing,
		},
		Ensemble: EnsembleInfo{
			EstimatorWeight: blend.EstimatorWeight,
			RuleWeight:      blend.RuleWeight,
			FlagThreshold:   blend.FlagThreshold,
		},
	}
	if !art.TrainedAt.IsZero() {
		info.TrainedAt = art.TrainedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, info)
}

// GetFiling retrieves a filing by ID.
func (h *Handler) GetFiling(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	filingID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	f, err := h.repo.GetFiling(ctx, tenantID, filingID)
	if err != nil {
		h.writeRepoError(w, "filing", filingID, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// GetAnalysis retrieves a stored analysis by ID.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	analysisID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	a, err := h.repo.GetAnalysis(ctx, tenantID, analysisID)
	if err != nil {
		h.writeRepoError(w, "analysis", analysisID, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Bounds for the ?limit= parameter of the taxpayer history endpoint.
const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// TaxpayerAnalysesResponse is the response for GET /taxpayers/{id}/analyses.
type TaxpayerAnalysesResponse struct {
	TaxpayerID string                     `json:"taxpayerId"`
	Count      int                        `json:"count"`
	Analyses   []*domain.AnalysisResponse `json:"analyses"`
}

// ListTaxpayerAnalyses returns a taxpayer's most recent analyses, newest
// first, for audit review.
func (h *Handler) ListTaxpayerAnalyses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	taxpayerID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	analyses, err := h.repo.ListAnalysesByTaxpayer(ctx, tenantID, taxpayerID, limit)
	if err != nil {
		h.writeRepoError(w, "analyses", taxpayerID, err)
		return
	}

	resp := TaxpayerAnalysesResponse{
		TaxpayerID: taxpayerID,
		Count:      len(analyses),
		Analyses:   make([]*domain.AnalysisResponse, 0, len(analyses)),
	}
	for i := range analyses {
		resp.Analyses = append(resp.Analyses, analyses[i].ToResponse())
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPatterns returns the patterns loaded in the engine.
func (h *Handler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	if h.patterns == nil {
		writeError(w, http.StatusServiceUnavailable, "pattern engine not available")
		return
	}

	loaded := h.patterns.GetLoadedPatterns()
	writeJSON(w, http.StatusOK, map[string]any{
		"patterns": loaded,
		"count":    len(loaded),
	})
}

// GetPattern retrieves a pattern by ID. Stored patterns carry their
// detection statistics; engine-only patterns are served as loaded.
func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patternID := chi.URLParam(r, "id")

	if h.patterns == nil {
		writeError(w, http.StatusServiceUnavailable, "pattern engine not available")
		return
	}

	if h.repo != nil {
		p, err := h.repo.GetPattern(ctx, domain.GlobalTenantID, patternID)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, p)
			return
		case !errors.Is(err, repository.ErrNotFound):
			h.writeRepoError(w, "pattern", patternID, err)
			return
		}
	}

	for _, p := range h.patterns.GetLoadedPatterns() {
		if p.ID == patternID {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, "pattern not found")
}

// CreatePatternRequest is the request body for creating a pattern.
type CreatePatternRequest struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Type        domain.PatternType `json:"type"`
	Description string             `json:"description,omitempty"`
	Expression  string             `json:"expression"`
	RiskWeight  float64            `json:"riskWeight"`
	Indicators  []string           `json:"indicators,omitempty"`
	Enabled     bool               `json:"enabled"`
}

// CreatePattern validates, stores and loads a pattern. Patterns are global
// (tenant "*") and apply to every tenant.
func (h *Handler) CreatePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.patterns == nil {
		writeError(w, http.StatusServiceUnavailable, "pattern engine not available")
		return
	}

	var req CreatePatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	if !domain.ValidPatternType(req.Type) {
		writeError(w, http.StatusBadRequest, "unknown pattern type: "+string(req.Type))
		return
	}
	if req.RiskWeight < 0 {
		writeError(w, http.StatusBadRequest, "riskWeight must not be negative")
		return
	}
	if req.RiskWeight == 0 {
		req.RiskWeight = 1.0
	}

	pattern := &domain.FraudPattern{
		ID:          req.ID,
		TenantID:    domain.GlobalTenantID,
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Expression:  req.Expression,
		RiskWeight:  req.RiskWeight,
		Indicators:  req.Indicators,
		Enabled:     req.Enabled,
	}

	if err := h.patterns.ValidatePattern(pattern); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePattern(ctx, domain.GlobalTenantID, pattern); err != nil {
			slog.Error("failed to save pattern", "id", pattern.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save pattern")
			return
		}
	}

	if pattern.Enabled {
		if err := h.patterns.LoadPattern(pattern); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		h.patterns.RemovePattern(pattern.ID)
	}

	slog.Info("pattern created", "id", pattern.ID, "name", pattern.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"pattern": pattern,
		"loaded":  pattern.Enabled,
	})
}

// DeletePattern disables a stored pattern and unloads it.
func (h *Handler) DeletePattern(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patternID := chi.URLParam(r, "id")

	if h.patterns == nil {
		writeError(w, http.StatusServiceUnavailable, "pattern engine not available")
		return
	}

	if h.repo != nil {
		if err := h.repo.DeletePattern(ctx, domain.GlobalTenantID, patternID); err != nil {
			h.writeRepoError(w, "pattern", patternID, err)
			return
		}
	}
	h.patterns.RemovePattern(patternID)

	slog.Info("pattern deleted", "id", patternID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "pattern deleted",
	})
}

// MarkFalsePositive records that a reviewer cleared a filing the pattern
// had matched.
func (h *Handler) MarkFalsePositive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patternID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.RecordPatternFalsePositive(ctx, domain.GlobalTenantID, patternID); err != nil {
		h.writeRepoError(w, "pattern", patternID, err)
		return
	}

	p, err := h.repo.GetPattern(ctx, domain.GlobalTenantID, patternID)
	if err != nil {
		h.writeRepoError(w, "pattern", patternID, err)
		return
	}
	slog.Info("pattern false positive recorded", "id", patternID, "tenant_id", GetTenantID(ctx))
	writeJSON(w, http.StatusOK, p)
}

// ReloadPatterns reloads all global patterns from the database into the
// engine without a restart.
func (h *Handler) ReloadPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil || h.patterns == nil {
		writeError(w, http.StatusServiceUnavailable, "repository or pattern engine not available")
		return
	}

	stored, err := h.repo.ListPatterns(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Error("failed to list patterns from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load patterns from database")
		return
	}

	if err := h.patterns.ReloadPatterns(stored); err != nil {
		slog.Error("failed to reload patterns into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload patterns: "+err.Error())
		return
	}

	slog.Info("patterns reloaded from database", "count", h.patterns.PatternsCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "patterns reloaded successfully",
		"count":   h.patterns.PatternsCount(),
	})
}

func decodeAnalysisRequest(w http.ResponseWriter, r *http.Request) (*domain.AnalysisRequest, bool) {
	var req domain.AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body: "+strings.TrimPrefix(err.Error(), "json: "))
		return nil, false
	}
	return &req, true
}

func (h *Handler) writeRepoError(w http.ResponseWriter, kind, id string, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, kind+" not found")
	case errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("repository error", "kind", kind, "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load "+kind)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
