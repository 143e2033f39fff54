// Package analysis runs a filing through history lookup, scoring, pattern
// matching, persistence and event publication.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/history"
	"github.com/opensource-finance/harrier/internal/observability"
	"github.com/opensource-finance/harrier/internal/patterns"
	"github.com/opensource-finance/harrier/internal/scoring"
)

// ErrInvalidRequest is returned for requests the pipeline cannot accept.
var ErrInvalidRequest = errors.New("invalid analysis request")

// DefaultAnalysisTTL is how long ensemble results stay cached when the
// configuration leaves it unset.
const DefaultAnalysisTTL = 24 * time.Hour

var tracer = otel.Tracer("harrier/analysis")

// Deps are the pipeline's collaborators. Only Scoring is required; every
// other stage is skipped when its dependency is nil.
type Deps struct {
	Scoring  *scoring.Service
	Patterns *patterns.Engine
	History  *history.Service
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Metrics  *observability.Metrics

	AnalysisTTL time.Duration
	Version     string
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	scoring  *scoring.Service
	patterns *patterns.Engine
	history  *history.Service
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *observability.Metrics
	ttl      time.Duration
	version  string
}

// New creates a pipeline.
func New(deps Deps) (*Pipeline, error) {
	if deps.Scoring == nil {
		return nil, fmt.Errorf("scoring service is required")
	}
	ttl := deps.AnalysisTTL
	if ttl <= 0 {
		ttl = DefaultAnalysisTTL
	}
	return &Pipeline{
		scoring:  deps.Scoring,
		patterns: deps.Patterns,
		history:  deps.History,
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		ttl:      ttl,
		version:  deps.Version,
	}, nil
}

// Request is one analysis call.
type Request struct {
	TenantID string
	TraceID  string
	Method   domain.AnalysisMethod
	Filing   domain.Filing

	// History nil means look it up.
	History *domain.History
}

// Scoring returns the scoring service.
func (p *Pipeline) Scoring() *scoring.Service {
	return p.scoring
}

// Analyze scores a filing and records the outcome. Scoring itself never
// fails; persistence and publication errors are logged and do not fail the
// call.
func (p *Pipeline) Analyze(ctx context.Context, req Request) (*domain.Analysis, error) {
	start := time.Now()

	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidRequest)
	}
	if req.Method != domain.MethodRules && req.Method != domain.MethodEnsemble {
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
	}

	filing := p.scoring.Normalize(req.Filing)
	if filing.FilingID == "" {
		filing.FilingID = uuid.New().String()
	}
	if filing.SubmittedAt.IsZero() {
		filing.SubmittedAt = time.Now().UTC()
	}

	ctx, span := tracer.Start(ctx, "analysis."+string(req.Method),
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("filing.id", filing.FilingID),
		),
	)
	defer span.End()

	traceID := req.TraceID
	if traceID == "" {
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			traceID = sc.TraceID().String()
		} else {
			traceID = uuid.New().String()
		}
	}

	hist := p.resolveHistory(ctx, req.TenantID, filing, req.History)

	a := &domain.Analysis{
		ID:         uuid.New().String(),
		TenantID:   req.TenantID,
		FilingID:   filing.FilingID,
		TaxpayerID: filing.TaxpayerID,
		Method:     req.Method,
		Timestamp:  time.Now().UTC(),
		Metadata: domain.AnalysisMetadata{
			TraceID:       traceID,
			HistoryCount:  len(hist),
			SectorVersion: p.scoring.Sectors().Version,
			EngineVersion: p.version,
		},
	}

	switch req.Method {
	case domain.MethodRules:
		a.Assessment = p.scoring.AssessRules(filing, hist)
		a.Score = a.Assessment.Score
		a.Level = a.Assessment.Level
		a.Flagged = a.Assessment.Level == domain.RiskHigh
		a.Confidence = a.Assessment.Confidence
		a.Degraded = a.Assessment.Degraded

	case domain.MethodEnsemble:
		result, cached := p.ensemble(ctx, req.TenantID, filing, hist)
		decision := result.Decision
		a.Assessment = result.Assessment
		a.Decision = &decision
		a.Score = decision.Score
		a.Level = decision.Level
		a.Flagged = decision.Final
		a.Confidence = decision.Confidence
		a.Degraded = decision.Degraded
		a.Metadata.ModelVersion = p.scoring.Estimator().Version()
		a.Metadata.Cached = cached
	}

	if p.patterns != nil {
		input := patterns.NewInput(filing, hist, p.scoring.Features(filing, hist))
		a.Patterns = p.patterns.EvaluateAll(ctx, input)
	}

	a.Metadata.ProcessingMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.Float64("risk.score", a.Score),
		attribute.String("risk.level", string(a.Level)),
		attribute.Bool("risk.flagged", a.Flagged),
	)
	if a.Degraded {
		span.SetStatus(codes.Error, "degraded analysis")
	}

	p.persist(ctx, filing, a)
	p.publish(ctx, a)
	p.metrics.ObserveAnalysis(a, time.Since(start))

	slog.Info("filing analyzed",
		"analysis_id", a.ID,
		"filing_id", a.FilingID,
		"tenant_id", a.TenantID,
		"method", a.Method,
		"score", a.Score,
		"level", a.Level,
		"flagged", a.Flagged,
		"degraded", a.Degraded,
		"cached", a.Metadata.Cached,
		"duration_ms", a.Metadata.ProcessingMs,
	)

	return a, nil
}

func (p *Pipeline) resolveHistory(ctx context.Context, tenantID string, filing domain.Filing, supplied *domain.History) domain.History {
	if supplied != nil {
		return *supplied
	}
	if p.history == nil {
		return domain.History{}
	}
	h, err := p.history.Lookup(ctx, tenantID, filing)
	if err != nil {
		slog.Warn("history lookup failed, scoring without history",
			"filing_id", filing.FilingID,
			"tenant_id", tenantID,
			"error", err,
		)
		return domain.History{}
	}
	return h
}

// ensemble serves a memoized result when possible. Degraded results are
// never cached.
func (p *Pipeline) ensemble(ctx context.Context, tenantID string, filing domain.Filing, hist domain.History) (domain.CachedAnalysis, bool) {
	var key string
	if p.cache != nil {
		key = cache.AnalysisKey(filing, hist, p.scoring.Estimator().Version(), p.scoring.Sectors().Version)
		hit, err := p.cache.GetAnalysis(ctx, tenantID, key)
		if err != nil {
			slog.Warn("analysis cache read failed", "tenant_id", tenantID, "error", err)
		}
		if hit != nil {
			p.metrics.CacheHit()
			return *hit, true
		}
		p.metrics.CacheMiss()
	}

	assessment, decision := p.scoring.AssessEnsemble(filing, hist)
	result := domain.CachedAnalysis{Assessment: assessment, Decision: decision}

	if p.cache != nil && !decision.Degraded {
		if err := p.cache.SetAnalysis(ctx, tenantID, key, &result, p.ttl); err != nil {
			slog.Warn("analysis cache write failed", "tenant_id", tenantID, "error", err)
		}
	}
	return result, false
}

func (p *Pipeline) persist(ctx context.Context, filing domain.Filing, a *domain.Analysis) {
	if p.repo == nil {
		return
	}
	if err := p.repo.SaveFiling(ctx, a.TenantID, &filing); err != nil {
		slog.Error("failed to save filing",
			"filing_id", filing.FilingID,
			"tenant_id", a.TenantID,
			"error", err,
		)
	}
	if err := p.repo.SaveAnalysis(ctx, a.TenantID, a); err != nil {
		slog.Error("failed to save analysis",
			"analysis_id", a.ID,
			"tenant_id", a.TenantID,
			"error", err,
		)
		return
	}

	var matched []string
	for _, m := range a.Patterns {
		if m.Matched {
			matched = append(matched, m.PatternID)
		}
	}
	if err := p.repo.RecordPatternDetections(ctx, domain.GlobalTenantID, matched, a.Timestamp); err != nil {
		slog.Warn("failed to record pattern detections",
			"analysis_id", a.ID,
			"patterns", matched,
			"error", err,
		)
	}
}

func (p *Pipeline) publish(ctx context.Context, a *domain.Analysis) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishAnalysis(ctx, p.bus, a); err != nil {
		slog.Error("failed to publish analysis",
			"analysis_id", a.ID,
			"tenant_id", a.TenantID,
			"error", err,
		)
	}
}
