// Package worker scores filings submitted asynchronously over the EventBus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/analysis"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/observability"
)

// Worker consumes TopicFilingSubmitted and runs each filing through the
// analysis pipeline, which persists and publishes the result.
type Worker struct {
	bus      domain.EventBus
	pipeline *analysis.Pipeline
	metrics  *observability.Metrics

	// mu also orders wg.Add against Stop's wg.Wait.
	mu            sync.Mutex
	stopped       bool
	subscriptions []domain.Subscription
	sem           chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = domain.AnyTenant)
	TenantIDs []string

	// WorkerCount bounds concurrent analyses across all subscriptions
	WorkerCount int
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, pipeline *analysis.Pipeline, metrics *observability.Metrics) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		pipeline: pipeline,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	count := cfg.WorkerCount
	if count <= 0 {
		count = 5
	}
	w.sem = make(chan struct{}, count)

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.AnyTenant}
	}

	for _, tenantID := range tenants {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(tenants),
		"worker_count", count,
	)

	return nil
}

// startTenantWorker subscribes to filing submissions for one tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicFilingSubmitted, func(ctx context.Context, msg *domain.Message) error {
		if msg.TenantID == "" {
			w.metrics.WorkerEvent("invalid")
			return fmt.Errorf("message %s has no tenant", msg.ID)
		}
		w.dispatch(msg.TenantID, msg)
		return nil
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicFilingSubmitted,
	)

	return nil
}

// dispatch runs the message on the bounded pool so a slow analysis does not
// stall the subscription.
func (w *Worker) dispatch(tenantID string, msg *domain.Message) {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		if err := w.processFiling(w.ctx, tenantID, msg); err != nil {
			slog.Error("failed to process filing",
				"message_id", msg.ID,
				"tenant_id", tenantID,
				"error", err,
			)
		}
	}()
}

// processFiling scores one submitted filing.
func (w *Worker) processFiling(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var evt domain.FilingSubmittedEvent
	if err := bus.DecodeJSON(msg, &evt); err != nil {
		w.metrics.WorkerEvent("invalid")
		return err
	}

	method := evt.Method
	if method == "" {
		method = domain.MethodEnsemble
	}

	traceID := evt.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing filing",
		"filing_id", evt.Request.Filing.FilingID,
		"tenant_id", tenantID,
		"trace_id", traceID,
	)

	a, err := w.pipeline.Analyze(ctx, analysis.Request{
		TenantID: tenantID,
		TraceID:  traceID,
		Method:   method,
		Filing:   evt.Request.Filing,
		History:  evt.Request.History,
	})
	if err != nil {
		w.metrics.WorkerEvent("failed")
		return err
	}
	w.metrics.WorkerEvent("processed")

	slog.Info("filing processed",
		"filing_id", a.FilingID,
		"analysis_id", a.ID,
		"tenant_id", tenantID,
		"level", a.Level,
		"flagged", a.Flagged,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers and waits for in-flight analyses.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopped = true
	w.cancel()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil
	w.mu.Unlock()

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
	}
}
