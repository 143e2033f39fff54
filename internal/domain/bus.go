package domain

import (
	"context"
)

// AnyTenant subscribes to a topic across every tenant. It is only valid for
// Subscribe; messages are always published for a concrete tenant.
const AnyTenant = "*"

// ValidTenantID reports whether id can scope bus subjects and cache keys:
// 1 to 64 characters of letters, digits, '-' and '_'.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// EventBus carries filing submissions and analysis events between the API,
// the worker and downstream consumers. Every message belongs to one tenant.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. tenantID may be AnyTenant.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig selects the bus: "channel" runs in-process, "nats" lets
// replicas share submissions.
type EventBusConfig struct {
	Type string

	// ChannelBufferSize is the per-subscription queue depth.
	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup load-balances work topics across worker replicas.
	NATSQueueGroup string
}

// Standard topic names for the analysis pipeline.
const (
	TopicFilingSubmitted   = "harrier.filing.submitted"
	TopicAnalysisCompleted = "harrier.analysis.completed"
	TopicAnalysisFlagged   = "harrier.analysis.flagged"
)

// FilingSubmittedEvent is the payload of TopicFilingSubmitted. The worker
// scores the filing with Method and publishes an AnalysisEvent.
type FilingSubmittedEvent struct {
	Request AnalysisRequest `json:"request"`
	Method  AnalysisMethod  `json:"method"`
	TraceID string          `json:"traceId,omitempty"`
}

// AnalysisEvent is the payload of TopicAnalysisCompleted and
// TopicAnalysisFlagged.
type AnalysisEvent struct {
	AnalysisID string         `json:"analysisId"`
	FilingID   string         `json:"filingId"`
	TaxpayerID string         `json:"taxpayerId"`
	Method     AnalysisMethod `json:"method"`
	Score      float64        `json:"score"`
	Level      RiskLevel      `json:"level"`
	Flagged    bool           `json:"flagged"`
	Degraded   bool           `json:"degraded"`
	TraceID    string         `json:"traceId,omitempty"`
}
