package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// workTopics are consumed by exactly one worker per message. Every other
// topic is a broadcast notification.
var workTopics = map[string]bool{
	domain.TopicFilingSubmitted: true,
}

// IsWorkTopic reports whether topic carries work items rather than
// notifications.
func IsWorkTopic(topic string) bool {
	return workTopics[topic]
}

// Subject scopes a topic to a tenant. Topics already carry the "harrier."
// prefix, so subjects read "harrier.filing.submitted.tenant.acme". For
// AnyTenant the last token is the NATS single-token wildcard.
func Subject(tenantID, topic string) string {
	return topic + ".tenant." + tenantID
}

func checkPublishTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if !domain.ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenantID %q", tenantID)
	}
	return nil
}

func checkSubscribeTenant(tenantID string) error {
	if tenantID == domain.AnyTenant {
		return nil
	}
	return checkPublishTenant(tenantID)
}

func newMessage(tenantID, topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// DecodeJSON decodes a message payload into v.
func DecodeJSON(msg *domain.Message, v any) error {
	if msg == nil || len(msg.Payload) == 0 {
		return fmt.Errorf("empty message")
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s event: %w", msg.Topic, err)
	}
	return nil
}

// PublishAnalysis announces a finished analysis on TopicAnalysisCompleted
// and, when the analysis is flagged, on TopicAnalysisFlagged as well.
func PublishAnalysis(ctx context.Context, b domain.EventBus, a *domain.Analysis) error {
	evt := domain.AnalysisEvent{
		AnalysisID: a.ID,
		FilingID:   a.FilingID,
		TaxpayerID: a.TaxpayerID,
		Method:     a.Method,
		Score:      a.Score,
		Level:      a.Level,
		Flagged:    a.Flagged,
		Degraded:   a.Degraded,
		TraceID:    a.Metadata.TraceID,
	}
	if err := PublishJSON(ctx, b, a.TenantID, domain.TopicAnalysisCompleted, evt); err != nil {
		return err
	}
	if a.Flagged {
		return PublishJSON(ctx, b, a.TenantID, domain.TopicAnalysisFlagged, evt)
	}
	return nil
}
