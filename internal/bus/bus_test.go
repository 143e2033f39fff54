package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// recorder returns a handler that forwards every message to the channel.
func recorder() (domain.MessageHandler, chan *domain.Message) {
	ch := make(chan *domain.Message, 64)
	return func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	}, ch
}

// drain collects messages until the channel stays quiet for settle.
func drain(ch chan *domain.Message, settle time.Duration) []*domain.Message {
	var out []*domain.Message
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-time.After(settle):
			return out
		}
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		handler, ch := recorder()
		if _, err := bus.Subscribe(ctx, tenantID, domain.TopicAnalysisCompleted, handler); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if err := bus.Publish(ctx, tenantID, domain.TopicAnalysisCompleted, []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		var msg *domain.Message
		select {
		case msg = <-ch:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if string(msg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got %q", msg.Payload)
		}
		if msg.TenantID != tenantID || msg.Topic != domain.TopicAnalysisCompleted {
			t.Errorf("unexpected envelope %+v", msg)
		}
		if msg.ID == "" || msg.Timestamp == 0 {
			t.Error("expected message ID and timestamp")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		h1, ch1 := recorder()
		h2, ch2 := recorder()
		bus.Subscribe(ctx, "tenant-001", "isolation.topic", h1)
		bus.Subscribe(ctx, "tenant-002", "isolation.topic", h2)

		bus.Publish(ctx, "tenant-001", "isolation.topic", []byte("msg1"))

		if got := len(drain(ch1, 50*time.Millisecond)); got != 1 {
			t.Errorf("tenant-001 should receive 1 message, got %d", got)
		}
		if got := len(drain(ch2, 10*time.Millisecond)); got != 0 {
			t.Errorf("tenant-002 should receive nothing, got %d", got)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", "topic", []byte("data")); err == nil {
			t.Error("expected publish error for empty tenantID")
		}
		if _, err := bus.Subscribe(ctx, "", "topic", func(context.Context, *domain.Message) error { return nil }); err == nil {
			t.Error("expected subscribe error for empty tenantID")
		}

		for _, bad := range []string{domain.AnyTenant, "acme.eu", "a b"} {
			if err := bus.Publish(ctx, bad, "topic", []byte("data")); err == nil {
				t.Errorf("expected publish error for tenant %q", bad)
			}
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		handler, ch := recorder()
		sub, _ := bus.Subscribe(ctx, tenantID, "unsub.topic", handler)

		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg1"))
		if got := len(drain(ch, 50*time.Millisecond)); got != 1 {
			t.Fatalf("expected 1 message before unsubscribe, got %d", got)
		}

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg2"))
		if got := len(drain(ch, 50*time.Millisecond)); got != 0 {
			t.Errorf("expected no messages after unsubscribe, got %d", got)
		}
	})

	t.Run("BroadcastReachesAllSubscribers", func(t *testing.T) {
		h1, ch1 := recorder()
		h2, ch2 := recorder()
		bus.Subscribe(ctx, tenantID, domain.TopicAnalysisFlagged, h1)
		bus.Subscribe(ctx, tenantID, domain.TopicAnalysisFlagged, h2)

		bus.Publish(ctx, tenantID, domain.TopicAnalysisFlagged, []byte("broadcast"))

		n1, n2 := len(drain(ch1, 50*time.Millisecond)), len(drain(ch2, 10*time.Millisecond))
		if n1 != 1 || n2 != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", n1, n2)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, tenantID, "my.topic", func(context.Context, *domain.Message) error { return nil })
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got %q", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()
	tenantID := "tenant-001"

	bus.Subscribe(ctx, tenantID, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, tenantID, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("NATSUnreachable", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{
			Type:              "nats",
			NATSUrl:           "nats://127.0.0.1:1",
			NATSMaxReconnects: 1,
			NATSReconnectWait: 1,
		})
		if err == nil {
			t.Fatal("expected connection error")
		}
		if !strings.Contains(err.Error(), "after 1 attempts") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-load"

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, tenantID, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	// Publish many messages
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, tenantID, "load.topic", []byte("msg"))
	}

	// Wait for all messages
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestAnyTenantSubscription(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()
	ctx := context.Background()

	tenants := make(chan string, 4)
	_, err := bus.Subscribe(ctx, domain.AnyTenant, domain.TopicAnalysisCompleted, func(ctx context.Context, msg *domain.Message) error {
		tenants <- msg.TenantID
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	bus.Publish(ctx, "tenant-a", domain.TopicAnalysisCompleted, []byte("a"))
	bus.Publish(ctx, "tenant-b", domain.TopicAnalysisCompleted, []byte("b"))
	bus.Publish(ctx, "tenant-a", domain.TopicAnalysisFlagged, []byte("other topic"))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-tenants:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatalf("timeout, saw %v", seen)
		}
	}
	if !seen["tenant-a"] || !seen["tenant-b"] {
		t.Errorf("expected messages from both tenants, got %v", seen)
	}

	select {
	case id := <-tenants:
		t.Errorf("unexpected extra message from %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWorkTopicDeliveredOnce(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()
	ctx := context.Background()

	var tenantCount, anyCount atomic.Int32
	bus.Subscribe(ctx, "tenant-w", domain.TopicFilingSubmitted, func(ctx context.Context, msg *domain.Message) error {
		tenantCount.Add(1)
		return nil
	})
	bus.Subscribe(ctx, domain.AnyTenant, domain.TopicFilingSubmitted, func(ctx context.Context, msg *domain.Message) error {
		anyCount.Add(1)
		return nil
	})

	const n = 20
	for i := 0; i < n; i++ {
		if err := bus.Publish(ctx, "tenant-w", domain.TopicFilingSubmitted, []byte("filing")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for tenantCount.Load()+anyCount.Load() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if total := tenantCount.Load() + anyCount.Load(); total != n {
		t.Errorf("expected each submission delivered once (%d), got %d", n, total)
	}
	if tenantCount.Load() == 0 || anyCount.Load() == 0 {
		t.Errorf("expected deliveries to rotate, got %d and %d", tenantCount.Load(), anyCount.Load())
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("acme", domain.TopicFilingSubmitted); got != "harrier.filing.submitted.tenant.acme" {
		t.Errorf("unexpected subject %s", got)
	}
	if got := Subject(domain.AnyTenant, domain.TopicAnalysisFlagged); got != "harrier.analysis.flagged.tenant.*" {
		t.Errorf("unexpected wildcard subject %s", got)
	}
	if !IsWorkTopic(domain.TopicFilingSubmitted) || IsWorkTopic(domain.TopicAnalysisCompleted) {
		t.Error("only filing submissions are work items")
	}
}

func TestUnsubscribeDetaches(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "tenant-001", "detach.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	bus.mu.RLock()
	defer bus.mu.RUnlock()
	if n := len(bus.bySubject); n != 0 {
		t.Errorf("expected no subscriptions after unsubscribe, got %d", n)
	}
}

func TestPublishAnalysis(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	completed := make(chan domain.AnalysisEvent, 2)
	flagged := make(chan domain.AnalysisEvent, 2)

	collect := func(out chan domain.AnalysisEvent) domain.MessageHandler {
		return func(ctx context.Context, msg *domain.Message) error {
			var evt domain.AnalysisEvent
			if err := DecodeJSON(msg, &evt); err != nil {
				return err
			}
			out <- evt
			return nil
		}
	}
	bus.Subscribe(ctx, tenantID, domain.TopicAnalysisCompleted, collect(completed))
	bus.Subscribe(ctx, tenantID, domain.TopicAnalysisFlagged, collect(flagged))

	wait := func(ch chan domain.AnalysisEvent) (domain.AnalysisEvent, bool) {
		select {
		case evt := <-ch:
			return evt, true
		case <-time.After(time.Second):
			return domain.AnalysisEvent{}, false
		}
	}

	t.Run("Flagged", func(t *testing.T) {
		a := &domain.Analysis{
			ID:       "an-1",
			TenantID: tenantID,
			FilingID: "f-1",
			Method:   domain.MethodEnsemble,
			Score:    0.65,
			Level:    domain.RiskMedium,
			Flagged:  true,
		}
		if err := PublishAnalysis(ctx, bus, a); err != nil {
			t.Fatalf("PublishAnalysis failed: %v", err)
		}

		evt, ok := wait(completed)
		if !ok {
			t.Fatal("timeout waiting for completed event")
		}
		if evt.AnalysisID != "an-1" || evt.Score != 0.65 {
			t.Errorf("unexpected completed event: %+v", evt)
		}
		if _, ok := wait(flagged); !ok {
			t.Error("expected flagged event")
		}
	})

	t.Run("NotFlagged", func(t *testing.T) {
		a := &domain.Analysis{ID: "an-2", TenantID: tenantID, Method: domain.MethodRules, Level: domain.RiskLow}
		if err := PublishAnalysis(ctx, bus, a); err != nil {
			t.Fatalf("PublishAnalysis failed: %v", err)
		}
		if _, ok := wait(completed); !ok {
			t.Fatal("timeout waiting for completed event")
		}
		select {
		case evt := <-flagged:
			t.Errorf("unexpected flagged event: %+v", evt)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestDecodeJSON(t *testing.T) {
	if err := DecodeJSON(nil, &domain.AnalysisEvent{}); err == nil {
		t.Error("expected error for nil message")
	}
	msg := &domain.Message{Topic: "x", Payload: []byte("{broken")}
	if err := DecodeJSON(msg, &domain.AnalysisEvent{}); err == nil {
		t.Error("expected error for malformed payload")
	}
}
