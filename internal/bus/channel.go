// Package bus provides event bus implementations for Harrier.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

var errClosed = errors.New("bus is closed")

// ChannelBus is the in-process EventBus of the Community tier. Each
// subscription owns a buffered channel drained by its own goroutine.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	bySubject  map[string][]*channelSubscription
	closed     bool

	// next rotates work-topic deliveries between subscribers.
	next atomic.Uint64
}

type channelSubscription struct {
	bus      *ChannelBus
	id       string
	tenantID string
	topic    string
	handler  domain.MessageHandler
	msgCh    chan *domain.Message
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		bySubject:  make(map[string][]*channelSubscription),
	}
}

// Publish sends a message to a topic. Broadcast topics reach every
// subscriber of the tenant and every AnyTenant subscriber; work topics reach
// one of them, rotating between subscribers with buffer room.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkPublishTenant(tenantID); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}

	msg := newMessage(tenantID, topic, payload)

	direct := b.bySubject[Subject(tenantID, topic)]
	wildcard := b.bySubject[Subject(domain.AnyTenant, topic)]
	subs := make([]*channelSubscription, 0, len(direct)+len(wildcard))
	subs = append(append(subs, direct...), wildcard...)
	if len(subs) == 0 {
		return nil
	}

	// Sends never block; the read lock keeps Close from closing a channel
	// mid-send.
	if IsWorkTopic(topic) {
		start := int(b.next.Add(1) % uint64(len(subs)))
		for i := range subs {
			sub := subs[(start+i)%len(subs)]
			select {
			case sub.msgCh <- msg:
				return nil
			default:
			}
		}
		b.dropped(msg)
		return nil
	}

	for _, sub := range subs {
		select {
		case sub.msgCh <- msg:
		default:
			b.dropped(msg)
		}
	}

	return nil
}

func (b *ChannelBus) dropped(msg *domain.Message) {
	slog.Warn("event dropped, subscriber buffer full",
		"tenant_id", msg.TenantID,
		"topic", msg.Topic,
		"message_id", msg.ID,
	)
}

// Subscribe registers a handler for a topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := checkSubscribeTenant(tenantID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errClosed
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &channelSubscription{
		bus:      b,
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		handler:  handler,
		msgCh:    make(chan *domain.Message, b.bufferSize),
		ctx:      subCtx,
		cancel:   cancel,
	}

	go sub.run()

	subject := Subject(tenantID, topic)
	b.bySubject[subject] = append(b.bySubject[subject], sub)

	return sub, nil
}

// run delivers messages until the subscription is cancelled or the bus
// closes its channel.
func (sub *channelSubscription) run() {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg, ok := <-sub.msgCh:
			if !ok {
				return
			}
			if err := sub.handler(sub.ctx, msg); err != nil {
				slog.Error("handler error",
					"tenant_id", msg.TenantID,
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}
	return nil
}

// Close stops every subscription. Publishing afterwards fails.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	for subject, subs := range b.bySubject {
		for _, sub := range subs {
			sub.cancel()
			close(sub.msgCh)
		}
		delete(b.bySubject, subject)
	}
	return nil
}

// Unsubscribe stops receiving messages and detaches from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subject := Subject(sub.tenantID, sub.topic)
	kept := b.bySubject[subject][:0:0]
	for _, s := range b.bySubject[subject] {
		if s.id != sub.id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.bySubject, subject)
		return
	}
	b.bySubject[subject] = kept
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
