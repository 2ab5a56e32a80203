// Package bus decouples channel adapters from the router: adapters publish
// inbound events and consume outbound messages, the router does the reverse.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ChannelWhatsApp is the routing key of the WhatsApp adapter.
const ChannelWhatsApp = "whatsapp"

// InboundEvent is one message received from a channel adapter. ExternalID is
// the provider's message id (WhatsApp wamid) and is the deduplication key:
// bridge reconnects can redeliver the same event.
type InboundEvent struct {
	Channel       string    `json:"channel"`
	PhoneNumberID string    `json:"phone_number_id"` // business number, resolves the tenant
	From          string    `json:"from"`            // sender address as the provider gives it
	ExternalID    string    `json:"external_id"`
	Text          string    `json:"text"`
	ProfileName   string    `json:"profile_name,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// OutboundMessage is one reply to deliver through a channel adapter.
type OutboundMessage struct {
	Channel       string `json:"channel"`
	PhoneNumberID string `json:"phone_number_id"`
	To            string `json:"to"`
	Text          string `json:"text"`
}

// MessageBus carries inbound events and outbound messages over buffered
// queues. Publishing blocks when the queue is full, which backpressures the
// bridge read loop instead of dropping customer messages.
type MessageBus struct {
	inbound  chan InboundEvent
	outbound chan OutboundMessage
	log      *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// DefaultQueueSize is the buffer for each direction.
const DefaultQueueSize = 256

func New(queueSize int, log *slog.Logger) *MessageBus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundEvent, queueSize),
		outbound: make(chan OutboundMessage, queueSize),
		log:      log.With("component", "bus"),
		closed:   make(chan struct{}),
	}
}

// PublishInbound enqueues an inbound event. Returns false when the bus is
// closed or ctx is done.
func (b *MessageBus) PublishInbound(ctx context.Context, ev InboundEvent) bool {
	select {
	case b.inbound <- ev:
		return true
	case <-b.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// ConsumeInbound blocks for the next inbound event. Returns false when the
// bus is closed or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case ev := <-b.inbound:
		return ev, true
	case <-b.closed:
		return InboundEvent{}, false
	case <-ctx.Done():
		return InboundEvent{}, false
	}
}

// PublishOutbound enqueues a reply for delivery.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	select {
	case b.outbound <- msg:
		return true
	case <-b.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// ConsumeOutbound blocks for the next outbound message.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-b.closed:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Close wakes all publishers and consumers. Events still buffered are lost;
// callers should drain before closing when that matters.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.log.Debug("message bus closed")
	})
}
