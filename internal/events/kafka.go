package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaNotifier publishes events to a Kafka topic, keyed by organization so
// per-tenant ordering is preserved. Delivery failures are logged, never
// surfaced: the booking path must not depend on the broker.
type KafkaNotifier struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewKafkaNotifier(brokers []string, topic string, log *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		log: log.With("component", "events.kafka"),
	}
}

func (n *KafkaNotifier) Publish(ctx context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.OrganizationID.String()),
		Value: value,
		Time:  ev.At,
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		n.log.Error("publish event", "type", ev.Type, "error", err)
	}
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
