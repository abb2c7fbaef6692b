package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaRelay mirrors lifecycle events onto a Kafka topic so external systems
// can observe transitions without holding a WebSocket. Publish failures are
// logged and dropped, matching the broadcaster's no-guarantee delivery.
type KafkaRelay struct {
	writer *kafka.Writer
	topic  string
	logger zerolog.Logger
}

func NewKafkaRelay(brokers []string, topic string, logger zerolog.Logger) *KafkaRelay {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
	return &KafkaRelay{
		writer: writer,
		topic:  topic,
		logger: logger.With().Str("component", "kafka-relay").Logger(),
	}
}

func (r *KafkaRelay) Publish(ev LifecycleEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to marshal event for relay")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := kafka.Message{Key: []byte(ev.Slug), Value: value}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.logger.Warn().Err(err).Str("slug", ev.Slug).Msg("relay publish dropped")
	}
}

func (r *KafkaRelay) Close() error {
	return r.writer.Close()
}
