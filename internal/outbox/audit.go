package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/maintrail/maintrail/internal/envelope"
)

// KafkaAuditSink mirrors processed-event envelopes to a Kafka topic for
// downstream export and audit tooling.
type KafkaAuditSink struct {
	writer *kafka.Writer
}

// NewKafkaAuditSink wraps an already-configured writer.
func NewKafkaAuditSink(writer *kafka.Writer) *KafkaAuditSink {
	return &KafkaAuditSink{writer: writer}
}

// Publish sends one envelope, keyed by event id so replays of the same
// event land in the same partition.
func (s *KafkaAuditSink) Publish(ctx context.Context, env *envelope.Envelope) error {
	value, err := env.Marshal()
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(env.EventID),
		Value: value,
		Time:  time.Now(),
	})
}
