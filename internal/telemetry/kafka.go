package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/elspeth-io/elspeth/internal/plugin"
)

// publishTimeout bounds how long a single Kafka write may block row
// processing before telemetry gives up and logs the failure.
const publishTimeout = 2 * time.Second

// KafkaPublisher writes ExternalCallCompleted events as JSON messages to a
// configured topic via kafka.Writer.
type KafkaPublisher struct {
	writer    *kafka.Writer
	logger    *slog.Logger
	closeOnce sync.Once
}

var _ Publisher = (*KafkaPublisher)(nil)

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NewKafkaPublisher constructs a publisher writing to cfg.Topic. The writer
// uses the least-bytes balancer default and async=false so a publish error
// surfaces to the caller rather than being silently retried forever.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: newLogger(),
	}
}

// Publish marshals event and writes it to the configured topic. Failures are
// logged, never propagated: telemetry is diagnostic and must never block or
// fail row processing. Telemetry counters may be inflated relative to
// token outcomes after a publish failure; that gap is reconciled against the
// durable audit trail, not against telemetry.
func (p *KafkaPublisher) Publish(ctx context.Context, event plugin.ExternalCallCompleted) {
	body, err := marshalEvent(event)
	if err != nil {
		p.logger.Error("telemetry: marshal event", slog.String("error", err.Error()), slog.String("plugin", event.Plugin))

		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := kafka.Message{Value: body}
	if event.TokenID != nil {
		msg.Key = []byte(*event.TokenID)
	}

	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.logger.Error("telemetry: publish event",
			slog.String("error", err.Error()),
			slog.String("plugin", event.Plugin),
			slog.String("topic", p.writer.Topic),
		)
	}
}

// Close flushes and closes the underlying Kafka connection. Safe to call
// multiple times, following sqlRecorder's sync.Once-guarded Close pattern.
func (p *KafkaPublisher) Close() error {
	var err error

	p.closeOnce.Do(func() {
		err = p.writer.Close()
	})

	return err
}
