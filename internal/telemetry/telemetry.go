// Package telemetry publishes ExternalCallCompleted events to Kafka. These
// events are best-effort observability: they are intentionally
// decoupled from the durable audit trail in internal/landscape, so a publish
// failure never blocks or fails row processing — it is logged and dropped.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/elspeth-io/elspeth/internal/config"
	"github.com/elspeth-io/elspeth/internal/plugin"
)

// Publisher publishes ExternalCallCompleted events. Implementations must
// never block row processing on a slow or unavailable broker; Publish should
// apply its own bounded timeout and swallow (log, don't propagate) transport
// errors, since telemetry is diagnostic, not part of the durable audit trail.
type Publisher interface {
	Publish(ctx context.Context, event plugin.ExternalCallCompleted)
	Close() error
}

// NoopPublisher discards every event. It backs tests and runs with no Kafka
// topic configured, standing in for the transport in tests that don't care
// about it.
type NoopPublisher struct{}

var _ Publisher = NoopPublisher{}

// Publish does nothing.
func (NoopPublisher) Publish(context.Context, plugin.ExternalCallCompleted) {}

// Close does nothing.
func (NoopPublisher) Close() error { return nil }

// EmitFunc adapts a Publisher into the plugin.EmitFunc callback shape
// PluginContext expects.
func EmitFunc(ctx context.Context, p Publisher) plugin.EmitFunc {
	return func(event plugin.ExternalCallCompleted) {
		p.Publish(ctx, event)
	}
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}

// marshalEvent renders an event as the JSON message body Kafka publishers send.
func marshalEvent(event plugin.ExternalCallCompleted) ([]byte, error) {
	type wireEvent struct {
		Plugin      string  `json:"plugin"`
		OperationID *string `json:"operation_id,omitempty"`
		StateID     *string `json:"state_id,omitempty"`
		TokenID     *string `json:"token_id,omitempty"`
		LatencyMS   int64   `json:"latency_ms"`
		Status      string  `json:"status"`
		EmittedAt   string  `json:"emitted_at"`
	}

	return json.Marshal(wireEvent{
		Plugin:      event.Plugin,
		OperationID: event.OperationID,
		StateID:     event.StateID,
		TokenID:     event.TokenID,
		LatencyMS:   event.LatencyMS,
		Status:      event.Status,
		EmittedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	})
}
