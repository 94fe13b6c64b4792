package plugin

import (
	"time"

	"github.com/elspeth-io/elspeth/internal/landscape"
)

// ExternalCallCompleted is the telemetry event a plugin emits after an
// audited external call. Exactly one of StateID/OperationID is set: StateID
// in transform context, OperationID in lifecycle context.
// TokenID is set whenever the call occurs in transform context.
type ExternalCallCompleted struct {
	Plugin      string
	OperationID *string
	StateID     *string
	TokenID     *string
	LatencyMS   int64
	Status      string
}

// EmitFunc publishes an ExternalCallCompleted event. Grounded on
// internal/telemetry's Publisher — passed to Context rather than imported
// directly so plugin never depends on telemetry's transport.
type EmitFunc func(ExternalCallCompleted)

// Context carries run-scoped identity through a plugin call chain, analogous
// to a request-scoped context in an HTTP middleware chain but scoped to a
// pipeline run instead of a single request.
type Context struct {
	RunID     string
	Landscape landscape.Recorder
	StateID   string
	TokenID   *string
	emit      EmitFunc
}

// NewContext constructs a Context for one node's processing of one row/batch.
func NewContext(runID string, rec landscape.Recorder, stateID string, tokenID *string, emit EmitFunc) *Context {
	if emit == nil {
		emit = func(ExternalCallCompleted) {}
	}

	return &Context{RunID: runID, Landscape: rec, StateID: stateID, TokenID: tokenID, emit: emit}
}

// EmitTelemetry records an ExternalCallCompleted event for an audited
// external call the plugin just made (e.g. an HTTP request to a downstream
// API). start is the call's start time; the elapsed duration and node's
// state_id/token_id are stamped in automatically.
func (c *Context) EmitTelemetry(pluginName, status string, start time.Time) {
	c.emit(ExternalCallCompleted{
		Plugin:    pluginName,
		StateID:   &c.StateID,
		TokenID:   c.TokenID,
		LatencyMS: time.Since(start).Milliseconds(),
		Status:    status,
	})
}

// EmitLifecycleTelemetry records an ExternalCallCompleted event for a call
// made outside row-processing context (startup, shutdown) — operationID
// identifies the lifecycle phase instead of a state_id.
func (c *Context) EmitLifecycleTelemetry(pluginName, operationID, status string, start time.Time) {
	c.emit(ExternalCallCompleted{
		Plugin:      pluginName,
		OperationID: &operationID,
		LatencyMS:   time.Since(start).Milliseconds(),
		Status:      status,
	})
}
