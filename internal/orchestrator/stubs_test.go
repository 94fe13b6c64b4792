package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/elspeth-io/elspeth/internal/pipeline"
	"github.com/elspeth-io/elspeth/internal/plugin"
)

// sliceSource yields a fixed, in-memory sequence of rows — a minimal stub
// implementing SourcePlugin for deterministic tests, following
// internal/api/middleware/mock.go's "minimal stub implementing the
// interface" pattern.
type sliceSource struct {
	rows                []*pipeline.PipelineRow
	idx                 int
	onValidationFailure string
	contract            *pipeline.SchemaContract
}

func newSliceSource(rows ...*pipeline.PipelineRow) *sliceSource {
	return &sliceSource{rows: rows}
}

func (s *sliceSource) Next(ctx context.Context) (*plugin.SourceRow, bool, error) {
	if s.idx >= len(s.rows) {
		return nil, false, nil
	}

	row := s.rows[s.idx]
	s.idx++

	return &plugin.SourceRow{Valid: true, Row: row}, true, nil
}

func (s *sliceSource) OnValidationFailure() string { return s.onValidationFailure }
func (s *sliceSource) GetSchemaContract() *pipeline.SchemaContract {
	return s.contract
}

func (s *sliceSource) SetSchemaContract(c *pipeline.SchemaContract) { s.contract = c }

var _ plugin.SourcePlugin = (*sliceSource)(nil)

// identityTransform passes its input row through unchanged.
type identityTransform struct{ onError string }

func (t *identityTransform) Process(ctx context.Context, row *pipeline.PipelineRow, pc *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeSuccess, Row: row}, nil
}

func (t *identityTransform) ProcessBatch(ctx context.Context, rows []*pipeline.PipelineRow, pc *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeSuccessMulti, Rows: rows}, nil
}

func (t *identityTransform) IsBatchAware() bool { return false }
func (t *identityTransform) OnError() string    { return t.onError }

var _ plugin.TransformPlugin = (*identityTransform)(nil)

// routingGate returns a fixed RoutingAction for every row it evaluates.
type routingGate struct {
	action plugin.RoutingAction
}

func (g *routingGate) Evaluate(ctx context.Context, row *pipeline.PipelineRow, pc *plugin.Context) (plugin.RoutingAction, error) {
	return g.action, nil
}

var _ plugin.GatePlugin = (*routingGate)(nil)

// errAtIndex is returned by memSink's Write once it has durably written
// failAfter tokens, simulating the S2 crash-mid-sink scenario: the first N
// tokens succeed and invoke onTokenWritten, then the write aborts.
var errAtIndex = errors.New("orchestrator: sink write failed")

// memSink collects every token it durably "writes" in memory, optionally
// failing partway through to exercise the SinkWriteError path.
type memSink struct {
	written   []plugin.WrittenToken
	failAfter int // -1 disables the failure
	mode      plugin.SinkMode
	appendErr error
}

func newMemSink() *memSink { return &memSink{failAfter: -1, mode: plugin.SinkModeWrite} }

func (s *memSink) SetMode(mode plugin.SinkMode) error {
	if mode == plugin.SinkModeAppend && s.appendErr != nil {
		return s.appendErr
	}

	s.mode = mode

	return nil
}

func (s *memSink) Write(ctx context.Context, tokens []plugin.WrittenToken, pc *plugin.Context, onTokenWritten func(plugin.WrittenToken)) (plugin.ArtifactDescriptor, error) {
	for i, t := range tokens {
		if s.failAfter >= 0 && i >= s.failAfter {
			return plugin.ArtifactDescriptor{Location: "mem", Count: len(s.written)}, fmt.Errorf("%w: token %s", errAtIndex, t.TokenID)
		}

		s.written = append(s.written, t)
		onTokenWritten(t)
	}

	return plugin.ArtifactDescriptor{Location: "mem", Count: len(s.written)}, nil
}

func (s *memSink) Flush(ctx context.Context) error { return nil }
func (s *memSink) Close() error                    { return nil }

var _ plugin.SinkPlugin = (*memSink)(nil)

func row(id int) *pipeline.PipelineRow {
	return pipeline.NewPipelineRow([]pipeline.RowField{{Normalized: "id", Original: "id", Value: id}})
}
