package processor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/internal/graph"
	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/pipeline"
	"github.com/elspeth-io/elspeth/internal/plugin"
	"github.com/elspeth-io/elspeth/internal/processor"
)

func newTestRecorder(t *testing.T) landscape.Recorder {
	t.Helper()

	rec, err := landscape.NewSQLiteMemoryRecorder()
	require.NoError(t, err)

	t.Cleanup(func() { _ = rec.Close() })

	return rec
}

func row(id int) *pipeline.PipelineRow {
	return pipeline.NewPipelineRow([]pipeline.RowField{{Normalized: "id", Original: "id", Value: id}})
}

// admitRow persists a Row/Token pair through rec directly, mirroring the
// slice of Orchestrator.admitValid that exists purely to give a Processor
// something to drive, without pulling in a Source/PayloadStore for tests
// that only care about graph traversal.
func admitRow(t *testing.T, ctx context.Context, rec landscape.Recorder, runID, sourceNodeID string, rowIndex int64) (*landscape.Row, *landscape.Token) {
	t.Helper()

	r, err := rec.CreateRow(ctx, &landscape.Row{
		RunID: runID, SourceNodeID: sourceNodeID, RowIndex: rowIndex,
		SourceDataHash: fmt.Sprintf("hash-%d", rowIndex), SourceDataRef: fmt.Sprintf("hash-%d", rowIndex),
	})
	require.NoError(t, err)

	tok, err := rec.CreateToken(ctx, r.RowID, nil, nil)
	require.NoError(t, err)

	return r, tok
}

// identityTransform passes its input row through unchanged.
type identityTransform struct{ onError string }

func (tx *identityTransform) Process(_ context.Context, r *pipeline.PipelineRow, _ *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeSuccess, Row: r}, nil
}

func (tx *identityTransform) ProcessBatch(_ context.Context, rows []*pipeline.PipelineRow, _ *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeSuccessMulti, Rows: rows}, nil
}

func (tx *identityTransform) IsBatchAware() bool { return false }
func (tx *identityTransform) OnError() string    { return tx.onError }

var _ plugin.TransformPlugin = (*identityTransform)(nil)

// failingTransform always reports an error, routed via onError.
type failingTransform struct {
	onError string
	reason  error
}

func (tx *failingTransform) Process(_ context.Context, _ *pipeline.PipelineRow, _ *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeError, Err: tx.reason}, nil
}

func (tx *failingTransform) ProcessBatch(ctx context.Context, rows []*pipeline.PipelineRow, pc *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeError, Err: tx.reason}, nil
}

func (tx *failingTransform) IsBatchAware() bool { return false }
func (tx *failingTransform) OnError() string    { return tx.onError }

var _ plugin.TransformPlugin = (*failingTransform)(nil)

// flakyTransform reports capacity_exhausted failuresBeforeSuccess times,
// then succeeds, exercising RetryManager's retry path.
type flakyTransform struct {
	failuresBeforeSuccess int
	attempts              int
}

func (tx *flakyTransform) Process(_ context.Context, r *pipeline.PipelineRow, _ *plugin.Context) (plugin.TransformResult, error) {
	tx.attempts++
	if tx.attempts <= tx.failuresBeforeSuccess {
		return plugin.TransformResult{Kind: plugin.OutcomeCapacityExhausted}, nil
	}

	return plugin.TransformResult{Kind: plugin.OutcomeSuccess, Row: r}, nil
}

func (tx *flakyTransform) ProcessBatch(ctx context.Context, rows []*pipeline.PipelineRow, pc *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeSuccessMulti, Rows: rows}, nil
}

func (tx *flakyTransform) IsBatchAware() bool { return false }
func (tx *flakyTransform) OnError() string    { return "" }

var _ plugin.TransformPlugin = (*flakyTransform)(nil)

// sumBatchTransform folds a buffer of rows into a single summed row, used to
// exercise OutputSingle aggregation flushing.
type sumBatchTransform struct{ onError string }

func (tx *sumBatchTransform) Process(_ context.Context, r *pipeline.PipelineRow, _ *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeSuccess, Row: r}, nil
}

func (tx *sumBatchTransform) ProcessBatch(_ context.Context, rows []*pipeline.PipelineRow, _ *plugin.Context) (plugin.TransformResult, error) {
	sum := 0

	for _, r := range rows {
		v, _ := r.Get("id")
		if n, ok := v.(int); ok {
			sum += n
		}
	}

	out := pipeline.NewPipelineRow([]pipeline.RowField{{Normalized: "sum", Original: "sum", Value: sum}})

	return plugin.TransformResult{Kind: plugin.OutcomeSuccess, Row: out}, nil
}

func (tx *sumBatchTransform) IsBatchAware() bool { return true }
func (tx *sumBatchTransform) OnError() string    { return tx.onError }

var _ plugin.TransformPlugin = (*sumBatchTransform)(nil)

// expandBatchTransform returns one output row per input row, exercising
// OutputTransform aggregation flushing.
type expandBatchTransform struct{}

func (tx *expandBatchTransform) Process(_ context.Context, r *pipeline.PipelineRow, _ *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeSuccess, Row: r}, nil
}

func (tx *expandBatchTransform) ProcessBatch(_ context.Context, rows []*pipeline.PipelineRow, _ *plugin.Context) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.OutcomeSuccessMulti, Rows: rows}, nil
}

func (tx *expandBatchTransform) IsBatchAware() bool { return true }
func (tx *expandBatchTransform) OnError() string    { return "" }

var _ plugin.TransformPlugin = (*expandBatchTransform)(nil)

// routingGate returns a fixed RoutingAction for every row it evaluates.
type routingGate struct{ action plugin.RoutingAction }

func (g *routingGate) Evaluate(_ context.Context, _ *pipeline.PipelineRow, _ *plugin.Context) (plugin.RoutingAction, error) {
	return g.action, nil
}

var _ plugin.GatePlugin = (*routingGate)(nil)

func linearGraph(t *testing.T) *graph.Graph {
	t.Helper()

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "t1", NodeType: landscape.NodeTypeTransform, PluginName: "identity", ConfigHash: "h-t1"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "t1", Label: graph.RouteContinue},
			{FromNodeID: "t1", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	return g
}

func TestProcessRow_LinearHappyPath(t *testing.T) {
	ctx := context.Background()
	g := linearGraph(t)
	rec := newTestRecorder(t)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 0)

	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"t1": &identityTransform{}},
		nil, nil, nil, nil, nil,
	)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(1))
	require.NoError(t, err)

	require.Len(t, outcome.PendingSinks["out"], 1)
	assert.Equal(t, tok.TokenID, outcome.PendingSinks["out"][0].TokenID)
	assert.Equal(t, landscape.OutcomeCompleted, outcome.PendingSinks["out"][0].Outcome)
}

func TestProcessRow_TransformErrorRoutesToDeadLetterSink(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "t1", NodeType: landscape.NodeTypeTransform, PluginName: "failing", ConfigHash: "h-t1", OnError: "dlq"},
			{NodeID: "dlq", NodeType: landscape.NodeTypeSink, PluginName: "dlq", ConfigHash: "h-dlq"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "t1", Label: graph.RouteContinue},
			{FromNodeID: "t1", ToNodeID: "dlq", Label: graph.RouteDiscard},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 0)

	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"t1": &failingTransform{onError: "dlq", reason: assert.AnError}},
		nil, nil, nil, nil, nil,
	)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(1))
	require.NoError(t, err)

	require.Len(t, outcome.PendingSinks["dlq"], 1)
	assert.Equal(t, landscape.OutcomeFailed, outcome.PendingSinks["dlq"][0].Outcome)
}

func TestProcessRow_TransformErrorDiscardedRecordsFailedImmediately(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "t1", NodeType: landscape.NodeTypeTransform, PluginName: "failing", ConfigHash: "h-t1"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "t1", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 0)

	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"t1": &failingTransform{reason: assert.AnError}},
		nil, nil, nil, nil, nil,
	)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(1))
	require.NoError(t, err)
	assert.Empty(t, outcome.PendingSinks)

	got, err := rec.GetTokenOutcome(ctx, tok.TokenID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, landscape.OutcomeFailed, got.Outcome)
	assert.True(t, got.IsTerminal)
}

func TestStepGate_RouteIsDeferredUntilSinkWrite(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "g1", NodeType: landscape.NodeTypeGate, GateName: "g1", PluginName: "g1", ConfigHash: "h-g1"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "g1", Label: graph.RouteContinue},
			{FromNodeID: "g1", ToNodeID: "out", Label: "route-out"},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 0)

	proc := processor.NewProcessor(run.RunID, rec, g, nil,
		map[string]plugin.GatePlugin{"g1": &routingGate{action: plugin.RoutingAction{Kind: plugin.RouteKindRoute, SinkName: "out"}}},
		nil, nil, nil, nil,
	)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(1))
	require.NoError(t, err)

	require.Len(t, outcome.PendingSinks["out"], 1)
	assert.Equal(t, landscape.OutcomeRouted, outcome.PendingSinks["out"][0].Outcome)

	// The gate's ROUTE decision is not recorded as an outcome until a sink
	// write durably succeeds; the Processor itself never calls
	// RecordTokenOutcome for a sink-bound kind.
	got, err := rec.GetTokenOutcome(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// forkCoalesceGraph builds src -> g1 --(branchA)--> tA --> j1
//
//	\-(branchB)--> tB --> j1 --> out
func forkCoalesceGraph(t *testing.T) *graph.Graph {
	t.Helper()

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "g1", NodeType: landscape.NodeTypeGate, GateName: "g1", PluginName: "g1", ConfigHash: "h-g1"},
			{NodeID: "tA", NodeType: landscape.NodeTypeTransform, PluginName: "identity", ConfigHash: "h-ta"},
			{NodeID: "tB", NodeType: landscape.NodeTypeTransform, PluginName: "identity", ConfigHash: "h-tb"},
			{NodeID: "j1", NodeType: landscape.NodeTypeGate, GateName: "j1", PluginName: "j1", ConfigHash: "h-j1"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "g1", Label: graph.RouteContinue},
			{FromNodeID: "g1", ToNodeID: "tA", Label: "branchA"},
			{FromNodeID: "g1", ToNodeID: "tB", Label: "branchB"},
			{FromNodeID: "tA", ToNodeID: "j1", Label: graph.RouteContinue},
			{FromNodeID: "tB", ToNodeID: "j1", Label: graph.RouteContinue},
			{FromNodeID: "j1", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	return g
}

func TestForkAndCoalesce_S4(t *testing.T) {
	ctx := context.Background()
	g := forkCoalesceGraph(t)
	rec := newTestRecorder(t)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	r, parent := admitRow(t, ctx, rec, run.RunID, "src", 0)

	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"tA": &identityTransform{}, "tB": &identityTransform{}},
		map[string]plugin.GatePlugin{
			"g1": &routingGate{action: plugin.RoutingAction{
				Kind: plugin.RouteKindFork,
				ForkPaths: []plugin.ForkPath{
					{BranchName: "branchA", Destination: "tA"},
					{BranchName: "branchB", Destination: "tB"},
				},
			}},
		},
		nil,
		map[string]processor.CoalescePolicy{"j1": {NodeID: "j1", AwaitedBranches: []string{"branchA", "branchB"}}},
		nil, nil,
	)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, parent.TokenID, "src", row(1))
	require.NoError(t, err)

	require.Len(t, outcome.PendingSinks["out"], 1, "both forked branches join into exactly one merged token")
	mergedTokenID := outcome.PendingSinks["out"][0].TokenID
	assert.NotEqual(t, parent.TokenID, mergedTokenID)

	parentOutcome, err := rec.GetTokenOutcome(ctx, parent.TokenID)
	require.NoError(t, err)
	require.NotNil(t, parentOutcome)
	assert.Equal(t, landscape.OutcomeForked, parentOutcome.Outcome)
	assert.True(t, parentOutcome.IsTerminal)
}

func TestAggregation_CountTriggerOutputSingle(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "agg", NodeType: landscape.NodeTypeTransform, PluginName: "sum", ConfigHash: "h-agg"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "agg", Label: graph.RouteContinue},
			{FromNodeID: "agg", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	count := 3
	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"agg": &sumBatchTransform{}},
		nil,
		map[string]processor.AggregationPolicy{
			"agg": {NodeID: "agg", Trigger: processor.TriggerPolicy{Count: &count}, OutputMode: processor.OutputSingle},
		},
		nil, nil, nil,
	)

	var tokenIDs []string

	for i := 0; i < 2; i++ {
		r, tok := admitRow(t, ctx, rec, run.RunID, "src", int64(i))
		tokenIDs = append(tokenIDs, tok.TokenID)

		outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(i+1))
		require.NoError(t, err)
		assert.Empty(t, outcome.PendingSinks, "buffer has not yet reached its count trigger")
	}

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 2)
	tokenIDs = append(tokenIDs, tok.TokenID)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(3))
	require.NoError(t, err)

	require.Len(t, outcome.PendingSinks["out"], 1, "count trigger fires on the third admission")

	outVal, _ := outcome.PendingSinks["out"][0].Row.Get("sum")
	assert.Equal(t, 6, outVal)

	for _, tid := range tokenIDs {
		got, err := rec.GetTokenOutcome(ctx, tid)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, landscape.OutcomeConsumedInBatch, got.Outcome)
	}
}

func TestAggregation_OutputTransformMultiOutput(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "agg", NodeType: landscape.NodeTypeTransform, PluginName: "expand", ConfigHash: "h-agg"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "agg", Label: graph.RouteContinue},
			{FromNodeID: "agg", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	count := 2
	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"agg": &expandBatchTransform{}},
		nil,
		map[string]processor.AggregationPolicy{
			"agg": {NodeID: "agg", Trigger: processor.TriggerPolicy{Count: &count}, OutputMode: processor.OutputTransform},
		},
		nil, nil, nil,
	)

	var last processor.RowOutcome

	for i := 0; i < 2; i++ {
		r, tok := admitRow(t, ctx, rec, run.RunID, "src", int64(i))

		outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(i+1))
		require.NoError(t, err)

		last = outcome
	}

	require.Len(t, last.PendingSinks["out"], 2, "expand emits one output token per input row")
}

func TestAggregation_Passthrough(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "agg", NodeType: landscape.NodeTypeTransform, PluginName: "noop", ConfigHash: "h-agg"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "agg", Label: graph.RouteContinue},
			{FromNodeID: "agg", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	count := 2
	proc := processor.NewProcessor(run.RunID, rec, g, nil, nil,
		map[string]processor.AggregationPolicy{
			"agg": {NodeID: "agg", Trigger: processor.TriggerPolicy{Count: &count}, OutputMode: processor.OutputPassthrough},
		},
		nil, nil, nil,
	)

	var last processor.RowOutcome
	var tokenIDs []string

	for i := 0; i < 2; i++ {
		r, tok := admitRow(t, ctx, rec, run.RunID, "src", int64(i))
		tokenIDs = append(tokenIDs, tok.TokenID)

		outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(i+1))
		require.NoError(t, err)

		last = outcome
	}

	require.Len(t, last.PendingSinks["out"], 2, "passthrough releases every admitted token unchanged")
	assert.ElementsMatch(t, tokenIDs, []string{last.PendingSinks["out"][0].TokenID, last.PendingSinks["out"][1].TokenID})

	for _, tid := range tokenIDs {
		got, err := rec.GetTokenOutcome(ctx, tid)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, landscape.OutcomeBuffered, got.Outcome, "passthrough tokens are never marked CONSUMED_IN_BATCH")
	}
}

func TestAggregation_LazyTimeout_S3(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "agg", NodeType: landscape.NodeTypeTransform, PluginName: "sum", ConfigHash: "h-agg"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "agg", Label: graph.RouteContinue},
			{FromNodeID: "agg", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	timeout := 5 * time.Millisecond
	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"agg": &sumBatchTransform{}},
		nil,
		map[string]processor.AggregationPolicy{
			"agg": {NodeID: "agg", Trigger: processor.TriggerPolicy{WallClockTimeout: &timeout}, OutputMode: processor.OutputSingle},
		},
		nil, nil, nil,
	)

	// Admit rows 1..3; none of them reach the count trigger (there is none).
	for i := 0; i < 3; i++ {
		r, tok := admitRow(t, ctx, rec, run.RunID, "src", int64(i))

		outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(i+1))
		require.NoError(t, err)
		assert.Empty(t, outcome.PendingSinks)
	}

	// Checking immediately (no time elapsed) must not fire: the timeout is
	// lazy, evaluated only when asked, never on a background ticker.
	immediate, err := proc.CheckAggregationTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, immediate.PendingSinks)

	time.Sleep(20 * time.Millisecond)

	// The next row's admission path calls CheckAggregationTimeouts before
	// buffering it, exactly as Orchestrator.Run does.
	timedOut, err := proc.CheckAggregationTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, timedOut.PendingSinks["out"], 1, "elapsed wall-clock timeout flushes the buffer of 3")

	outVal, _ := timedOut.PendingSinks["out"][0].Row.Get("sum")
	assert.Equal(t, 6, outVal)
}

func TestFlushAggregations_EndOfSource(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "agg", NodeType: landscape.NodeTypeTransform, PluginName: "sum", ConfigHash: "h-agg"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "agg", Label: graph.RouteContinue},
			{FromNodeID: "agg", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	count := 100 // never reached by count alone
	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"agg": &sumBatchTransform{}},
		nil,
		map[string]processor.AggregationPolicy{
			"agg": {NodeID: "agg", Trigger: processor.TriggerPolicy{Count: &count, EndOfSource: true}, OutputMode: processor.OutputSingle},
		},
		nil, nil, nil,
	)

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 0)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(5))
	require.NoError(t, err)
	assert.Empty(t, outcome.PendingSinks)

	flushed, err := proc.FlushAggregations(ctx)
	require.NoError(t, err)
	require.Len(t, flushed.PendingSinks["out"], 1, "end-of-source flush must run even for a single buffered row")

	// A second flush with nothing admitted since the first is a no-op —
	// end-of-source flush must always run, even with zero rows in the buffer.
	empty, err := proc.FlushAggregations(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.PendingSinks)
}

func TestRestoreAggregationState_ReopensIncompleteBatch(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "agg", NodeType: landscape.NodeTypeTransform, PluginName: "sum", ConfigHash: "h-agg"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "agg", Label: graph.RouteContinue},
			{FromNodeID: "agg", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	count := 5
	aggregations := map[string]processor.AggregationPolicy{
		"agg": {NodeID: "agg", Trigger: processor.TriggerPolicy{Count: &count}, OutputMode: processor.OutputSingle},
	}

	// Simulate a pre-crash run that admitted two rows into the buffer but
	// never reached its trigger.
	proc1 := processor.NewProcessor(run.RunID, rec, g, map[string]plugin.TransformPlugin{"agg": &sumBatchTransform{}}, nil, aggregations, nil, nil, nil)

	var preCrashRows []*landscape.Row

	for i := 0; i < 2; i++ {
		r, tok := admitRow(t, ctx, rec, run.RunID, "src", int64(i))
		preCrashRows = append(preCrashRows, r)
		_, err := proc1.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(i+1))
		require.NoError(t, err)
	}

	batches, err := rec.GetIncompleteBatches(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	originalBatchID := batches[0].BatchID

	// A fresh Processor (as Resume constructs) must reconstruct that open
	// batch before any further rows are admitted.
	proc2 := processor.NewProcessor(run.RunID, rec, g, map[string]plugin.TransformPlugin{"agg": &sumBatchTransform{}}, nil, aggregations, nil, nil, nil)
	require.NoError(t, proc2.RestoreAggregationState(ctx))

	// Resume re-admits each unprocessed row through the normal ProcessRow
	// path with a freshly created token — it never reuses the pre-crash
	// token, since that row's data (not its BUFFERED token) is what
	// GetUnprocessedRowIDs returns.
	for _, r := range preCrashRows {
		tok, err := rec.CreateToken(ctx, r.RowID, nil, nil)
		require.NoError(t, err)

		_, err = proc2.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(int(r.RowIndex)+1))
		require.NoError(t, err)
	}

	flushed, err := proc2.FlushAggregations(ctx)
	require.NoError(t, err)
	require.Len(t, flushed.PendingSinks["out"], 1, "the restored buffer accepts the reprocessed members and still flushes on end-of-source")

	outVal, _ := flushed.PendingSinks["out"][0].Row.Get("sum")
	assert.Equal(t, 3, outVal, "the reprocessed rows (1+2) are exactly the pre-crash buffer contents")

	members, err := rec.GetBatchMembers(ctx, originalBatchID)
	require.NoError(t, err)
	assert.NotEmpty(t, members, "reprocessed rows land back in the original batch, not a new one")
}

// TestWorkQueueExceeded_S7 builds a long acyclic transform chain (longer than
// MaxWorkQueueIterations) programmatically: a DAG this deep can never be
// hand-typed, but it is still acyclic, which is the only shape graph.Build
// accepts. This reproduces the guard's actual purpose: a misconfigured
// pipeline with a degenerate, enormous number of hops for one row, not a
// true cycle (those are rejected at Build time instead).
func TestWorkQueueExceeded_S7(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	chainLen := processor.MaxWorkQueueIterations + 5

	nodes := make([]graph.NodeSpec, 0, chainLen+1)
	edges := make([]graph.EdgeSpec, 0, chainLen)
	transforms := make(map[string]plugin.TransformPlugin, chainLen)

	nodes = append(nodes, graph.NodeSpec{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"})

	prev := "src"

	for i := 0; i < chainLen; i++ {
		id := fmt.Sprintf("t%d", i)
		nodes = append(nodes, graph.NodeSpec{NodeID: id, NodeType: landscape.NodeTypeTransform, PluginName: "identity", ConfigHash: "h-" + id})
		edges = append(edges, graph.EdgeSpec{FromNodeID: prev, ToNodeID: id, Label: graph.RouteContinue})
		transforms[id] = &identityTransform{}
		prev = id
	}

	nodes = append(nodes, graph.NodeSpec{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"})
	edges = append(edges, graph.EdgeSpec{FromNodeID: prev, ToNodeID: "out", Label: graph.RouteContinue})

	g, err := graph.Build(nodes, edges)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 0)

	proc := processor.NewProcessor(run.RunID, rec, g, transforms, nil, nil, nil, nil, nil)

	_, err = proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, processor.ErrWorkQueueExceeded)
}

func TestRetryManager_TransientThenSuccess(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "t1", NodeType: landscape.NodeTypeTransform, PluginName: "flaky", ConfigHash: "h-t1"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "t1", Label: graph.RouteContinue},
			{FromNodeID: "t1", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 0)

	retry := processor.NewRetryManager(processor.RetryConfig{
		MaxRetries: 5, MaxElapsed: time.Second, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	})

	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"t1": &flakyTransform{failuresBeforeSuccess: 2}},
		nil, nil, nil, retry, nil,
	)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(1))
	require.NoError(t, err)
	require.Len(t, outcome.PendingSinks["out"], 1, "the retried attempt eventually succeeds and still reaches the sink")
}

func TestRetryManager_ExhaustsAndFails(t *testing.T) {
	ctx := context.Background()
	rec := newTestRecorder(t)

	g, err := graph.Build(
		[]graph.NodeSpec{
			{NodeID: "src", NodeType: landscape.NodeTypeSource, PluginName: "src", ConfigHash: "h-src"},
			{NodeID: "t1", NodeType: landscape.NodeTypeTransform, PluginName: "flaky", ConfigHash: "h-t1"},
			{NodeID: "out", NodeType: landscape.NodeTypeSink, PluginName: "out", ConfigHash: "h-out"},
		},
		[]graph.EdgeSpec{
			{FromNodeID: "src", ToNodeID: "t1", Label: graph.RouteContinue},
			{FromNodeID: "t1", ToNodeID: "out", Label: graph.RouteContinue},
		},
	)
	require.NoError(t, err)

	run, err := rec.BeginRun(ctx, "cfg", "v1")
	require.NoError(t, err)

	r, tok := admitRow(t, ctx, rec, run.RunID, "src", 0)

	retry := processor.NewRetryManager(processor.RetryConfig{
		MaxRetries: 2, MaxElapsed: time.Second, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	})

	proc := processor.NewProcessor(run.RunID, rec, g,
		map[string]plugin.TransformPlugin{"t1": &flakyTransform{failuresBeforeSuccess: 100}},
		nil, nil, nil, retry, nil,
	)

	outcome, err := proc.ProcessRow(ctx, r.RowID, r.RowIndex, tok.TokenID, "src", row(1))
	require.NoError(t, err)
	assert.Empty(t, outcome.PendingSinks, "retries exhausted with no on_error sink discards the token")

	got, err := rec.GetTokenOutcome(ctx, tok.TokenID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, landscape.OutcomeFailed, got.Outcome)
}

func TestRetryManager_FatalErrorSurfacesWithoutRetrying(t *testing.T) {
	ctx := context.Background()

	retry := processor.NewRetryManager(processor.RetryConfig{
		MaxRetries: 5, MaxElapsed: time.Second, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond,
	})

	attempts := 0
	fatal := fmt.Errorf("permanent failure")

	err := retry.Retry(ctx, func(error) bool { return false }, func(context.Context) error {
		attempts++

		return fatal
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts, "a non-transient error must never be retried")
}
