package landscape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) Recorder {
	t.Helper()

	r, err := NewSQLiteMemoryRecorder()
	require.NoError(t, err)

	t.Cleanup(func() { _ = r.Close() })

	return r
}

func seedRun(t *testing.T, ctx context.Context, r Recorder) *Run {
	t.Helper()

	run, err := r.BeginRun(ctx, "cfg-hash", "v1")
	require.NoError(t, err)

	return run
}

func TestSQLiteRecorder_BeginAndCompleteRun(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	run := seedRun(t, ctx, r)
	assert.Equal(t, RunStatusRunning, run.Status)

	require.NoError(t, r.CompleteRun(ctx, run.RunID, RunStatusCompleted))

	got, err := r.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLiteRecorder_CompleteRun_NotFound(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)

	err := r.CompleteRun(ctx, "missing-run", RunStatusCompleted)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLiteRecorder_RegisterNodeAndEdge(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)
	run := seedRun(t, ctx, r)

	src := &Node{
		NodeID: "n1", RunID: run.RunID, PluginName: "csv_source",
		NodeType: NodeTypeSource, PluginVersion: "1.0.0",
		Determinism: DeterminismIORead, ConfigHash: "h1",
	}
	require.NoError(t, r.RegisterNode(ctx, src))

	sink := &Node{
		NodeID: "n2", RunID: run.RunID, PluginName: "csv_sink",
		NodeType: NodeTypeSink, PluginVersion: "1.0.0",
		Determinism: DeterminismIOWrite, ConfigHash: "h2",
	}
	require.NoError(t, r.RegisterNode(ctx, sink))

	err := r.RegisterNode(ctx, src)
	assert.ErrorIs(t, err, ErrDuplicateNode)

	edge := &Edge{RunID: run.RunID, FromNodeID: "n1", ToNodeID: "n2", Label: "default"}
	require.NoError(t, r.RegisterEdge(ctx, edge))
	assert.NotZero(t, edge.EdgeID)

	nodes, err := r.GetNodes(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	edges, err := r.GetEdges(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestSQLiteRecorder_RowAndTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)
	run := seedRun(t, ctx, r)

	row, err := r.CreateRow(ctx, &Row{
		RunID: run.RunID, SourceNodeID: "n1", RowIndex: 0,
		SourceDataHash: "deadbeef", SourceDataRef: "deadbeef",
	})
	require.NoError(t, err)
	assert.NotZero(t, row.RowID)

	tok, err := r.CreateToken(ctx, row.RowID, nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.TokenID)

	require.NoError(t, r.RecordNodeState(ctx, &NodeState{
		RunID: run.RunID, TokenID: tok.TokenID, NodeID: "n1", Status: NodeStateCompleted,
	}))

	got, err := r.GetRowByID(ctx, row.RowID)
	require.NoError(t, err)
	assert.Equal(t, row.SourceDataHash, got.SourceDataHash)
}

func TestSQLiteRecorder_TokenOutcome_DuplicateTerminalRejected(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)
	run := seedRun(t, ctx, r)

	row, err := r.CreateRow(ctx, &Row{RunID: run.RunID, SourceNodeID: "n1", RowIndex: 0, SourceDataHash: "h", SourceDataRef: "h"})
	require.NoError(t, err)

	tok, err := r.CreateToken(ctx, row.RowID, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.RecordTokenOutcome(ctx, &TokenOutcome{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeCompleted,
	}))

	err = r.RecordTokenOutcome(ctx, &TokenOutcome{
		RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeFailed,
	})
	assert.ErrorIs(t, err, ErrDuplicateTerminalOutcome)

	out, err := r.GetTokenOutcome(ctx, tok.TokenID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, out.Outcome)
}

func TestSQLiteRecorder_TokenOutcome_MultipleBufferedAllowed(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)
	run := seedRun(t, ctx, r)

	row, err := r.CreateRow(ctx, &Row{RunID: run.RunID, SourceNodeID: "n1", RowIndex: 0, SourceDataHash: "h", SourceDataRef: "h"})
	require.NoError(t, err)

	tok, err := r.CreateToken(ctx, row.RowID, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.RecordTokenOutcome(ctx, &TokenOutcome{
			RunID: run.RunID, TokenID: tok.TokenID, Outcome: OutcomeBuffered,
		}))
	}
}

func TestSQLiteRecorder_BatchLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)
	run := seedRun(t, ctx, r)

	row, err := r.CreateRow(ctx, &Row{RunID: run.RunID, SourceNodeID: "n1", RowIndex: 0, SourceDataHash: "h", SourceDataRef: "h"})
	require.NoError(t, err)

	tok, err := r.CreateToken(ctx, row.RowID, nil, nil)
	require.NoError(t, err)

	batch, err := r.CreateBatch(ctx, &Batch{RunID: run.RunID, AggregationNodeID: "agg1", TriggerReason: "size"})
	require.NoError(t, err)

	require.NoError(t, r.AddBatchMember(ctx, &BatchMember{BatchID: batch.BatchID, TokenID: tok.TokenID, Role: BatchMemberInput}))

	members, err := r.GetBatchMembers(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	require.NoError(t, r.UpdateBatchStatus(ctx, batch.BatchID, BatchExecuting))

	incomplete, err := r.GetIncompleteBatches(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, incomplete, 1)

	require.NoError(t, r.UpdateBatchStatus(ctx, batch.BatchID, BatchFailed))

	retried, err := r.RetryBatch(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, retried.Attempt)
	assert.Equal(t, BatchDraft, retried.Status)
}

func TestSQLiteRecorder_CheckpointsAndResumeSet(t *testing.T) {
	ctx := context.Background()
	r := newTestRecorder(t)
	run := seedRun(t, ctx, r)

	unprocessedRow, err := r.CreateRow(ctx, &Row{RunID: run.RunID, SourceNodeID: "n1", RowIndex: 0, SourceDataHash: "h0", SourceDataRef: "h0"})
	require.NoError(t, err)

	processedRow, err := r.CreateRow(ctx, &Row{RunID: run.RunID, SourceNodeID: "n1", RowIndex: 1, SourceDataHash: "h1", SourceDataRef: "h1"})
	require.NoError(t, err)

	_, err = r.CreateToken(ctx, unprocessedRow.RowID, nil, nil)
	require.NoError(t, err)

	processedTok, err := r.CreateToken(ctx, processedRow.RowID, nil, nil)
	require.NoError(t, err)

	_, err = r.CreateCheckpoint(ctx, &Checkpoint{
		RunID: run.RunID, TokenID: processedTok.TokenID, NodeID: "sink1", SequenceNumber: 1,
		UpstreamTopologyHash: "topo", CheckpointNodeCfgHash: "cfg",
	})
	require.NoError(t, err)

	unprocessed, err := r.GetUnprocessedRowIDs(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	assert.Equal(t, unprocessedRow.RowID, unprocessed[0])

	checkpoints, err := r.ListCheckpoints(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)

	require.NoError(t, r.DeleteCheckpoints(ctx, run.RunID))

	checkpoints, err = r.ListCheckpoints(ctx, run.RunID)
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
}
