package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/payloadstore"
	"github.com/elspeth-io/elspeth/internal/pipeline"
	"github.com/elspeth-io/elspeth/internal/plugin"
	"github.com/elspeth-io/elspeth/internal/processor"
)

// Resume continues runID from its checkpointed state: it validates the
// stored topology/config hashes against the current graph (a hard refusal
// on any mismatch, since the audit contract is one run = one configuration),
// switches every sink to append mode, restores in-flight aggregation
// buffers, and reprocesses exactly the rows the Recorder reports as
// unprocessed — no more, no fewer.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*RunResult, error) {
	o.runID = runID

	if _, err := o.cfg.Recorder.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	if err := o.validateCheckpointCompatibility(ctx, runID); err != nil {
		return nil, err
	}

	if err := o.assertPluginAssignments(); err != nil {
		return nil, err
	}

	sourceNodeID, err := o.sourceNodeID()
	if err != nil {
		return nil, err
	}

	for nodeID, sink := range o.cfg.Sinks {
		if err := sink.SetMode(plugin.SinkModeAppend); err != nil {
			return nil, fmt.Errorf("%w: sink %s: %w", ErrSinkCannotAppend, nodeID, err)
		}
	}

	rowIDs, err := o.cfg.Recorder.GetUnprocessedRowIDs(ctx, runID)
	if err != nil {
		return nil, err
	}

	o.cfg.Logger.Info("resuming run",
		slog.String("run_id", runID), slog.Int("unprocessed_rows", len(rowIDs)))

	proc := processor.NewProcessor(
		o.runID, o.cfg.Recorder, o.cfg.Graph,
		o.cfg.Transforms, o.cfg.Gates, o.cfg.Aggregations, o.cfg.CoalesceNodes,
		o.cfg.Retry, o.cfg.Emit,
	)

	if err := proc.RestoreAggregationState(ctx); err != nil {
		return nil, err
	}

	pending := make(map[string][]processor.PendingToken)

	var runErr error

	reprocessed := 0

	for _, rowID := range rowIDs {
		if err := o.reprocessRow(ctx, proc, sourceNodeID, rowID, pending); err != nil {
			runErr = err

			break
		}

		reprocessed++
	}

	flushOutcome, flushErr := proc.FlushAggregations(ctx)
	if flushErr != nil && runErr == nil {
		runErr = flushErr
	}

	mergePending(pending, flushOutcome)

	status := landscape.RunStatusCompleted
	if runErr != nil {
		status = landscape.RunStatusFailed
	}

	for sinkNodeID, tokens := range pending {
		if err := o.writeSink(ctx, sinkNodeID, tokens); err != nil {
			status = landscape.RunStatusFailed

			if runErr == nil {
				runErr = err
			}
		}
	}

	if status == landscape.RunStatusCompleted {
		if err := o.cfg.Recorder.DeleteCheckpoints(ctx, runID); err != nil && runErr == nil {
			runErr = err
		}
	}

	if err := o.cfg.Recorder.CompleteRun(ctx, runID, status); err != nil && runErr == nil {
		runErr = err
	}

	return &RunResult{RunID: runID, Status: status, RowsReprocessed: reprocessed}, runErr
}

// reprocessRow fetches a resumable row's bytes from the payload store —
// fatal if purged, since the row cannot be reconstructed — and drives a
// freshly-created token for it through the Processor exactly as a first-pass
// admission would.
func (o *Orchestrator) reprocessRow(
	ctx context.Context, proc *processor.Processor, sourceNodeID string, rowID int64,
	pending map[string][]processor.PendingToken,
) error {
	row, err := o.cfg.Recorder.GetRowByID(ctx, rowID)
	if err != nil {
		return err
	}

	if row.SourceDataRef == "" {
		return nil
	}

	data, err := o.cfg.PayloadStore.Get(row.SourceDataRef)
	if err != nil {
		return fmt.Errorf("orchestrator: row %d: %w: %w", rowID, payloadstore.ErrNotFound, err)
	}

	pr, err := pipeline.Unmarshal(data)
	if err != nil {
		return err
	}

	token, err := o.cfg.Recorder.CreateToken(ctx, rowID, nil, nil)
	if err != nil {
		return err
	}

	outcome, err := proc.ProcessRow(ctx, rowID, row.RowIndex, token.TokenID, sourceNodeID, pr)
	if err != nil {
		return err
	}

	mergePending(pending, outcome)

	return nil
}

// validateCheckpointCompatibility enforces a hard resume refusal on mismatch:
// every stored checkpoint's upstream_topology_hash must match the current
// graph's topology hash, and the checkpoint node's recorded config hash must
// match that node's current config hash. Any mismatch is ErrCheckpointIncompatible,
// never a partial/best-effort resume.
func (o *Orchestrator) validateCheckpointCompatibility(ctx context.Context, runID string) error {
	checkpoints, err := o.cfg.Recorder.ListCheckpoints(ctx, runID)
	if err != nil {
		return err
	}

	currentTopology := o.cfg.Graph.TopologyHash()

	for _, cp := range checkpoints {
		if cp.UpstreamTopologyHash != currentTopology {
			return fmt.Errorf("%w: run %s topology changed since checkpoint", ErrCheckpointIncompatible, runID)
		}

		spec, ok := o.cfg.Graph.Node(cp.NodeID)
		if !ok || spec.ConfigHash != cp.CheckpointNodeCfgHash {
			return fmt.Errorf("%w: run %s checkpoint node %s config changed", ErrCheckpointIncompatible, runID, cp.NodeID)
		}
	}

	return nil
}
