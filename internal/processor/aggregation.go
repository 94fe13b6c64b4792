package processor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-io/elspeth/internal/graph"
	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/pipeline"
	"github.com/elspeth-io/elspeth/internal/plugin"
)

// stepAggregate admits one arriving row to nodeID's buffer and, when the
// buffer's count trigger is immediately satisfied, flushes it in the same
// call. The wall-clock timeout is never checked here — it fires lazily, only
// from CheckAggregationTimeouts/FlushAggregations.
func (p *Processor) stepAggregate(ctx context.Context, policy AggregationPolicy, item workItem) ([]workItem, error) {
	buf := p.buffers[item.NodeID]

	if err := p.admitToBuffer(ctx, item.NodeID, buf, item); err != nil {
		return nil, err
	}

	if buf.policy.Trigger.Count == nil || len(buf.members) < *buf.policy.Trigger.Count {
		return nil, nil
	}

	return p.flushBuffer(ctx, item.NodeID, buf)
}

// admitToBuffer appends (tokenID, row) to nodeID's aggregation buffer,
// opening its batch on first admission, and records the non-terminal
// BUFFERED outcome.
func (p *Processor) admitToBuffer(ctx context.Context, nodeID string, buf *aggregationBuffer, item workItem) error {
	now := time.Now().UTC()

	if !buf.opened {
		batch, err := p.rec.CreateBatch(ctx, &landscape.Batch{
			BatchID:           uuid.NewString(),
			RunID:             p.runID,
			AggregationNodeID: nodeID,
			Status:            landscape.BatchDraft,
			Attempt:           1,
			OpenedAt:          now,
		})
		if err != nil {
			return err
		}

		buf.batchID = batch.BatchID
		buf.opened = true
		buf.openedAt = now
	}

	buf.lastArrival = now
	buf.members = append(buf.members, bufferMember{TokenID: item.TokenID, RowID: item.RowID, RowIndex: item.RowIndex, Row: item.Row})

	if err := p.rec.AddBatchMember(ctx, &landscape.BatchMember{
		BatchID: buf.batchID, TokenID: item.TokenID, Role: landscape.BatchMemberInput,
	}); err != nil {
		return err
	}

	batchID := buf.batchID

	return p.recordOutcome(ctx, item.TokenID, landscape.OutcomeBuffered, &landscape.TokenOutcome{BatchID: &batchID})
}

// CheckAggregationTimeouts evaluates every aggregation node's lazy wall-clock
// timeout and flushes any buffer whose timeout has elapsed since it opened.
// The Orchestrator calls this before admitting each new row, which is what
// makes the timeout "lazy": a truly idle buffer with no further rows
// arriving never gets checked again.
func (p *Processor) CheckAggregationTimeouts(ctx context.Context) (RowOutcome, error) {
	outcome := newRowOutcome()

	for nodeID, buf := range p.buffers {
		if !buf.opened || buf.policy.Trigger.WallClockTimeout == nil {
			continue
		}

		if time.Since(buf.openedAt) < *buf.policy.Trigger.WallClockTimeout {
			continue
		}

		items, err := p.flushBuffer(ctx, nodeID, buf)
		if err != nil {
			return outcome, err
		}

		if err := p.drainWorkItems(ctx, items, &outcome); err != nil {
			return outcome, err
		}
	}

	return outcome, nil
}

// FlushAggregations flushes every open aggregation buffer unconditionally.
// Called once, after the source is exhausted; this guarantees a trailing
// partial batch is never silently dropped, and it runs even when zero rows
// were ever admitted to any buffer.
func (p *Processor) FlushAggregations(ctx context.Context) (RowOutcome, error) {
	outcome := newRowOutcome()

	for nodeID, buf := range p.buffers {
		if !buf.opened {
			continue
		}

		items, err := p.flushBuffer(ctx, nodeID, buf)
		if err != nil {
			return outcome, err
		}

		if err := p.drainWorkItems(ctx, items, &outcome); err != nil {
			return outcome, err
		}
	}

	return outcome, nil
}

// drainWorkItems runs items (and whatever they in turn produce) through the
// same bounded work-queue loop ProcessRow uses, folding any tokens that reach
// a sink into outcome. Used by the two aggregation-flush entry points, which
// sit outside any single ProcessRow call and so need their own queue.
func (p *Processor) drainWorkItems(ctx context.Context, items []workItem, outcome *RowOutcome) error {
	queue := append([]workItem{}, items...)
	iterations := 0

	for len(queue) > 0 {
		iterations++
		if iterations > MaxWorkQueueIterations {
			return fmt.Errorf("%w: aggregation flush", ErrWorkQueueExceeded)
		}

		item := queue[0]
		queue = queue[1:]

		more, err := p.step(ctx, item.RowID, item, outcome)
		if err != nil {
			return err
		}

		queue = append(queue, more...)
	}

	return nil
}

// flushBuffer closes nodeID's buffer, translating its buffered members into
// output work items per the node's OutputMode, and resets the buffer so
// later arrivals open a fresh batch. An empty buffer is a no-op: end-of-source
// flush must tolerate aggregation nodes that never admitted a row.
func (p *Processor) flushBuffer(ctx context.Context, nodeID string, buf *aggregationBuffer) ([]workItem, error) {
	if len(buf.members) == 0 {
		return nil, nil
	}

	members := append([]bufferMember{}, buf.members...)
	sort.SliceStable(members, func(i, j int) bool { return members[i].RowIndex < members[j].RowIndex })

	batchID := buf.batchID

	if err := p.rec.UpdateBatchStatus(ctx, batchID, landscape.BatchExecuting); err != nil {
		return nil, err
	}

	var (
		next []workItem
		err  error
	)

	switch buf.policy.OutputMode {
	case OutputPassthrough:
		next = p.flushPassthrough(nodeID, members)
	case OutputSingle, OutputTransform:
		next, err = p.flushTransform(ctx, nodeID, batchID, members)
	default:
		err = fmt.Errorf("processor: aggregation %s has invalid output mode %q", nodeID, buf.policy.OutputMode)
	}

	if err != nil {
		_ = p.rec.UpdateBatchStatus(ctx, batchID, landscape.BatchFailed)

		return nil, err
	}

	if err := p.rec.UpdateBatchStatus(ctx, batchID, landscape.BatchCompleted); err != nil {
		return nil, err
	}

	buf.members = nil
	buf.opened = false
	buf.batchID = ""

	return next, nil
}

// flushPassthrough releases every buffered token unchanged, continuing each
// past the aggregation node without recording CONSUMED_IN_BATCH — its
// eventual outcome is whatever terminal node it reaches downstream.
func (p *Processor) flushPassthrough(nodeID string, members []bufferMember) []workItem {
	var next []workItem

	for _, m := range members {
		next = append(next, p.advance(m.TokenID, m.RowID, m.RowIndex, m.Row, nodeID, "")...)
	}

	return next
}

// flushTransform calls the batch-aware transform registered at nodeID with
// the buffered rows, marks every input CONSUMED_IN_BATCH, and creates one
// output token per row the transform returns (exactly one for OutputSingle,
// zero or more for OutputTransform), each linked to batchID and continuing
// from nodeID.
func (p *Processor) flushTransform(ctx context.Context, nodeID, batchID string, members []bufferMember) ([]workItem, error) {
	tx, ok := p.transforms[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTransform, nodeID)
	}

	rows := make([]*pipeline.PipelineRow, 0, len(members))
	for _, m := range members {
		rows = append(rows, m.Row)
	}

	stateID := uuid.NewString()

	if err := p.rec.RecordNodeState(ctx, &landscape.NodeState{
		StateID: stateID, RunID: p.runID, TokenID: members[0].TokenID, NodeID: nodeID,
		Status: landscape.NodeStateExecuting,
	}); err != nil {
		return nil, err
	}

	pc := plugin.NewContext(p.runID, p.rec, stateID, nil, p.emit)

	result, err := tx.ProcessBatch(ctx, rows, pc)
	if err != nil {
		return nil, err
	}

	if result.Kind != plugin.OutcomeSuccess && result.Kind != plugin.OutcomeSuccessMulti {
		if err := p.recordFailedNodeState(ctx, stateID); err != nil {
			return nil, err
		}

		nodeSpec, _ := p.g.Node(nodeID)
		onError := ""

		if nodeSpec != nil {
			onError = nodeSpec.OnError
		}

		var next []workItem

		for _, m := range members {
			if onError == "" || onError == graph.RouteDiscard {
				if err := p.recordOutcome(ctx, m.TokenID, landscape.OutcomeFailed, nil); err != nil {
					return nil, err
				}

				continue
			}

			next = append(next, workItem{
				TokenID: m.TokenID, NodeID: p.resolveSink(onError),
				RowID: m.RowID, RowIndex: m.RowIndex, Row: m.Row,
				PendingOutcome: landscape.OutcomeFailed,
			})
		}

		return next, nil
	}

	if err := p.completeNodeState(ctx, stateID, p.runID, members[0].TokenID, nodeID); err != nil {
		return nil, err
	}

	outputRows := result.Rows
	if result.Kind == plugin.OutcomeSuccess {
		outputRows = []*pipeline.PipelineRow{result.Row}
	}

	for _, m := range members {
		if err := p.recordOutcome(ctx, m.TokenID, landscape.OutcomeConsumedInBatch, &landscape.TokenOutcome{BatchID: &batchID}); err != nil {
			return nil, err
		}
	}

	var next []workItem

	for _, row := range outputRows {
		child, err := p.rec.CreateToken(ctx, members[0].RowID, nil, nil)
		if err != nil {
			return nil, err
		}

		if err := p.rec.AddBatchMember(ctx, &landscape.BatchMember{BatchID: batchID, TokenID: child.TokenID, Role: landscape.BatchMemberOutput}); err != nil {
			return nil, err
		}

		next = append(next, p.advance(child.TokenID, members[0].RowID, members[0].RowIndex, row, nodeID, "")...)
	}

	return next, nil
}

// RestoreAggregationState reconstructs in-flight aggregation buffers from the
// recorder's incomplete batches, used by Orchestrator.Resume so a crash
// between admitting a row and its buffer's trigger firing does not lose the
// already-admitted members: aggregation state is checkpointable and
// reconstructible.
func (p *Processor) RestoreAggregationState(ctx context.Context) error {
	batches, err := p.rec.GetIncompleteBatches(ctx, p.runID)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		buf, ok := p.buffers[batch.AggregationNodeID]
		if !ok {
			continue
		}

		// The pre-crash members themselves carry no row bytes to restore
		// (they were BUFFERED, never checkpointed) — GetUnprocessedRowIDs
		// returns their rows, so Resume re-admits each through the normal
		// ProcessRow path and they land back in this same reopened batch.
		// Restoring just the batch identity and open time here is what
		// makes that landing correct: count resumes from zero new arrivals
		// against the original batch, and the wall-clock timeout is judged
		// against the original open time, not a fresh one.
		buf.batchID = batch.BatchID
		buf.opened = true
		buf.openedAt = batch.OpenedAt
		buf.lastArrival = batch.OpenedAt
		buf.members = nil
	}

	return nil
}
