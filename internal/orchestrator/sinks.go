package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/plugin"
	"github.com/elspeth-io/elspeth/internal/processor"
)

// writeSink calls sinkNodeID's plugin once with every token accumulated for
// it this run. onTokenWritten fires per token as soon as its bytes are
// durably persisted, per the SinkPlugin contract, and it is the only place
// in the whole Orchestrator that calls RecordTokenOutcome for a sink-bound
// kind and CreateCheckpoint — both only ever after the write that token
// belongs to has already happened.
//
// A SinkWriteError fails the whole batch: no outcome or checkpoint is
// recorded for any token onTokenWritten was never called for, and those
// rows remain resumable.
func (o *Orchestrator) writeSink(ctx context.Context, sinkNodeID string, tokens []processor.PendingToken) error {
	sink, ok := o.cfg.Sinks[sinkNodeID]
	if !ok {
		return fmt.Errorf("%w: sink %s", ErrMissingNodeAssignment, sinkNodeID)
	}

	nodeSpec, _ := o.cfg.Graph.Node(sinkNodeID)

	sinkName := sinkNodeID
	cfgHash := ""

	if nodeSpec != nil {
		sinkName = nodeSpec.PluginName
		cfgHash = nodeSpec.ConfigHash
	}

	outcomeByToken := make(map[string]landscape.OutcomeKind, len(tokens))
	written := make([]plugin.WrittenToken, len(tokens))

	for i, t := range tokens {
		written[i] = plugin.WrittenToken{TokenID: t.TokenID, Row: t.Row}
		outcomeByToken[t.TokenID] = t.Outcome
	}

	pc := plugin.NewContext(o.runID, o.cfg.Recorder, uuid.NewString(), nil, o.cfg.Emit)

	var recordErr error

	_, writeErr := sink.Write(ctx, written, pc, func(wt plugin.WrittenToken) {
		if recordErr != nil {
			return
		}

		recordErr = o.recordSinkWrite(ctx, sinkNodeID, sinkName, cfgHash, wt.TokenID, outcomeByToken[wt.TokenID])
	})

	if writeErr != nil {
		return writeErr
	}

	return recordErr
}

// recordSinkWrite records the terminal outcome and creates the sink-node
// checkpoint for exactly one durably-written token.
func (o *Orchestrator) recordSinkWrite(
	ctx context.Context, sinkNodeID, sinkName, cfgHash, tokenID string, kind landscape.OutcomeKind,
) error {
	sn := sinkName

	if err := o.cfg.Recorder.RecordTokenOutcome(ctx, &landscape.TokenOutcome{
		RunID: o.runID, TokenID: tokenID, Outcome: kind, IsTerminal: kind.IsTerminal(), SinkName: &sn,
	}); err != nil {
		return err
	}

	seq := atomic.AddInt64(&o.sequence, 1)

	_, err := o.cfg.Recorder.CreateCheckpoint(ctx, &landscape.Checkpoint{
		RunID: o.runID, TokenID: tokenID, NodeID: sinkNodeID, SequenceNumber: seq,
		UpstreamTopologyHash:  o.cfg.Graph.TopologyHash(),
		CheckpointNodeCfgHash: cfgHash,
		FormatVersion:         1,
	})

	return err
}
