package orchestrator

import (
	"context"

	"github.com/elspeth-io/elspeth/internal/graph"
	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/pipeline"
	"github.com/elspeth-io/elspeth/internal/plugin"
	"github.com/elspeth-io/elspeth/internal/processor"
)

// admitQuarantined persists a quarantined row — a Row is created when the
// source admits a row, whether valid or quarantined — and either
// records its QUARANTINED outcome immediately, when discarded, or queues it
// for the configured quarantine sink alongside every other pending token —
// so a quarantined row's outcome is recorded after a durable sink write the
// same way a processed row's is, never before.
//
// Quarantined tokens never carry a schema contract and never enter the
// Processor: sr.Row here is the source's best-effort raw data, not a row
// that has been validated against any SchemaContract.
func (o *Orchestrator) admitQuarantined(
	ctx context.Context, rowIndex int64, sourceNodeID string,
	sr *plugin.SourceRow, pending map[string][]processor.PendingToken,
) (int64, error) {
	var hash string

	if sr.Row != nil {
		data, err := pipeline.Marshal(sr.Row)
		if err != nil {
			return rowIndex, err
		}

		h, err := o.cfg.PayloadStore.Put(data)
		if err != nil {
			return rowIndex, err
		}

		hash = h
	}

	row, err := o.cfg.Recorder.CreateRow(ctx, &landscape.Row{
		RunID: o.runID, SourceNodeID: sourceNodeID, RowIndex: rowIndex,
		SourceDataHash: hash, SourceDataRef: hash,
	})
	if err != nil {
		return rowIndex, err
	}

	token, err := o.cfg.Recorder.CreateToken(ctx, row.RowID, nil, nil)
	if err != nil {
		return rowIndex, err
	}

	dest := sr.Destination
	if dest == "" || dest == graph.RouteDiscard {
		return rowIndex + 1, o.cfg.Recorder.RecordTokenOutcome(ctx, &landscape.TokenOutcome{
			RunID: o.runID, TokenID: token.TokenID,
			Outcome: landscape.OutcomeQuarantined, IsTerminal: true,
		})
	}

	sinkNodeID, ok := o.cfg.Graph.SinkIDMap()[dest]
	if !ok {
		sinkNodeID = dest
	}

	pending[sinkNodeID] = append(pending[sinkNodeID], processor.PendingToken{
		TokenID: token.TokenID, Row: sr.Row, Outcome: landscape.OutcomeQuarantined,
	})

	return rowIndex + 1, nil
}
