package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/pipeline"
	"github.com/elspeth-io/elspeth/internal/plugin"
	"github.com/elspeth-io/elspeth/internal/processor"
	"github.com/elspeth-io/elspeth/internal/secrets"
)

// Run begins a new run and drives it to completion: register the graph,
// pump every row the source yields, flush aggregations at end-of-source,
// write each sink's accumulated tokens, and record outcomes/checkpoints only
// for what durably wrote.
//
// Ctrl-C (SIGINT/SIGTERM) during admission is handled like an HTTP server's
// graceful shutdown signal: stop admitting, then fall through to the same
// flush-and-write tail every other
// exit path uses, so a crash or an operator interrupt leave the run in the
// identical resumable state.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	run, err := o.cfg.Recorder.BeginRun(ctx, o.cfg.ConfigHash, o.cfg.CanonicalVersion)
	if err != nil {
		return nil, err
	}

	o.runID = run.RunID

	o.cfg.Logger.Info("run started",
		slog.String("run_id", o.runID),
		slog.String("config_hash", o.cfg.ConfigHash),
	)

	if err := o.registerGraph(ctx); err != nil {
		return o.abortRun(ctx, err)
	}

	if err := o.assertPluginAssignments(); err != nil {
		return o.abortRun(ctx, err)
	}

	sourceNodeID, err := o.sourceNodeID()
	if err != nil {
		return o.abortRun(ctx, err)
	}

	proc := processor.NewProcessor(
		o.runID, o.cfg.Recorder, o.cfg.Graph,
		o.cfg.Transforms, o.cfg.Gates, o.cfg.Aggregations, o.cfg.CoalesceNodes,
		o.cfg.Retry, o.cfg.Emit,
	)

	pending := make(map[string][]processor.PendingToken)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(stop)

	var (
		rowIndex  int64
		runErr    error
		cancelled bool
	)

admit:
	for {
		select {
		case <-ctx.Done():
			cancelled = true

			break admit
		case sig := <-stop:
			o.cfg.Logger.Info("admission cancelled", slog.String("signal", sig.String()))

			cancelled = true

			break admit
		default:
		}

		timeoutOutcome, err := proc.CheckAggregationTimeouts(ctx)
		if err != nil {
			runErr = err

			break admit
		}

		mergePending(pending, timeoutOutcome)

		sr, ok, err := o.cfg.Source.Next(ctx)
		if err != nil {
			runErr = err

			break admit
		}

		if !ok {
			break admit
		}

		if !sr.Valid {
			rowIndex, err = o.admitQuarantined(ctx, rowIndex, sourceNodeID, sr, pending)
			if err != nil {
				runErr = err

				break admit
			}

			continue
		}

		rowIndex, err = o.admitValid(ctx, proc, rowIndex, sourceNodeID, sr, pending)
		if err != nil {
			runErr = err

			break admit
		}
	}

	flushOutcome, flushErr := proc.FlushAggregations(ctx)
	if flushErr != nil && runErr == nil {
		runErr = flushErr
	}

	mergePending(pending, flushOutcome)

	status := landscape.RunStatusCompleted
	if cancelled || runErr != nil {
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

	if status == landscape.RunStatusCompleted && o.cfg.ExportAudit {
		if err := o.exportAuditTrail(ctx); err != nil {
			status = landscape.RunStatusFailed

			if runErr == nil {
				runErr = err
			}
		}
	}

	if status == landscape.RunStatusCompleted {
		if err := o.cfg.Recorder.DeleteCheckpoints(ctx, o.runID); err != nil && runErr == nil {
			runErr = err
		}
	}

	if err := o.cfg.Recorder.CompleteRun(ctx, o.runID, status); err != nil && runErr == nil {
		runErr = err
	}

	o.cfg.Logger.Info("run finished",
		slog.String("run_id", o.runID),
		slog.String("status", string(status)),
		slog.Int64("rows_admitted", rowIndex),
	)

	return &RunResult{RunID: o.runID, Status: status, RowsAdmitted: rowIndex}, runErr
}

// exportAuditTrail signs runID's registered nodes/edges via
// landscape.ExportAuditTrail and logs the resulting fingerprint. A missing
// FingerprintKeys source is treated identically to a failing one: fatal,
// never a silent empty key.
func (o *Orchestrator) exportAuditTrail(ctx context.Context) error {
	if o.cfg.FingerprintKeys == nil {
		return fmt.Errorf("%w: no fingerprint key source configured", secrets.ErrFingerprintKeyUnavailable)
	}

	export, err := landscape.ExportAuditTrail(ctx, o.cfg.Recorder, o.runID, o.cfg.FingerprintKeys)
	if err != nil {
		return err
	}

	o.cfg.Logger.Info("audit trail exported",
		slog.String("run_id", export.RunID),
		slog.String("fingerprint", export.Fingerprint),
		slog.Int("node_count", export.NodeCount),
		slog.Int("edge_count", export.EdgeCount),
	)

	return nil
}

// abortRun fails a run that could not even begin processing (a route/plugin
// wiring defect caught before the first row is admitted) — the run is marked
// failed immediately rather than left dangling in "running".
func (o *Orchestrator) abortRun(ctx context.Context, cause error) (*RunResult, error) {
	_ = o.cfg.Recorder.CompleteRun(ctx, o.runID, landscape.RunStatusFailed)

	return &RunResult{RunID: o.runID, Status: landscape.RunStatusFailed}, cause
}

// admitValid persists a validly-sourced row, creates its initial token, and
// drives it through the Processor, merging any tokens it produced into pending.
func (o *Orchestrator) admitValid(
	ctx context.Context, proc *processor.Processor, rowIndex int64, sourceNodeID string,
	sr *plugin.SourceRow, pending map[string][]processor.PendingToken,
) (int64, error) {
	data, err := pipeline.Marshal(sr.Row)
	if err != nil {
		return rowIndex, err
	}

	hash, err := o.cfg.PayloadStore.Put(data)
	if err != nil {
		return rowIndex, err
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

	outcome, err := proc.ProcessRow(ctx, row.RowID, row.RowIndex, token.TokenID, sourceNodeID, sr.Row)
	if err != nil {
		return rowIndex, err
	}

	mergePending(pending, outcome)

	return rowIndex + 1, nil
}

// mergePending folds a RowOutcome's per-sink pending tokens into the
// Orchestrator's run-lifetime accumulator. Sinks are written once, at the end
// of the run, not per row: pending tokens accumulate across every row and
// every aggregation flush before a sink's Write is ever called.
func mergePending(acc map[string][]processor.PendingToken, outcome processor.RowOutcome) {
	for sinkNodeID, tokens := range outcome.PendingSinks {
		acc[sinkNodeID] = append(acc[sinkNodeID], tokens...)
	}
}
