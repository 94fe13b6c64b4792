package orchestrator

import (
	"log/slog"

	"github.com/elspeth-io/elspeth/internal/graph"
	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/payloadstore"
	"github.com/elspeth-io/elspeth/internal/plugin"
	"github.com/elspeth-io/elspeth/internal/processor"
	"github.com/elspeth-io/elspeth/internal/secrets"
)

// Config wires one Orchestrator to its run's collaborators: the built
// Execution Graph, the Recorder/Payload Store backends, the source plugin,
// every transform/gate/sink plugin instance keyed by the node id the graph
// registered it under, and the processor-level aggregation/coalesce/retry
// policies. Config is immutable for the lifetime of one Orchestrator.
type Config struct {
	Graph        *graph.Graph
	Recorder     landscape.Recorder
	PayloadStore payloadstore.Store

	Source     plugin.SourcePlugin
	Transforms map[string]plugin.TransformPlugin
	Gates      map[string]plugin.GatePlugin
	Sinks      map[string]plugin.SinkPlugin

	Aggregations  map[string]processor.AggregationPolicy
	CoalesceNodes map[string]processor.CoalescePolicy
	Retry         *processor.RetryManager
	Emit          plugin.EmitFunc

	ConfigHash       string
	CanonicalVersion string

	// ExportAudit, when true, runs landscape.ExportAuditTrail against
	// FingerprintKeys after a clean completion. FingerprintKeys must be set
	// when ExportAudit is true; a nil source fails the export with
	// secrets.ErrFingerprintKeyUnavailable rather than skipping it.
	ExportAudit     bool
	FingerprintKeys secrets.Provider

	Logger *slog.Logger
}

// RunStatus mirrors landscape.RunStatus for callers that only need the
// terminal status of one Run/Resume invocation without importing landscape.
type RunStatus = landscape.RunStatus

// RunResult summarizes one Run or Resume invocation.
type RunResult struct {
	RunID           string
	Status          RunStatus
	RowsAdmitted    int64
	RowsReprocessed int
}

// ResumePreview is the dry-run report cmd/elspeth's `resume RUN_ID` (without
// --execute) prints: the resume point, how many rows would be reprocessed,
// and which sink-node checkpoints currently exist, without invoking Resume.
type ResumePreview struct {
	RunID               string
	UnprocessedRowCount int
	CheckpointNodeIDs   []string
}

// Orchestrator drives exactly one run from begin through completion (or
// resume). It holds no state across runs; construct a new Orchestrator (or
// call Resume on the same one) per run.
type Orchestrator struct {
	cfg      Config
	runID    string
	sequence int64
}

// New constructs an Orchestrator bound to cfg. cfg.Logger defaults to a JSON
// slog.Logger over os.Stdout (matching internal/api/server.go's default)
// when nil.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}

	return &Orchestrator{cfg: cfg}
}
