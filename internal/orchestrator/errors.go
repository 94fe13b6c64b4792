// Package orchestrator implements the Run/Resume lifecycle: begin a run,
// register its graph, pump rows through the Row Processor,
// write sink batches, and checkpoint only after a sink write durably
// succeeds. It is the top-level caller that owns the Recorder, Payload
// Store, Execution Graph, and plugin instances for exactly one run.
package orchestrator

import "errors"

// Sentinel errors for orchestrator operations, following landscape's and
// processor's one-sentinel-per-failure-mode convention.
var (
	// ErrCheckpointIncompatible is returned by Resume when the stored
	// upstream_topology_hash or a checkpoint node's config hash no longer
	// matches the current graph. The audit contract is one run, one
	// configuration; resuming across a configuration change is refused
	// outright rather than silently reprocessing against a different DAG.
	ErrCheckpointIncompatible = errors.New("orchestrator: checkpoint incompatible with current graph")

	// ErrMissingNodeAssignment is returned when a graph node has no
	// corresponding plugin instance wired into the Orchestrator's Config.
	// The plugin protocol requires every node to carry its registered
	// node_id; an unassigned node is a crash-worthy invariant violation,
	// never a silently-skipped node.
	ErrMissingNodeAssignment = errors.New("orchestrator: graph node has no assigned plugin instance")

	// ErrNoSourceNode is returned when the graph carries no source-typed node.
	ErrNoSourceNode = errors.New("orchestrator: graph has no source node")

	// ErrSinkCannotAppend is returned by Resume when a sink's SetMode(append)
	// call fails — sinks that cannot append must declare it and fail fast
	// rather than truncating existing output.
	ErrSinkCannotAppend = errors.New("orchestrator: sink cannot operate in append mode")
)
