package orchestrator

import (
	"context"
	"fmt"

	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/processor"
)

// registerGraph persists every node and edge of o.cfg.Graph into the
// Recorder under o.runID. The graph itself was already fully
// route-validated at graph.Build time; this step only makes that
// already-valid topology durable.
func (o *Orchestrator) registerGraph(ctx context.Context) error {
	for _, nodeID := range o.cfg.Graph.TopologicalOrder() {
		spec, ok := o.cfg.Graph.Node(nodeID)
		if !ok {
			continue
		}

		if err := o.cfg.Recorder.RegisterNode(ctx, &landscape.Node{
			NodeID:        spec.NodeID,
			RunID:         o.runID,
			PluginName:    spec.PluginName,
			NodeType:      spec.NodeType,
			PluginVersion: spec.PluginVersion,
			Determinism:   spec.Determinism,
			ConfigHash:    spec.ConfigHash,
		}); err != nil {
			return fmt.Errorf("orchestrator: register node %s: %w", spec.NodeID, err)
		}
	}

	for _, e := range o.cfg.Graph.Edges() {
		if err := o.cfg.Recorder.RegisterEdge(ctx, &landscape.Edge{
			RunID:      o.runID,
			FromNodeID: e.FromNodeID,
			ToNodeID:   e.ToNodeID,
			Label:      e.Label,
		}); err != nil {
			return fmt.Errorf("orchestrator: register edge %s->%s: %w", e.FromNodeID, e.ToNodeID, err)
		}
	}

	return nil
}

// assertPluginAssignments verifies every transform/gate/sink node in the
// graph has a corresponding plugin instance in Config — the plugin
// protocol's node_id assignment is required, and a node silently left
// unassigned would mean a token reaching it crashes deep inside the
// Processor instead of failing fast before the first row is admitted.
func (o *Orchestrator) assertPluginAssignments() error {
	for _, nodeID := range o.cfg.Graph.TopologicalOrder() {
		spec, ok := o.cfg.Graph.Node(nodeID)
		if !ok {
			continue
		}

		switch spec.NodeType {
		case landscape.NodeTypeTransform:
			if policy, ok := o.cfg.Aggregations[spec.NodeID]; ok && policy.OutputMode == processor.OutputPassthrough {
				continue
			}

			if _, ok := o.cfg.Transforms[spec.NodeID]; !ok {
				return fmt.Errorf("%w: transform %s", ErrMissingNodeAssignment, spec.NodeID)
			}
		case landscape.NodeTypeGate:
			if _, ok := o.cfg.CoalesceNodes[spec.NodeID]; ok {
				continue
			}

			if _, ok := o.cfg.Gates[spec.NodeID]; !ok {
				return fmt.Errorf("%w: gate %s", ErrMissingNodeAssignment, spec.NodeID)
			}
		case landscape.NodeTypeSink:
			if _, ok := o.cfg.Sinks[spec.NodeID]; !ok {
				return fmt.Errorf("%w: sink %s", ErrMissingNodeAssignment, spec.NodeID)
			}
		}
	}

	return nil
}

// sourceNodeID returns the graph's single source-typed node id.
func (o *Orchestrator) sourceNodeID() (string, error) {
	for _, nodeID := range o.cfg.Graph.TopologicalOrder() {
		spec, ok := o.cfg.Graph.Node(nodeID)
		if ok && spec.NodeType == landscape.NodeTypeSource {
			return spec.NodeID, nil
		}
	}

	return "", ErrNoSourceNode
}
