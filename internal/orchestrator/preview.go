package orchestrator

import (
	"context"
	"sort"
)

// Preview reports runID's resume point without invoking Resume: the
// unprocessed row count and the set of sink nodes already checkpointed.
// This backs cmd/elspeth's `resume RUN_ID` dry run (no --execute).
func (o *Orchestrator) Preview(ctx context.Context, runID string) (*ResumePreview, error) {
	rowIDs, err := o.cfg.Recorder.GetUnprocessedRowIDs(ctx, runID)
	if err != nil {
		return nil, err
	}

	checkpoints, err := o.cfg.Recorder.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(checkpoints))

	for _, cp := range checkpoints {
		seen[cp.NodeID] = struct{}{}
	}

	nodeIDs := make([]string, 0, len(seen))
	for id := range seen {
		nodeIDs = append(nodeIDs, id)
	}

	sort.Strings(nodeIDs)

	return &ResumePreview{
		RunID:               runID,
		UnprocessedRowCount: len(rowIDs),
		CheckpointNodeIDs:   nodeIDs,
	}, nil
}
