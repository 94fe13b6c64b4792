package processor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/elspeth-io/elspeth/internal/graph"
	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/pipeline"
	"github.com/elspeth-io/elspeth/internal/plugin"
)

// CoalescePolicy configures one join point: a node reached by more than one
// forked branch, which releases a single merged token once every awaited
// branch has arrived.
type CoalescePolicy struct {
	NodeID          string
	AwaitedBranches []string
}

// coalesceCollector tracks the branches that have arrived for one fork group
// awaiting a join.
type coalesceCollector struct {
	policy  CoalescePolicy
	arrived map[string]workItem
}

// Processor is the single-threaded state machine that drives tokens from a
// source row through the execution graph. One Processor is constructed per
// run and reused across every row; its aggregation buffers, fork-group
// counters, and coalesce collectors are long-lived run state.
//
// Each step maps (current state, event) to (next state, error) and records
// what it decides through the Recorder — the same shape used to validate a state machine's
// transitions anywhere a token's passage across many nodes of a DAG must be
// auditable.
type Processor struct {
	runID string
	rec   landscape.Recorder
	g     *graph.Graph
	emit  plugin.EmitFunc
	retry *RetryManager

	transforms map[string]plugin.TransformPlugin
	gates      map[string]plugin.GatePlugin

	successors map[string][]string

	aggregations map[string]AggregationPolicy
	buffers      map[string]*aggregationBuffer

	coalesceNodes map[string]CoalescePolicy
	coalesceState map[string]*coalesceCollector
}

// NewProcessor constructs a Processor bound to one run's graph and plugin
// instances. aggregations and coalesceNodes key by node id and may be empty
// when the pipeline has no buffering or join points.
func NewProcessor(
	runID string,
	rec landscape.Recorder,
	g *graph.Graph,
	transforms map[string]plugin.TransformPlugin,
	gates map[string]plugin.GatePlugin,
	aggregations map[string]AggregationPolicy,
	coalesceNodes map[string]CoalescePolicy,
	retry *RetryManager,
	emit plugin.EmitFunc,
) *Processor {
	p := &Processor{
		runID:         runID,
		rec:           rec,
		g:             g,
		emit:          emit,
		retry:         retry,
		transforms:    transforms,
		gates:         gates,
		successors:    make(map[string][]string),
		aggregations:  aggregations,
		buffers:       make(map[string]*aggregationBuffer),
		coalesceNodes: coalesceNodes,
		coalesceState: make(map[string]*coalesceCollector),
	}

	for _, e := range g.Edges() {
		p.successors[e.FromNodeID] = append(p.successors[e.FromNodeID], e.ToNodeID)
	}

	for nodeID, policy := range aggregations {
		p.buffers[nodeID] = &aggregationBuffer{policy: policy}
	}

	return p
}

// ProcessRow drives tokenID (freshly created over rowID/rowIndex's data) from
// sourceNodeID's successors through the graph until every reachable path
// either terminates at a sink, parks non-terminally in an aggregation
// buffer, or awaits a coalesce partner. It returns the tokens that became
// ready for a sink during this call.
func (p *Processor) ProcessRow(ctx context.Context, rowID, rowIndex int64, tokenID, sourceNodeID string, row *pipeline.PipelineRow) (RowOutcome, error) {
	outcome := newRowOutcome()

	queue := make([]workItem, 0, len(p.successors[sourceNodeID]))
	for _, nextID := range p.successors[sourceNodeID] {
		queue = append(queue, workItem{TokenID: tokenID, NodeID: nextID, RowID: rowID, RowIndex: rowIndex, Row: row})
	}

	if err := p.drainWorkItems(ctx, queue, &outcome); err != nil {
		return outcome, err
	}

	return outcome, nil
}

// step advances one work item by exactly one node, returning any further
// work items it produced. Errors returned here are the fatal kinds
// (ErrUnknownDestination, ErrMissingTransform, ErrMissingGate); recoverable
// per-row transform/gate failures are handled inside stepTransform/stepGate
// and never reach this return.
func (p *Processor) step(ctx context.Context, rowID int64, item workItem, outcome *RowOutcome) ([]workItem, error) {
	nodeSpec, ok := p.g.Node(item.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDestination, item.NodeID)
	}

	if policy, isCoalesce := p.coalesceNodes[item.NodeID]; isCoalesce {
		return p.stepCoalesce(ctx, policy, item)
	}

	switch nodeSpec.NodeType {
	case landscape.NodeTypeSink:
		sinkOutcome := item.PendingOutcome
		if sinkOutcome == "" {
			sinkOutcome = landscape.OutcomeCompleted
		}

		outcome.addPending(item.NodeID, item.TokenID, item.Row, sinkOutcome)

		return nil, nil
	case landscape.NodeTypeGate:
		return p.stepGate(ctx, rowID, nodeSpec, item)
	case landscape.NodeTypeTransform:
		if policy, aggregates := p.aggregations[item.NodeID]; aggregates {
			return p.stepAggregate(ctx, policy, item)
		}

		return p.stepTransform(ctx, nodeSpec, item)
	default:
		return nil, fmt.Errorf("%w: %s is not a valid work-item destination", ErrUnknownDestination, item.NodeID)
	}
}

// stepTransform runs a non-aggregating transform against one row and
// translates its TransformResult into the next work items.
func (p *Processor) stepTransform(ctx context.Context, nodeSpec *graph.NodeSpec, item workItem) ([]workItem, error) {
	tx, ok := p.transforms[item.NodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTransform, item.NodeID)
	}

	stateID := uuid.NewString()

	if err := p.rec.RecordNodeState(ctx, &landscape.NodeState{
		StateID: stateID, RunID: p.runID, TokenID: item.TokenID, NodeID: item.NodeID,
		Status: landscape.NodeStateExecuting,
	}); err != nil {
		return nil, err
	}

	pc := plugin.NewContext(p.runID, p.rec, stateID, &item.TokenID, p.emit)

	result, err := p.callTransform(ctx, tx, item, pc)
	if err != nil {
		return nil, err
	}

	switch result.Kind {
	case plugin.OutcomeSuccess:
		if err := p.completeNodeState(ctx, stateID, p.runID, item.TokenID, item.NodeID); err != nil {
			return nil, err
		}

		return p.advance(item.TokenID, item.RowID, item.RowIndex, result.Row, item.NodeID, item.BranchName), nil

	case plugin.OutcomeSuccessMulti:
		if err := p.completeNodeState(ctx, stateID, p.runID, item.TokenID, item.NodeID); err != nil {
			return nil, err
		}

		return p.expand(ctx, item, result.Rows)

	case plugin.OutcomeError, plugin.OutcomeCapacityExhausted:
		if err := p.recordFailedNodeState(ctx, stateID); err != nil {
			return nil, err
		}

		return p.failTransform(ctx, item.TokenID, nodeSpec.OnError, item)

	default:
		return nil, fmt.Errorf("processor: unrecognized transform outcome %q at %s", result.Kind, item.NodeID)
	}
}

// callTransform invokes tx.Process, routing through RetryManager when the
// result is capacity_exhausted so the retry happens transparently to the
// caller and never blocks other tokens' progress.
func (p *Processor) callTransform(ctx context.Context, tx plugin.TransformPlugin, item workItem, pc *plugin.Context) (plugin.TransformResult, error) {
	result, err := tx.Process(ctx, item.Row, pc)
	if err != nil {
		return plugin.TransformResult{}, err
	}

	if result.Kind != plugin.OutcomeCapacityExhausted || p.retry == nil {
		return result, nil
	}

	var final plugin.TransformResult

	retryErr := p.retry.Retry(ctx, isCapacityExhaustedError, func(ctx context.Context) error {
		r, err := tx.Process(ctx, item.Row, pc)
		if err != nil {
			return err
		}

		final = r
		if r.Kind == plugin.OutcomeCapacityExhausted {
			return errCapacityExhaustedRetry
		}

		return nil
	})

	if retryErr != nil {
		return plugin.TransformResult{Kind: plugin.OutcomeError, Err: retryErr}, nil
	}

	return final, nil
}

// errCapacityExhaustedRetry signals RetryManager.Retry that the attempt
// should be retried; it never escapes callTransform.
var errCapacityExhaustedRetry = fmt.Errorf("processor: capacity exhausted")

func isCapacityExhaustedError(err error) bool {
	return err == errCapacityExhaustedRetry
}

// failTransform handles the recovery path of a failed transform or gate. When
// onDestination names no dead-letter sink, tokenID is
// discarded and its FAILED outcome is recorded immediately — nothing further
// will ever happen to it. When onDestination does name a sink, the FAILED
// outcome is NOT recorded here: it is deferred onto the continuation work
// item's PendingOutcome and only recorded once that sink write durably
// succeeds, preserving the "recorded after durable sink write" rule.
func (p *Processor) failTransform(ctx context.Context, tokenID, onDestination string, item workItem) ([]workItem, error) {
	if onDestination == "" || onDestination == graph.RouteDiscard {
		if err := p.recordOutcome(ctx, tokenID, landscape.OutcomeFailed, nil); err != nil {
			return nil, err
		}

		return nil, nil
	}

	return []workItem{{
		TokenID: tokenID, NodeID: p.resolveSink(onDestination),
		RowID: item.RowID, RowIndex: item.RowIndex, Row: item.Row,
		PendingOutcome: landscape.OutcomeFailed,
	}}, nil
}

// stepGate evaluates a gate and translates its RoutingAction into the next
// work items.
func (p *Processor) stepGate(ctx context.Context, rowID int64, nodeSpec *graph.NodeSpec, item workItem) ([]workItem, error) {
	g, ok := p.gates[item.NodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingGate, item.NodeID)
	}

	stateID := uuid.NewString()

	if err := p.rec.RecordNodeState(ctx, &landscape.NodeState{
		StateID: stateID, RunID: p.runID, TokenID: item.TokenID, NodeID: item.NodeID,
		Status: landscape.NodeStateExecuting,
	}); err != nil {
		return nil, err
	}

	pc := plugin.NewContext(p.runID, p.rec, stateID, &item.TokenID, p.emit)

	action, err := g.Evaluate(ctx, item.Row, pc)
	if err != nil {
		if err := p.recordFailedNodeState(ctx, stateID); err != nil {
			return nil, err
		}

		return p.failTransform(ctx, item.TokenID, nodeSpec.OnError, item)
	}

	if err := p.completeNodeState(ctx, stateID, p.runID, item.TokenID, item.NodeID); err != nil {
		return nil, err
	}

	switch action.Kind {
	case plugin.RouteKindContinue:
		return p.advance(item.TokenID, item.RowID, item.RowIndex, item.Row, item.NodeID, item.BranchName), nil

	case plugin.RouteKindRoute:
		// ROUTED is not recorded here: the token has only been decided to go
		// to a sink, not yet written to one. PendingOutcome carries that
		// decision forward so the Orchestrator records it once the write at
		// that sink durably succeeds.
		return []workItem{{
			TokenID: item.TokenID, NodeID: p.resolveSink(action.SinkName),
			RowID: item.RowID, RowIndex: item.RowIndex, Row: item.Row,
			PendingOutcome: landscape.OutcomeRouted,
		}}, nil

	case plugin.RouteKindFork:
		return p.fork(ctx, rowID, item, action.ForkPaths)

	default:
		return nil, fmt.Errorf("processor: unrecognized route kind %q at %s", action.Kind, item.NodeID)
	}
}

// fork creates one child token per ForkPath, records FORKED on the parent,
// and enqueues every child at its destination.
func (p *Processor) fork(ctx context.Context, rowID int64, item workItem, paths []plugin.ForkPath) ([]workItem, error) {
	forkGroupID := uuid.NewString()

	if err := p.recordOutcome(ctx, item.TokenID, landscape.OutcomeForked, &landscape.TokenOutcome{ForkGroupID: &forkGroupID}); err != nil {
		return nil, err
	}

	next := make([]workItem, 0, len(paths))

	for _, path := range paths {
		branch := path.BranchName

		child, err := p.rec.CreateToken(ctx, rowID, &item.TokenID, &branch)
		if err != nil {
			return nil, err
		}

		next = append(next, workItem{
			TokenID: child.TokenID, NodeID: p.resolveSink(path.Destination),
			RowID: rowID, RowIndex: item.RowIndex, Row: item.Row, BranchName: branch,
		})
	}

	return next, nil
}

// expand creates one child token per row produced by a success_multi
// transform result, recording EXPANDED on the parent.
func (p *Processor) expand(ctx context.Context, item workItem, rows []*pipeline.PipelineRow) ([]workItem, error) {
	expandGroupID := uuid.NewString()

	if err := p.recordOutcome(ctx, item.TokenID, landscape.OutcomeExpanded, &landscape.TokenOutcome{ExpandGroupID: &expandGroupID}); err != nil {
		return nil, err
	}

	next := make([]workItem, 0, len(rows))

	for _, row := range rows {
		child, err := p.rec.CreateToken(ctx, item.RowID, &item.TokenID, nil)
		if err != nil {
			return nil, err
		}

		next = append(next, p.advance(child.TokenID, item.RowID, item.RowIndex, row, item.NodeID, item.BranchName)...)
	}

	return next, nil
}

// stepCoalesce collects one arriving branch of a join and, once every
// awaited branch has arrived, releases a merged token continuing past the
// join point.
func (p *Processor) stepCoalesce(ctx context.Context, policy CoalescePolicy, item workItem) ([]workItem, error) {
	collector, ok := p.coalesceState[item.NodeID]
	if !ok {
		collector = &coalesceCollector{policy: policy, arrived: make(map[string]workItem)}
		p.coalesceState[item.NodeID] = collector
	}

	collector.arrived[item.BranchName] = item

	if len(collector.arrived) < len(policy.AwaitedBranches) {
		return nil, nil
	}

	arrivedTokens := make([]string, 0, len(collector.arrived))
	joinGroupID := uuid.NewString()

	for _, arrived := range collector.arrived {
		arrivedTokens = append(arrivedTokens, arrived.TokenID)

		if err := p.recordOutcome(ctx, arrived.TokenID, landscape.OutcomeCoalesced, &landscape.TokenOutcome{JoinGroupID: &joinGroupID}); err != nil {
			return nil, err
		}
	}

	merged, err := p.rec.CreateToken(ctx, item.RowID, &arrivedTokens[0], nil)
	if err != nil {
		return nil, err
	}

	delete(p.coalesceState, item.NodeID)

	return p.advance(merged.TokenID, item.RowID, item.RowIndex, item.Row, item.NodeID, ""), nil
}

// advance enqueues tokenID/row at every successor of fromNodeID, carrying
// branchName forward so a downstream coalesce node can still tell which
// awaited branch the item satisfies after it has passed through one or more
// ordinary transform/gate nodes on that branch.
func (p *Processor) advance(tokenID string, rowID, rowIndex int64, row *pipeline.PipelineRow, fromNodeID, branchName string) []workItem {
	successors := p.successors[fromNodeID]
	next := make([]workItem, 0, len(successors))

	for _, nextID := range successors {
		next = append(next, workItem{TokenID: tokenID, NodeID: nextID, RowID: rowID, RowIndex: rowIndex, Row: row, BranchName: branchName})
	}

	return next
}

// resolveSink maps a reserved/sink destination name through the graph's sink
// id map, falling back to the literal value (already a node id) when it is
// not a known sink name — routes are validated at graph.Build time so this
// path always resolves for a well-formed graph.
func (p *Processor) resolveSink(destination string) string {
	if nodeID, ok := p.g.SinkIDMap()[destination]; ok {
		return nodeID
	}

	return destination
}

func (p *Processor) completeNodeState(ctx context.Context, stateID, runID, tokenID, nodeID string) error {
	return p.rec.RecordNodeState(ctx, &landscape.NodeState{
		StateID: stateID, RunID: runID, TokenID: tokenID, NodeID: nodeID, Status: landscape.NodeStateCompleted,
	})
}

func (p *Processor) recordFailedNodeState(ctx context.Context, stateID string) error {
	return p.rec.RecordNodeState(ctx, &landscape.NodeState{StateID: stateID, Status: landscape.NodeStateFailed})
}

// recordOutcome records one TokenOutcome for tokenID, stamping RunID and
// IsTerminal (derived from kind) onto whatever optional fields the caller
// has already set on o.
func (p *Processor) recordOutcome(ctx context.Context, tokenID string, kind landscape.OutcomeKind, o *landscape.TokenOutcome) error {
	if o == nil {
		o = &landscape.TokenOutcome{}
	}

	o.RunID = p.runID
	o.TokenID = tokenID
	o.Outcome = kind
	o.IsTerminal = kind.IsTerminal()

	return p.rec.RecordTokenOutcome(ctx, o)
}
