package processor

import (
	"time"

	"github.com/elspeth-io/elspeth/internal/landscape"
	"github.com/elspeth-io/elspeth/internal/pipeline"
)

// MaxWorkQueueIterations bounds how many continuation work items a single
// input row may drive through the graph before ProcessRow gives up and
// returns ErrWorkQueueExceeded. A well-formed DAG never comes close; this
// exists to catch a misconfigured routing loop.
const MaxWorkQueueIterations = 10000

// OutputMode is the closed set of ways an aggregation node's trigger may
// translate a buffer into output tokens.
type OutputMode string

const (
	// OutputSingle folds the whole buffer into one output row; inputs become
	// CONSUMED_IN_BATCH.
	OutputSingle OutputMode = "single"

	// OutputTransform feeds the buffer to a batch-aware transform that
	// returns new rows, each becoming a new token linked by batch_id.
	OutputTransform OutputMode = "transform"

	// OutputPassthrough releases every input unchanged, marked as having
	// transited the aggregation node.
	OutputPassthrough OutputMode = "passthrough"
)

// IsValid reports whether m is a recognized OutputMode.
func (m OutputMode) IsValid() bool {
	switch m {
	case OutputSingle, OutputTransform, OutputPassthrough:
		return true
	default:
		return false
	}
}

// TriggerPolicy configures when an aggregation buffer flushes. Count and
// WallClockTimeout are both optional (nil means "not a firing condition");
// EndOfSource always fires, regardless of the other two.
type TriggerPolicy struct {
	Count            *int
	WallClockTimeout *time.Duration
	EndOfSource      bool
}

// AggregationPolicy configures one aggregation node's buffering behavior.
type AggregationPolicy struct {
	NodeID     string
	Trigger    TriggerPolicy
	OutputMode OutputMode
}

// bufferMember is one (token, input_row) pair admitted into an aggregation
// buffer, in arrival order.
type bufferMember struct {
	TokenID  string
	RowID    int64
	RowIndex int64
	Row      *pipeline.PipelineRow
}

// aggregationBuffer is the live state of one aggregation node: its admitted
// members plus the bookkeeping needed to evaluate its trigger lazily.
type aggregationBuffer struct {
	policy      AggregationPolicy
	members     []bufferMember
	batchID     string
	opened      bool
	openedAt    time.Time
	lastArrival time.Time
}

// PendingToken pairs a token with the row it carries, handed to the
// Orchestrator once a token becomes ready for a sink to write. Outcome is the
// terminal kind the Orchestrator must record once (and only once) the sink
// write durably succeeds — never recorded by the Processor itself, since a
// token sitting in a pending-sink queue has not yet been written anywhere.
type PendingToken struct {
	TokenID string
	Row     *pipeline.PipelineRow
	Outcome landscape.OutcomeKind
}

// RowOutcome is what one ProcessRow/CheckAggregationTimeouts/FlushAggregations
// call produced: tokens newly ready to be written, grouped by destination
// sink node id. The Orchestrator merges these into its own per-sink queues
// across many such calls.
type RowOutcome struct {
	PendingSinks map[string][]PendingToken
}

func newRowOutcome() RowOutcome {
	return RowOutcome{PendingSinks: make(map[string][]PendingToken)}
}

func (r *RowOutcome) addPending(sinkNodeID, tokenID string, row *pipeline.PipelineRow, outcome landscape.OutcomeKind) {
	r.PendingSinks[sinkNodeID] = append(r.PendingSinks[sinkNodeID], PendingToken{TokenID: tokenID, Row: row, Outcome: outcome})
}

// merge folds other's pending tokens into r, used to combine the results of
// several internal work-queue steps into one RowOutcome for the caller.
func (r *RowOutcome) merge(other RowOutcome) {
	for sinkNodeID, tokens := range other.PendingSinks {
		r.PendingSinks[sinkNodeID] = append(r.PendingSinks[sinkNodeID], tokens...)
	}
}

// workItem is one pending unit of work on the bounded work queue: a token
// sitting at nodeID, ready to be advanced. BranchName is set only on tokens
// created by a fork, so a downstream coalesce node can tell which awaited
// branch this item satisfies. PendingOutcome is empty for a token flowing
// through ordinary continue edges (the sink step defaults that to
// OutcomeCompleted) and set explicitly when a gate ROUTE action or a failed
// transform's on_error destination sends the token to a sink instead —
// carrying the eventual outcome kind forward so it is recorded only once the
// sink write actually succeeds, never at the moment the routing decision was
// made.
type workItem struct {
	TokenID        string
	NodeID         string
	RowID          int64
	RowIndex       int64
	Row            *pipeline.PipelineRow
	BranchName     string
	PendingOutcome landscape.OutcomeKind
}
