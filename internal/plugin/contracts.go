// Package plugin defines the external collaborator contracts: the
// Source/Transform/Gate/Sink plugin interfaces, PluginContext, and the
// per-(plugin,state) client cache that backs them.
//
// The four plugin kinds are deliberately separate interfaces rather than one
// fat interface: the Processor depends only on Transform and Gate, the
// Orchestrator only on Source and Sink, so each caller depends on exactly
// the methods it uses.
package plugin

import (
	"context"

	"github.com/elspeth-io/elspeth/internal/pipeline"
)

// OutcomeKind is the closed set of TransformResult variants. Comparisons
// must always go through this type, never a raw string literal.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeSuccessMulti      OutcomeKind = "success_multi"
	OutcomeError             OutcomeKind = "error"
	OutcomeCapacityExhausted OutcomeKind = "capacity_exhausted"
)

// IsValid reports whether k is a recognized OutcomeKind.
func (k OutcomeKind) IsValid() bool {
	switch k {
	case OutcomeSuccess, OutcomeSuccessMulti, OutcomeError, OutcomeCapacityExhausted:
		return true
	default:
		return false
	}
}

// TransformResult is the return value of a Transform plugin's Process call.
// Exactly one of Row/Rows/Err is meaningful, selected by Kind.
type TransformResult struct {
	Kind OutcomeKind
	Row  *pipeline.PipelineRow
	Rows []*pipeline.PipelineRow
	Err  error
}


// RouteKind mirrors the closed set of RoutingAction variants a gate can return.
type RouteKind string

const (
	RouteKindContinue RouteKind = "continue"
	RouteKindRoute    RouteKind = "route"
	RouteKindFork     RouteKind = "fork_to_paths"
)

// IsValid reports whether k is a recognized RouteKind.
func (k RouteKind) IsValid() bool {
	switch k {
	case RouteKindContinue, RouteKindRoute, RouteKindFork:
		return true
	default:
		return false
	}
}

// ForkPath is one (branch_name, destination) pair of a FORK_TO_PATHS routing action.
type ForkPath struct {
	BranchName  string
	Destination string
}

// RoutingAction is the return value of a Gate plugin's Evaluate call.
type RoutingAction struct {
	Kind      RouteKind
	SinkName  string     // set when Kind == RouteKindRoute
	ForkPaths []ForkPath // set when Kind == RouteKindFork
}

// SourceRow is one row yielded by a Source plugin: either valid (carrying a
// row and, once locked, the schema contract it was validated against) or
// quarantined (carrying the originating error and its routing destination).
type SourceRow struct {
	Valid         bool
	Row           *pipeline.PipelineRow
	Contract      *pipeline.SchemaContract
	QuarantineErr error
	Destination   string // sink name, or "discard"
}

// SourcePlugin yields a lazy finite sequence of rows. Implementations expose
// their schema contract so the Orchestrator can propagate the
// first-valid-row lock across the run.
type SourcePlugin interface {
	// Next returns the next row, or (nil, false, nil) when the source is exhausted.
	Next(ctx context.Context) (*SourceRow, bool, error)

	// OnValidationFailure is the configured destination for quarantined rows:
	// an existing sink name, or the reserved value "discard".
	OnValidationFailure() string

	// GetSchemaContract returns the source's current contract (possibly unlocked).
	GetSchemaContract() *pipeline.SchemaContract

	// SetSchemaContract installs the contract this source validates rows against.
	SetSchemaContract(c *pipeline.SchemaContract)
}

// TransformPlugin processes one row (or, when IsBatchAware, an aggregated
// buffer of rows) into a TransformResult.
type TransformPlugin interface {
	// Process runs the transform against a single row.
	Process(ctx context.Context, row *pipeline.PipelineRow, pc *Context) (TransformResult, error)

	// ProcessBatch runs the transform against an aggregated buffer. Only
	// called when IsBatchAware reports true.
	ProcessBatch(ctx context.Context, rows []*pipeline.PipelineRow, pc *Context) (TransformResult, error)

	// IsBatchAware reports whether this transform accepts aggregated buffers
	// via ProcessBatch rather than single rows via Process.
	IsBatchAware() bool

	// OnError is the configured destination for a row this transform fails:
	// an existing sink name, or the reserved value "discard".
	OnError() string
}

// GatePlugin evaluates a single row and returns a routing decision.
type GatePlugin interface {
	Evaluate(ctx context.Context, row *pipeline.PipelineRow, pc *Context) (RoutingAction, error)
}

// SinkMode selects whether a Sink truncates or extends existing output.
type SinkMode string

const (
	// SinkModeWrite truncates/creates the destination from scratch.
	SinkModeWrite SinkMode = "write"
	// SinkModeAppend extends an existing destination, reading its
	// header/schema first. Used exclusively during resume.
	SinkModeAppend SinkMode = "append"
)

// IsValid reports whether m is a recognized SinkMode.
func (m SinkMode) IsValid() bool {
	switch m {
	case SinkModeWrite, SinkModeAppend:
		return true
	default:
		return false
	}
}

// ArtifactDescriptor identifies what a Sink wrote, for audit-trail linking.
type ArtifactDescriptor struct {
	Location string
	Count    int
}

// WrittenToken is both the unit of work passed to Sink.Write and the value
// passed to its onTokenWritten callback for each token durably persisted, so
// the caller can record its terminal outcome and checkpoint immediately
// after the underlying write (never before).
type WrittenToken struct {
	TokenID string
	Row     *pipeline.PipelineRow
}

// SinkPlugin writes a batch of tokens to a destination.
type SinkPlugin interface {
	// SetMode selects write vs append. Sinks that cannot append must return
	// an error from SetMode(SinkModeAppend) rather than silently truncating.
	SetMode(mode SinkMode) error

	// Write durably persists tokens, invoking onTokenWritten once per token
	// as soon as that token's bytes are confirmed written (not batched to
	// the end), so the caller can checkpoint incrementally.
	Write(ctx context.Context, tokens []WrittenToken, pc *Context, onTokenWritten func(WrittenToken)) (ArtifactDescriptor, error)

	// Flush forces any buffered output to be durably written.
	Flush(ctx context.Context) error

	// Close releases any resources held by the sink.
	Close() error
}
