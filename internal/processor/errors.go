// Package processor implements the Row Processor: the single-threaded state
// machine that drives a token from a source row through the execution graph
// until it terminates at a sink, or sits non-terminally BUFFERED in an
// aggregation node.
package processor

import "errors"

// Sentinel errors for processor operations. These are fatal,
// never-swallowed error kinds, following the landscape package's convention
// of one sentinel per failure mode.
var (
	// ErrWorkQueueExceeded is returned when a single input row drives more
	// than MaxWorkQueueIterations continuation work items. This guards a
	// pathological (mis)configured routing loop; a well-formed DAG never
	// comes close.
	ErrWorkQueueExceeded = errors.New("processor: work queue exceeded max iterations for this row")

	// ErrUnknownDestination is returned when a work item targets a node id
	// the Processor was not configured with. Build-time route validation
	// (internal/graph) should make this unreachable in practice; surfacing
	// it here is a defense against a caller wiring mismatched maps.
	ErrUnknownDestination = errors.New("processor: work item references unknown node")

	// ErrMissingTransform is returned when a node on the token's path is
	// typed as a transform but no TransformPlugin was registered for it.
	ErrMissingTransform = errors.New("processor: no transform plugin registered for node")

	// ErrMissingGate is returned when a node on the token's path is typed as
	// a gate but no GatePlugin was registered for it.
	ErrMissingGate = errors.New("processor: no gate plugin registered for node")
)

// TransformError wraps a transform or gate plugin's reported failure reason.
// It is always recovered locally — routed to the node's on_error
// destination, or discarded — and never propagates past ProcessRow to other
// rows.
type TransformError struct {
	NodeID string
	Reason error
}

func (e *TransformError) Error() string {
	return "processor: node " + e.NodeID + ": " + e.Reason.Error()
}

func (e *TransformError) Unwrap() error {
	return e.Reason
}
