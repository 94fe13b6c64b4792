package landscape

import "errors"

// Sentinel errors for landscape operations. These are fatal, never-swallowed
// error kinds: audit-integrity violations surface immediately, they are
// never logged-and-continued.
var (
	// ErrDuplicateTerminalOutcome is returned when a second terminal
	// TokenOutcome is attempted for a token that already has one. This is the
	// direct enforcement of the partial-uniqueness invariant on terminal
	// outcomes.
	ErrDuplicateTerminalOutcome = errors.New("landscape: token already has a terminal outcome")

	// ErrRunNotFound is returned when an operation references a run id that
	// does not exist.
	ErrRunNotFound = errors.New("landscape: run not found")

	// ErrNodeNotFound is returned when an operation references a node id that
	// does not exist within the run.
	ErrNodeNotFound = errors.New("landscape: node not found")

	// ErrTokenNotFound is returned when an operation references a token id
	// that does not exist.
	ErrTokenNotFound = errors.New("landscape: token not found")

	// ErrDuplicateNode is returned when register_node is called twice for the
	// same (run_id, node_id).
	ErrDuplicateNode = errors.New("landscape: node already registered for this run")

	// ErrInvalidCleanupInterval reports a non-positive sweep interval. No
	// function in this package returns it.
	ErrInvalidCleanupInterval = errors.New("landscape: sweep interval must be greater than zero")

	// ErrNilConnection is returned when a Recorder backend is constructed with
	// a nil database handle.
	ErrNilConnection = errors.New("landscape: database connection cannot be nil")
)
