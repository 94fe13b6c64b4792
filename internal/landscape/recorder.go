package landscape

import "context"

// Recorder is the Orchestrator/Processor-facing contract for the transactional
// audit store. Both the Postgres-backed and SQLite-backed implementations
// satisfy this single interface so the rest of the engine never branches on
// backend.
type Recorder interface {
	// BeginRun creates a new Run row with status "running".
	BeginRun(ctx context.Context, configHash, canonicalVersion string) (*Run, error)

	// CompleteRun transitions a run to a terminal status (completed/failed/cancelled).
	CompleteRun(ctx context.Context, runID string, status RunStatus) error

	// UpdateRunStatus sets a run's status without marking it complete (e.g.
	// intermediate status bookkeeping during cancellation).
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error

	// UpdateExportStatus sets a run's export_status after an audit-trail
	// export attempt.
	UpdateExportStatus(ctx context.Context, runID string, status ExportStatus) error

	// RegisterNode inserts an immutable Node row. Fails with ErrDuplicateNode
	// if (run_id, node_id) already exists.
	RegisterNode(ctx context.Context, n *Node) error

	// RegisterEdge inserts an Edge row.
	RegisterEdge(ctx context.Context, e *Edge) error

	// CreateRow persists an admitted row's metadata (the bytes themselves live
	// in the payload store; SourceDataRef is the payload store's hash key).
	CreateRow(ctx context.Context, r *Row) (*Row, error)

	// CreateToken creates a token handle for a row, optionally as a child of
	// parentTokenID on a named branch (fork/coalesce/expand).
	CreateToken(ctx context.Context, rowID int64, parentTokenID *string, branchName *string) (*Token, error)

	// RecordNodeState records a token's passage through a node.
	RecordNodeState(ctx context.Context, s *NodeState) error

	// RecordTokenOutcome records a durable outcome for a token. Returns
	// ErrDuplicateTerminalOutcome if the token already has a terminal outcome
	// and o.IsTerminal is true.
	RecordTokenOutcome(ctx context.Context, o *TokenOutcome) error

	// GetTokenOutcome returns the latest outcome for a token, preferring a
	// terminal outcome over a non-terminal one if both exist. Returns
	// (nil, nil) if no outcome has been recorded.
	GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error)

	// CreateBatch opens a new aggregation batch.
	CreateBatch(ctx context.Context, b *Batch) (*Batch, error)

	// AddBatchMember links a token to a batch in a given role.
	AddBatchMember(ctx context.Context, m *BatchMember) error

	// UpdateBatchStatus transitions a batch's status, stamping ClosedAt when
	// leaving draft/executing for failed/completed.
	UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus) error

	// RetryBatch increments a failed batch's attempt counter and reopens it
	// for execution.
	RetryBatch(ctx context.Context, batchID string) (*Batch, error)

	// GetIncompleteBatches returns batches not yet in a terminal status, used
	// during resume to reconstruct in-flight aggregation buffers.
	GetIncompleteBatches(ctx context.Context, runID string) ([]*Batch, error)

	// GetBatchMembers returns every member of a batch. The order of the
	// returned members is not defined.
	GetBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error)

	// CreateCheckpoint records that a token has been durably written to its
	// sink. Must only ever be called after the sink write succeeds.
	CreateCheckpoint(ctx context.Context, c *Checkpoint) (*Checkpoint, error)

	// DeleteCheckpoints removes all checkpoints for a run, called on clean completion.
	DeleteCheckpoints(ctx context.Context, runID string) error

	// ListCheckpoints returns every checkpoint recorded for a run.
	ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error)

	// GetUnprocessedRowIDs returns the ids of rows whose token carries no
	// terminal outcome and no checkpoint at a sink node — the exact resume set.
	GetUnprocessedRowIDs(ctx context.Context, runID string) ([]int64, error)

	// GetRun fetches a run's metadata, used by resume to validate topology/config hashes.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// GetNodes returns every node registered for a run.
	GetNodes(ctx context.Context, runID string) ([]*Node, error)

	// GetEdges returns every edge registered for a run.
	GetEdges(ctx context.Context, runID string) ([]*Edge, error)

	// GetRowByID fetches a single row's metadata.
	GetRowByID(ctx context.Context, rowID int64) (*Row, error)

	// Close releases backend resources (the database connection pool).
	Close() error
}
