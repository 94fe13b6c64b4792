package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// BeginRun creates a new Run row with status "running".
func (r *sqlRecorder) BeginRun(ctx context.Context, configHash, canonicalVersion string) (*Run, error) {
	run := &Run{
		RunID:        newID(),
		StartedAt:    nowUTC(),
		ConfigHash:   configHash,
		CanonicalVer: canonicalVersion,
		Status:       RunStatusRunning,
		ExportStatus: ExportStatusNotExported,
	}

	q := fmt.Sprintf(
		`INSERT INTO runs (run_id, started_at, config_hash, canonical_version, status, export_status)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3), r.dialect.ph(4), r.dialect.ph(5), r.dialect.ph(6),
	)

	_, err := r.db.ExecContext(ctx, q,
		run.RunID, run.StartedAt, run.ConfigHash, run.CanonicalVer, string(run.Status), string(run.ExportStatus))
	if err != nil {
		return nil, fmt.Errorf("landscape: begin run: %w", err)
	}

	return run, nil
}

// CompleteRun transitions a run to a terminal status and stamps completed_at.
func (r *sqlRecorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	q := fmt.Sprintf(
		`UPDATE runs SET status = %s, completed_at = %s WHERE run_id = %s`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3),
	)

	res, err := r.db.ExecContext(ctx, q, string(status), nowUTC(), runID)
	if err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}

	return r.requireOneRow(res, ErrRunNotFound)
}

// UpdateRunStatus sets a run's status without stamping completed_at.
func (r *sqlRecorder) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	q := fmt.Sprintf(`UPDATE runs SET status = %s WHERE run_id = %s`, r.dialect.ph(1), r.dialect.ph(2))

	res, err := r.db.ExecContext(ctx, q, string(status), runID)
	if err != nil {
		return fmt.Errorf("landscape: update run status: %w", err)
	}

	return r.requireOneRow(res, ErrRunNotFound)
}

// UpdateExportStatus sets a run's export_status, used after an audit-trail
// export attempt (successful or failed) so a later query can tell whether a
// run's audit trail has been exported without re-deriving it.
func (r *sqlRecorder) UpdateExportStatus(ctx context.Context, runID string, status ExportStatus) error {
	q := fmt.Sprintf(`UPDATE runs SET export_status = %s WHERE run_id = %s`, r.dialect.ph(1), r.dialect.ph(2))

	res, err := r.db.ExecContext(ctx, q, string(status), runID)
	if err != nil {
		return fmt.Errorf("landscape: update export status: %w", err)
	}

	return r.requireOneRow(res, ErrRunNotFound)
}

// RegisterNode inserts an immutable Node row.
func (r *sqlRecorder) RegisterNode(ctx context.Context, n *Node) error {
	n.RegisteredAt = nowUTC()

	q := fmt.Sprintf(
		`INSERT INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash, schema_config_json, registered_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3), r.dialect.ph(4), r.dialect.ph(5),
		r.dialect.ph(6), r.dialect.ph(7), r.dialect.ph(8), r.dialect.ph(9),
	)

	schemaJSON := n.SchemaConfigJSON
	if schemaJSON == nil {
		schemaJSON = json.RawMessage("{}")
	}

	_, err := r.db.ExecContext(ctx, q,
		n.NodeID, n.RunID, n.PluginName, string(n.NodeType), n.PluginVersion,
		string(n.Determinism), n.ConfigHash, string(schemaJSON), n.RegisteredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateNode, n.RunID, n.NodeID)
		}

		return fmt.Errorf("landscape: register node: %w", err)
	}

	return nil
}

// RegisterEdge inserts an Edge row.
func (r *sqlRecorder) RegisterEdge(ctx context.Context, e *Edge) error {
	e.CreatedAt = nowUTC()

	if r.dialect.isPostgres() {
		q := `INSERT INTO edges (run_id, from_node_id, to_node_id, label, created_at)
		      VALUES ($1, $2, $3, $4, $5) RETURNING edge_id`

		return r.db.QueryRowContext(ctx, q, e.RunID, e.FromNodeID, e.ToNodeID, e.Label, e.CreatedAt).Scan(&e.EdgeID)
	}

	q := `INSERT INTO edges (run_id, from_node_id, to_node_id, label, created_at) VALUES (?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, q, e.RunID, e.FromNodeID, e.ToNodeID, e.Label, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("landscape: register edge: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("landscape: register edge id: %w", err)
	}

	e.EdgeID = id

	return nil
}

// CreateRow persists an admitted row's metadata.
func (r *sqlRecorder) CreateRow(ctx context.Context, row *Row) (*Row, error) {
	row.CreatedAt = nowUTC()

	if r.dialect.isPostgres() {
		q := `INSERT INTO rows (run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
		      VALUES ($1, $2, $3, $4, $5, $6) RETURNING row_id`

		err := r.db.QueryRowContext(ctx, q,
			row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.SourceDataRef, row.CreatedAt,
		).Scan(&row.RowID)
		if err != nil {
			return nil, fmt.Errorf("landscape: create row: %w", err)
		}

		return row, nil
	}

	q := `INSERT INTO rows (run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at)
	      VALUES (?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, q,
		row.RunID, row.SourceNodeID, row.RowIndex, row.SourceDataHash, row.SourceDataRef, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("landscape: create row: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("landscape: create row id: %w", err)
	}

	row.RowID = id

	return row, nil
}

// CreateToken creates a token handle for a row.
func (r *sqlRecorder) CreateToken(
	ctx context.Context, rowID int64, parentTokenID, branchName *string,
) (*Token, error) {
	tok := &Token{
		TokenID:     newID(),
		RowID:       rowID,
		BranchName:  branchName,
		CreatedAt:   nowUTC(),
		ParentToken: parentTokenID,
	}

	q := fmt.Sprintf(
		`INSERT INTO tokens (token_id, row_id, branch_name, created_at, parent_token_id)
		 VALUES (%s, %s, %s, %s, %s)`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3), r.dialect.ph(4), r.dialect.ph(5),
	)

	_, err := r.db.ExecContext(ctx, q, tok.TokenID, tok.RowID, tok.BranchName, tok.CreatedAt, tok.ParentToken)
	if err != nil {
		return nil, fmt.Errorf("landscape: create token: %w", err)
	}

	return tok, nil
}

// RecordNodeState records a token's passage through a node. state_id is the
// primary key across a node visit's whole lifecycle (executing → completed/
// failed), so a second call with the same state_id upserts the status and
// completed_at/error_hash of the first row rather than inserting a sibling —
// the append-only audit trail still gets one row per (token, node) visit,
// not per status transition.
func (r *sqlRecorder) RecordNodeState(ctx context.Context, s *NodeState) error {
	if s.StateID == "" {
		s.StateID = newID()
	}

	if s.StartedAt.IsZero() {
		s.StartedAt = nowUTC()
	}

	q := fmt.Sprintf(
		`INSERT INTO node_states (state_id, run_id, token_id, node_id, status, started_at, completed_at, error_hash)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
		 ON CONFLICT (state_id) DO UPDATE SET
		   status = excluded.status, completed_at = excluded.completed_at, error_hash = excluded.error_hash`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3), r.dialect.ph(4),
		r.dialect.ph(5), r.dialect.ph(6), r.dialect.ph(7), r.dialect.ph(8),
	)

	_, err := r.db.ExecContext(ctx, q,
		s.StateID, s.RunID, s.TokenID, s.NodeID, string(s.Status), s.StartedAt, s.CompletedAt, s.ErrorHash)
	if err != nil {
		return fmt.Errorf("landscape: record node state: %w", err)
	}

	return nil
}

// RecordTokenOutcome records a durable outcome for a token, enforcing the
// partial-uniqueness invariant at the application layer (checked inside the
// same transaction that performs the insert) as well as relying on the
// database's own partial unique index as a backstop against races.
func (r *sqlRecorder) RecordTokenOutcome(ctx context.Context, o *TokenOutcome) error {
	if !o.Outcome.IsValid() {
		return fmt.Errorf("landscape: invalid outcome kind %q", o.Outcome)
	}

	o.IsTerminal = o.Outcome.IsTerminal()
	o.RecordedAt = nowUTC()

	return r.wrapTx(ctx, func(tx *sql.Tx) error {
		if o.IsTerminal {
			existing, err := r.latestOutcomeTx(ctx, tx, o.TokenID, true)
			if err != nil {
				return err
			}

			if existing != nil {
				return fmt.Errorf("%w: token %s already terminal via %s", ErrDuplicateTerminalOutcome, o.TokenID, existing.Outcome)
			}
		}

		q := fmt.Sprintf(
			`INSERT INTO token_outcomes
			   (run_id, token_id, outcome, is_terminal, recorded_at, sink_name, batch_id,
			    fork_group_id, join_group_id, expand_group_id, error_hash, context_json)
			 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3), r.dialect.ph(4), r.dialect.ph(5), r.dialect.ph(6),
			r.dialect.ph(7), r.dialect.ph(8), r.dialect.ph(9), r.dialect.ph(10), r.dialect.ph(11), r.dialect.ph(12),
		)

		var ctxJSON *string
		if len(o.ContextJSON) > 0 {
			s := string(o.ContextJSON)
			ctxJSON = &s
		}

		_, err := tx.ExecContext(ctx, q,
			o.RunID, o.TokenID, string(o.Outcome), o.IsTerminal, o.RecordedAt, o.SinkName, o.BatchID,
			o.ForkGroupID, o.JoinGroupID, o.ExpandGroupID, o.ErrorHash, ctxJSON)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: token %s", ErrDuplicateTerminalOutcome, o.TokenID)
			}

			return fmt.Errorf("landscape: record token outcome: %w", err)
		}

		return nil
	})
}

// GetTokenOutcome returns the latest outcome for a token, preferring terminal.
func (r *sqlRecorder) GetTokenOutcome(ctx context.Context, tokenID string) (*TokenOutcome, error) {
	if terminal, err := r.latestOutcome(ctx, tokenID, true); err != nil {
		return nil, err
	} else if terminal != nil {
		return terminal, nil
	}

	return r.latestOutcome(ctx, tokenID, false)
}

func (r *sqlRecorder) latestOutcome(ctx context.Context, tokenID string, terminal bool) (*TokenOutcome, error) {
	var result *TokenOutcome

	err := r.wrapTx(ctx, func(tx *sql.Tx) error {
		o, err := r.latestOutcomeTx(ctx, tx, tokenID, terminal)
		result = o

		return err
	})

	return result, err
}

func (r *sqlRecorder) latestOutcomeTx(
	ctx context.Context, tx *sql.Tx, tokenID string, terminal bool,
) (*TokenOutcome, error) {
	q := fmt.Sprintf(
		`SELECT outcome_id, run_id, token_id, outcome, is_terminal, recorded_at, sink_name, batch_id,
		        fork_group_id, join_group_id, expand_group_id, error_hash, context_json
		 FROM token_outcomes
		 WHERE token_id = %s AND is_terminal = %s
		 ORDER BY recorded_at DESC, outcome_id DESC
		 LIMIT 1`,
		r.dialect.ph(1), r.dialect.ph(2),
	)

	row := tx.QueryRowContext(ctx, q, tokenID, terminal)

	var (
		o        TokenOutcome
		outcome  string
		ctxJSON  *string
	)

	err := row.Scan(&o.OutcomeID, &o.RunID, &o.TokenID, &outcome, &o.IsTerminal, &o.RecordedAt,
		&o.SinkName, &o.BatchID, &o.ForkGroupID, &o.JoinGroupID, &o.ExpandGroupID, &o.ErrorHash, &ctxJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("landscape: get token outcome: %w", err)
	}

	o.Outcome = OutcomeKind(outcome)
	if ctxJSON != nil {
		o.ContextJSON = json.RawMessage(*ctxJSON)
	}

	return &o, nil
}

// CreateBatch opens a new aggregation batch.
func (r *sqlRecorder) CreateBatch(ctx context.Context, b *Batch) (*Batch, error) {
	if b.BatchID == "" {
		b.BatchID = newID()
	}

	b.OpenedAt = nowUTC()

	if b.Status == "" {
		b.Status = BatchDraft
	}

	if b.Attempt == 0 {
		b.Attempt = 1
	}

	q := fmt.Sprintf(
		`INSERT INTO batches (batch_id, run_id, aggregation_node_id, status, attempt, trigger_reason, opened_at, state_id)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3), r.dialect.ph(4),
		r.dialect.ph(5), r.dialect.ph(6), r.dialect.ph(7), r.dialect.ph(8),
	)

	_, err := r.db.ExecContext(ctx, q,
		b.BatchID, b.RunID, b.AggregationNodeID, string(b.Status), b.Attempt, b.TriggerReason, b.OpenedAt, b.StateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: create batch: %w", err)
	}

	return b, nil
}

// AddBatchMember links a token to a batch in a given role.
func (r *sqlRecorder) AddBatchMember(ctx context.Context, m *BatchMember) error {
	q := fmt.Sprintf(
		`INSERT INTO batch_members (batch_id, token_id, role) VALUES (%s, %s, %s)`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3),
	)

	_, err := r.db.ExecContext(ctx, q, m.BatchID, m.TokenID, string(m.Role))
	if err != nil {
		return fmt.Errorf("landscape: add batch member: %w", err)
	}

	return nil
}

// UpdateBatchStatus transitions a batch's status, stamping ClosedAt on terminal transitions.
func (r *sqlRecorder) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus) error {
	var q string

	args := []interface{}{string(status)}

	if status == BatchFailed || status == BatchCompleted {
		q = fmt.Sprintf(`UPDATE batches SET status = %s, closed_at = %s WHERE batch_id = %s`,
			r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3))
		args = append(args, nowUTC(), batchID)
	} else {
		q = fmt.Sprintf(`UPDATE batches SET status = %s WHERE batch_id = %s`, r.dialect.ph(1), r.dialect.ph(2))
		args = append(args, batchID)
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("landscape: update batch status: %w", err)
	}

	return r.requireOneRow(res, fmt.Errorf("landscape: batch %s not found", batchID))
}

// RetryBatch increments a failed batch's attempt counter and reopens it.
func (r *sqlRecorder) RetryBatch(ctx context.Context, batchID string) (*Batch, error) {
	q := fmt.Sprintf(
		`UPDATE batches SET status = %s, attempt = attempt + 1, closed_at = NULL WHERE batch_id = %s`,
		r.dialect.ph(1), r.dialect.ph(2),
	)

	_, err := r.db.ExecContext(ctx, q, string(BatchDraft), batchID)
	if err != nil {
		return nil, fmt.Errorf("landscape: retry batch: %w", err)
	}

	return r.getBatch(ctx, batchID)
}

func (r *sqlRecorder) getBatch(ctx context.Context, batchID string) (*Batch, error) {
	q := fmt.Sprintf(
		`SELECT batch_id, run_id, aggregation_node_id, status, attempt, trigger_reason, opened_at, closed_at, state_id
		 FROM batches WHERE batch_id = %s`, r.dialect.ph(1),
	)

	var (
		b      Batch
		status string
	)

	err := r.db.QueryRowContext(ctx, q, batchID).Scan(
		&b.BatchID, &b.RunID, &b.AggregationNodeID, &status, &b.Attempt, &b.TriggerReason,
		&b.OpenedAt, &b.ClosedAt, &b.StateID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get batch: %w", err)
	}

	b.Status = BatchStatus(status)

	return &b, nil
}

// GetIncompleteBatches returns batches not yet in a terminal status.
func (r *sqlRecorder) GetIncompleteBatches(ctx context.Context, runID string) ([]*Batch, error) {
	q := fmt.Sprintf(
		`SELECT batch_id, run_id, aggregation_node_id, status, attempt, trigger_reason, opened_at, closed_at, state_id
		 FROM batches WHERE run_id = %s AND status IN (%s, %s) ORDER BY opened_at`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3),
	)

	rows, err := r.db.QueryContext(ctx, q, runID, string(BatchDraft), string(BatchExecuting))
	if err != nil {
		return nil, fmt.Errorf("landscape: get incomplete batches: %w", err)
	}
	defer rows.Close()

	var out []*Batch

	for rows.Next() {
		var (
			b      Batch
			status string
		)

		if err := rows.Scan(&b.BatchID, &b.RunID, &b.AggregationNodeID, &status, &b.Attempt,
			&b.TriggerReason, &b.OpenedAt, &b.ClosedAt, &b.StateID); err != nil {
			return nil, fmt.Errorf("landscape: scan incomplete batch: %w", err)
		}

		b.Status = BatchStatus(status)
		out = append(out, &b)
	}

	return out, rows.Err()
}

// GetBatchMembers returns every member of a batch.
func (r *sqlRecorder) GetBatchMembers(ctx context.Context, batchID string) ([]*BatchMember, error) {
	q := fmt.Sprintf(`SELECT batch_id, token_id, role FROM batch_members WHERE batch_id = %s`, r.dialect.ph(1))

	rows, err := r.db.QueryContext(ctx, q, batchID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get batch members: %w", err)
	}
	defer rows.Close()

	var out []*BatchMember

	for rows.Next() {
		var (
			m    BatchMember
			role string
		)

		if err := rows.Scan(&m.BatchID, &m.TokenID, &role); err != nil {
			return nil, fmt.Errorf("landscape: scan batch member: %w", err)
		}

		m.Role = BatchMemberRole(role)
		out = append(out, &m)
	}

	return out, rows.Err()
}

// CreateCheckpoint records that a token has been durably written to its sink.
func (r *sqlRecorder) CreateCheckpoint(ctx context.Context, c *Checkpoint) (*Checkpoint, error) {
	c.CreatedAt = nowUTC()

	if c.FormatVersion == 0 {
		c.FormatVersion = 1
	}

	var aggJSON *string
	if len(c.AggregationStateJSON) > 0 {
		s := string(c.AggregationStateJSON)
		aggJSON = &s
	}

	if r.dialect.isPostgres() {
		q := `INSERT INTO checkpoints
		        (run_id, token_id, node_id, sequence_number, created_at, upstream_topology_hash,
		         checkpoint_node_config_hash, aggregation_state_json, format_version)
		      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING checkpoint_id`

		err := r.db.QueryRowContext(ctx, q,
			c.RunID, c.TokenID, c.NodeID, c.SequenceNumber, c.CreatedAt, c.UpstreamTopologyHash,
			c.CheckpointNodeCfgHash, aggJSON, c.FormatVersion,
		).Scan(&c.CheckpointID)
		if err != nil {
			return nil, fmt.Errorf("landscape: create checkpoint: %w", err)
		}

		return c, nil
	}

	q := `INSERT INTO checkpoints
	        (run_id, token_id, node_id, sequence_number, created_at, upstream_topology_hash,
	         checkpoint_node_config_hash, aggregation_state_json, format_version)
	      VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, q,
		c.RunID, c.TokenID, c.NodeID, c.SequenceNumber, c.CreatedAt, c.UpstreamTopologyHash,
		c.CheckpointNodeCfgHash, aggJSON, c.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("landscape: create checkpoint: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("landscape: create checkpoint id: %w", err)
	}

	c.CheckpointID = id

	return c, nil
}

// DeleteCheckpoints removes all checkpoints for a run.
func (r *sqlRecorder) DeleteCheckpoints(ctx context.Context, runID string) error {
	q := fmt.Sprintf(`DELETE FROM checkpoints WHERE run_id = %s`, r.dialect.ph(1))

	_, err := r.db.ExecContext(ctx, q, runID)
	if err != nil {
		return fmt.Errorf("landscape: delete checkpoints: %w", err)
	}

	return nil
}

// ListCheckpoints returns every checkpoint recorded for a run.
func (r *sqlRecorder) ListCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	q := fmt.Sprintf(
		`SELECT checkpoint_id, run_id, token_id, node_id, sequence_number, created_at,
		        upstream_topology_hash, checkpoint_node_config_hash, aggregation_state_json, format_version
		 FROM checkpoints WHERE run_id = %s ORDER BY sequence_number`, r.dialect.ph(1),
	)

	rows, err := r.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint

	for rows.Next() {
		var (
			c       Checkpoint
			aggJSON *string
		)

		if err := rows.Scan(&c.CheckpointID, &c.RunID, &c.TokenID, &c.NodeID, &c.SequenceNumber,
			&c.CreatedAt, &c.UpstreamTopologyHash, &c.CheckpointNodeCfgHash, &aggJSON, &c.FormatVersion); err != nil {
			return nil, fmt.Errorf("landscape: scan checkpoint: %w", err)
		}

		if aggJSON != nil {
			c.AggregationStateJSON = json.RawMessage(*aggJSON)
		}

		out = append(out, &c)
	}

	return out, rows.Err()
}

// GetUnprocessedRowIDs returns rows whose token has no terminal outcome and no
// checkpoint at a sink node — the exact set resume must reprocess.
func (r *sqlRecorder) GetUnprocessedRowIDs(ctx context.Context, runID string) ([]int64, error) {
	q := fmt.Sprintf(`
		SELECT DISTINCT rws.row_id
		FROM rows rws
		JOIN tokens tok ON tok.row_id = rws.row_id
		WHERE rws.run_id = %s
		  AND NOT EXISTS (
		        SELECT 1 FROM token_outcomes tao
		        WHERE tao.token_id = tok.token_id AND tao.is_terminal = %s
		  )
		  AND NOT EXISTS (
		        SELECT 1 FROM checkpoints cp
		        WHERE cp.token_id = tok.token_id AND cp.run_id = %s
		  )
		ORDER BY rws.row_id`,
		r.dialect.ph(1), r.dialect.ph(2), r.dialect.ph(3),
	)

	rows, err := r.db.QueryContext(ctx, q, runID, true, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get unprocessed row ids: %w", err)
	}
	defer rows.Close()

	var out []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("landscape: scan unprocessed row id: %w", err)
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

// GetRun fetches a run's metadata.
func (r *sqlRecorder) GetRun(ctx context.Context, runID string) (*Run, error) {
	q := fmt.Sprintf(
		`SELECT run_id, started_at, completed_at, config_hash, canonical_version, status, export_status
		 FROM runs WHERE run_id = %s`, r.dialect.ph(1),
	)

	var (
		run          Run
		status       string
		exportStatus string
	)

	err := r.db.QueryRowContext(ctx, q, runID).Scan(
		&run.RunID, &run.StartedAt, &run.CompletedAt, &run.ConfigHash, &run.CanonicalVer, &status, &exportStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("landscape: get run: %w", err)
	}

	run.Status = RunStatus(status)
	run.ExportStatus = ExportStatus(exportStatus)

	return &run, nil
}

// GetNodes returns every node registered for a run.
func (r *sqlRecorder) GetNodes(ctx context.Context, runID string) ([]*Node, error) {
	q := fmt.Sprintf(
		`SELECT node_id, run_id, plugin_name, node_type, plugin_version, determinism, config_hash,
		        schema_config_json, registered_at
		 FROM nodes WHERE run_id = %s ORDER BY node_id`, r.dialect.ph(1),
	)

	rows, err := r.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node

	for rows.Next() {
		var (
			n               Node
			nodeType        string
			determinism     string
			schemaCfgString string
		)

		if err := rows.Scan(&n.NodeID, &n.RunID, &n.PluginName, &nodeType, &n.PluginVersion,
			&determinism, &n.ConfigHash, &schemaCfgString, &n.RegisteredAt); err != nil {
			return nil, fmt.Errorf("landscape: scan node: %w", err)
		}

		n.NodeType = NodeType(nodeType)
		n.Determinism = Determinism(determinism)
		n.SchemaConfigJSON = json.RawMessage(schemaCfgString)
		out = append(out, &n)
	}

	return out, rows.Err()
}

// GetEdges returns every edge registered for a run.
func (r *sqlRecorder) GetEdges(ctx context.Context, runID string) ([]*Edge, error) {
	q := fmt.Sprintf(
		`SELECT edge_id, run_id, from_node_id, to_node_id, label, created_at
		 FROM edges WHERE run_id = %s ORDER BY edge_id`, r.dialect.ph(1),
	)

	rows, err := r.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: get edges: %w", err)
	}
	defer rows.Close()

	var out []*Edge

	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("landscape: scan edge: %w", err)
		}

		out = append(out, &e)
	}

	return out, rows.Err()
}

// GetRowByID fetches a single row's metadata.
func (r *sqlRecorder) GetRowByID(ctx context.Context, rowID int64) (*Row, error) {
	q := fmt.Sprintf(
		`SELECT row_id, run_id, source_node_id, row_index, source_data_hash, source_data_ref, created_at
		 FROM rows WHERE row_id = %s`, r.dialect.ph(1),
	)

	var row Row

	err := r.db.QueryRowContext(ctx, q, rowID).Scan(
		&row.RowID, &row.RunID, &row.SourceNodeID, &row.RowIndex, &row.SourceDataHash, &row.SourceDataRef, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("landscape: row %d: %w", rowID, sql.ErrNoRows)
	}

	if err != nil {
		return nil, fmt.Errorf("landscape: get row: %w", err)
	}

	return &row, nil
}

// requireOneRow maps a zero-rows-affected UPDATE/DELETE result to notFoundErr.
func (r *sqlRecorder) requireOneRow(res sql.Result, notFoundErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("landscape: rows affected: %w", err)
	}

	if n == 0 {
		return notFoundErr
	}

	return nil
}

// isUniqueViolation does a best-effort, driver-agnostic check for a unique-
// constraint violation, since lib/pq and modernc.org/sqlite surface this
// differently and neither exposes a single shared sentinel.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()
	needles := []string{"unique constraint", "UNIQUE constraint", "duplicate key"}

	for _, n := range needles {
		if contains(msg, n) {
			return true
		}
	}

	return false
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}

	return -1
}
