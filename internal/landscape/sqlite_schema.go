package landscape

import (
	"context"
	"database/sql"
	"fmt"
)

// sqliteSchema creates the landscape tables for the SQLite backend. SQLite is
// the embedded/dev/test backend and has no migration history to preserve, so
// the schema is applied idempotently on every construction rather than routed
// through the Postgres-only golang-migrate pipeline in the migrations
// package; the table shapes are kept in lockstep with migrations/*.sql by hand.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	started_at        DATETIME NOT NULL,
	completed_at      DATETIME,
	config_hash       TEXT NOT NULL,
	canonical_version TEXT NOT NULL,
	status            TEXT NOT NULL,
	export_status     TEXT NOT NULL DEFAULT 'not_exported'
);

CREATE TABLE IF NOT EXISTS nodes (
	node_id            TEXT NOT NULL,
	run_id             TEXT NOT NULL REFERENCES runs (run_id),
	plugin_name        TEXT NOT NULL,
	node_type          TEXT NOT NULL,
	plugin_version     TEXT NOT NULL,
	determinism        TEXT NOT NULL,
	config_hash        TEXT NOT NULL,
	schema_config_json TEXT NOT NULL DEFAULT '{}',
	registered_at      DATETIME NOT NULL,
	PRIMARY KEY (run_id, node_id)
);

CREATE TABLE IF NOT EXISTS edges (
	edge_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL REFERENCES runs (run_id),
	from_node_id TEXT NOT NULL,
	to_node_id   TEXT NOT NULL,
	label        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rows (
	row_id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id           TEXT NOT NULL REFERENCES runs (run_id),
	source_node_id   TEXT NOT NULL,
	row_index        INTEGER NOT NULL,
	source_data_hash TEXT NOT NULL,
	source_data_ref  TEXT NOT NULL,
	created_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
	token_id        TEXT PRIMARY KEY,
	row_id          INTEGER NOT NULL REFERENCES rows (row_id),
	branch_name     TEXT,
	created_at      DATETIME NOT NULL,
	parent_token_id TEXT REFERENCES tokens (token_id)
);

CREATE TABLE IF NOT EXISTS node_states (
	state_id     TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs (run_id),
	token_id     TEXT NOT NULL REFERENCES tokens (token_id),
	node_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	error_hash   TEXT
);

CREATE TABLE IF NOT EXISTS token_outcomes (
	outcome_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          TEXT NOT NULL REFERENCES runs (run_id),
	token_id        TEXT NOT NULL REFERENCES tokens (token_id),
	outcome         TEXT NOT NULL,
	is_terminal     BOOLEAN NOT NULL,
	recorded_at     DATETIME NOT NULL,
	sink_name       TEXT,
	batch_id        TEXT,
	fork_group_id   TEXT,
	join_group_id   TEXT,
	expand_group_id TEXT,
	error_hash      TEXT,
	context_json    TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_token_outcomes_terminal_token
	ON token_outcomes (token_id)
	WHERE is_terminal = 1;

CREATE TABLE IF NOT EXISTS batches (
	batch_id            TEXT PRIMARY KEY,
	run_id              TEXT NOT NULL REFERENCES runs (run_id),
	aggregation_node_id TEXT NOT NULL,
	status              TEXT NOT NULL,
	attempt             INTEGER NOT NULL DEFAULT 1,
	trigger_reason      TEXT NOT NULL DEFAULT '',
	opened_at           DATETIME NOT NULL,
	closed_at           DATETIME,
	state_id            TEXT
);

CREATE TABLE IF NOT EXISTS batch_members (
	batch_id TEXT NOT NULL REFERENCES batches (batch_id),
	token_id TEXT NOT NULL REFERENCES tokens (token_id),
	role     TEXT NOT NULL,
	PRIMARY KEY (batch_id, token_id, role)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id               INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id                      TEXT NOT NULL REFERENCES runs (run_id),
	token_id                    TEXT NOT NULL REFERENCES tokens (token_id),
	node_id                     TEXT NOT NULL,
	sequence_number             INTEGER NOT NULL,
	created_at                  DATETIME NOT NULL,
	upstream_topology_hash      TEXT NOT NULL,
	checkpoint_node_config_hash TEXT NOT NULL,
	aggregation_state_json      TEXT,
	format_version              INTEGER NOT NULL DEFAULT 1
);
`

func applySQLiteSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("landscape: apply sqlite schema: %w", err)
	}

	return nil
}
