package landscape

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

// pragmas every SQLite connection must apply before it is handed to a
// recorder. foreign_keys enforces the run/node/token referential integrity
// the schema relies on; WAL lets the orchestrator's writer and the CLI's
// read-only inspection queries run concurrently without lock contention.
var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
}

// NewSQLiteFileRecorder opens a Recorder backed by a SQLite database file at path.
func NewSQLiteFileRecorder(path string) (Recorder, error) {
	return newSQLiteRecorder(path)
}

// NewSQLiteDSNRecorder opens a Recorder using a raw modernc.org/sqlite DSN,
// for callers that need query-string options (e.g. _txlock, cache=shared).
func NewSQLiteDSNRecorder(dsn string) (Recorder, error) {
	return newSQLiteRecorder(dsn)
}

// NewSQLiteMemoryRecorder opens an in-memory Recorder, used by tests that
// need a real SQL engine without a filesystem dependency. The connection
// pool is capped at one connection: SQLite's ":memory:" database is private
// to a single connection, so a second pooled connection would see an empty
// schema.
func NewSQLiteMemoryRecorder() (Recorder, error) {
	r, err := newSQLiteRecorder(":memory:")
	if err != nil {
		return nil, err
	}

	if sr, ok := r.(*sqlRecorder); ok {
		sr.db.SetMaxOpenConns(1)
	}

	return r, nil
}

// newSQLiteRecorder is the single construction path every exported SQLite
// constructor funnels through, so the durability pragmas are never skipped —
// a factory method that bypasses this is an audit-integrity bug.
func newSQLiteRecorder(dsn string) (Recorder, error) {
	db, err := sql.Open(sqliteDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("landscape: open sqlite: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("landscape: sqlite health check failed: %w", err)
	}

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("landscape: apply %q: %w", pragma, err)
		}
	}

	if err := applySQLiteSchema(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return newSQLRecorder(db, dialectSQLite)
}
