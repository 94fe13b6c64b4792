package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-io/elspeth/internal/config"
)

// sqlRecorder is the shared database/sql-backed implementation of Recorder.
// Both the Postgres and SQLite constructors return a *sqlRecorder configured
// with the appropriate dialect; every query body in queries.go is written
// once and rendered per-dialect via dialect.ph.
//
// Grounded on internal/storage/lineage_store.go's LineageStore: a struct
// wrapping a *sql.DB, a *slog.Logger, and a sync.Once-guarded Close.
type sqlRecorder struct {
	db        *sql.DB
	dialect   dialect
	logger    *slog.Logger
	closeOnce sync.Once
}

var _ Recorder = (*sqlRecorder)(nil)

func newSQLRecorder(db *sql.DB, d dialect) (*sqlRecorder, error) {
	if db == nil {
		return nil, ErrNilConnection
	}

	return &sqlRecorder{
		db:      db,
		dialect: d,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Close closes the underlying connection pool. Safe to call multiple times.
func (r *sqlRecorder) Close() error {
	var err error

	r.closeOnce.Do(func() {
		err = r.db.Close()
	})

	return err
}

// newID generates a new random identifier used for production row identity.
func newID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// wrapTx runs fn inside a single transaction, committing on success and
// rolling back on any error — mirroring LineageStore.StoreEvent's
// begin-writes-commit shape so a crash mid-sequence cannot leave a half-
// registered node or half-recorded outcome.
func (r *sqlRecorder) wrapTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("landscape: begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error("rollback failed", slog.String("error", rbErr.Error()))
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("landscape: commit transaction: %w", err)
	}

	return nil
}
