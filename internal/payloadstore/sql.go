package payloadstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLStore persists payloads in a payload_blobs table keyed by content hash,
// for deployments that want the row payload store and the landscape recorder
// sharing one database rather than a separate filesystem mount.
type SQLStore struct {
	db        *sql.DB
	dialectPg bool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an existing connection. dialectPostgres selects
// Postgres's ON CONFLICT upsert syntax; false selects SQLite's
// INSERT OR IGNORE equivalent. The payload_blobs table is expected to already
// exist on Postgres (via the migrations package); on SQLite it is created
// here since payload storage has no migration history to preserve.
func NewSQLStore(db *sql.DB, dialectPostgres bool) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("payloadstore: database connection cannot be nil")
	}

	if !dialectPostgres {
		const schema = `CREATE TABLE IF NOT EXISTS payload_blobs (hash TEXT PRIMARY KEY, data BLOB NOT NULL)`
		if _, err := db.ExecContext(context.Background(), schema); err != nil {
			return nil, fmt.Errorf("payloadstore: create sqlite schema: %w", err)
		}
	}

	return &SQLStore{db: db, dialectPg: dialectPostgres}, nil
}

// Put stores data, upserting on a hash collision so storing identical bytes
// twice is a cheap no-op rather than a constraint violation.
func (s *SQLStore) Put(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyPayload
	}

	hash := Hash(data)

	var q string
	if s.dialectPg {
		q = `INSERT INTO payload_blobs (hash, data) VALUES ($1, $2) ON CONFLICT (hash) DO NOTHING`
	} else {
		q = `INSERT OR IGNORE INTO payload_blobs (hash, data) VALUES (?, ?)`
	}

	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, q, hash, data); err != nil {
		return "", fmt.Errorf("payloadstore: store payload: %w", err)
	}

	return hash, nil
}

// Get retrieves the bytes stored under hash.
func (s *SQLStore) Get(hash string) ([]byte, error) {
	q := "SELECT data FROM payload_blobs WHERE hash = $1"
	if !s.dialectPg {
		q = "SELECT data FROM payload_blobs WHERE hash = ?"
	}

	var data []byte

	err := s.db.QueryRowContext(context.Background(), q, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	if err != nil {
		return nil, fmt.Errorf("payloadstore: get payload: %w", err)
	}

	return data, nil
}

// Has reports whether hash is already stored.
func (s *SQLStore) Has(hash string) (bool, error) {
	q := "SELECT 1 FROM payload_blobs WHERE hash = $1"
	if !s.dialectPg {
		q = "SELECT 1 FROM payload_blobs WHERE hash = ?"
	}

	var one int

	err := s.db.QueryRowContext(context.Background(), q, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("payloadstore: has payload: %w", err)
	}

	return true, nil
}
