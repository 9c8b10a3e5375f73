// Package store provides the SQLite-backed corpus store: the authoritative
// record of documents, their chunks, and slot-identifier assignments, plus
// the append-only sync run audit log. Documents are soft-deleted only; a
// deletion flips a flag and the row survives, so historical citations stay
// resolvable. The set of live slot ids recorded here is the source of truth
// the index reconciler enforces against the vector index.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// SQLiteStore is the corpus store backed by a local SQLite database.
// It is safe for concurrent use; writes are serialized on a single
// connection.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the corpus database.
// It resolves to ~/.kbai/corpus.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kbai")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "corpus.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    doc_key            TEXT    NOT NULL UNIQUE,
    source             TEXT    NOT NULL,
    title              TEXT    NOT NULL,
    url                TEXT    NOT NULL DEFAULT '',
    content            TEXT    NOT NULL,
    author             TEXT    NOT NULL DEFAULT '',
    source_updated_at  INTEGER NOT NULL,  -- Unix timestamp (seconds)
    last_synced_at     INTEGER NOT NULL,  -- Unix timestamp (seconds)
    deleted            INTEGER NOT NULL DEFAULT 0,
    metadata           TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_documents_source_deleted
    ON documents (source, deleted);

CREATE TABLE IF NOT EXISTS chunks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id  INTEGER NOT NULL REFERENCES documents(id),
    chunk_index  INTEGER NOT NULL,
    chunk_text   TEXT    NOT NULL,
    slot_id      INTEGER,
    state        TEXT    NOT NULL CHECK(state IN ('pending','live','dead')),
    embedding    BLOB    NOT NULL,
    created_at   INTEGER NOT NULL   -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document_state
    ON chunks (document_id, state);
CREATE INDEX IF NOT EXISTS idx_chunks_slot
    ON chunks (slot_id) WHERE slot_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS sync_runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    source        TEXT    NOT NULL,
    kind          TEXT    NOT NULL DEFAULT 'incremental' CHECK(kind IN ('incremental','deletion')),
    status        TEXT    NOT NULL CHECK(status IN ('running','succeeded','failed')),
    added         INTEGER NOT NULL DEFAULT 0,
    updated       INTEGER NOT NULL DEFAULT 0,
    deleted       INTEGER NOT NULL DEFAULT 0,
    error_detail  TEXT    NOT NULL DEFAULT '',
    started_at    INTEGER NOT NULL,  -- Unix timestamp (seconds)
    completed_at  INTEGER            -- NULL while running
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_source_status
    ON sync_runs (source, status, completed_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database connection is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

// encodeVector serializes a float32 vector as a little-endian blob for the
// chunks.embedding column. Storing the raw vector is what lets a rebuild
// re-add every live chunk without re-embedding anything.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeVector deserializes a blob written by encodeVector.
func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("store: embedding blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
