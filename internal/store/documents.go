package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Document is a corpus document row. Identity is the doc key, a globally
// unique string of the form "<source>-<native id>" that is never reused.
type Document struct {
	// ID is the SQLite row id.
	ID int64
	// Key is the globally unique document key (e.g. "jira-PROJ-42").
	Key string
	// Source is the external source system this document came from.
	Source string
	// Title is the document title.
	Title string
	// URL is the canonical link to the document in its source system.
	URL string
	// Content is the full document text.
	Content string
	// Author is the source-side author, if known.
	Author string
	// SourceUpdatedAt is the source-side last-modified time.
	SourceUpdatedAt time.Time
	// LastSyncedAt is when the sync engine last touched this row.
	LastSyncedAt time.Time
	// Deleted is the soft-delete flag. Deleted rows are never removed.
	Deleted bool
	// Metadata holds free-form source metadata.
	Metadata map[string]string
}

// DocumentInput is the data the sync engine supplies when upserting a
// document sighting.
type DocumentInput struct {
	// Key is the globally unique document key.
	Key string
	// Source is the external source system name.
	Source string
	// Title is the document title.
	Title string
	// URL is the canonical document link.
	URL string
	// Content is the full document text.
	Content string
	// Author is the source-side author.
	Author string
	// SourceUpdatedAt is the source-side last-modified time.
	SourceUpdatedAt time.Time
	// Metadata holds free-form source metadata.
	Metadata map[string]string
}

// Upsert actions returned by UpsertDocument.
const (
	UpsertAdded   = "added"
	UpsertUpdated = "updated"
	UpsertSkipped = "skipped"
)

// ErrDocumentNotFound is returned when a document key has no row.
var ErrDocumentNotFound = errors.New("store: document not found")

// UpsertDocument records a sighting of a source document. A new key inserts
// a row (UpsertAdded); an existing key with identical content and a clear
// deleted flag is left untouched (UpsertSkipped); anything else updates the
// row, clears the deleted flag, and refreshes last_synced_at
// (UpsertUpdated). A re-sighted deleted document is therefore resurrected.
func (s *SQLiteStore) UpsertDocument(ctx context.Context, in DocumentInput) (string, error) {
	if in.Key == "" {
		return "", fmt.Errorf("store: upsert document: key must not be empty")
	}

	meta, err := json.Marshal(orEmpty(in.Metadata))
	if err != nil {
		return "", fmt.Errorf("store: upsert document %s: marshal metadata: %w", in.Key, err)
	}
	now := time.Now().Unix()

	var existingContent string
	var existingDeleted bool
	err = s.db.QueryRowContext(ctx,
		`SELECT content, deleted FROM documents WHERE doc_key = ?`, in.Key,
	).Scan(&existingContent, &existingDeleted)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, `
INSERT INTO documents (doc_key, source, title, url, content, author, source_updated_at, last_synced_at, deleted, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			in.Key, in.Source, in.Title, in.URL, in.Content, in.Author,
			in.SourceUpdatedAt.Unix(), now, string(meta))
		if err != nil {
			return "", fmt.Errorf("store: insert document %s: %w", in.Key, err)
		}
		return UpsertAdded, nil

	case err != nil:
		return "", fmt.Errorf("store: upsert document %s: %w", in.Key, err)

	case existingContent == in.Content && !existingDeleted:
		return UpsertSkipped, nil

	default:
		_, err = s.db.ExecContext(ctx, `
UPDATE documents
SET    title = ?, url = ?, content = ?, author = ?,
       source_updated_at = ?, last_synced_at = ?, deleted = 0, metadata = ?
WHERE  doc_key = ?`,
			in.Title, in.URL, in.Content, in.Author,
			in.SourceUpdatedAt.Unix(), now, string(meta), in.Key)
		if err != nil {
			return "", fmt.Errorf("store: update document %s: %w", in.Key, err)
		}
		return UpsertUpdated, nil
	}
}

// Document returns the document with the given key, deleted or not.
func (s *SQLiteStore) Document(ctx context.Context, key string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, doc_key, source, title, url, content, author,
       source_updated_at, last_synced_at, deleted, metadata
FROM   documents WHERE doc_key = ?`, key)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("store: document %s: %w", key, err)
	}
	return doc, nil
}

// LiveDocumentKeys returns the set of non-deleted document keys for a
// source. The deletion detector diffs this set against the source's current
// id enumeration.
func (s *SQLiteStore) LiveDocumentKeys(ctx context.Context, source string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_key FROM documents WHERE source = ? AND deleted = 0`, source)
	if err != nil {
		return nil, fmt.Errorf("store: live document keys for %s: %w", source, err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: live document keys scan: %w", err)
		}
		keys[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: live document keys rows: %w", err)
	}
	return keys, nil
}

// MarkDocumentsDeleted flips the soft-delete flag on the given keys and
// refreshes last_synced_at. Rows are never removed. Returns the number of
// rows actually flipped (already-deleted rows do not count).
func (s *SQLiteStore) MarkDocumentsDeleted(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(keys)-1) + "?"
	args := make([]any, 0, len(keys)+1)
	args = append(args, time.Now().Unix())
	for _, k := range keys {
		args = append(args, k)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE documents SET deleted = 1, last_synced_at = ?
WHERE  doc_key IN (`+placeholders+`) AND deleted = 0`, args...)
	if err != nil {
		return 0, fmt.Errorf("store: mark documents deleted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark documents deleted rows affected: %w", err)
	}
	return int(n), nil
}

// Stats summarizes the corpus for the stats endpoint.
type Stats struct {
	// Documents is the number of non-deleted documents.
	Documents int
	// DeletedDocuments is the number of soft-deleted documents.
	DeletedDocuments int
	// LiveChunks is the number of chunks with state 'live'.
	LiveChunks int
	// DeadChunks is the number of chunks with state 'dead'.
	DeadChunks int
}

// CorpusStats returns document and chunk counts.
func (s *SQLiteStore) CorpusStats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM documents WHERE deleted = 0),
  (SELECT COUNT(*) FROM documents WHERE deleted = 1),
  (SELECT COUNT(*) FROM chunks WHERE state = 'live'),
  (SELECT COUNT(*) FROM chunks WHERE state = 'dead')`,
	).Scan(&st.Documents, &st.DeletedDocuments, &st.LiveChunks, &st.DeadChunks)
	if err != nil {
		return Stats{}, fmt.Errorf("store: corpus stats: %w", err)
	}
	return st, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanDocument.
type scanner interface {
	Scan(dest ...any) error
}

// scanDocument reads one document row in the canonical column order.
func scanDocument(sc scanner) (*Document, error) {
	var d Document
	var srcUpdated, synced int64
	var meta string
	err := sc.Scan(&d.ID, &d.Key, &d.Source, &d.Title, &d.URL, &d.Content,
		&d.Author, &srcUpdated, &synced, &d.Deleted, &meta)
	if err != nil {
		return nil, err
	}
	d.SourceUpdatedAt = time.Unix(srcUpdated, 0)
	d.LastSyncedAt = time.Unix(synced, 0)
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &d, nil
}

// orEmpty substitutes an empty map for nil so metadata always marshals to
// an object.
func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
