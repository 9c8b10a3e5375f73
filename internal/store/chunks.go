package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Chunk states. A chunk is 'pending' between insertion and slot assignment,
// 'live' once its vector is reachable in the serving index, and 'dead' once
// its parent document was edited or deleted. Dead chunks are purged from the
// index only at the next rebuild.
const (
	ChunkPending = "pending"
	ChunkLive    = "live"
	ChunkDead    = "dead"
)

// LiveChunk is one live chunk's slot id and stored vector, used by the
// reconciler to rebuild the index without re-embedding.
type LiveChunk struct {
	// ChunkID is the chunk row id.
	ChunkID int64
	// SlotID is the chunk's current slot in the serving index.
	SlotID int64
	// Vector is the stored embedding.
	Vector []float32
}

// Resolved is the result of mapping a search hit back to its chunk and
// owning document at query time.
type Resolved struct {
	// ChunkID is the resolved chunk's row id.
	ChunkID int64
	// Slot is the chunk's slot in the index that was searched.
	Slot int64
	// ChunkText is the chunk's text span.
	ChunkText string
	// ChunkIndex is the chunk ordinal within its document.
	ChunkIndex int
	// DocKey is the owning document's key.
	DocKey string
	// Source is the owning document's source system.
	Source string
	// Title is the owning document's title.
	Title string
	// URL is the owning document's canonical link.
	URL string
	// Author is the owning document's author.
	Author string
	// SourceUpdatedAt is the owning document's source-side modification time.
	SourceUpdatedAt time.Time
}

// ReplaceChunks invalidates a document's current chunk set and inserts the
// replacement in one transaction: existing pending/live chunks are marked
// dead, then the new texts and their embeddings are inserted as pending rows
// with no slot. Chunk boundaries are not stable under edits, so chunks are
// always replaced wholesale, never patched. Returns the new chunk row ids in
// ordinal order.
func (s *SQLiteStore) ReplaceChunks(ctx context.Context, docKey string, texts []string, vectors [][]float32) ([]int64, error) {
	if len(texts) != len(vectors) {
		return nil, fmt.Errorf("store: replace chunks for %s: %d texts but %d vectors", docKey, len(texts), len(vectors))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: replace chunks for %s: begin: %w", docKey, err)
	}
	defer func() { _ = tx.Rollback() }()

	var docID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM documents WHERE doc_key = ?`, docKey).Scan(&docID)
	if err != nil {
		return nil, fmt.Errorf("store: replace chunks: document %s: %w", docKey, err)
	}

	// Deletions before additions: the old chunk set dies in the same
	// transaction that creates its replacement.
	_, err = tx.ExecContext(ctx,
		`UPDATE chunks SET state = ? WHERE document_id = ? AND state != ?`,
		ChunkDead, docID, ChunkDead)
	if err != nil {
		return nil, fmt.Errorf("store: replace chunks for %s: mark dead: %w", docKey, err)
	}

	now := time.Now().Unix()
	ids := make([]int64, 0, len(texts))
	for i, text := range texts {
		res, err := tx.ExecContext(ctx, `
INSERT INTO chunks (document_id, chunk_index, chunk_text, slot_id, state, embedding, created_at)
VALUES (?, ?, ?, NULL, ?, ?, ?)`,
			docID, i, text, ChunkPending, encodeVector(vectors[i]), now)
		if err != nil {
			return nil, fmt.Errorf("store: replace chunks for %s: insert chunk %d: %w", docKey, i, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("store: replace chunks for %s: chunk %d id: %w", docKey, i, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: replace chunks for %s: commit: %w", docKey, err)
	}
	return ids, nil
}

// AssignSlots records the index-assigned slot ids for freshly added chunks
// and promotes them to live, in a single transaction. chunkIDs and slots are
// parallel slices in the order the vectors were added to the index.
func (s *SQLiteStore) AssignSlots(ctx context.Context, chunkIDs, slots []int64) error {
	if len(chunkIDs) != len(slots) {
		return fmt.Errorf("store: assign slots: %d chunk ids but %d slots", len(chunkIDs), len(slots))
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: assign slots: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, id := range chunkIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE chunks SET slot_id = ?, state = ? WHERE id = ?`,
			slots[i], ChunkLive, id)
		if err != nil {
			return fmt.Errorf("store: assign slot %d to chunk %d: %w", slots[i], id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: assign slots rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("store: assign slots: chunk %d does not exist", id)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: assign slots: commit: %w", err)
	}
	return nil
}

// MarkChunksDead marks every non-dead chunk of a document dead. Used when a
// document is soft-deleted. Returns the number of chunks affected.
func (s *SQLiteStore) MarkChunksDead(ctx context.Context, docKey string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE chunks SET state = ?
WHERE  document_id = (SELECT id FROM documents WHERE doc_key = ?) AND state != ?`,
		ChunkDead, docKey, ChunkDead)
	if err != nil {
		return 0, fmt.Errorf("store: mark chunks dead for %s: %w", docKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark chunks dead rows affected: %w", err)
	}
	return int(n), nil
}

// LiveChunkTexts returns the document's live chunk texts in ordinal order
// and whether every live chunk has a slot assigned. The reconciler compares
// this against a fresh chunking to make reconciliation idempotent.
func (s *SQLiteStore) LiveChunkTexts(ctx context.Context, docKey string) ([]string, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.chunk_text, c.slot_id IS NOT NULL
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  d.doc_key = ? AND c.state = ?
ORDER  BY c.chunk_index`, docKey, ChunkLive)
	if err != nil {
		return nil, false, fmt.Errorf("store: live chunk texts for %s: %w", docKey, err)
	}
	defer rows.Close()

	var texts []string
	allSlotted := true
	for rows.Next() {
		var text string
		var slotted bool
		if err := rows.Scan(&text, &slotted); err != nil {
			return nil, false, fmt.Errorf("store: live chunk texts scan: %w", err)
		}
		texts = append(texts, text)
		allSlotted = allSlotted && slotted
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("store: live chunk texts rows: %w", err)
	}
	return texts, allSlotted, nil
}

// LiveChunks returns every live, slotted chunk with its stored vector,
// ordered by slot id. This is the rebuild input: re-adding these vectors to
// a fresh index in order reproduces a dense, dead-free index.
func (s *SQLiteStore) LiveChunks(ctx context.Context) ([]LiveChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.slot_id, c.embedding
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  c.state = ? AND c.slot_id IS NOT NULL AND d.deleted = 0
ORDER  BY c.slot_id`, ChunkLive)
	if err != nil {
		return nil, fmt.Errorf("store: live chunks: %w", err)
	}
	defer rows.Close()

	var out []LiveChunk
	for rows.Next() {
		var lc LiveChunk
		var blob []byte
		if err := rows.Scan(&lc.ChunkID, &lc.SlotID, &blob); err != nil {
			return nil, fmt.Errorf("store: live chunks scan: %w", err)
		}
		lc.Vector, err = decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("store: live chunks chunk %d: %w", lc.ChunkID, err)
		}
		out = append(out, lc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: live chunks rows: %w", err)
	}
	return out, nil
}

// SlotStats returns the number of live and dead slotted chunks. The
// reconciler uses the dead ratio to decide when a rebuild is due.
func (s *SQLiteStore) SlotStats(ctx context.Context) (live, dead int, err error) {
	err = s.db.QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM chunks WHERE state = ? AND slot_id IS NOT NULL),
  (SELECT COUNT(*) FROM chunks WHERE state = ? AND slot_id IS NOT NULL)`,
		ChunkLive, ChunkDead,
	).Scan(&live, &dead)
	if err != nil {
		return 0, 0, fmt.Errorf("store: slot stats: %w", err)
	}
	return live, dead, nil
}

// ResolveChunks maps chunk row ids back to their text and owning documents,
// keyed by chunk id. Only live chunks of non-deleted documents resolve;
// filtering here is the read-time second line of defense against serving
// deleted content between a deletion and the next rebuild. Chunk ids that
// do not resolve are simply absent from the result: the chunk was marked
// dead after it was indexed.
func (s *SQLiteStore) ResolveChunks(ctx context.Context, chunkIDs []int64) (map[int64]Resolved, error) {
	if len(chunkIDs) == 0 {
		return map[int64]Resolved{}, nil
	}

	placeholders := strings.Repeat("?,", len(chunkIDs)-1) + "?"
	args := make([]any, 0, len(chunkIDs)+1)
	args = append(args, ChunkLive)
	for _, id := range chunkIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.slot_id, c.chunk_text, c.chunk_index,
       d.doc_key, d.source, d.title, d.url, d.author, d.source_updated_at
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  c.state = ? AND d.deleted = 0 AND c.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: resolve chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]Resolved, len(chunkIDs))
	for rows.Next() {
		var r Resolved
		var slot sql.NullInt64
		var srcUpdated int64
		if err := rows.Scan(&r.ChunkID, &slot, &r.ChunkText, &r.ChunkIndex,
			&r.DocKey, &r.Source, &r.Title, &r.URL, &r.Author, &srcUpdated); err != nil {
			return nil, fmt.Errorf("store: resolve chunks scan: %w", err)
		}
		r.Slot = slot.Int64
		r.SourceUpdatedAt = time.Unix(srcUpdated, 0)
		out[r.ChunkID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: resolve chunks rows: %w", err)
	}
	return out, nil
}

// MaxLiveSlot returns the highest slot id held by a live chunk of a
// non-deleted document, or -1 when there is none. Startup compares it to
// the loaded index's size to detect a snapshot that predates the store's
// latest reconciles.
func (s *SQLiteStore) MaxLiveSlot(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT MAX(c.slot_id)
FROM   chunks c
JOIN   documents d ON d.id = c.document_id
WHERE  c.state = ? AND c.slot_id IS NOT NULL AND d.deleted = 0`, ChunkLive).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("store: max live slot: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}
