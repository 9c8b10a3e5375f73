// Package reconcile keeps the vector index in step with the corpus store.
// It is the single legal mutation path for the index: the sync engine and
// the HTTP API both funnel every index change through a Reconciler. The flat
// index cannot delete, so deletions only mark chunks dead in the store;
// MaybeRebuild reclaims dead slots once their ratio crosses the threshold
// by building a fresh index and swapping it in atomically.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/kbai/kbai-go/internal/chunker"
	"github.com/kbai/kbai-go/internal/index"
	"github.com/kbai/kbai-go/internal/logging"
	"github.com/kbai/kbai-go/internal/rag"
	"github.com/kbai/kbai-go/internal/retry"
	"github.com/kbai/kbai-go/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultRebuildThreshold is the dead-slot ratio above which MaybeRebuild
// triggers a rebuild.
const DefaultRebuildThreshold = 0.20

// Options configures a Reconciler.
type Options struct {
	// SnapshotPath is where the index snapshot is written after rebuilds.
	// Empty disables snapshotting.
	SnapshotPath string
	// RebuildThreshold overrides DefaultRebuildThreshold (0 = default).
	RebuildThreshold float64
	// Retry overrides the embedding retry policy (zero value = defaults).
	Retry retry.Config
	// Registerer receives the reconciler's metrics. Nil skips registration.
	Registerer prometheus.Registerer
}

// Result summarises one Reconcile call.
type Result struct {
	// Reconciled counts documents whose chunks were re-embedded and indexed.
	Reconciled int
	// Skipped counts documents whose live chunks already matched (idempotent
	// no-op).
	Skipped int
	// Deleted counts deleted documents whose chunks were marked dead.
	Deleted int
	// Failed counts documents that exhausted retries or hit store errors.
	Failed int
	// Errors maps each failed document key to its error detail.
	Errors map[string]string
}

// Reconciler applies corpus changes to the vector index. All mutations are
// serialized by an internal mutex: one writer, many concurrent readers
// through the index handle.
type Reconciler struct {
	mu sync.Mutex

	store    *store.SQLiteStore
	handle   *index.Handle
	embedder rag.Embedder
	chunker  *chunker.Chunker

	snapshotPath     string
	rebuildThreshold float64
	retryCfg         retry.Config

	metrics *reconcilerMetrics
}

// New constructs a Reconciler over the given store, index handle, embedder,
// and chunker.
func New(s *store.SQLiteStore, h *index.Handle, e rag.Embedder, c *chunker.Chunker, opts Options) *Reconciler {
	threshold := opts.RebuildThreshold
	if threshold <= 0 {
		threshold = DefaultRebuildThreshold
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	r := &Reconciler{
		store:            s,
		handle:           h,
		embedder:         e,
		chunker:          c,
		snapshotPath:     opts.SnapshotPath,
		rebuildThreshold: threshold,
		retryCfg:         retryCfg,
	}
	if opts.Registerer != nil {
		r.metrics = newReconcilerMetrics(opts.Registerer)
	}
	return r
}

// Reconcile brings the index in step with the given document changes.
// Deletions are processed before changes. Each changed document is handled
// independently: one document's failure never blocks the others. The
// returned Result is never nil.
func (r *Reconciler) Reconcile(ctx context.Context, changedKeys, deletedKeys []string) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logging.FromContext(ctx)
	res := &Result{Errors: make(map[string]string)}

	for _, key := range deletedKeys {
		n, err := r.store.MarkChunksDead(ctx, key)
		if err != nil {
			log.Error("reconcile: mark chunks dead failed",
				slog.String("doc_key", key), slog.Any("error", err))
			res.Failed++
			res.Errors[key] = err.Error()
			continue
		}
		log.Debug("reconcile: document chunks marked dead",
			slog.String("doc_key", key), slog.Int("chunks", n))
		res.Deleted++
	}

	for _, key := range changedKeys {
		outcome, err := r.reconcileDocument(ctx, key)
		switch {
		case err != nil:
			// The document keeps its old live chunks; the next sync run
			// re-fetches it because the last-success timestamp did not move.
			log.Error("reconcile: document failed",
				slog.String("doc_key", key), slog.Any("error", err))
			res.Failed++
			res.Errors[key] = err.Error()
		case outcome == outcomeSkipped:
			res.Skipped++
		default:
			res.Reconciled++
		}
		r.countDocument(outcome, err)
	}

	r.updateGauges(ctx)
	return res
}

type documentOutcome int

const (
	outcomeReconciled documentOutcome = iota
	outcomeSkipped
)

// reconcileDocument re-chunks, re-embeds, and re-indexes one document.
func (r *Reconciler) reconcileDocument(ctx context.Context, key string) (documentOutcome, error) {
	doc, err := r.store.Document(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("reconcile: load document: %w", err)
	}

	texts := r.chunker.Split(doc.Content)

	liveTexts, allSlotted, err := r.store.LiveChunkTexts(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("reconcile: load live chunks: %w", err)
	}
	// Identical chunk set, fully indexed: nothing to do. This is what makes
	// reconciliation idempotent and edit-undo converge.
	if allSlotted && slices.Equal(texts, liveTexts) {
		return outcomeSkipped, nil
	}

	if len(texts) == 0 {
		if _, err := r.store.MarkChunksDead(ctx, key); err != nil {
			return 0, fmt.Errorf("reconcile: clear chunks of empty document: %w", err)
		}
		return outcomeReconciled, nil
	}

	var vectors [][]float32
	err = retry.Do(ctx, r.retryCfg, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = r.embedder.Embed(ctx, texts)
		return embedErr
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile: embed %d chunks: %w", len(texts), err)
	}
	if len(vectors) != len(texts) {
		return 0, fmt.Errorf("reconcile: embedder returned %d vectors for %d chunks", len(vectors), len(texts))
	}

	// Store first, index second: chunks inserted as pending carry their
	// vectors, so a crash between these steps loses nothing; the rows stay
	// pending and the next reconcile redoes the document.
	chunkIDs, err := r.store.ReplaceChunks(ctx, key, texts, vectors)
	if err != nil {
		return 0, fmt.Errorf("reconcile: replace chunks: %w", err)
	}

	next, slots, err := r.handle.Load().Add(vectors, chunkIDs)
	if err != nil {
		return 0, fmt.Errorf("reconcile: index add: %w", err)
	}

	if err := r.store.AssignSlots(ctx, chunkIDs, slots); err != nil {
		return 0, fmt.Errorf("reconcile: assign slots: %w", err)
	}
	// The grown instance is installed only once the store knows its slots;
	// searches running against the previous instance are unaffected.
	r.handle.Swap(next)
	return outcomeReconciled, nil
}

// Rebuild constructs a fresh index from the live chunks' stored vectors and
// swaps it in. No re-embedding happens: the vectors come from the store.
// Slot ids are reassigned in one transaction before the swap; searches in
// flight keep resolving through the instance they loaded, so the
// reassignment is never observable through a stale index.
func (r *Reconciler) Rebuild(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuildLocked(ctx)
}

func (r *Reconciler) rebuildLocked(ctx context.Context) error {
	log := logging.FromContext(ctx)
	timer := r.startRebuildTimer()

	live, err := r.store.LiveChunks(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: rebuild: load live chunks: %w", err)
	}

	fresh, err := index.NewFlat(r.handle.Load().Dim())
	if err != nil {
		return fmt.Errorf("reconcile: rebuild: %w", err)
	}

	if len(live) > 0 {
		vectors := make([][]float32, len(live))
		chunkIDs := make([]int64, len(live))
		for i, lc := range live {
			vectors[i] = lc.Vector
			chunkIDs[i] = lc.ChunkID
		}
		var slots []int64
		fresh, slots, err = fresh.Add(vectors, chunkIDs)
		if err != nil {
			return fmt.Errorf("reconcile: rebuild: index add: %w", err)
		}
		if err := r.store.AssignSlots(ctx, chunkIDs, slots); err != nil {
			return fmt.Errorf("reconcile: rebuild: assign slots: %w", err)
		}
	}

	old := r.handle.Swap(fresh)
	log.Info("reconcile: index rebuilt",
		slog.Int("live_vectors", fresh.Len()),
		slog.Int("previous_size", old.Len()),
	)

	if r.snapshotPath != "" {
		if err := index.WriteSnapshot(fresh, r.snapshotPath); err != nil {
			// The rebuilt index is already serving; a failed snapshot only
			// costs a rebuild from stored vectors after a restart.
			log.Warn("reconcile: snapshot write failed",
				slog.String("path", r.snapshotPath), slog.Any("error", err))
		}
	}

	r.finishRebuild(timer)
	r.updateGauges(ctx)
	return nil
}

// EnsureCoverage rebuilds when the store holds live slots beyond the served
// index's range. A snapshot captures the index only as of the last rebuild,
// so documents reconciled after it was written exist in the store but not in
// a freshly loaded index; without the rebuild they would stay unsearchable,
// because the idempotence check sees their chunks as already indexed.
// Callers run this once at startup, after loading the snapshot.
func (r *Reconciler) EnsureCoverage(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	maxSlot, err := r.store.MaxLiveSlot(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: max live slot: %w", err)
	}
	served := r.handle.Load().Len()
	if maxSlot < int64(served) {
		return nil
	}

	logging.FromContext(ctx).Info("reconcile: served index missing live slots, rebuilding",
		slog.Int64("max_live_slot", maxSlot),
		slog.Int("index_size", served),
	)
	return r.rebuildLocked(ctx)
}

// MaybeRebuild rebuilds when the dead-slot ratio exceeds the threshold.
// Returns true when a rebuild ran.
func (r *Reconciler) MaybeRebuild(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	liveN, deadN, err := r.store.SlotStats(ctx)
	if err != nil {
		return false, fmt.Errorf("reconcile: slot stats: %w", err)
	}
	total := liveN + deadN
	if total == 0 {
		return false, nil
	}
	ratio := float64(deadN) / float64(total)
	if ratio <= r.rebuildThreshold {
		return false, nil
	}

	logging.FromContext(ctx).Info("reconcile: dead-slot ratio over threshold, rebuilding",
		slog.Float64("ratio", ratio),
		slog.Float64("threshold", r.rebuildThreshold),
		slog.Int("dead", deadN),
		slog.Int("total", total),
	)
	if err := r.rebuildLocked(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Stats reports the serving index size alongside the store's slot counts.
func (r *Reconciler) Stats(ctx context.Context) (indexSize, live, dead int, err error) {
	live, dead, err = r.store.SlotStats(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	return r.handle.Load().Len(), live, dead, nil
}
