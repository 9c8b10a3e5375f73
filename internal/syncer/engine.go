package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/kbai/kbai-go/internal/logging"
	"github.com/kbai/kbai-go/internal/reconcile"
	"github.com/kbai/kbai-go/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All selects every registered source in RunSync.
const All = "all"

// Summary reports the outcome of one sync run against one source.
type Summary struct {
	// Source is the synchronized source name.
	Source string `json:"source"`
	// Added, Updated, and Skipped count document upsert outcomes.
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	// Failed counts documents that could not be stored or reconciled.
	Failed int `json:"failed"`
	// Reconciled counts documents whose index entries were refreshed.
	Reconciled int `json:"reconciled"`
	// Status is the terminal sync-run status.
	Status string `json:"status"`
}

// Engine pulls changes from registered sources into the store and funnels
// them through the reconciler. Runs are serialized per source with a keyed
// lock; different sources may sync concurrently.
type Engine struct {
	store   *store.SQLiteStore
	rec     *reconcile.Reconciler
	sources map[string]Source

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	runsTotal      *prometheus.CounterVec
	documentsTotal *prometheus.CounterVec
	deletionsTotal *prometheus.CounterVec
}

// NewEngine constructs an Engine over the given sources. reg may be nil to
// skip metric registration.
func NewEngine(s *store.SQLiteStore, rec *reconcile.Reconciler, sources []Source, reg prometheus.Registerer) *Engine {
	e := &Engine{
		store:   s,
		rec:     rec,
		sources: make(map[string]Source, len(sources)),
		locks:   make(map[string]*sync.Mutex, len(sources)),
	}
	for _, src := range sources {
		e.sources[src.Name()] = src
		e.locks[src.Name()] = new(sync.Mutex)
	}
	if reg != nil {
		factory := promauto.With(reg)
		e.runsTotal = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbai", Subsystem: "sync", Name: "runs_total",
			Help: "Sync runs by source and terminal status.",
		}, []string{"source", "status"})
		e.documentsTotal = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbai", Subsystem: "sync", Name: "documents_total",
			Help: "Documents processed during sync, by source and action.",
		}, []string{"source", "action"})
		e.deletionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kbai", Subsystem: "sync", Name: "deletions_total",
			Help: "Documents soft-deleted by deletion detection, by source.",
		}, []string{"source"})
	}
	return e
}

// Sources returns the registered source names, sorted.
func (e *Engine) Sources() []string {
	names := make([]string, 0, len(e.sources))
	for name := range e.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// sourceLock returns the per-source mutex, creating it for unknown names so
// callers always serialize.
func (e *Engine) sourceLock(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[name]
	if !ok {
		l = new(sync.Mutex)
		e.locks[name] = l
	}
	return l
}

// RunSync performs an incremental sync. sourceName selects one registered
// source, or All (also the empty string) for every source in order. Each
// source gets its own sync run record; a failing source does not stop the
// others.
func (e *Engine) RunSync(ctx context.Context, sourceName string) ([]Summary, error) {
	var names []string
	if sourceName == All || sourceName == "" {
		names = e.Sources()
	} else {
		if _, ok := e.sources[sourceName]; !ok {
			return nil, fmt.Errorf("syncer: unknown source %q", sourceName)
		}
		names = []string{sourceName}
	}

	var summaries []Summary
	var firstErr error
	for _, name := range names {
		summary, err := e.syncOne(ctx, name)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if summary != nil {
			summaries = append(summaries, *summary)
		}
	}
	return summaries, firstErr
}

// syncOne runs one incremental sync against one source.
func (e *Engine) syncOne(ctx context.Context, name string) (*Summary, error) {
	lock := e.sourceLock(name)
	lock.Lock()
	defer lock.Unlock()

	log := logging.FromContext(ctx).With(slog.String("source", name))
	src := e.sources[name]

	// The window opens at the last successful run's start, so documents
	// changed while a failed run was in flight are fetched again.
	since, err := e.store.LastSuccessfulSync(ctx, name)
	if err != nil && !errors.Is(err, store.ErrNoSuccessfulSync) {
		return nil, err
	}

	runID, err := e.store.StartSyncRun(ctx, name, store.SyncIncremental)
	if err != nil {
		return nil, err
	}

	docs, err := src.FetchChangedSince(ctx, since)
	if err != nil {
		detail := fmt.Sprintf("fetch: %v", err)
		if cerr := e.store.CompleteSyncRun(ctx, runID, store.SyncFailed, 0, 0, 0, detail); cerr != nil {
			log.Error("syncer: failed to record failed run", slog.Any("error", cerr))
		}
		e.countRun(name, store.SyncFailed)
		return &Summary{Source: name, Status: store.SyncFailed}, fmt.Errorf("syncer: %s: fetch changed: %w", name, err)
	}
	log.Info("syncer: fetched changed documents",
		slog.Int("count", len(docs)), slog.Time("since", since))

	summary := &Summary{Source: name}
	var changedKeys []string
	var docErrors []string
	for _, doc := range docs {
		action, err := e.store.UpsertDocument(ctx, store.DocumentInput{
			Key:             doc.Key,
			Source:          doc.Source,
			Title:           doc.Title,
			URL:             doc.URL,
			Content:         doc.Content,
			Author:          doc.Author,
			SourceUpdatedAt: doc.UpdatedAt,
			Metadata:        doc.Metadata,
		})
		if err != nil {
			log.Error("syncer: upsert failed", slog.String("doc_key", doc.Key), slog.Any("error", err))
			summary.Failed++
			docErrors = append(docErrors, doc.Key+": "+err.Error())
			continue
		}
		e.countDocument(name, action)
		switch action {
		case store.UpsertAdded:
			summary.Added++
			changedKeys = append(changedKeys, doc.Key)
		case store.UpsertUpdated:
			summary.Updated++
			changedKeys = append(changedKeys, doc.Key)
		default:
			summary.Skipped++
		}
	}

	res := e.rec.Reconcile(ctx, changedKeys, nil)
	summary.Reconciled = res.Reconciled
	summary.Failed += res.Failed
	for key, detail := range res.Errors {
		docErrors = append(docErrors, key+": "+detail)
	}

	// Any per-document failure fails the run, keeping the incremental
	// window open so the next attempt re-fetches those documents. The
	// documents that did succeed stay stored and indexed.
	status := store.SyncSucceeded
	if summary.Failed > 0 {
		status = store.SyncFailed
	}
	summary.Status = status
	if err := e.store.CompleteSyncRun(ctx, runID, status,
		summary.Added, summary.Updated, 0, strings.Join(docErrors, "; ")); err != nil {
		return summary, fmt.Errorf("syncer: %s: complete run: %w", name, err)
	}
	e.countRun(name, status)

	log.Info("syncer: run complete",
		slog.String("status", status),
		slog.Int("added", summary.Added),
		slog.Int("updated", summary.Updated),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

// RunDeletionDetection enumerates every id currently present in the source
// and soft-deletes stored documents that are no longer there, then gives
// the index a chance to rebuild. Decoupled from the incremental cadence
// because full enumeration is expensive. Each detection gets its own sync
// run record of kind deletion, so failures and deletion counts show up in
// the history without moving the incremental fetch window.
func (e *Engine) RunDeletionDetection(ctx context.Context, sourceName string) (int, error) {
	src, ok := e.sources[sourceName]
	if !ok {
		return 0, fmt.Errorf("syncer: unknown source %q", sourceName)
	}
	lock := e.sourceLock(sourceName)
	lock.Lock()
	defer lock.Unlock()

	log := logging.FromContext(ctx).With(slog.String("source", sourceName))

	runID, err := e.store.StartSyncRun(ctx, sourceName, store.SyncDeletion)
	if err != nil {
		return 0, err
	}
	fail := func(err error) (int, error) {
		if cerr := e.store.CompleteSyncRun(ctx, runID, store.SyncFailed, 0, 0, 0, err.Error()); cerr != nil {
			log.Error("syncer: failed to record failed deletion run", slog.Any("error", cerr))
		}
		e.countRun(sourceName, store.SyncFailed)
		return 0, err
	}

	current, err := src.FetchAllCurrentIDs(ctx)
	if err != nil {
		return fail(fmt.Errorf("syncer: %s: enumerate ids: %w", sourceName, err))
	}
	stored, err := e.store.LiveDocumentKeys(ctx, sourceName)
	if err != nil {
		return fail(err)
	}

	var gone []string
	for key := range stored {
		if _, ok := current[key]; !ok {
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)

	var n int
	var reconcileErrors []string
	if len(gone) > 0 {
		n, err = e.store.MarkDocumentsDeleted(ctx, gone)
		if err != nil {
			return fail(err)
		}
		res := e.rec.Reconcile(ctx, nil, gone)
		for key, detail := range res.Errors {
			reconcileErrors = append(reconcileErrors, key+": "+detail)
		}
		if e.deletionsTotal != nil {
			e.deletionsTotal.WithLabelValues(sourceName).Add(float64(n))
		}
	}

	status := store.SyncSucceeded
	if len(reconcileErrors) > 0 {
		status = store.SyncFailed
	}
	if err := e.store.CompleteSyncRun(ctx, runID, status, 0, 0, n,
		strings.Join(reconcileErrors, "; ")); err != nil {
		return n, fmt.Errorf("syncer: %s: complete deletion run: %w", sourceName, err)
	}
	e.countRun(sourceName, status)
	log.Info("syncer: deletion detection complete",
		slog.String("status", status),
		slog.Int("deleted", n),
		slog.Int("source_ids", len(current)),
		slog.Int("stored", len(stored)),
	)

	if n > 0 {
		if _, err := e.rec.MaybeRebuild(ctx); err != nil {
			log.Warn("syncer: rebuild after deletions failed", slog.Any("error", err))
		}
	}
	return n, nil
}

func (e *Engine) countRun(source, status string) {
	if e.runsTotal != nil {
		e.runsTotal.WithLabelValues(source, status).Inc()
	}
}

func (e *Engine) countDocument(source, action string) {
	if e.documentsTotal != nil {
		e.documentsTotal.WithLabelValues(source, action).Inc()
	}
}
