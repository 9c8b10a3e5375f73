package syncer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/kbai/kbai-go/internal/chunker"
	"github.com/kbai/kbai-go/internal/index"
	"github.com/kbai/kbai-go/internal/reconcile"
	"github.com/kbai/kbai-go/internal/retry"
	"github.com/kbai/kbai-go/internal/store"
)

const testDim = 4

// hashEmbedder derives vectors from an FNV hash of the text, so identical
// text always embeds identically without network access.
type hashEmbedder struct {
	failSubstring string
}

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if h.failSubstring != "" && strings.Contains(text, h.failSubstring) {
			return nil, retry.Permanent(fmt.Errorf("embed refused for %q", h.failSubstring))
		}
		vec := make([]float32, testDim)
		for d := range vec {
			hash := fnv.New32a()
			fmt.Fprintf(hash, "%d:%s", d, text)
			vec[d] = float32(hash.Sum32()%1000) / 1000
		}
		out[i] = vec
	}
	return out, nil
}

// fakeSource is a scripted Source. docs is what FetchChangedSince returns,
// ids is what FetchAllCurrentIDs returns. Either call can be made to fail.
type fakeSource struct {
	name     string
	docs     []RawDocument
	ids      map[string]struct{}
	fetchErr error
	idsErr   error

	lastSince  time.Time
	fetchCalls int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchChangedSince(_ context.Context, since time.Time) ([]RawDocument, error) {
	f.fetchCalls++
	f.lastSince = since
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.docs, nil
}

func (f *fakeSource) FetchAllCurrentIDs(_ context.Context) (map[string]struct{}, error) {
	if f.idsErr != nil {
		return nil, f.idsErr
	}
	return f.ids, nil
}

func rawDoc(key, content string) RawDocument {
	return RawDocument{
		Key:       key,
		Source:    "jira",
		Title:     key,
		URL:       "https://example.com/" + key,
		Content:   content,
		UpdatedAt: time.Unix(1700000000, 0),
	}
}

type fixture struct {
	store  *store.SQLiteStore
	handle *index.Handle
	emb    *hashEmbedder
	src    *fakeSource
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open error: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	flat, err := index.NewFlat(testDim)
	if err != nil {
		t.Fatalf("NewFlat error: %v", err)
	}
	h := index.NewHandle(flat)
	emb := &hashEmbedder{}
	rec := reconcile.New(s, h, emb, chunker.New(0, 0), reconcile.Options{
		Retry: retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	src := &fakeSource{name: "jira"}
	return &fixture{
		store:  s,
		handle: h,
		emb:    emb,
		src:    src,
		engine: NewEngine(s, rec, []Source{src}, nil),
	}
}

func Test_RunSync_StoresAndIndexesFetchedDocuments(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.src.docs = []RawDocument{
		rawDoc("jira-A-1", "Deploys roll back automatically on failed health checks."),
		rawDoc("jira-A-2", "The staging cluster uses spot instances."),
	}
	summaries, err := f.engine.RunSync(ctx, "jira")
	if err != nil {
		t.Fatalf("RunSync error: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(summaries))
	}
	got := summaries[0]
	if got.Added != 2 || got.Updated != 0 || got.Failed != 0 || got.Status != store.SyncSucceeded {
		t.Fatalf("summary = %+v", got)
	}
	if !f.src.lastSince.IsZero() {
		t.Fatalf("first run since = %v, want zero", f.src.lastSince)
	}
	if f.handle.Load().Len() != 2 {
		t.Fatalf("index len = %d, want 2", f.handle.Load().Len())
	}

	// A second run with unchanged content skips both documents.
	summaries, err = f.engine.RunSync(ctx, "jira")
	if err != nil {
		t.Fatalf("second RunSync error: %v", err)
	}
	got = summaries[0]
	if got.Added != 0 || got.Skipped != 2 || got.Status != store.SyncSucceeded {
		t.Fatalf("second summary = %+v", got)
	}
	if f.src.lastSince.IsZero() {
		t.Fatalf("second run since is zero, want first run's start time")
	}
}

func Test_RunSync_FailedFetchDoesNotAdvanceWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// Seed one successful run to establish a window.
	f.src.docs = []RawDocument{rawDoc("jira-A-1", "alpha")}
	if _, err := f.engine.RunSync(ctx, "jira"); err != nil {
		t.Fatalf("seed RunSync error: %v", err)
	}
	window, err := f.store.LastSuccessfulSync(ctx, "jira")
	if err != nil {
		t.Fatalf("LastSuccessfulSync error: %v", err)
	}

	f.src.fetchErr = errors.New("atlassian is down")
	summaries, err := f.engine.RunSync(ctx, "jira")
	if err == nil {
		t.Fatalf("RunSync error = nil, want fetch failure")
	}
	if len(summaries) != 1 || summaries[0].Status != store.SyncFailed {
		t.Fatalf("summaries = %+v", summaries)
	}

	after, err := f.store.LastSuccessfulSync(ctx, "jira")
	if err != nil {
		t.Fatalf("LastSuccessfulSync after failure error: %v", err)
	}
	if !after.Equal(window) {
		t.Fatalf("window advanced across failed run: %v -> %v", window, after)
	}

	// The next run re-fetches from the same window.
	f.src.fetchErr = nil
	if _, err := f.engine.RunSync(ctx, "jira"); err != nil {
		t.Fatalf("recovery RunSync error: %v", err)
	}
	if !f.src.lastSince.Equal(window) {
		t.Fatalf("recovery since = %v, want %v", f.src.lastSince, window)
	}
}

func Test_RunSync_PerDocumentFailuresDoNotStopTheBatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.emb.failSubstring = "POISON"
	f.src.docs = []RawDocument{
		rawDoc("jira-A-1", "fine one"),
		rawDoc("jira-A-2", "POISON pill"),
		rawDoc("jira-A-3", "fine two"),
	}
	summaries, err := f.engine.RunSync(ctx, "jira")
	if err != nil {
		t.Fatalf("RunSync error: %v", err)
	}
	got := summaries[0]
	if got.Added != 3 || got.Reconciled != 2 || got.Failed != 1 {
		t.Fatalf("summary = %+v", got)
	}
	if got.Status != store.SyncFailed {
		t.Fatalf("status = %s, want failed so the window stays open", got.Status)
	}
	if f.handle.Load().Len() != 2 {
		t.Fatalf("index len = %d, want 2", f.handle.Load().Len())
	}

	runs, err := f.store.SyncHistory(ctx, 1)
	if err != nil {
		t.Fatalf("SyncHistory error: %v", err)
	}
	if len(runs) != 1 || !strings.Contains(runs[0].ErrorDetail, "jira-A-2") {
		t.Fatalf("run detail = %+v", runs)
	}

	// With the embedder healed, the retry window still covers the poisoned
	// document, so the next run repairs it.
	f.emb.failSubstring = ""
	summaries, err = f.engine.RunSync(ctx, "jira")
	if err != nil {
		t.Fatalf("repair RunSync error: %v", err)
	}
	if !f.src.lastSince.IsZero() {
		t.Fatalf("repair since = %v, want zero (no successful run yet)", f.src.lastSince)
	}
	if summaries[0].Status != store.SyncSucceeded {
		t.Fatalf("repair status = %s", summaries[0].Status)
	}
	if f.handle.Load().Len() != 3 {
		t.Fatalf("index len after repair = %d, want 3", f.handle.Load().Len())
	}
}

func Test_RunDeletionDetection_RemovesByDifference(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.src.docs = []RawDocument{
		rawDoc("jira-A-1", "keep me"),
		rawDoc("jira-A-2", "delete me"),
		rawDoc("jira-A-3", "keep me too"),
	}
	if _, err := f.engine.RunSync(ctx, "jira"); err != nil {
		t.Fatalf("RunSync error: %v", err)
	}

	// The source no longer reports jira-A-2.
	f.src.ids = map[string]struct{}{
		"jira-A-1": {},
		"jira-A-3": {},
	}
	n, err := f.engine.RunDeletionDetection(ctx, "jira")
	if err != nil {
		t.Fatalf("RunDeletionDetection error: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}

	keys, err := f.store.LiveDocumentKeys(ctx, "jira")
	if err != nil {
		t.Fatalf("LiveDocumentKeys error: %v", err)
	}
	if _, stillThere := keys["jira-A-2"]; stillThere {
		t.Fatalf("jira-A-2 still live after deletion detection")
	}

	// Running again is a no-op.
	n, err = f.engine.RunDeletionDetection(ctx, "jira")
	if err != nil {
		t.Fatalf("second RunDeletionDetection error: %v", err)
	}
	if n != 0 {
		t.Fatalf("second deleted = %d, want 0", n)
	}
}

func Test_RunDeletionDetection_RecordsSyncRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.src.docs = []RawDocument{
		rawDoc("jira-A-1", "keep me"),
		rawDoc("jira-A-2", "delete me"),
	}
	if _, err := f.engine.RunSync(ctx, "jira"); err != nil {
		t.Fatalf("RunSync error: %v", err)
	}
	window, err := f.store.LastSuccessfulSync(ctx, "jira")
	if err != nil {
		t.Fatalf("LastSuccessfulSync error: %v", err)
	}

	f.src.ids = map[string]struct{}{"jira-A-1": {}}
	if _, err := f.engine.RunDeletionDetection(ctx, "jira"); err != nil {
		t.Fatalf("RunDeletionDetection error: %v", err)
	}

	runs, err := f.store.SyncHistory(ctx, 1)
	if err != nil {
		t.Fatalf("SyncHistory error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("history length = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Kind != store.SyncDeletion || run.Status != store.SyncSucceeded {
		t.Fatalf("run = %+v, want succeeded deletion run", run)
	}
	if run.Deleted != 1 || run.Added != 0 || run.Updated != 0 {
		t.Fatalf("run counts = %+v, want deleted 1", run)
	}
	if run.CompletedAt.IsZero() {
		t.Fatal("deletion run has no completion time")
	}

	// The successful deletion run never anchors the incremental window.
	after, err := f.store.LastSuccessfulSync(ctx, "jira")
	if err != nil {
		t.Fatalf("LastSuccessfulSync after detection error: %v", err)
	}
	if !after.Equal(window) {
		t.Fatalf("window moved from %v to %v after deletion run", window, after)
	}

	// A failed enumeration leaves a failed run behind for the audit trail.
	f.src.idsErr = errors.New("search is timing out")
	if _, err := f.engine.RunDeletionDetection(ctx, "jira"); err == nil {
		t.Fatal("RunDeletionDetection error = nil, want enumeration failure")
	}
	runs, err = f.store.SyncHistory(ctx, 1)
	if err != nil {
		t.Fatalf("SyncHistory error: %v", err)
	}
	run = runs[0]
	if run.Kind != store.SyncDeletion || run.Status != store.SyncFailed {
		t.Fatalf("run = %+v, want failed deletion run", run)
	}
	if !strings.Contains(run.ErrorDetail, "timing out") {
		t.Fatalf("run detail = %q", run.ErrorDetail)
	}
}

func Test_RunDeletionDetection_EnumerationFailureDeletesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.src.docs = []RawDocument{rawDoc("jira-A-1", "alpha")}
	if _, err := f.engine.RunSync(ctx, "jira"); err != nil {
		t.Fatalf("RunSync error: %v", err)
	}

	f.src.idsErr = errors.New("search is timing out")
	if _, err := f.engine.RunDeletionDetection(ctx, "jira"); err == nil {
		t.Fatalf("RunDeletionDetection error = nil, want enumeration failure")
	}

	keys, err := f.store.LiveDocumentKeys(ctx, "jira")
	if err != nil {
		t.Fatalf("LiveDocumentKeys error: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("live keys = %v, want the document untouched", keys)
	}
}

func Test_RunSync_UnknownSource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.engine.RunSync(context.Background(), "gitlab"); err == nil {
		t.Fatalf("RunSync(gitlab) error = nil, want unknown source")
	}
	if _, err := f.engine.RunDeletionDetection(context.Background(), "gitlab"); err == nil {
		t.Fatalf("RunDeletionDetection(gitlab) error = nil, want unknown source")
	}
}
