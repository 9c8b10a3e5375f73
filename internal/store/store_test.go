package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDoc(key string) DocumentInput {
	return DocumentInput{
		Key:             key,
		Source:          "jira",
		Title:           "Payment retries",
		URL:             "https://issues.example.com/browse/PAY-1",
		Content:         "Retries use exponential backoff with jitter.",
		Author:          "ops",
		SourceUpdatedAt: time.Unix(1700000000, 0),
	}
}

func Test_Store_Upsert_Actions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	in := testDoc("jira-PAY-1")
	action, err := s.UpsertDocument(ctx, in)
	if err != nil {
		t.Fatalf("UpsertDocument error: %v", err)
	}
	if action != UpsertAdded {
		t.Fatalf("first upsert action = %q, want %q", action, UpsertAdded)
	}

	// Identical content is a no-op.
	action, err = s.UpsertDocument(ctx, in)
	if err != nil {
		t.Fatalf("UpsertDocument error: %v", err)
	}
	if action != UpsertSkipped {
		t.Fatalf("identical upsert action = %q, want %q", action, UpsertSkipped)
	}

	in.Content = "Retries are capped at five attempts."
	action, err = s.UpsertDocument(ctx, in)
	if err != nil {
		t.Fatalf("UpsertDocument error: %v", err)
	}
	if action != UpsertUpdated {
		t.Fatalf("changed upsert action = %q, want %q", action, UpsertUpdated)
	}

	doc, err := s.Document(ctx, "jira-PAY-1")
	if err != nil {
		t.Fatalf("Document error: %v", err)
	}
	if doc.Content != in.Content {
		t.Fatalf("content = %q, want %q", doc.Content, in.Content)
	}
}

func Test_Store_Upsert_ResurrectsDeleted(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	in := testDoc("jira-PAY-2")
	if _, err := s.UpsertDocument(ctx, in); err != nil {
		t.Fatalf("UpsertDocument error: %v", err)
	}
	if _, err := s.MarkDocumentsDeleted(ctx, []string{"jira-PAY-2"}); err != nil {
		t.Fatalf("MarkDocumentsDeleted error: %v", err)
	}

	// Re-upserting the same content after deletion must update, not skip:
	// a resurrected document needs re-indexing.
	action, err := s.UpsertDocument(ctx, in)
	if err != nil {
		t.Fatalf("UpsertDocument error: %v", err)
	}
	if action != UpsertUpdated {
		t.Fatalf("resurrect action = %q, want %q", action, UpsertUpdated)
	}
	doc, err := s.Document(ctx, "jira-PAY-2")
	if err != nil {
		t.Fatalf("Document error: %v", err)
	}
	if doc.Deleted {
		t.Fatal("resurrected document still marked deleted")
	}
}

func Test_Store_MarkDocumentsDeleted(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"jira-A-1", "jira-A-2"} {
		in := testDoc(key)
		if _, err := s.UpsertDocument(ctx, in); err != nil {
			t.Fatalf("UpsertDocument(%s) error: %v", key, err)
		}
	}

	n, err := s.MarkDocumentsDeleted(ctx, []string{"jira-A-1", "jira-A-2", "jira-missing"})
	if err != nil {
		t.Fatalf("MarkDocumentsDeleted error: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted count = %d, want 2", n)
	}

	// Deleting again affects nothing.
	n, err = s.MarkDocumentsDeleted(ctx, []string{"jira-A-1"})
	if err != nil {
		t.Fatalf("MarkDocumentsDeleted error: %v", err)
	}
	if n != 0 {
		t.Fatalf("repeat delete count = %d, want 0", n)
	}

	keys, err := s.LiveDocumentKeys(ctx, "jira")
	if err != nil {
		t.Fatalf("LiveDocumentKeys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("live keys after delete = %v, want none", keys)
	}
}

func Test_Store_ChunkLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertDocument(ctx, testDoc("jira-PAY-3")); err != nil {
		t.Fatalf("UpsertDocument error: %v", err)
	}

	texts := []string{"first chunk", "second chunk"}
	vecs := [][]float32{{1, 0}, {0, 1}}
	ids, err := s.ReplaceChunks(ctx, "jira-PAY-3", texts, vecs)
	if err != nil {
		t.Fatalf("ReplaceChunks error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("chunk ids = %v, want 2", ids)
	}

	// Pending chunks are not slotted yet.
	got, allSlotted, err := s.LiveChunkTexts(ctx, "jira-PAY-3")
	if err != nil {
		t.Fatalf("LiveChunkTexts error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("live texts before assignment = %v, want none", got)
	}
	_ = allSlotted

	if err := s.AssignSlots(ctx, ids, []int64{0, 1}); err != nil {
		t.Fatalf("AssignSlots error: %v", err)
	}

	got, allSlotted, err = s.LiveChunkTexts(ctx, "jira-PAY-3")
	if err != nil {
		t.Fatalf("LiveChunkTexts error: %v", err)
	}
	if len(got) != 2 || got[0] != "first chunk" || got[1] != "second chunk" {
		t.Fatalf("live texts = %v", got)
	}
	if !allSlotted {
		t.Fatal("allSlotted = false after AssignSlots")
	}

	// Replacement kills the old set.
	ids2, err := s.ReplaceChunks(ctx, "jira-PAY-3", []string{"rewritten"}, [][]float32{{1, 1}})
	if err != nil {
		t.Fatalf("ReplaceChunks error: %v", err)
	}
	if err := s.AssignSlots(ctx, ids2, []int64{2}); err != nil {
		t.Fatalf("AssignSlots error: %v", err)
	}

	live, dead, err := s.SlotStats(ctx)
	if err != nil {
		t.Fatalf("SlotStats error: %v", err)
	}
	if live != 1 || dead != 2 {
		t.Fatalf("slot stats = (%d live, %d dead), want (1, 2)", live, dead)
	}
}

func Test_Store_LiveChunks_OrderedBySlot(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertDocument(ctx, testDoc("jira-PAY-4")); err != nil {
		t.Fatalf("UpsertDocument error: %v", err)
	}
	ids, err := s.ReplaceChunks(ctx, "jira-PAY-4",
		[]string{"a", "b", "c"},
		[][]float32{{1, 0}, {0, 1}, {1, 1}})
	if err != nil {
		t.Fatalf("ReplaceChunks error: %v", err)
	}
	if err := s.AssignSlots(ctx, ids, []int64{5, 3, 9}); err != nil {
		t.Fatalf("AssignSlots error: %v", err)
	}

	chunks, err := s.LiveChunks(ctx)
	if err != nil {
		t.Fatalf("LiveChunks error: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("live chunks = %d, want 3", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		if chunks[i-1].SlotID >= chunks[i].SlotID {
			t.Fatalf("slots out of order: %d before %d", chunks[i-1].SlotID, chunks[i].SlotID)
		}
	}
	if len(chunks[0].Vector) != 2 {
		t.Fatalf("vector dim = %d, want 2", len(chunks[0].Vector))
	}
}

func Test_Store_ResolveChunks_FiltersDeletedDocuments(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"jira-R-1", "jira-R-2"} {
		if _, err := s.UpsertDocument(ctx, testDoc(key)); err != nil {
			t.Fatalf("UpsertDocument error: %v", err)
		}
	}
	ids1, err := s.ReplaceChunks(ctx, "jira-R-1", []string{"keep"}, [][]float32{{1, 0}})
	if err != nil {
		t.Fatalf("ReplaceChunks error: %v", err)
	}
	ids2, err := s.ReplaceChunks(ctx, "jira-R-2", []string{"drop"}, [][]float32{{0, 1}})
	if err != nil {
		t.Fatalf("ReplaceChunks error: %v", err)
	}
	if err := s.AssignSlots(ctx, ids1, []int64{0}); err != nil {
		t.Fatalf("AssignSlots error: %v", err)
	}
	if err := s.AssignSlots(ctx, ids2, []int64{1}); err != nil {
		t.Fatalf("AssignSlots error: %v", err)
	}
	if _, err := s.MarkDocumentsDeleted(ctx, []string{"jira-R-2"}); err != nil {
		t.Fatalf("MarkDocumentsDeleted error: %v", err)
	}

	resolved, err := s.ResolveChunks(ctx, []int64{ids1[0], ids2[0]})
	if err != nil {
		t.Fatalf("ResolveChunks error: %v", err)
	}
	if _, ok := resolved[ids1[0]]; !ok {
		t.Fatal("chunk of surviving document did not resolve")
	}
	if _, ok := resolved[ids2[0]]; ok {
		t.Fatal("chunk of deleted document resolved")
	}
	got := resolved[ids1[0]]
	if got.ChunkText != "keep" || got.DocKey != "jira-R-1" || got.Slot != 0 {
		t.Fatalf("resolved = %+v", got)
	}
}

func Test_Store_MaxLiveSlot(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	max, err := s.MaxLiveSlot(ctx)
	if err != nil {
		t.Fatalf("MaxLiveSlot error: %v", err)
	}
	if max != -1 {
		t.Fatalf("max live slot on empty store = %d, want -1", max)
	}

	if _, err := s.UpsertDocument(ctx, testDoc("jira-M-1")); err != nil {
		t.Fatalf("UpsertDocument error: %v", err)
	}
	ids, err := s.ReplaceChunks(ctx, "jira-M-1",
		[]string{"a", "b"}, [][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("ReplaceChunks error: %v", err)
	}
	if err := s.AssignSlots(ctx, ids, []int64{3, 7}); err != nil {
		t.Fatalf("AssignSlots error: %v", err)
	}

	max, err = s.MaxLiveSlot(ctx)
	if err != nil {
		t.Fatalf("MaxLiveSlot error: %v", err)
	}
	if max != 7 {
		t.Fatalf("max live slot = %d, want 7", max)
	}

	// Deleted documents stop counting.
	if _, err := s.MarkDocumentsDeleted(ctx, []string{"jira-M-1"}); err != nil {
		t.Fatalf("MarkDocumentsDeleted error: %v", err)
	}
	max, err = s.MaxLiveSlot(ctx)
	if err != nil {
		t.Fatalf("MaxLiveSlot error: %v", err)
	}
	if max != -1 {
		t.Fatalf("max live slot after delete = %d, want -1", max)
	}
}

func Test_Store_VectorRoundTrip(t *testing.T) {
	t.Parallel()
	in := []float32{1.5, -2.25, 0, 3.0e10}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatalf("decodeVector error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("vector[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func Test_Store_SyncRuns(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LastSuccessfulSync(ctx, "jira"); !errors.Is(err, ErrNoSuccessfulSync) {
		t.Fatalf("LastSuccessfulSync on empty history error = %v, want ErrNoSuccessfulSync", err)
	}

	id, err := s.StartSyncRun(ctx, "jira", SyncIncremental)
	if err != nil {
		t.Fatalf("StartSyncRun error: %v", err)
	}
	if err := s.CompleteSyncRun(ctx, id, SyncFailed, 0, 0, 0, "jira unreachable"); err != nil {
		t.Fatalf("CompleteSyncRun error: %v", err)
	}

	// A failed run does not open the incremental window.
	if _, err := s.LastSuccessfulSync(ctx, "jira"); !errors.Is(err, ErrNoSuccessfulSync) {
		t.Fatalf("LastSuccessfulSync after failed run error = %v, want ErrNoSuccessfulSync", err)
	}

	id2, err := s.StartSyncRun(ctx, "jira", SyncIncremental)
	if err != nil {
		t.Fatalf("StartSyncRun error: %v", err)
	}
	if err := s.CompleteSyncRun(ctx, id2, SyncSucceeded, 2, 1, 0, ""); err != nil {
		t.Fatalf("CompleteSyncRun error: %v", err)
	}
	when, err := s.LastSuccessfulSync(ctx, "jira")
	if err != nil {
		t.Fatalf("LastSuccessfulSync error: %v", err)
	}
	if when.IsZero() {
		t.Fatal("LastSuccessfulSync returned zero time")
	}

	// Terminal runs transition exactly once.
	if err := s.CompleteSyncRun(ctx, id2, SyncFailed, 0, 0, 0, ""); err == nil {
		t.Fatal("completing a terminal run succeeded, want error")
	}
	if err := s.CompleteSyncRun(ctx, id, SyncRunning, 0, 0, 0, ""); err == nil {
		t.Fatal("completing with non-terminal status succeeded, want error")
	}

	history, err := s.SyncHistory(ctx, 10)
	if err != nil {
		t.Fatalf("SyncHistory error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	for _, run := range history {
		if run.Kind != SyncIncremental {
			t.Fatalf("run kind = %q, want %q", run.Kind, SyncIncremental)
		}
	}
}

func Test_Store_DeletionRunsDoNotMoveTheWindow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.StartSyncRun(ctx, "jira", SyncIncremental)
	if err != nil {
		t.Fatalf("StartSyncRun error: %v", err)
	}
	if err := s.CompleteSyncRun(ctx, id, SyncSucceeded, 1, 0, 0, ""); err != nil {
		t.Fatalf("CompleteSyncRun error: %v", err)
	}
	window, err := s.LastSuccessfulSync(ctx, "jira")
	if err != nil {
		t.Fatalf("LastSuccessfulSync error: %v", err)
	}

	// A later successful deletion run is recorded but leaves the
	// incremental fetch window anchored at the incremental run.
	did, err := s.StartSyncRun(ctx, "jira", SyncDeletion)
	if err != nil {
		t.Fatalf("StartSyncRun error: %v", err)
	}
	if err := s.CompleteSyncRun(ctx, did, SyncSucceeded, 0, 0, 4, ""); err != nil {
		t.Fatalf("CompleteSyncRun error: %v", err)
	}

	after, err := s.LastSuccessfulSync(ctx, "jira")
	if err != nil {
		t.Fatalf("LastSuccessfulSync error: %v", err)
	}
	if !after.Equal(window) {
		t.Fatalf("window moved from %v to %v after deletion run", window, after)
	}

	history, err := s.SyncHistory(ctx, 10)
	if err != nil {
		t.Fatalf("SyncHistory error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Kind != SyncDeletion || history[0].Deleted != 4 {
		t.Fatalf("latest run = %+v, want deletion kind with 4 deleted", history[0])
	}

	if _, err := s.StartSyncRun(ctx, "jira", "vacuum"); err == nil {
		t.Fatal("unknown kind accepted, want error")
	}
}
