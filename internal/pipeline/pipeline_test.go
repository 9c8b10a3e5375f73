package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/kbai/kbai-go/internal/chunker"
	"github.com/kbai/kbai-go/internal/index"
	"github.com/kbai/kbai-go/internal/reconcile"
	"github.com/kbai/kbai-go/internal/retry"
	"github.com/kbai/kbai-go/internal/store"
)

const testDim = 4

// hashEmbedder derives vectors from an FNV hash of the text. Identical text
// embeds identically, so a query equal to a stored chunk hits at distance 0.
type hashEmbedder struct {
	failSubstring string
}

func (h *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if h.failSubstring != "" && strings.Contains(text, h.failSubstring) {
			return nil, fmt.Errorf("embed refused for %q", h.failSubstring)
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

// fakeModel scripts one reply per pipeline stage, dispatching on the system
// prompt of the incoming messages.
type fakeModel struct {
	analyzeOut string
	analyzeErr error

	gateOut   string
	gateErr   error
	gateCalls int

	groundedOut   string
	groundedErr   error
	groundedInput string

	fallbackOut string
	fallbackErr error
}

func (f *fakeModel) Generate(_ context.Context, msgs []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	if len(msgs) == 0 {
		return nil, errors.New("no messages")
	}
	switch msgs[0].Content {
	case analyzePrompt:
		if f.analyzeErr != nil {
			return nil, f.analyzeErr
		}
		return schema.AssistantMessage(f.analyzeOut, nil), nil
	case gatePrompt:
		f.gateCalls++
		if f.gateErr != nil {
			return nil, f.gateErr
		}
		return schema.AssistantMessage(f.gateOut, nil), nil
	case groundedPrompt:
		if f.groundedErr != nil {
			return nil, f.groundedErr
		}
		f.groundedInput = msgs[len(msgs)-1].Content
		return schema.AssistantMessage(f.groundedOut, nil), nil
	case fallbackPrompt:
		if f.fallbackErr != nil {
			return nil, f.fallbackErr
		}
		return schema.AssistantMessage(f.fallbackOut, nil), nil
	}
	return nil, fmt.Errorf("unexpected system prompt: %.40s", msgs[0].Content)
}

type fixture struct {
	store    *store.SQLiteStore
	handle   *index.Handle
	rec      *reconcile.Reconciler
	emb      *hashEmbedder
	model    *fakeModel
	pipeline *Pipeline
}

func newFixture(t *testing.T, opts Options) *fixture {
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

	fm := &fakeModel{
		analyzeOut:  `{"intent": "", "keywords": [], "source": "", "updated_after": ""}`,
		gateOut:     "RELEVANT",
		groundedOut: "Grounded answer.",
		fallbackOut: "Fallback answer.",
	}
	pl, err := New(s, h, emb, fm, opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return &fixture{store: s, handle: h, rec: rec, emb: emb, model: fm, pipeline: pl}
}

// seedDoc stores, embeds, and indexes one document.
func (f *fixture) seedDoc(t *testing.T, key, title, url, content string) {
	t.Helper()
	_, err := f.store.UpsertDocument(context.Background(), store.DocumentInput{
		Key:             key,
		Source:          "jira",
		Title:           title,
		URL:             url,
		Content:         content,
		SourceUpdatedAt: time.Unix(1700000000, 0),
	})
	if err != nil {
		t.Fatalf("UpsertDocument(%s) error: %v", key, err)
	}
	res := f.rec.Reconcile(context.Background(), []string{key}, nil)
	if res.Failed != 0 {
		t.Fatalf("seed reconcile failed: %+v", res)
	}
}

func Test_Answer_GroundedWithSources(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 100})
	ctx := context.Background()

	const content = "Reset your password through the self-service portal at portal.example.com."
	f.seedDoc(t, "jira-IT-1", "How to reset a password", "https://example.com/browse/IT-1", content)
	f.model.groundedOut = "Use the self-service portal at portal.example.com."

	got, err := f.pipeline.Answer(ctx, "how do I reset my password")
	if err != nil {
		t.Fatalf("Answer error: %v", err)
	}
	if got.Kind != KindGrounded {
		t.Fatalf("kind = %s, want grounded", got.Kind)
	}
	if len(got.Sources) != 1 || got.Sources[0].URL != "https://example.com/browse/IT-1" {
		t.Fatalf("sources = %+v", got.Sources)
	}
	if got.Sources[0].Score <= 0 || got.Sources[0].Score > 1 {
		t.Fatalf("score = %v, want (0, 1]", got.Sources[0].Score)
	}
	if !strings.Contains(got.Text, "Sources:") || !strings.Contains(got.Text, "How to reset a password") {
		t.Fatalf("text missing sources section: %q", got.Text)
	}
	// The retrieved chunk reached the grounded prompt as context.
	if !strings.Contains(f.model.groundedInput, "self-service portal") {
		t.Fatalf("grounded input missing chunk text: %q", f.model.groundedInput)
	}
}

func Test_Answer_EmptyCorpusFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.model.fallbackOut = "Generally, you contact your administrator."

	got, err := f.pipeline.Answer(context.Background(), "how do I reset my password")
	if err != nil {
		t.Fatalf("Answer error: %v", err)
	}
	if got.Kind != KindFallback {
		t.Fatalf("kind = %s, want fallback", got.Kind)
	}
	if len(got.Sources) != 0 {
		t.Fatalf("sources = %+v, want empty", got.Sources)
	}
	if !strings.Contains(got.Text, fallbackDisclaimer) {
		t.Fatalf("fallback text missing disclaimer: %q", got.Text)
	}
}

func Test_Answer_DeletedDocumentNeverCited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 100})
	ctx := context.Background()

	f.seedDoc(t, "jira-IT-1", "Decommissioned runbook", "https://example.com/browse/IT-1", "old runbook text")

	// The source record disappears; the slot stays in the index until the
	// next rebuild, so read-time filtering has to hide it.
	if _, err := f.store.MarkDocumentsDeleted(ctx, []string{"jira-IT-1"}); err != nil {
		t.Fatalf("MarkDocumentsDeleted error: %v", err)
	}
	f.rec.Reconcile(ctx, nil, []string{"jira-IT-1"})

	got, err := f.pipeline.Answer(ctx, "old runbook text")
	if err != nil {
		t.Fatalf("Answer error: %v", err)
	}
	if got.Kind != KindFallback {
		t.Fatalf("kind = %s, want fallback", got.Kind)
	}
	for _, src := range got.Sources {
		if src.DocKey == "jira-IT-1" {
			t.Fatalf("deleted document cited: %+v", src)
		}
	}
}

func Test_Answer_SourceFilterExcludesOtherSystems(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 100})

	f.seedDoc(t, "jira-IT-1", "Password policy ticket", "https://example.com/browse/IT-1", "password policy")
	f.model.analyzeOut = `{"intent": "find the wiki page", "keywords": ["password"], "source": "confluence", "updated_after": ""}`

	got, err := f.pipeline.Answer(context.Background(), "password policy wiki page")
	if err != nil {
		t.Fatalf("Answer error: %v", err)
	}
	// The only candidate is a jira document, so the confluence filter
	// leaves nothing and the gate routes to fallback.
	if got.Kind != KindFallback {
		t.Fatalf("kind = %s, want fallback", got.Kind)
	}
}

func Test_Answer_AnalyzeFailureDegrades(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 100})

	f.seedDoc(t, "jira-IT-1", "VPN setup", "https://example.com/browse/IT-1", "vpn setup steps")
	f.model.analyzeErr = errors.New("model is down for analyze only")
	f.model.analyzeOut = ""

	got, err := f.pipeline.Answer(context.Background(), "vpn setup steps")
	if err != nil {
		t.Fatalf("Answer error: %v", err)
	}
	if got.Kind != KindGrounded {
		t.Fatalf("kind = %s, want grounded despite analyze failure", got.Kind)
	}
}

func Test_Answer_UnparseableAnalysisDegrades(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 100})

	f.seedDoc(t, "jira-IT-1", "VPN setup", "https://example.com/browse/IT-1", "vpn setup steps")
	f.model.analyzeOut = "Sure! Here is my analysis of your question."

	got, err := f.pipeline.Answer(context.Background(), "vpn setup steps")
	if err != nil {
		t.Fatalf("Answer error: %v", err)
	}
	if got.Kind != KindGrounded {
		t.Fatalf("kind = %s, want grounded despite unparseable analysis", got.Kind)
	}
}

func Test_Answer_EmbedFailureIsModelUnavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})
	f.emb.failSubstring = "password"

	_, err := f.pipeline.Answer(context.Background(), "how do I reset my password")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("error = %v, want ErrModelUnavailable", err)
	}
}

func Test_Answer_GroundedModelFailureIsHardError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 100})

	f.seedDoc(t, "jira-IT-1", "VPN setup", "https://example.com/browse/IT-1", "vpn setup steps")
	f.model.groundedErr = errors.New("completion timed out")

	_, err := f.pipeline.Answer(context.Background(), "vpn setup steps")
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("error = %v, want ErrModelUnavailable", err)
	}
}

func Test_Gate_BoundaryAtThreshold(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 1.85})
	ctx := context.Background()

	state := &queryState{
		query:      "q",
		candidates: []candidate{{distance: 1.85, resolved: store.Resolved{Title: "t", ChunkText: "c"}}},
	}
	f.pipeline.runGate(ctx, state)
	if !state.relevant {
		t.Fatalf("distance exactly at threshold classified irrelevant")
	}
	if f.model.gateCalls != 1 {
		t.Fatalf("semantic check calls = %d, want 1", f.model.gateCalls)
	}

	// Strictly past the threshold the numeric gate rejects without a
	// semantic call.
	state = &queryState{
		query:      "q",
		candidates: []candidate{{distance: 1.8500002, resolved: store.Resolved{Title: "t", ChunkText: "c"}}},
	}
	f.pipeline.runGate(ctx, state)
	if state.relevant {
		t.Fatalf("distance past threshold classified relevant")
	}
	if f.model.gateCalls != 1 {
		t.Fatalf("semantic check ran on numeric reject: calls = %d", f.model.gateCalls)
	}
}

func Test_Gate_UnparseableVerdictRoutesToIrrelevant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 100})
	f.model.gateOut = "Well, it depends on what you mean."

	state := &queryState{
		query:      "q",
		candidates: []candidate{{distance: 0.1, resolved: store.Resolved{Title: "t", ChunkText: "c"}}},
	}
	f.pipeline.runGate(context.Background(), state)
	if state.relevant {
		t.Fatalf("unparseable verdict classified relevant")
	}
}

func Test_Gate_SemanticCallFailureKeepsNumericVerdict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{MaxDistance: 100})
	f.model.gateErr = errors.New("gate model unreachable")

	state := &queryState{
		query:      "q",
		candidates: []candidate{{distance: 0.1, resolved: store.Resolved{Title: "t", ChunkText: "c"}}},
	}
	f.pipeline.runGate(context.Background(), state)
	if !state.relevant {
		t.Fatalf("numeric pass discarded after semantic call failure")
	}
}

func Test_ParseVerdict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		output string
		want   bool
	}{
		{"RELEVANT", true},
		{"relevant", true},
		{"  Relevant.\n", true},
		{"IRRELEVANT", false},
		{"irrelevant", false},
		{"```\nRELEVANT\n```", true},
		{"The excerpts are RELEVANT", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := parseVerdict(tc.output); got != tc.want {
			t.Errorf("parseVerdict(%q) = %v, want %v", tc.output, got, tc.want)
		}
	}
}

func Test_CollectSources_DeduplicatesByDocument(t *testing.T) {
	t.Parallel()
	candidates := []candidate{
		{similarity: 0.9, resolved: store.Resolved{DocKey: "jira-A-1", Title: "A"}},
		{similarity: 0.8, resolved: store.Resolved{DocKey: "jira-A-2", Title: "B"}},
		{similarity: 0.7, resolved: store.Resolved{DocKey: "jira-A-1", Title: "A"}},
	}
	got := collectSources(candidates)
	if len(got) != 2 {
		t.Fatalf("sources = %+v, want 2", got)
	}
	if got[0].DocKey != "jira-A-1" || got[0].Score != 0.9 {
		t.Fatalf("first source = %+v, want best chunk of jira-A-1", got[0])
	}
}
