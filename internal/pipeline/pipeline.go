// Package pipeline implements the retrieval pipeline that answers a user
// query from the knowledge base: analyze the query, search the vector index,
// gate the candidates for relevance, then compose either a grounded answer
// from the retrieved chunks or a disclaimed general-knowledge fallback.
// The stages form a fixed sequence with a single fork at the relevance gate;
// both branches reconverge at formatting. No stage ever runs twice for one
// query.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kbai/kbai-go/internal/budget"
	"github.com/kbai/kbai-go/internal/index"
	"github.com/kbai/kbai-go/internal/logging"
	"github.com/kbai/kbai-go/internal/rag"
	"github.com/kbai/kbai-go/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrModelUnavailable marks a hard provider failure during Search or Answer.
// Callers use it to distinguish "the system could not answer" from a
// legitimate fallback answer.
var ErrModelUnavailable = errors.New("pipeline: model unavailable")

// Answer kinds.
const (
	KindGrounded = "grounded"
	KindFallback = "fallback"
)

// DefaultTopK is the number of chunks retrieved per query.
const DefaultTopK = 5

// DefaultMaxDistance is the numeric relevance threshold: a best candidate
// whose squared L2 distance is strictly greater than this is treated as
// irrelevant. A candidate at exactly the threshold passes.
const DefaultMaxDistance = 1.85

// groundingChunks is the number of top candidates whose text is handed to
// the model as answer context and to the semantic relevance check.
const groundingChunks = 3

// Source is one cited document in an answer.
type Source struct {
	// DocKey is the globally unique document key.
	DocKey string `json:"docKey"`
	// SourceSystem is the external system the document came from.
	SourceSystem string `json:"source"`
	// Title is the document title.
	Title string `json:"title"`
	// URL is the canonical link to the document.
	URL string `json:"url"`
	// Score is the similarity of the document's best chunk, in (0, 1].
	Score float64 `json:"score"`
}

// Answer is the pipeline's result for one query.
type Answer struct {
	// Text is the formatted answer.
	Text string `json:"text"`
	// Kind is grounded or fallback.
	Kind string `json:"kind"`
	// Sources lists the cited documents, best first. Empty for fallback.
	Sources []Source `json:"sources"`
}

// Options tunes a Pipeline. Zero values select the defaults.
type Options struct {
	// TopK is the number of chunks retrieved per query.
	TopK int
	// MaxDistance is the numeric relevance threshold.
	MaxDistance float64
	// MaxGroundingTokens caps the estimated token size of the chunk context
	// handed to the model. Defaults to budget.DefaultMaxGroundingTokens.
	MaxGroundingTokens int
	// Registerer receives the pipeline metrics. May be nil.
	Registerer prometheus.Registerer
}

// Pipeline answers queries against the corpus store and the live vector
// index. Queries are independent and fully concurrent; the only shared
// mutable state is the index handle, which is read with an atomic load.
type Pipeline struct {
	store    *store.SQLiteStore
	handle   *index.Handle
	embedder rag.Embedder
	model    rag.ChatModel

	topK               int
	maxDistance        float64
	maxGroundingTokens int

	metrics *pipelineMetrics
}

// New constructs a Pipeline over the given store, index handle, embedder,
// and chat model.
func New(s *store.SQLiteStore, h *index.Handle, e rag.Embedder, m rag.ChatModel, opts Options) (*Pipeline, error) {
	if s == nil || h == nil {
		return nil, fmt.Errorf("pipeline: store and index handle must not be nil")
	}
	if e == nil || m == nil {
		return nil, fmt.Errorf("pipeline: embedder and chat model must not be nil")
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = DefaultMaxDistance
	}
	if opts.MaxGroundingTokens <= 0 {
		opts.MaxGroundingTokens = budget.DefaultMaxGroundingTokens
	}
	return &Pipeline{
		store:              s,
		handle:             h,
		embedder:           e,
		model:              m,
		topK:               opts.TopK,
		maxDistance:        opts.MaxDistance,
		maxGroundingTokens: opts.MaxGroundingTokens,
		metrics:            newPipelineMetrics(opts.Registerer),
	}, nil
}

// Answer runs the full pipeline for one query. A hard provider failure
// during Search or either Answer branch returns an error wrapping
// ErrModelUnavailable; Analyze and Format failures degrade to defaults
// instead of failing the query.
func (p *Pipeline) Answer(ctx context.Context, query string) (*Answer, error) {
	if query == "" {
		return nil, fmt.Errorf("pipeline: query must not be empty")
	}
	start := time.Now()
	log := logging.FromContext(ctx)

	state := &queryState{query: query}
	p.runAnalyze(ctx, state)
	if err := p.runSearch(ctx, state); err != nil {
		p.metrics.countQuery("error")
		return nil, err
	}
	p.runGate(ctx, state)

	var err error
	if state.relevant {
		err = p.runGrounded(ctx, state)
	} else {
		err = p.runFallback(ctx, state)
	}
	if err != nil {
		p.metrics.countQuery("error")
		return nil, err
	}

	answer := p.formatAnswer(state)
	p.metrics.countQuery(answer.Kind)
	p.metrics.observeLatency(time.Since(start))
	log.Info("pipeline: answered query",
		slog.String("kind", answer.Kind),
		slog.Int("candidates", len(state.candidates)),
		slog.Int("sources", len(answer.Sources)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return answer, nil
}
