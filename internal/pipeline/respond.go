package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/kbai/kbai-go/internal/budget"
	"github.com/kbai/kbai-go/internal/logging"
)

// runGrounded composes an answer from the retrieved chunk texts. The model
// is told to use only the provided context; the citation list is built
// from the candidates, deduplicated by document, best chunk first. A model
// failure here is a hard pipeline error, never a silently fabricated
// answer.
func (p *Pipeline) runGrounded(ctx context.Context, state *queryState) error {
	texts := make([]string, 0, groundingChunks)
	for i, c := range state.candidates {
		if i == groundingChunks {
			break
		}
		texts = append(texts, fmt.Sprintf("[%s]\n%s", c.resolved.Title, c.resolved.ChunkText))
	}
	before := len(texts)
	texts = budget.TrimChunks(texts, p.maxGroundingTokens)
	if dropped := before - len(texts); dropped > 0 {
		logging.FromContext(ctx).Warn("pipeline: dropped grounding chunks to fit budget",
			slog.Int("dropped", dropped),
			slog.Int("max_tokens", p.maxGroundingTokens))
	}

	var sb strings.Builder
	sb.WriteString("Context:\n")
	for _, t := range texts {
		sb.WriteString(t)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Question: %s", state.query)

	msgs := []*schema.Message{
		schema.SystemMessage(groundedPrompt),
		schema.UserMessage(sb.String()),
	}
	if est := budget.EstimateMessages(msgs); est > budget.DefaultMaxContextTokens {
		logging.FromContext(ctx).Warn("pipeline: grounded prompt exceeds context budget",
			slog.Int("estimated_tokens", est),
			slog.Int("budget", budget.DefaultMaxContextTokens))
	}

	msg, err := p.model.Generate(ctx, msgs)
	if err != nil {
		return fmt.Errorf("%w: grounded answer: %v", ErrModelUnavailable, err)
	}

	state.answerText = strings.TrimSpace(msg.Content)
	state.sources = collectSources(state.candidates)
	return nil
}

// runFallback composes a general-knowledge answer with an explicit
// disclaimer. Sources stay empty.
func (p *Pipeline) runFallback(ctx context.Context, state *queryState) error {
	msg, err := p.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(fallbackPrompt),
		schema.UserMessage(state.query),
	})
	if err != nil {
		return fmt.Errorf("%w: fallback answer: %v", ErrModelUnavailable, err)
	}
	state.answerText = strings.TrimSpace(msg.Content) + "\n\n" + fallbackDisclaimer
	return nil
}

// collectSources deduplicates candidates by document key. Candidates arrive
// best first, so the first sighting of a document carries its best score.
func collectSources(candidates []candidate) []Source {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]Source, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.resolved.DocKey]; ok {
			continue
		}
		seen[c.resolved.DocKey] = struct{}{}
		out = append(out, Source{
			DocKey:       c.resolved.DocKey,
			SourceSystem: c.resolved.Source,
			Title:        c.resolved.Title,
			URL:          c.resolved.URL,
			Score:        c.similarity,
		})
	}
	return out
}
