package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/kbai/kbai-go/internal/logging"
)

// runGate decides whether the candidates are relevant enough to ground an
// answer. The numeric gate compares the best distance against the
// threshold: strictly greater is irrelevant, exactly at the threshold is
// relevant. A numeric pass is then confirmed semantically by the model;
// an unparseable verdict routes to irrelevant, but a failed model call
// keeps the numeric verdict.
func (p *Pipeline) runGate(ctx context.Context, state *queryState) {
	log := logging.FromContext(ctx)

	if len(state.candidates) == 0 {
		state.relevant = false
		p.metrics.countGate("empty")
		return
	}

	best := float64(state.candidates[0].distance)
	if best > p.maxDistance {
		state.relevant = false
		p.metrics.countGate("numeric_reject")
		log.Debug("pipeline: numeric gate rejected candidates",
			slog.Float64("best_distance", best),
			slog.Float64("max_distance", p.maxDistance))
		return
	}

	verdict, err := p.semanticCheck(ctx, state)
	if err != nil {
		// The numeric gate already passed; a broken confirmation call
		// should not discard usable candidates.
		state.relevant = true
		p.metrics.countGate("semantic_unavailable")
		log.Warn("pipeline: semantic gate call failed, keeping numeric verdict",
			slog.Any("error", err))
		return
	}
	state.relevant = verdict
	if verdict {
		p.metrics.countGate("accepted")
	} else {
		p.metrics.countGate("semantic_reject")
	}
}

// semanticCheck asks the model whether the top candidates can answer the
// question. The error return is a transport failure only; an unparseable
// reply is a false verdict, not an error.
func (p *Pipeline) semanticCheck(ctx context.Context, state *queryState) (bool, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nExcerpts:\n", state.query)
	for i, c := range state.candidates {
		if i == groundingChunks {
			break
		}
		fmt.Fprintf(&sb, "--- excerpt %d (from %q) ---\n%s\n", i+1, c.resolved.Title, c.resolved.ChunkText)
	}

	msg, err := p.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(gatePrompt),
		schema.UserMessage(sb.String()),
	})
	if err != nil {
		return false, err
	}
	return parseVerdict(msg.Content), nil
}

// parseVerdict maps the gate model's reply to a verdict. Anything that is
// not a clear RELEVANT reads as irrelevant: a disclaimed fallback beats a
// wrongly grounded answer.
func parseVerdict(output string) bool {
	v := strings.ToUpper(strings.TrimSpace(stripFences(output)))
	if strings.HasPrefix(v, "IRRELEVANT") {
		return false
	}
	return strings.HasPrefix(v, "RELEVANT")
}
