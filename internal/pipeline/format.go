package pipeline

import (
	"fmt"
	"strings"
)

// formatAnswer renders the final answer text. Grounded answers get a
// deterministic sources section, one line per cited document; fallback
// answers pass through unchanged (the disclaimer is already part of the
// text). Formatting never changes which branch was taken.
func (p *Pipeline) formatAnswer(state *queryState) *Answer {
	kind := KindFallback
	if state.relevant {
		kind = KindGrounded
	}

	text := state.answerText
	if kind == KindGrounded && len(state.sources) > 0 {
		var sb strings.Builder
		sb.WriteString(text)
		sb.WriteString("\n\nSources:\n")
		for _, src := range state.sources {
			fmt.Fprintf(&sb, "- %s (%s)\n", src.Title, src.URL)
		}
		text = strings.TrimRight(sb.String(), "\n")
	}

	return &Answer{
		Text:    text,
		Kind:    kind,
		Sources: state.sources,
	}
}
