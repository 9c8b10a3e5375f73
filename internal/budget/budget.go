// Package budget provides token budget estimation and trimming for prompts.
// Because multiple LLM backends with different tokenizers are supported, it
// uses a conservative character-based heuristic: 1 token is roughly 4
// characters of English prose or code. This deliberately under-estimates so
// there is headroom for model-specific overhead.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// DefaultMaxContextTokens is the whole-prompt budget. Conservative
	// enough to fit 8k-context models (Llama 3 8B, GPT-3.5) with room for
	// the output.
	DefaultMaxContextTokens = 6000

	// DefaultMaxGroundingTokens is the budget for retrieved chunk context
	// inside a grounded answer prompt.
	DefaultMaxGroundingTokens = 3000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a message
// sequence, including a small per-message overhead.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimChunks keeps the leading chunks whose combined estimate fits within
// maxTokens and drops the rest. Chunks arrive best-first, so trimming from
// the tail discards the least relevant context. At least one chunk is always
// kept so a grounded answer never loses its entire context to the budget.
func TrimChunks(chunks []string, maxTokens int) []string {
	if len(chunks) == 0 {
		return chunks
	}
	total := 0
	for i, c := range chunks {
		total += Estimate(c)
		if total > maxTokens && i > 0 {
			return chunks[:i]
		}
	}
	return chunks
}
