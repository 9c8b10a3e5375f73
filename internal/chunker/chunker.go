// Package chunker splits document text into overlapping windows for
// embedding. Chunk boundaries prefer paragraph and sentence breaks over hard
// character cuts, and the output is deterministic for identical input, so a
// document edited and then reverted produces byte-identical chunks. Chunk
// ordinals are the slice indices: 0-based and contiguous.
package chunker

import "strings"

// Default window parameters. Overlap keeps context that straddles a chunk
// boundary retrievable from either side.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// separators are tried in order when looking for a natural break point near
// the end of a window. Paragraph breaks first, then line breaks, then
// sentence punctuation.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " "}

// Chunker splits text into overlapping windows.
type Chunker struct {
	// size is the maximum number of bytes per chunk.
	size int
	// overlap is the number of bytes shared between consecutive chunks.
	overlap int
}

// New constructs a Chunker. Non-positive size falls back to
// DefaultChunkSize; an overlap that is negative or not smaller than size
// falls back to DefaultChunkOverlap clamped below size.
func New(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split divides text into overlapping chunks. Leading/trailing whitespace is
// trimmed first; empty or whitespace-only input yields nil. Each chunk is at
// most the configured size, and consecutive chunks share the configured
// overlap measured from the break point.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + c.size
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}

		end = breakPoint(text, start, end)
		chunks = append(chunks, text[start:end])

		next := end - c.overlap
		if next <= start {
			// Overlap would stall progress on a tiny chunk; advance anyway.
			next = end
		}
		start = next
	}

	return chunks
}

// breakPoint returns the end offset for a chunk starting at start with a
// hard limit of limit. It scans the tail half of the window for the
// highest-priority separator and breaks just after it; if no separator is
// found the hard limit is used.
func breakPoint(text string, start, limit int) int {
	// Only look for a break in the last half of the window so chunks do not
	// shrink far below the configured size.
	floor := limit - (limit-start)/2

	window := text[floor:limit]
	for _, sep := range separators {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return floor + i + len(sep)
		}
	}
	return limit
}
