package pipeline

import "github.com/kbai/kbai-go/internal/store"

// analysis is the structured reading of the user query produced by the
// Analyze stage. When the model output cannot be parsed, the zero filters
// with the raw query as the only keyword are used instead.
type analysis struct {
	// Intent is a one-line restatement of what the user wants to know.
	Intent string `json:"intent"`
	// Keywords are the search-relevant terms extracted from the query.
	Keywords []string `json:"keywords"`
	// SourceFilter restricts results to one source system ("jira",
	// "confluence"); empty means no restriction.
	SourceFilter string `json:"source"`
	// UpdatedAfter restricts results to documents modified on or after the
	// given date (RFC 3339 date, e.g. "2026-01-15"); empty means no
	// restriction.
	UpdatedAfter string `json:"updated_after"`
}

// candidate is one retrieved chunk surviving resolution and filtering.
type candidate struct {
	// slot is the index slot the chunk was found at.
	slot int64
	// distance is the squared L2 distance from the query vector.
	distance float32
	// similarity is 1/(1+distance), carried for display.
	similarity float64
	// resolved is the chunk and owning-document data from the store.
	resolved store.Resolved
}

// queryState carries one query through the pipeline. Each stage writes only
// its own fields and never modifies what an earlier stage wrote.
type queryState struct {
	// query is the raw user query. Written before any stage runs.
	query string

	// analysis is written by Analyze.
	analysis analysis
	// analyzeErr records a degraded Analyze, for logging only.
	analyzeErr error

	// candidates is written by Search, best first, at most topK entries.
	candidates []candidate

	// relevant is the gate verdict, written by Gate.
	relevant bool

	// answerText is the raw model answer, written by the Answer branch.
	answerText string
	// sources is the deduplicated citation list, written by the grounded
	// branch; stays nil on the fallback branch.
	sources []Source
}
