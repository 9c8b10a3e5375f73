package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/kbai/kbai-go/internal/logging"
)

// runAnalyze asks the model for a structured reading of the query. Any
// failure (provider error, unparseable output) degrades to the raw query
// with no filters; Analyze never fails the pipeline.
func (p *Pipeline) runAnalyze(ctx context.Context, state *queryState) {
	fallback := analysis{Keywords: []string{state.query}}

	msg, err := p.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(analyzePrompt),
		schema.UserMessage(state.query),
	})
	if err != nil {
		state.analysis = fallback
		state.analyzeErr = err
		logging.FromContext(ctx).Warn("pipeline: analyze call failed, using raw query",
			slog.Any("error", err))
		return
	}

	parsed, err := parseAnalysis(msg.Content)
	if err != nil {
		state.analysis = fallback
		state.analyzeErr = err
		logging.FromContext(ctx).Warn("pipeline: analyze output unparseable, using raw query",
			slog.Any("error", err))
		return
	}
	if len(parsed.Keywords) == 0 {
		parsed.Keywords = []string{state.query}
	}
	state.analysis = parsed
}

// parseAnalysis decodes the analyzer's JSON, tolerating markdown fencing
// around the object.
func parseAnalysis(output string) (analysis, error) {
	var a analysis
	if err := json.Unmarshal([]byte(stripFences(output)), &a); err != nil {
		return analysis{}, err
	}
	a.SourceFilter = strings.ToLower(strings.TrimSpace(a.SourceFilter))
	a.UpdatedAfter = strings.TrimSpace(a.UpdatedAfter)
	return a, nil
}

// stripFences removes a surrounding markdown code fence, if present. Models
// add one often enough that rejecting it would degrade analysis needlessly.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
