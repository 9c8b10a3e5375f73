// Package rag defines the interfaces shared by the retrieval pipeline and
// the reconciliation engine: text embedding and LLM completion. Concrete
// implementations (OpenAI, Azure, Ollama, the eino model providers) satisfy
// these interfaces so the pipeline and reconciler never depend on a
// specific backend.
package rag

import (
	"context"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatModel is the subset of the eino chat model interface the pipeline
// needs: a single blocking completion call. The eino model providers
// satisfy it; tests inject a scripted fake.
type ChatModel interface {
	// Generate produces a completion for the given message sequence.
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}
