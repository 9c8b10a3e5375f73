package server

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/kbai/kbai-go/internal/rag"
)

// StorePinger probes the corpus store with a connection ping. It satisfies
// the Pinger interface and is used by GET /api/ready.
type StorePinger struct {
	// store is the corpus store to probe.
	store interface{ Ping(ctx context.Context) error }
}

// NewStorePinger constructs a StorePinger for the given store.
func NewStorePinger(s interface{ Ping(ctx context.Context) error }) *StorePinger {
	return &StorePinger{store: s}
}

// Name returns the dependency label used in readiness responses.
func (p *StorePinger) Name() string { return "store" }

// Ping checks the database connection.
func (p *StorePinger) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

// EmbedderPinger probes the embedding backend by embedding a single short
// string. The call is cheap relative to a completion but still remote, so
// it runs only on readiness checks, never per request.
type EmbedderPinger struct {
	// embedder is the backend to probe.
	embedder rag.Embedder
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewEmbedderPinger constructs an EmbedderPinger for the given backend.
func NewEmbedderPinger(e rag.Embedder, name string) *EmbedderPinger {
	return &EmbedderPinger{embedder: e, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *EmbedderPinger) Name() string { return p.name }

// Ping sends a minimal embedding request.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	vecs, err := p.embedder.Embed(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embed failed: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("embed returned no vector")
	}
	return nil
}

// LLMPinger probes a chat model backend by sending a minimal generate
// request. The call consumes tokens; it runs only on readiness checks.
type LLMPinger struct {
	// model is the chat model to probe.
	model rag.ChatModel
	// name identifies the backend in readiness responses (e.g. "openai").
	name string
}

// NewLLMPinger constructs an LLMPinger for the given model and backend name.
func NewLLMPinger(m rag.ChatModel, name string) *LLMPinger {
	return &LLMPinger{model: m, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping sends a single-message generate request.
func (p *LLMPinger) Ping(ctx context.Context) error {
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")})
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("generate returned nil response")
	}
	return nil
}
