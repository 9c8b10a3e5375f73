package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kbai/kbai-go/internal/retry"
)

func Test_OllamaEmbedder_Embed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q, want /api/embed", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "nomic-embed-text" {
			t.Errorf("model = %q", req.Model)
		}
		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			resp.Embeddings[i] = []float32{float32(i), 1}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text"})
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 1 {
		t.Fatalf("vecs = %v", vecs)
	}
}

func Test_OllamaEmbedder_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Error: "model not found"})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "missing"})
	if _, err := e.Embed(context.Background(), []string{"a"}); err == nil {
		t.Fatal("Embed on HTTP 500 succeeded, want error")
	}
}

func Test_OpenAIEmbedder_ReordersByIndex(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		// Data out of input order; the client must reorder by index.
		w.Write([]byte(`{"data":[
			{"embedding":[2,0],"index":1},
			{"embedding":[1,0],"index":0}
		]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test", Model: "text-embedding-3-small"})
	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][0] != 2 {
		t.Fatalf("vecs not reordered: %v", vecs)
	}
}

func Test_OpenAIEmbedder_AzureAuth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("api-key"); got != "az-key" {
			t.Errorf("api-key header = %q", got)
		}
		if got := r.URL.Query().Get("api-version"); got != "2025-04-01-preview" {
			t.Errorf("api-version = %q", got)
		}
		w.Write([]byte(`{"data":[{"embedding":[0.5],"index":0}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{
		BaseURL: srv.URL, APIKey: "az-key", Model: "text-embedding-3-small",
		Azure: true, APIVersion: "2025-04-01-preview",
	})
	if _, err := e.Embed(context.Background(), []string{"a"}); err != nil {
		t.Fatalf("Embed error: %v", err)
	}
}

func Test_LooksLikeChatModel(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"gpt-4o":                 true,
		"llama3.2":               true,
		"nomic-embed-text":       false,
		"text-embedding-3-small": false,
	}
	for model, want := range cases {
		if got := looksLikeChatModel(model); got != want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func Test_OllamaEmbedder_SplitsLargeBatches(t *testing.T) {
	t.Parallel()
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Input) > maxBatch {
			t.Errorf("batch of %d texts exceeds the %d cap", len(req.Input), maxBatch)
		}
		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			resp.Embeddings[i] = []float32{1}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	texts := make([]string, maxBatch+30)
	for i := range texts {
		texts[i] = "chunk"
	}
	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "nomic-embed-text"})
	vecs, err := e.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("vecs = %d, want %d", len(vecs), len(texts))
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

func Test_Embedder_ClassifiesHTTPFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status        string
		code          int
		wantTransient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
	}
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				json.NewEncoder(w).Encode(ollamaEmbedResponse{Error: "nope"})
			}))
			defer srv.Close()

			e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "m"})
			_, err := e.Embed(context.Background(), []string{"a"})
			if err == nil {
				t.Fatal("Embed succeeded, want error")
			}
			if got := retry.IsTransient(err); got != tc.wantTransient {
				t.Errorf("IsTransient = %v, want %v", got, tc.wantTransient)
			}
		})
	}
}
