package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kbai/kbai-go/internal/pipeline"
	"github.com/kbai/kbai-go/internal/store"
	"github.com/kbai/kbai-go/internal/syncer"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	// Must cover a full pipeline run including its LLM calls.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives server metrics and backs GET /metrics. If nil a
	// private registry is created, which keeps unit tests hermetic.
	Registry *prometheus.Registry
}

// answerer is the interface handleChat calls. *pipeline.Pipeline satisfies
// it; tests inject a fake.
type answerer interface {
	Answer(ctx context.Context, query string) (*pipeline.Answer, error)
}

// syncRunner is the interface the sync endpoints call. *syncer.Engine
// satisfies it.
type syncRunner interface {
	RunSync(ctx context.Context, sourceName string) ([]syncer.Summary, error)
	RunDeletionDetection(ctx context.Context, sourceName string) (int, error)
}

// rebuilder is the interface the index endpoints call. *reconcile.Reconciler
// satisfies it.
type rebuilder interface {
	Rebuild(ctx context.Context) error
	Stats(ctx context.Context) (indexSize, live, dead int, err error)
}

// corpusStats is the slice of the store the stats endpoint reads.
type corpusStats interface {
	CorpusStats(ctx context.Context) (store.Stats, error)
}

// Server is the HTTP server exposing the question-answering pipeline and
// the sync and index administration endpoints.
type Server struct {
	// pipeline answers chat queries.
	pipeline answerer
	// engine runs syncs and deletion detection. May be nil when the server
	// is started answer-only; the sync endpoints then return 503.
	engine syncRunner
	// reconciler serves the index admin endpoints. May be nil like engine.
	reconciler rebuilder
	// stats reads corpus counts for GET /api/stats. May be nil.
	stats corpusStats
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the user's natural language question.
	Message string `json:"message"`
}

// chatResponse is the JSON response for POST /api/chat.
type chatResponse struct {
	// Response is the formatted answer text.
	Response string `json:"response"`
	// Kind is "grounded" or "fallback".
	Kind string `json:"kind"`
	// Sources lists the cited documents, best first.
	Sources []pipeline.Source `json:"sources"`
}

// syncRequest is the JSON body for POST /api/sync and /api/sync/deletions.
type syncRequest struct {
	// Source selects one source system, or "all" (sync only).
	Source string `json:"source"`
}

// deletionsResponse is the JSON response for POST /api/sync/deletions.
type deletionsResponse struct {
	// DeletedCount is the number of documents newly marked deleted.
	DeletedCount int `json:"deletedCount"`
}

// statsResponse is the JSON response for GET /api/stats and the body of the
// 202 reply to POST /api/index/rebuild.
type statsResponse struct {
	// Documents is the number of non-deleted documents.
	Documents int `json:"documents"`
	// DeletedDocuments is the number of soft-deleted documents.
	DeletedDocuments int `json:"deletedDocuments"`
	// LiveChunks and DeadChunks count chunk rows by state.
	LiveChunks int `json:"liveChunks"`
	DeadChunks int `json:"deadChunks"`
	// IndexSize is the total vector count, dead slots included.
	IndexSize int `json:"indexSize"`
	// LiveSlots and DeadSlots partition the assigned index slots.
	LiveSlots int `json:"liveSlots"`
	DeadSlots int `json:"deadSlots"`
}

// errorResponse is the JSON error body used by all endpoints.
type errorResponse struct {
	// Error describes what went wrong.
	Error string `json:"error"`
}
