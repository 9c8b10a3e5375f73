// Package server implements the HTTP server that exposes the knowledge-base
// assistant: the chat endpoint backed by the retrieval pipeline, the sync
// and deletion-detection triggers, the index administration endpoints, and
// the Prometheus metrics and health surfaces.
// The server is started by the `kbai serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kbai/kbai-go/internal/logging"
	"github.com/kbai/kbai-go/internal/pipeline"
)

// Deps bundles the collaborators a Server exposes over HTTP. Pipeline is
// required; the others may be nil, which disables their endpoints with 503.
type Deps struct {
	// Pipeline answers chat queries.
	Pipeline answerer
	// Engine runs syncs and deletion detection.
	Engine syncRunner
	// Reconciler serves index rebuild and stats.
	Reconciler rebuilder
	// Store reads corpus counts for the stats endpoint.
	Store corpusStats
}

// New constructs a Server from the provided dependencies and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("server: pipeline must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Must cover a full pipeline run including its LLM calls, and a
		// manually triggered sync.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	s := &Server{
		pipeline:   deps.Pipeline,
		engine:     deps.Engine,
		reconciler: deps.Reconciler,
		stats:      deps.Store,
		cfg:        cfg,
		log:        log,
		pingers:    cfg.Pingers,
		metrics:    newServerMetrics(registry),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	if cfg.APIKey == "" {
		log.Warn("server: API key not set, authentication disabled")
	}
	// Middleware order, outermost first: request logging, metrics, auth,
	// then the per-IP rate limit.
	protected := func(name string, h http.HandlerFunc) http.Handler {
		return s.instrument(name,
			authMiddleware(cfg.APIKey,
				rl.middleware(h)))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/chat", protected("chat", s.handleChat))
	mux.Handle("POST /api/sync", protected("sync", s.handleSync))
	mux.Handle("POST /api/sync/deletions", protected("sync_deletions", s.handleSyncDeletions))
	mux.Handle("POST /api/index/rebuild", protected("index_rebuild", s.handleRebuild))
	mux.Handle("GET /api/stats", protected("stats", s.handleStats))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the server's root HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleChat handles POST /api/chat. A hard pipeline failure returns 502 so
// callers can tell "the system could not answer" apart from a fallback
// answer, which is a normal 200.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	answer, err := s.pipeline.Answer(r.Context(), req.Message)
	if err != nil {
		log := logging.FromContext(r.Context())
		if errors.Is(err, pipeline.ErrModelUnavailable) {
			log.Error("chat: model unavailable", slog.Any("error", err))
			s.metrics.chatRequestsTotal.WithLabelValues("model_unavailable").Inc()
			writeError(w, http.StatusBadGateway, "the answering model is unavailable, try again later")
			return
		}
		log.Error("chat: pipeline error", slog.Any("error", err))
		s.metrics.chatRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.metrics.chatRequestsTotal.WithLabelValues(answer.Kind).Inc()
	sources := answer.Sources
	if sources == nil {
		sources = []pipeline.Source{}
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Response: answer.Text,
		Kind:     answer.Kind,
		Sources:  sources,
	})
}

// handleSync handles POST /api/sync. The body selects one source or "all";
// an empty body syncs all sources.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}

	summaries, err := s.engine.RunSync(r.Context(), req.Source)
	if err != nil && len(summaries) == 0 {
		logging.FromContext(r.Context()).Error("sync: run failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Partial failures are reported through the per-source status fields.
	writeJSON(w, http.StatusOK, summaries)
}

// handleSyncDeletions handles POST /api/sync/deletions for one source.
func (s *Server) handleSyncDeletions(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	req, ok := decodeSyncRequest(w, r)
	if !ok {
		return
	}
	if req.Source == "" || req.Source == "all" {
		writeError(w, http.StatusBadRequest, "deletion detection requires a single source")
		return
	}

	n, err := s.engine.RunDeletionDetection(r.Context(), req.Source)
	if err != nil {
		logging.FromContext(r.Context()).Error("sync: deletion detection failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deletionsResponse{DeletedCount: n})
}

// handleRebuild handles POST /api/index/rebuild. The rebuild runs inline
// under the reconciler's writer lock; 202 signals the swap completed and
// carries the post-rebuild stats.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "index administration is not configured")
		return
	}
	if err := s.reconciler.Rebuild(r.Context()); err != nil {
		logging.FromContext(r.Context()).Error("index: rebuild failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.collectStats(r.Context()))
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil && s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats are not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.collectStats(r.Context()))
}

// collectStats gathers corpus and index counts, tolerating nil
// collaborators and read errors; missing values stay zero.
func (s *Server) collectStats(ctx context.Context) statsResponse {
	var resp statsResponse
	log := logging.FromContext(ctx)
	if s.stats != nil {
		st, err := s.stats.CorpusStats(ctx)
		if err != nil {
			log.Error("stats: corpus read failed", slog.Any("error", err))
		} else {
			resp.Documents = st.Documents
			resp.DeletedDocuments = st.DeletedDocuments
			resp.LiveChunks = st.LiveChunks
			resp.DeadChunks = st.DeadChunks
		}
	}
	if s.reconciler != nil {
		size, live, dead, err := s.reconciler.Stats(ctx)
		if err != nil {
			log.Error("stats: index read failed", slog.Any("error", err))
		} else {
			resp.IndexSize = size
			resp.LiveSlots = live
			resp.DeadSlots = dead
		}
	}
	return resp
}

// decodeSyncRequest parses the optional JSON body of the sync endpoints. A
// missing body selects all sources.
func decodeSyncRequest(w http.ResponseWriter, r *http.Request) (syncRequest, bool) {
	var req syncRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
