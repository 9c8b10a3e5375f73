package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kbai/kbai-go/internal/atlassian"
	"github.com/kbai/kbai-go/internal/chunker"
	"github.com/kbai/kbai-go/internal/embedder"
	"github.com/kbai/kbai-go/internal/index"
	"github.com/kbai/kbai-go/internal/pipeline"
	"github.com/kbai/kbai-go/internal/provider"
	"github.com/kbai/kbai-go/internal/rag"
	"github.com/kbai/kbai-go/internal/reconcile"
	"github.com/kbai/kbai-go/internal/retry"
	"github.com/kbai/kbai-go/internal/store"
	"github.com/kbai/kbai-go/internal/syncer"
)

// openStore opens the corpus database at KBAI_DB_PATH, falling back to the
// default location under ~/.kbai.
func openStore() (*store.SQLiteStore, error) {
	path := os.Getenv("KBAI_DB_PATH")
	if path == "" {
		var err error
		path, err = store.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

// snapshotPath resolves the index snapshot location: KBAI_SNAPSHOT_PATH, or
// index.snapshot next to the corpus database.
func snapshotPath() (string, error) {
	if p := os.Getenv("KBAI_SNAPSHOT_PATH"); p != "" {
		return p, nil
	}
	dbPath, err := store.DefaultDBPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(dbPath), "index.snapshot"), nil
}

// openIndex loads the snapshot written by the last rebuild, or starts an
// empty index sized for the configured embedding backend. The snapshot may
// trail the store; callers run the reconciler's EnsureCoverage before
// serving searches.
func openIndex(log *slog.Logger) (*index.Handle, string, error) {
	snapPath, err := snapshotPath()
	if err != nil {
		return nil, "", err
	}

	if _, statErr := os.Stat(snapPath); statErr == nil {
		flat, loadErr := index.LoadSnapshot(snapPath)
		if loadErr == nil {
			log.Info("index: loaded snapshot",
				slog.String("path", snapPath), slog.Int("vectors", flat.Len()))
			return index.NewHandle(flat), snapPath, nil
		}
		log.Warn("index: snapshot unreadable, starting empty",
			slog.String("path", snapPath), slog.Any("error", loadErr))
	}

	dim := embedder.DefaultDimensions(embedder.Backend())
	if v := os.Getenv("EMBEDDING_DIMENSIONS"); v != "" {
		if n, convErr := strconv.Atoi(v); convErr == nil && n > 0 {
			dim = n
		}
	}
	flat, err := index.NewFlat(dim)
	if err != nil {
		return nil, "", fmt.Errorf("creating index: %w", err)
	}
	return index.NewHandle(flat), snapPath, nil
}

// buildReconciler wires the reconciler from environment tuning.
func buildReconciler(s *store.SQLiteStore, h *index.Handle, emb rag.Embedder, snapPath string, reg prometheus.Registerer) *reconcile.Reconciler {
	ch := chunker.New(envInt("KBAI_CHUNK_SIZE", 0), envInt("KBAI_CHUNK_OVERLAP", 0))
	return reconcile.New(s, h, emb, ch, reconcile.Options{
		SnapshotPath:     snapPath,
		RebuildThreshold: envFloat("KBAI_REBUILD_THRESHOLD", reconcile.DefaultRebuildThreshold),
		Retry:            retry.DefaultConfig(),
		Registerer:       reg,
	})
}

// buildSources constructs the Atlassian sync sources from environment
// configuration. Sources with no configured projects or spaces are omitted.
func buildSources(log *slog.Logger) ([]syncer.Source, error) {
	cfg := &atlassian.Config{
		BaseURL:  os.Getenv("ATLASSIAN_BASE_URL"),
		Email:    os.Getenv("ATLASSIAN_EMAIL"),
		APIToken: os.Getenv("ATLASSIAN_API_TOKEN"),
	}
	if cfg.BaseURL == "" {
		log.Warn("sync: ATLASSIAN_BASE_URL not set, no sources configured")
		return nil, nil
	}

	var sources []syncer.Source
	if projects := os.Getenv("JIRA_PROJECTS"); projects != "" {
		jc, err := atlassian.NewJiraClient(cfg, projects)
		if err != nil {
			return nil, fmt.Errorf("configuring jira source: %w", err)
		}
		sources = append(sources, jc)
	}
	if spaces := os.Getenv("CONFLUENCE_SPACES"); spaces != "" {
		cc, err := atlassian.NewConfluenceClient(cfg, spaces)
		if err != nil {
			return nil, fmt.Errorf("configuring confluence source: %w", err)
		}
		sources = append(sources, cc)
	}
	if len(sources) == 0 {
		log.Warn("sync: neither JIRA_PROJECTS nor CONFLUENCE_SPACES set, no sources configured")
	}
	return sources, nil
}

// buildPipeline wires the retrieval pipeline: chat model from the provider
// factory, retrieval tuning from the environment.
func buildPipeline(ctx context.Context, s *store.SQLiteStore, h *index.Handle, emb rag.Embedder, reg prometheus.Registerer) (*pipeline.Pipeline, rag.ChatModel, error) {
	chatModel, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("initialising model provider: %w", err)
	}
	pl, err := pipeline.New(s, h, emb, chatModel, pipeline.Options{
		TopK:        envInt("KBAI_TOP_K", 0),
		MaxDistance: envFloat("KBAI_MAX_DISTANCE", 0),
		Registerer:  reg,
	})
	if err != nil {
		return nil, nil, err
	}
	return pl, chatModel, nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
