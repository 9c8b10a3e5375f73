package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kbai/kbai-go/internal/embedder"
	"github.com/kbai/kbai-go/internal/logging"
	"github.com/kbai/kbai-go/internal/server"
	"github.com/kbai/kbai-go/internal/syncer"
	"github.com/kbai/kbai-go/internal/tracing"
)

// NewServeCmd constructs the `kbai serve` command, which starts the HTTP
// server exposing the chat, sync, and index administration endpoints.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kbai HTTP server",
		Long: `Start the kbai HTTP server.

The server exposes POST /api/chat for question answering, the sync and
deletion-detection triggers, index rebuild and stats, Prometheus metrics
on /metrics, and health/readiness probes.

Examples:
  kbai serve
  kbai serve --port 9090
  MODEL_PROVIDER=azure kbai serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Flags win over KBAI_SERVER_* env only when explicitly set.
			if !cmd.Flags().Changed("host") {
				if v := os.Getenv("KBAI_SERVER_HOST"); v != "" {
					host = v
				}
			}
			if !cmd.Flags().Changed("port") {
				port = envInt("KBAI_SERVER_PORT", port)
			}

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Langfuse tracing is opt-in; a no-op when keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			if err := embedder.Validate(log); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("serve: failed to initialise embedder: %w", err)
			}

			s, err := openStore()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = s.Close() }()

			handle, snapPath, err := openIndex(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			registry := prometheus.NewRegistry()
			rec := buildReconciler(s, handle, emb, snapPath, registry)

			// The snapshot captures the index only as of the last rebuild;
			// recover anything reconciled after it was written before
			// serving queries.
			if err := rec.EnsureCoverage(ctx); err != nil {
				log.Warn("serve: index recovery failed", slog.Any("error", err))
			}

			sources, err := buildSources(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			var engine *syncer.Engine
			if len(sources) > 0 {
				engine = syncer.NewEngine(s, rec, sources, registry)
			}

			pl, chatModel, err := buildPipeline(ctx, s, handle, emb, registry)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pingers := []server.Pinger{
				server.NewStorePinger(s),
				server.NewEmbedderPinger(emb, embedder.Backend()),
				server.NewLLMPinger(chatModel, os.Getenv("MODEL_PROVIDER")),
			}

			deps := server.Deps{
				Pipeline:   pl,
				Reconciler: rec,
				Store:      s,
			}
			if engine != nil {
				deps.Engine = engine
			}
			srv, err := server.New(deps, &server.Config{
				Host:     host,
				Port:     port,
				Logger:   log,
				Pingers:  pingers,
				APIKey:   os.Getenv("KBAI_API_KEY"),
				Registry: registry,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}
