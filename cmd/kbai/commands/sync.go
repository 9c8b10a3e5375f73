package commands

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kbai/kbai-go/internal/embedder"
	"github.com/kbai/kbai-go/internal/logging"
	"github.com/kbai/kbai-go/internal/syncer"
)

// NewSyncCmd constructs the `kbai sync` subcommand. It runs an incremental
// sync against the configured sources, or deletion detection when --deletions
// is set.
func NewSyncCmd() *cobra.Command {
	var (
		sourceName string
		deletions  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync documents from the configured sources into the knowledge base",
		Long: `Fetches documents changed since the last successful sync from each
configured source, stores them, and reconciles the vector index. With
--deletions it instead compares the source's full ID listing against the
stored corpus and tombstones documents that no longer exist upstream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return err
			}
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			handle, snapPath, err := openIndex(log)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			rec := buildReconciler(s, handle, emb, snapPath, reg)
			if err := rec.EnsureCoverage(ctx); err != nil {
				return fmt.Errorf("index recovery: %w", err)
			}

			sources, err := buildSources(log)
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				return fmt.Errorf("no sources configured, set ATLASSIAN_BASE_URL and JIRA_PROJECTS or CONFLUENCE_SPACES")
			}
			engine := syncer.NewEngine(s, rec, sources, reg)

			if deletions {
				if sourceName == "" || sourceName == syncer.All {
					return fmt.Errorf("deletion detection needs an explicit --source, got %q", sourceName)
				}
				deleted, err := engine.RunDeletionDetection(ctx, sourceName)
				if err != nil {
					return err
				}
				fmt.Printf("%s: %d document(s) deleted\n", sourceName, deleted)
				return nil
			}

			summaries, err := engine.RunSync(ctx, sourceName)
			for _, sum := range summaries {
				fmt.Printf("%s: %s (added %d, updated %d, skipped %d, failed %d, reconciled %d)\n",
					sum.Source, sum.Status, sum.Added, sum.Updated, sum.Skipped, sum.Failed, sum.Reconciled)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&sourceName, "source", syncer.All, "source to sync (jira, confluence, or all)")
	cmd.Flags().BoolVar(&deletions, "deletions", false, "run deletion detection instead of an incremental sync")
	return cmd
}
