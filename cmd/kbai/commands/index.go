package commands

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kbai/kbai-go/internal/embedder"
	"github.com/kbai/kbai-go/internal/logging"
	"github.com/kbai/kbai-go/internal/reconcile"
	"github.com/kbai/kbai-go/internal/store"
)

// NewIndexCmd constructs the `kbai index` subcommand group.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Inspect and maintain the vector index",
	}
	cmd.AddCommand(newIndexRebuildCmd(), newIndexStatsCmd())
	return cmd
}

func newIndexRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the vector index from stored embeddings",
		Long: `Builds a fresh index containing only live chunks, swaps it in
atomically, and writes a new snapshot. Use after heavy deletion churn or when
the snapshot was lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, rec, cleanup, err := openReconciler()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := rec.Rebuild(ctx); err != nil {
				return err
			}
			size, live, dead, err := rec.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("rebuilt: %d vector(s) in index (%d live, %d dead slot(s))\n", size, live, dead)
			return nil
		},
	}
}

func newIndexStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print corpus and index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, rec, cleanup, err := openReconciler()
			if err != nil {
				return err
			}
			defer cleanup()

			corpus, err := s.CorpusStats(ctx)
			if err != nil {
				return err
			}
			size, live, dead, err := rec.Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("documents:          %d (%d deleted)\n", corpus.Documents, corpus.DeletedDocuments)
			fmt.Printf("chunks:             %d live, %d dead\n", corpus.LiveChunks, corpus.DeadChunks)
			fmt.Printf("index:              %d vector(s) (%d live, %d dead slot(s))\n", size, live, dead)
			if size > 0 {
				fmt.Printf("dead ratio:         %.2f\n", float64(dead)/float64(size))
			}
			return nil
		},
	}
}

// openReconciler wires the store, index, and reconciler shared by the index
// subcommands. The returned cleanup closes the store.
func openReconciler() (*store.SQLiteStore, *reconcile.Reconciler, func(), error) {
	log := logging.New()

	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := openStore()
	if err != nil {
		return nil, nil, nil, err
	}
	handle, snapPath, err := openIndex(log)
	if err != nil {
		s.Close()
		return nil, nil, nil, err
	}
	rec := buildReconciler(s, handle, emb, snapPath, prometheus.NewRegistry())
	return s, rec, func() { s.Close() }, nil
}
