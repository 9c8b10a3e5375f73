package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kbai/kbai-go/internal/embedder"
	"github.com/kbai/kbai-go/internal/logging"
)

// NewAskCmd constructs the `kbai ask` command, which answers a single
// question from the knowledge base and prints the answer with its sources.
func NewAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question against the synced knowledge base",
		Long: `Ask a natural language question. The answer is grounded in the synced
Jira and Confluence corpus and cites its sources; when the corpus holds
nothing relevant, the reply is an explicitly disclaimed general-knowledge
answer with no citations.

Examples:
  kbai ask "how do I reset my VPN credentials?"
  kbai ask "which team owns the billing service?"
  kbai ask "what was decided about the Postgres 17 upgrade?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("ask: failed to initialise embedder: %w", err)
			}

			s, err := openStore()
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer func() { _ = s.Close() }()

			handle, snapPath, err := openIndex(log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			rec := buildReconciler(s, handle, emb, snapPath, nil)
			if err := rec.EnsureCoverage(ctx); err != nil {
				return fmt.Errorf("ask: index recovery: %w", err)
			}

			pl, _, err := buildPipeline(ctx, s, handle, emb, nil)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			answer, err := pl.Answer(ctx, args[0])
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			fmt.Println(answer.Text)
			return nil
		},
	}

	return cmd
}
