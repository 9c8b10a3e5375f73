// Package commands defines all Cobra CLI commands for the kbai binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/kbai/kbai-go/internal/audit"
	"github.com/kbai/kbai-go/internal/config"
	"github.com/kbai/kbai-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbai",
		Short: "kbai: AI answers grounded in your Jira and Confluence content",
		Long: `kbai is an AI assistant that answers questions from your organisation's
knowledge base.

It syncs Jira issues and Confluence pages into a local corpus, embeds them
into a vector index, and answers questions grounded in the retrieved
content with citations. Questions the corpus cannot answer get an
explicitly disclaimed general-knowledge reply instead.

Model and embedding providers are selected via the MODEL_PROVIDER and
EMBEDDING_PROVIDER environment variables or a YAML config file
(~/.kbai/config.yaml). See 'kbai --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbai/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewServeCmd(),
		NewSyncCmd(),
		NewIndexCmd(),
		NewVersionCmd(),
	)

	return root
}
