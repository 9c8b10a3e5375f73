// Command kbai is the entry point for the knowledge-base AI assistant.
// It answers questions grounded in synced Jira and Confluence content, runs
// the sync and index maintenance jobs, and serves the HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/kbai/kbai-go/cmd/kbai/commands"
)

func main() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
