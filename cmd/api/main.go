// Package main is the entry point for the chat API server.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// serve replaces the global logger once config is loaded; earlier
		// failures use the one built from ENV and LOG_LEVEL.
		log := logger.Global()
		log.Error("command failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chatstream",
		Short: "Chat session API with streamed replies",
		Long: `chatstream serves chat sessions over HTTP. Replies from the generation
backend are relayed to clients token by token as server-sent events and
persisted once complete.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}
