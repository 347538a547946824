package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "promptlab",
	Short: "Streaming AI chat relay and clients",
	Long: `Prompt Lab relays streamed chat completions from an OpenAI-compatible AI gateway
to authenticated clients.

Commands:
  - server: the chat relay, the web chat and the metrics endpoint
  - chat:   a terminal chat client streaming through the relay`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: <user config dir>/promptlab/config.yaml)",
	)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(chatCmd)
}
