// Package cli defines the taskmux command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskmux",
	Short: "Background task supervisor for the worker CLI, served over MCP",
	Long: `taskmux is an MCP server (stdio transport) that runs worker CLI tasks in
the background. Each task spawns one worker process whose NDJSON event
stream drives a bounded lifecycle; clients control it through the start,
list, respond, cancel, and health tools.

Running 'taskmux' without a subcommand is equivalent to 'taskmux serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'serve' command
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: <base-dir>/config.json)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
