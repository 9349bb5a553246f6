package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmux/taskmux/internal/server"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskmux version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", server.Name, server.Version)
	},
}
