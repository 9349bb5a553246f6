package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskmux/taskmux/internal/config"
	"github.com/taskmux/taskmux/internal/persistence"
	"github.com/taskmux/taskmux/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor as an MCP server on stdio",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)

	baseDir, err := persistence.DefaultBaseDir()
	if err != nil {
		return err
	}

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.DefaultPath(baseDir)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// A broken config file never blocks startup; defaults apply.
		logger.Warn("ignoring unusable config file", "path", configPath, "error", err)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		return err
	}
	return srv.Run(cmd.Context())
}

// newLogger builds the process logger. Stdout belongs to the MCP transport,
// so logs go to stderr.
func newLogger(cmd *cobra.Command) *slog.Logger {
	levelName, _ := cmd.Flags().GetString("log-level")

	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
