package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/verity/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verity",
		Short: "Verity - background dataset validation service",
		Long: `Verity validates tabular datasets against natural-language requests.

Analyses run in the background behind an HTTP API and an MCP endpoint;
progress is streamed to clients over server-sent events.

Configuration is read from the environment (and a .env file if present).`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		// .env is optional; production environments set variables directly.
		_ = godotenv.Load()
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func execute() error {
	return newRootCommand().Execute()
}

// newLogger builds the process logger: JSON on stdout at VERITY_LOG_LEVEL.
func newLogger() *slog.Logger {
	level, err := config.ParseLogLevel(os.Getenv("VERITY_LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
