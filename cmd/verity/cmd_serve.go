package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/verity"
)

func newServeCommand() *cobra.Command {
	var port int
	var databaseURL string
	var mock bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and MCP server",
		Long: `Run the HTTP and MCP server.

Pending tasks left by a previous run are scheduled again at startup, and
tasks that were mid-analysis are marked failed. SIGINT or SIGTERM starts a
graceful shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			opts := []verity.Option{
				verity.WithLogger(newLogger()),
				verity.WithVersion(version),
				verity.WithPort(port),
				verity.WithDatabaseURL(databaseURL),
			}
			if mock {
				opts = append(opts, verity.WithMockEngine())
			}

			app, err := verity.New(opts...)
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "TCP port to listen on (overrides VERITY_PORT)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Task store location (overrides DATABASE_URL)")
	cmd.Flags().BoolVar(&mock, "mock", false, "Use the built-in mock analysis even if OPENAI_API_KEY is set")

	return cmd
}
