package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/verity"
)

func newMigrateCommand() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Long: `Apply the embedded migrations to the task store and exit.

serve applies the same migrations at startup; run this to migrate ahead of
a deploy. Already-applied migrations are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return verity.Migrate(cmd.Context(),
				verity.WithLogger(newLogger()),
				verity.WithDatabaseURL(databaseURL),
			)
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Task store location (overrides DATABASE_URL)")

	return cmd
}
