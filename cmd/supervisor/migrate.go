package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gpt153/supervisor/pkg/database"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbConfig, err := database.LoadConfigFromEnv()
			if err != nil {
				return fmt.Errorf("failed to load database config: %w", err)
			}

			// NewClient applies pending migrations on connect.
			client, err := database.NewClient(cmd.Context(), dbConfig)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			defer func() { _ = client.Close() }()

			slog.Info("Migrations applied")
			return nil
		},
	}
}
