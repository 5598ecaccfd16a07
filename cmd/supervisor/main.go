// Supervisor control plane — hosts per-project MCP endpoints and
// orchestrates AI coding subagents against real source trees.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	var configDir string

	root := &cobra.Command{
		Use:           "supervisor",
		Short:         "Multi-project supervisor service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			// Load .env from the config directory; absence is not an error.
			envPath := filepath.Join(configDir, ".env")
			if err := godotenv.Load(envPath); err != nil {
				slog.Info("No .env file loaded, using existing environment", "path", envPath)
			} else {
				slog.Info("Loaded environment", "path", envPath)
			}
		},
	}

	root.PersistentFlags().StringVar(&configDir, "config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")

	root.AddCommand(
		newServeCmd(&configDir),
		newMigrateCmd(),
		newMaintenanceCmd(&configDir),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
