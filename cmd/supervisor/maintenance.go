package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/services"
)

func newMaintenanceCmd(configDir *string) *cobra.Command {
	var idleDays int

	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run one-off maintenance: close idle instances, prune spawn rows and agent files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Initialize(ctx, *configDir)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			dbConfig, err := database.LoadConfigFromEnv()
			if err != nil {
				return fmt.Errorf("failed to load database config: %w", err)
			}
			dbClient, err := database.NewClient(ctx, dbConfig)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer func() { _ = dbClient.Close() }()

			eventService := services.NewEventService(dbClient)
			instanceService := services.NewInstanceService(dbClient, eventService)
			spawnService := services.NewSpawnService(dbClient)

			// 1. Close instances idle past the cutoff.
			days := idleDays
			if days <= 0 {
				days = cfg.Retention.ClosedInstanceDays
			}
			idleCutoff := time.Now().AddDate(0, 0, -days)
			closed, err := instanceService.CloseIdleInstances(ctx, idleCutoff)
			if err != nil {
				return fmt.Errorf("failed to close idle instances: %w", err)
			}
			slog.Info("Idle instances closed", "count", closed, "cutoff", idleCutoff)

			// 2. Prune terminal spawn rows past the output TTL.
			spawnCutoff := time.Now().Add(-cfg.Retention.SpawnOutputTTL)
			pruned, err := spawnService.PruneEnded(ctx, spawnCutoff)
			if err != nil {
				return fmt.Errorf("failed to prune spawn rows: %w", err)
			}
			slog.Info("Spawn rows pruned", "count", pruned, "cutoff", spawnCutoff)

			// 3. Remove agent instruction/output files older than the TTL.
			removed := pruneAgentFiles(cfg.TempDir, spawnCutoff)
			slog.Info("Agent files removed", "count", removed, "dir", cfg.TempDir)

			return nil
		},
	}

	cmd.Flags().IntVar(&idleDays, "idle-days", 0,
		"Close instances idle for this many days (default: retention setting)")
	return cmd
}

// pruneAgentFiles deletes agent-*-instructions.md / agent-*-output.log /
// agent-*-stderr.log files modified before the cutoff.
func pruneAgentFiles(dir string, cutoff time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("Failed to read temp dir", "dir", dir, "error", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "agent-") {
			continue
		}
		if !strings.HasSuffix(name, "-instructions.md") &&
			!strings.HasSuffix(name, "-output.log") &&
			!strings.HasSuffix(name, "-stderr.log") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			slog.Warn("Failed to remove agent file", "file", name, "error", err)
			continue
		}
		removed++
	}
	return removed
}
