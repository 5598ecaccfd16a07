package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/gpt153/supervisor/pkg/adapters"
	"github.com/gpt153/supervisor/pkg/api"
	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/events"
	"github.com/gpt153/supervisor/pkg/gitpr"
	"github.com/gpt153/supervisor/pkg/health"
	"github.com/gpt153/supervisor/pkg/masking"
	"github.com/gpt153/supervisor/pkg/mcp"
	"github.com/gpt153/supervisor/pkg/metrics"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/orchestrator"
	"github.com/gpt153/supervisor/pkg/router"
	"github.com/gpt153/supervisor/pkg/services"
	"github.com/gpt153/supervisor/pkg/slack"
	"github.com/gpt153/supervisor/pkg/spawn"
	"github.com/gpt153/supervisor/pkg/template"
	"github.com/gpt153/supervisor/pkg/tools"
)

// wsWriteTimeout bounds each WebSocket send.
const wsWriteTimeout = 10 * time.Second

func newServeCmd(configDir *string) *cobra.Command {
	var httpPort string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP multiplexer and background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configDir, httpPort)
		},
	}
	cmd.Flags().StringVar(&httpPort, "http-port", getEnv("HTTP_PORT", "8080"), "HTTP listen port")
	return cmd
}

func runServe(ctx context.Context, configDir, httpPort string) error {
	slog.Info("Starting supervisor", "http_port", httpPort, "config_dir", configDir)

	cfg, err := config.Initialize(ctx, configDir)
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
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL, schema up to date")

	// Services
	eventService := services.NewEventService(dbClient)
	instanceService := services.NewInstanceService(dbClient, eventService)
	spawnService := services.NewSpawnService(dbClient)

	var secretService *services.SecretService
	secretService, err = services.NewSecretService(dbClient, cfg.Secrets.MasterKeyEnv, cfg.Secrets.KeyID)
	if err != nil {
		slog.Warn("Secret store disabled", "reason", err)
		secretService = nil
	}

	// Spawn plumbing
	adapterSet, err := adapters.NewSet(cfg.Services, cfg.Limits.TerminationGrace, cfg.Limits.QuotaProbeTTL)
	if err != nil {
		return fmt.Errorf("failed to build CLI adapters: %w", err)
	}
	taskRouter := router.New(cfg.Services, adapterSet)

	library, err := template.Load()
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	engine := spawn.NewEngine(taskRouter, adapterSet, library, spawnService, eventService,
		cfg.TempDir, cfg.Limits.MaxConcurrentCLI)

	// Notifications (optional)
	var notifier *slack.Service
	if cfg.Slack.Enabled {
		notifier = slack.NewService(slack.ServiceConfig{
			Token:   os.Getenv(cfg.Slack.TokenEnv),
			Channel: cfg.Slack.Channel,
		})
		if notifier == nil {
			slog.Warn("Slack notifications enabled but token or channel missing")
		}
	}

	// Orchestrator
	orch := buildOrchestrator(engine, eventService, notifier, cfg)

	// Tool registry
	registry := tools.NewRegistry()
	deps := tools.BuiltinDeps{
		Instances:    instanceService,
		Events:       eventService,
		Secrets:      secretService,
		Engine:       engine,
		Orchestrator: orch,
		Masker:       masking.NewMasker(),
	}
	if err := tools.RegisterBuiltins(registry, deps); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}
	if err := tools.RegisterCollaborators(registry, tools.CollaboratorDeps{}); err != nil {
		return fmt.Errorf("failed to register collaborator tools: %w", err)
	}

	// Metrics + multiplexer
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)
	engine.SetMetrics(m)

	mux, err := mcp.New(cfg, registry, eventService, m)
	if err != nil {
		return fmt.Errorf("failed to build MCP multiplexer: %w", err)
	}

	// Event stream WebSocket
	connManager := events.NewConnectionManager(eventService, wsWriteTimeout)
	eventService.SetBroadcaster(func(instanceID string, evt models.Event) {
		connManager.Broadcast(instanceID, evt)
	})

	// Health sweeper
	var sweepNotifier health.Notifier
	if notifier != nil {
		sweepNotifier = notifier
	}
	sweeper := health.NewSweeper(instanceService, spawnService, m, sweepNotifier,
		cfg.Limits.SweepInterval, cfg.Limits.PhaseTimeout)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// HTTP server
	server := api.NewServer(cfg, dbClient, mux, m, connManager, promRegistry)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", ":"+httpPort)
		if err := server.Start(":" + httpPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Shutting down", "signal", sig)
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("Shutdown complete")
	return nil
}

// buildOrchestrator wires the epic orchestrator with the PR collaborator and
// optional notifier.
func buildOrchestrator(engine *spawn.Engine, eventService *services.EventService, notifier *slack.Service, cfg *config.Config) *orchestrator.Orchestrator {
	var orcNotifier orchestrator.Notifier
	if notifier != nil {
		orcNotifier = notifier
	}
	return orchestrator.New(engine, eventService, gitpr.NewHelper(), orcNotifier,
		cfg.Limits.PhaseTimeout, cfg.Limits.ValidationConcurrency)
}
