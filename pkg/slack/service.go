package slack

import (
	"context"
	"log/slog"
	"time"
)

// postTimeout bounds each Slack API call so notifications never delay the
// caller noticeably.
const postTimeout = 10 * time.Second

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token   string
	Channel string
}

// Service handles Slack notification delivery.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		client: NewClient(cfg.Token, cfg.Channel),
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client) *Service {
	return &Service{
		client: client,
		logger: slog.Default().With("component", "slack-service"),
	}
}

// NotifyEpicOutcome posts an epic terminal notification. Errors are logged,
// never surfaced: notification failure must not fail the epic.
func (s *Service) NotifyEpicOutcome(ctx context.Context, projectName, epicTitle string, success bool, summary string) {
	if s == nil {
		return
	}
	blocks := BuildEpicOutcomeMessage(projectName, epicTitle, success, summary)
	if err := s.client.PostMessage(ctx, blocks, postTimeout); err != nil {
		s.logger.Warn("Failed to post epic outcome notification",
			"project", projectName, "epic", epicTitle, "error", err)
	}
}

// NotifyInstanceStale posts a stale-instance notification.
func (s *Service) NotifyInstanceStale(ctx context.Context, instanceID string) {
	if s == nil {
		return
	}
	blocks := BuildInstanceStaleMessage(instanceID)
	if err := s.client.PostMessage(ctx, blocks, postTimeout); err != nil {
		s.logger.Warn("Failed to post stale instance notification",
			"instance_id", instanceID, "error", err)
	}
}
