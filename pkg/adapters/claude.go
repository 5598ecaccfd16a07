package adapters

import (
	"context"
	"time"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/router"
)

// claudeAdapter drives the Claude Code CLI in non-interactive print mode.
type claudeAdapter struct {
	runner    cliRunner
	quotaArgs []string
}

func newClaudeAdapter(cfg config.ServiceConfig, grace time.Duration) *claudeAdapter {
	return &claudeAdapter{
		runner:    cliRunner{binary: cfg.Binary, grace: grace},
		quotaArgs: cfg.QuotaArgs,
	}
}

func (a *claudeAdapter) Service() models.Service {
	return models.ServiceClaude
}

func (a *claudeAdapter) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	args := []string{
		"-p",
		"--model", in.Model,
		"--dangerously-skip-permissions",
	}
	return a.runner.run(ctx, in, args)
}

func (a *claudeAdapter) CheckQuota(ctx context.Context) router.QuotaStatus {
	return a.runner.probeQuota(ctx, a.quotaArgs)
}
