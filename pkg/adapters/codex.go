package adapters

import (
	"context"
	"time"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/router"
)

// codexAdapter drives the Codex CLI in non-interactive exec mode.
type codexAdapter struct {
	runner    cliRunner
	quotaArgs []string
}

func newCodexAdapter(cfg config.ServiceConfig, grace time.Duration) *codexAdapter {
	return &codexAdapter{
		runner:    cliRunner{binary: cfg.Binary, grace: grace},
		quotaArgs: cfg.QuotaArgs,
	}
}

func (a *codexAdapter) Service() models.Service {
	return models.ServiceCodex
}

func (a *codexAdapter) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	args := []string{
		"exec",
		"--model", in.Model,
		"--full-auto",
	}
	return a.runner.run(ctx, in, args)
}

func (a *codexAdapter) CheckQuota(ctx context.Context) router.QuotaStatus {
	return a.runner.probeQuota(ctx, a.quotaArgs)
}
