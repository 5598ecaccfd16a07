package adapters

import (
	"context"
	"time"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/router"
)

// geminiAdapter drives the Gemini CLI with the prompt on stdin.
type geminiAdapter struct {
	runner    cliRunner
	quotaArgs []string
}

func newGeminiAdapter(cfg config.ServiceConfig, grace time.Duration) *geminiAdapter {
	return &geminiAdapter{
		runner:    cliRunner{binary: cfg.Binary, grace: grace},
		quotaArgs: cfg.QuotaArgs,
	}
}

func (a *geminiAdapter) Service() models.Service {
	return models.ServiceGemini
}

func (a *geminiAdapter) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	args := []string{
		"--model", in.Model,
		"--yolo",
	}
	return a.runner.run(ctx, in, args)
}

func (a *geminiAdapter) CheckQuota(ctx context.Context) router.QuotaStatus {
	return a.runner.probeQuota(ctx, a.quotaArgs)
}
