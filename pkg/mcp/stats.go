package mcp

import (
	"context"
	"encoding/json"

	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/tools"
)

// RegisterStatsTool registers the meta-only endpoint statistics tool: total,
// success, and error counts per endpoint since process start.
func (mux *Multiplexer) RegisterStatsTool() error {
	return mux.registry.RegisterTool(tools.Definition{
		Name:        "endpoint_stats",
		Description: "Per-endpoint request counters (total, success, error) since process start.",
		MetaOnly:    true,
		InputSchema: json.RawMessage(`{"type": "object"}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			return map[string]any{
				"endpoints": mux.metrics.EndpointStats(),
				"active":    mux.Endpoints(),
			}, nil
		},
	})
}
