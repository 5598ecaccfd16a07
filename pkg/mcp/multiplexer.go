// Package mcp implements the MCP multiplexer: one JSON-RPC 2.0 endpoint per
// enabled project plus a meta endpoint, each an isolated MCP server whose
// tool set is scoped through the tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	sdkjsonschema "github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/metrics"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/services"
	"github.com/gpt153/supervisor/pkg/tools"
	"github.com/gpt153/supervisor/pkg/version"
)

// Multiplexer hosts the per-project MCP servers and routes requests to them
// by endpoint path. Endpoints are rebuilt as a whole on reload; requests in
// flight keep the server (and project snapshot) they resolved at dispatch.
type Multiplexer struct {
	cfg      *config.Config
	registry *tools.Registry
	events   *services.EventService
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	endpoints map[string]*endpoint
}

// endpoint binds one immutable project snapshot entry to its MCP server.
type endpoint struct {
	project models.Project
	server  *mcpsdk.Server
}

// New builds the multiplexer and its initial endpoint set.
func New(cfg *config.Config, registry *tools.Registry, events *services.EventService, m *metrics.Metrics) (*Multiplexer, error) {
	mux := &Multiplexer{
		cfg:      cfg,
		registry: registry,
		events:   events,
		metrics:  m,
	}
	// The stats tool must exist before endpoints are built so the meta
	// server's tool set includes it.
	if err := mux.RegisterStatsTool(); err != nil {
		return nil, err
	}
	if err := mux.rebuild(); err != nil {
		return nil, err
	}
	return mux, nil
}

// Reload rebuilds the project snapshot and the endpoint set. In-flight
// requests complete against the servers they already hold.
func (mux *Multiplexer) Reload(ctx context.Context) error {
	if err := mux.cfg.Reload(ctx); err != nil {
		return err
	}
	return mux.rebuild()
}

// rebuild constructs a fresh endpoint map from the current project snapshot
// and swaps it in atomically.
func (mux *Multiplexer) rebuild() error {
	snapshot := mux.cfg.Projects()
	endpoints := make(map[string]*endpoint)

	for _, project := range snapshot.Enabled() {
		// Scope restriction must be in place before the server's tool set is
		// listed, or the endpoint would briefly expose the full registry.
		if len(project.Tools) > 0 {
			if err := mux.registry.SetProjectTools(project.Name, project.Tools); err != nil {
				return err
			}
		} else {
			mux.registry.ClearProjectTools(project.Name)
		}

		server, err := mux.buildServer(project)
		if err != nil {
			return fmt.Errorf("failed to build endpoint for %q: %w", project.Name, err)
		}
		endpoints[project.Name] = &endpoint{project: project, server: server}
	}

	mux.mu.Lock()
	mux.endpoints = endpoints
	mux.mu.Unlock()

	slog.Info("MCP endpoints built", "count", len(endpoints))
	return nil
}

// buildServer creates the isolated MCP server for one project, registering
// only the tools visible in its scope. Scoping by construction: a tool
// outside the scope does not exist on the endpoint, so the SDK answers
// unknown-tool calls with the MethodNotFound-equivalent JSON-RPC error.
func (mux *Multiplexer) buildServer(project models.Project) (*mcpsdk.Server, error) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "supervisor-" + project.Name,
		Version: version.GitCommit,
	}, &mcpsdk.ServerOptions{
		Instructions: endpointInstructions(project),
	})

	for _, def := range mux.registry.ListTools(project.Name) {
		tool := &mcpsdk.Tool{
			Name:        def.Name,
			Description: def.Description,
		}
		if len(def.InputSchema) > 0 {
			schema := new(sdkjsonschema.Schema)
			if err := json.Unmarshal(def.InputSchema, schema); err != nil {
				return nil, fmt.Errorf("tool %q: invalid input schema: %w", def.Name, err)
			}
			tool.InputSchema = schema
		}
		server.AddTool(tool, mux.toolHandler(project, def.Name))
	}

	return server, nil
}

// toolHandler wraps registry execution with the endpoint's project context,
// request counters, and command-log persistence.
func (mux *Multiplexer) toolHandler(project models.Project, toolName string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		start := time.Now()

		var params map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
				mux.metrics.RecordRequest(project.Name, false)
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}

		pctx := &models.ProjectContext{
			Name:        project.Name,
			DisplayName: project.DisplayName,
			Path:        project.Path,
			Meta:        project.Name == models.MetaProject,
		}
		if id, ok := params["instance_id"].(string); ok {
			pctx.InstanceID = id
		}

		result, err := mux.registry.Execute(ctx, toolName, params, pctx)

		mux.metrics.RecordRequest(project.Name, err == nil)
		mux.logCommand(ctx, pctx, toolName, params, result, err, time.Since(start))

		if err != nil {
			return toolError(err), nil
		}
		return toolResult(result)
	}
}

// logCommand persists the request as a command log entry against the
// caller's instance, or the anonymous sink when none was supplied.
func (mux *Multiplexer) logCommand(ctx context.Context, pctx *models.ProjectContext, toolName string, params map[string]any, result any, execErr error, took time.Duration) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ms := took.Milliseconds()
	entry := models.CommandLogEntry{
		InstanceID:      pctx.InstanceID,
		CommandType:     "mcp",
		Action:          "tools/call",
		ToolName:        toolName,
		Parameters:      map[string]any{"project": pctx.Name, "arguments": params},
		Success:         execErr == nil,
		ExecutionTimeMS: &ms,
		Tags:            []string{"mcp", pctx.Name},
	}
	if execErr != nil {
		entry.ErrorMessage = execErr.Error()
	} else if resultMap, ok := result.(map[string]any); ok {
		entry.Result = resultMap
	}
	if err := mux.events.LogCommand(writeCtx, entry); err != nil {
		slog.Error("Failed to log MCP command", "tool", toolName, "error", err)
	}
}

// Handler returns the HTTP handler serving every endpoint. The request path
// ("/mcp/{project}") selects the per-project server; unknown projects get a
// nil server, which the SDK answers with 404.
func (mux *Multiplexer) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(r *http.Request) *mcpsdk.Server {
		name := projectFromPath(r.URL.Path)
		mux.mu.RLock()
		ep, ok := mux.endpoints[name]
		mux.mu.RUnlock()
		if !ok {
			return nil
		}
		return ep.server
	}, &mcpsdk.StreamableHTTPOptions{Stateless: true})
}

// Endpoints returns the current endpoint project names, for health reporting.
func (mux *Multiplexer) Endpoints() []string {
	mux.mu.RLock()
	defer mux.mu.RUnlock()
	out := make([]string, 0, len(mux.endpoints))
	for name := range mux.endpoints {
		out = append(out, name)
	}
	return out
}

// projectFromPath extracts the project name from "/mcp/{project}".
func projectFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/mcp/")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}

// endpointInstructions is the server self-description surfaced on initialize.
func endpointInstructions(project models.Project) string {
	if project.Name == models.MetaProject {
		return "Cross-project supervisor endpoint. The full tool set is visible here."
	}
	desc := project.Description
	if desc == "" {
		desc = project.DisplayName
	}
	return fmt.Sprintf("Supervisor endpoint for project %s (%s). Tool calls run against %s.",
		project.DisplayName, desc, project.Path)
}

// toolResult marshals a handler result into MCP content.
func toolResult(result any) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}, nil
}

// toolError converts an execution error into an MCP tool error with a
// structured kind so callers can branch without parsing prose.
func toolError(err error) *mcpsdk.CallToolResult {
	payload := map[string]any{
		"kind":    errorKind(err),
		"message": err.Error(),
	}
	raw, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		raw = []byte(fmt.Sprintf(`{"kind":"Internal","message":%q}`, err.Error()))
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
	}
}

// errorKind maps service errors to the error taxonomy surfaced to clients.
func errorKind(err error) string {
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		return "MethodNotFound"
	case errors.Is(err, tools.ErrInvalidParams), services.IsValidationError(err):
		return "Validation"
	case errors.Is(err, services.ErrNotFound):
		return "NotFound"
	case errors.Is(err, services.ErrClosed), errors.Is(err, services.ErrAlreadyExists):
		return "Conflict"
	case errors.Is(err, tools.ErrDependencyFailure):
		return "DependencyFailure"
	default:
		return "Internal"
	}
}
