// Package spawn implements the subagent spawn engine: routing a task to a
// backend CLI, rendering its instruction file, executing it inside the
// project working directory, and recording the attempt.
package spawn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gpt153/supervisor/pkg/adapters"
	"github.com/gpt153/supervisor/pkg/metrics"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/router"
	"github.com/gpt153/supervisor/pkg/services"
	"github.com/gpt153/supervisor/pkg/template"
)

// Params is the caller-supplied spawn request.
type Params struct {
	TaskType        models.TaskType `json:"task_type"`
	Description     string          `json:"description"`
	Context         map[string]any  `json:"context,omitempty"`
	ComplexityHint  string          `json:"complexity_hint,omitempty"`
	EstimatedTokens int             `json:"estimated_tokens,omitempty"`
}

// Result is the structured outcome of a spawn attempt. Failures carry an
// ErrorInfo instead of raising: retries are the caller's decision so side
// effects stay attributable.
type Result struct {
	Success      bool           `json:"success"`
	AgentID      string         `json:"agent_id,omitempty"`
	ServiceUsed  models.Service `json:"service_used,omitempty"`
	ModelUsed    string         `json:"model_used,omitempty"`
	DurationMS   int64          `json:"duration_ms"`
	CostEstimate float64        `json:"cost_estimate"`
	OutputPath   string         `json:"output_path,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
}

// Engine orchestrates Router → Template → CLI adapter → logs for one spawn.
type Engine struct {
	router   *router.Router
	adapters *adapters.Set
	library  *template.Library
	spawns   *services.SpawnService
	events   *services.EventService
	tempDir  string

	// metrics is optional; nil disables spawn instrumentation.
	metrics *metrics.Metrics

	// cliSlots bounds concurrent external CLI processes across the process.
	cliSlots *semaphore.Weighted
}

// SetMetrics wires spawn instrumentation. Called once during startup.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// NewEngine creates a spawn engine.
func NewEngine(
	rt *router.Router,
	set *adapters.Set,
	library *template.Library,
	spawns *services.SpawnService,
	events *services.EventService,
	tempDir string,
	maxConcurrentCLI int,
) *Engine {
	return &Engine{
		router:   rt,
		adapters: set,
		library:  library,
		spawns:   spawns,
		events:   events,
		tempDir:  tempDir,
		cliSlots: semaphore.NewWeighted(int64(maxConcurrentCLI)),
	}
}

// Spawn runs one subagent to completion (or failure) and records the attempt.
//
// Working directory resolution is strict: context.project_path, then the
// caller's endpoint project path. Anything else fails NoProjectContext before
// any file or row is created.
func (e *Engine) Spawn(ctx context.Context, params Params, caller *models.ProjectContext) *Result {
	start := time.Now()

	result := e.spawn(ctx, params, caller, start)

	e.logCommand(ctx, params, caller, result)
	return result
}

func (e *Engine) spawn(ctx context.Context, params Params, caller *models.ProjectContext, start time.Time) *Result {
	// 1. Validate params and resolve the working directory.
	if !params.TaskType.Valid() {
		return failure(start, KindValidation, fmt.Sprintf("unknown task_type %q", params.TaskType), nil)
	}
	if params.Description == "" {
		return failure(start, KindValidation, "description is required", nil)
	}

	projectPath, projectName, err := resolveProject(params, caller)
	if err != nil {
		return failure(start, KindNoProjectContext, err.Error(), nil)
	}

	// 2. Route to a backend.
	decision, err := e.router.Route(ctx, router.Task{
		TaskType:        params.TaskType,
		ComplexityHint:  params.ComplexityHint,
		EstimatedTokens: params.EstimatedTokens,
		Description:     params.Description,
	})
	if err != nil {
		if errors.Is(err, router.ErrQuotaExhausted) {
			return failure(start, KindQuotaExhausted, err.Error(), nil)
		}
		return failure(start, KindInternal, err.Error(), nil)
	}

	// 3. Select and render the instruction template.
	tmpl, err := e.library.Select(params.TaskType, params.Description)
	if err != nil {
		return failure(start, KindTemplateNotFound, err.Error(), nil)
	}

	agentID, err := generateAgentID()
	if err != nil {
		return failure(start, KindInternal, err.Error(), nil)
	}

	contextJSON, err := json.MarshalIndent(orDefault(params.Context), "", "  ")
	if err != nil {
		return failure(start, KindValidation, fmt.Sprintf("context not serializable: %v", err), nil)
	}

	rendered, err := tmpl.Render(template.Data{
		TASK_DESCRIPTION: params.Description,
		TASK_TYPE:        string(params.TaskType),
		PROJECT_PATH:     projectPath,
		PROJECT_NAME:     projectName,
		CONTEXT_JSON:     string(contextJSON),
		AGENT_ID:         agentID,
	})
	if err != nil {
		return failure(start, KindTemplateRender, err.Error(), nil)
	}

	instructionsPath := filepath.Join(e.tempDir, fmt.Sprintf("agent-%s-instructions.md", agentID))
	outputPath := filepath.Join(e.tempDir, fmt.Sprintf("agent-%s-output.log", agentID))
	stderrPath := filepath.Join(e.tempDir, fmt.Sprintf("agent-%s-stderr.log", agentID))

	if err := os.WriteFile(instructionsPath, []byte(rendered), 0o600); err != nil {
		return failure(start, KindIOError, fmt.Sprintf("failed to write instructions: %v", err), nil)
	}

	// 4. Record the running spawn.
	instanceID := models.AnonymousInstanceID
	if caller != nil && caller.InstanceID != "" {
		instanceID = caller.InstanceID
	}
	spawnRow := models.Spawn{
		AgentID:     agentID,
		InstanceID:  instanceID,
		ProjectPath: projectPath,
		TaskType:    params.TaskType,
		Description: params.Description,
		Context:     params.Context,
		Service:     decision.Service,
		Model:       decision.Model,
		OutputPath:  outputPath,
	}
	if err := e.spawns.Create(ctx, spawnRow); err != nil {
		return failure(start, KindInternal, fmt.Sprintf("failed to record spawn: %v", err), nil)
	}

	e.logEvent(ctx, instanceID, models.EventTaskSpawned, map[string]any{
		"agent_id":  agentID,
		"task_type": string(params.TaskType),
		"service":   string(decision.Service),
		"model":     decision.Model,
	})

	// 5. Run the CLI with a bounded slot.
	if err := e.cliSlots.Acquire(ctx, 1); err != nil {
		e.completeSpawn(ctx, agentID, models.SpawnStalled, nil, "cancelled waiting for CLI slot")
		return failure(start, cancelKind(ctx), "cancelled waiting for CLI slot", nil)
	}
	adapter, err := e.adapters.Get(decision.Service)
	if err != nil {
		e.cliSlots.Release(1)
		e.completeSpawn(ctx, agentID, models.SpawnFailed, nil, err.Error())
		return failure(start, KindInternal, err.Error(), nil)
	}

	slog.Info("Spawning subagent",
		"agent_id", agentID,
		"task_type", params.TaskType,
		"service", decision.Service,
		"model", decision.Model,
		"project_path", projectPath)

	if e.metrics != nil {
		e.metrics.SpawnStarted()
	}
	runResult, runErr := adapter.Run(ctx, adapters.RunInput{
		InstructionsPath: instructionsPath,
		CWD:              projectPath,
		Model:            decision.Model,
		StdoutPath:       outputPath,
		StderrPath:       stderrPath,
	})
	e.cliSlots.Release(1)
	if e.metrics != nil {
		e.metrics.SpawnEnded()
		e.metrics.ObserveSpawn(time.Since(start).Seconds())
	}

	// 6. Complete bookkeeping.
	if runErr != nil {
		if ctx.Err() != nil {
			// Deadline or cancellation: the adapter escalated SIGTERM→SIGKILL.
			e.completeSpawn(ctx, agentID, models.SpawnStalled, nil, runErr.Error())
			return failureWithAgent(start, agentID, decision, outputPath, cancelKind(ctx), runErr.Error(), nil)
		}
		e.completeSpawn(ctx, agentID, models.SpawnFailed, nil, runErr.Error())
		return failureWithAgent(start, agentID, decision, outputPath, KindAdapterIO, runErr.Error(), nil)
	}

	if runResult.ExitCode != 0 {
		exitErr := &AdapterExitError{Code: runResult.ExitCode}
		e.completeSpawn(ctx, agentID, models.SpawnFailed, &runResult.ExitCode, exitErr.Error())
		return failureWithAgent(start, agentID, decision, outputPath, KindAdapterExit, exitErr.Error(), &runResult.ExitCode)
	}

	zero := 0
	e.completeSpawn(ctx, agentID, models.SpawnCompleted, &zero, "")

	return &Result{
		Success:      true,
		AgentID:      agentID,
		ServiceUsed:  decision.Service,
		ModelUsed:    decision.Model,
		DurationMS:   time.Since(start).Milliseconds(),
		CostEstimate: decision.EstimatedCostUSD,
		OutputPath:   outputPath,
	}
}

// resolveProject applies the strict resolution order: context.project_path,
// then the caller's endpoint project path. No process-cwd fallback exists.
func resolveProject(params Params, caller *models.ProjectContext) (path, name string, err error) {
	if p, ok := params.Context["project_path"].(string); ok && p != "" {
		path = p
	} else if caller != nil && caller.Path != "" {
		path = caller.Path
	} else {
		return "", "", ErrNoProjectContext
	}

	if n, ok := params.Context["project_name"].(string); ok && n != "" {
		name = n
	} else {
		name = filepath.Base(path)
	}
	return path, name, nil
}

// completeSpawn updates the spawn row with its terminal state. Uses a
// background context: the run context may already be cancelled.
func (e *Engine) completeSpawn(ctx context.Context, agentID string, status models.SpawnStatus, exitCode *int, errMsg string) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.spawns.Complete(writeCtx, agentID, status, exitCode, errMsg); err != nil {
		slog.Error("Failed to complete spawn row", "agent_id", agentID, "status", status, "error", err)
	}
}

// logEvent appends a stream event, tolerating failures (the spawn result is
// authoritative; the stream is bookkeeping).
func (e *Engine) logEvent(ctx context.Context, instanceID string, eventType models.EventType, data map[string]any) {
	if err := e.events.LogEvent(ctx, instanceID, eventType, data, nil); err != nil {
		slog.Warn("Failed to log spawn event", "instance_id", instanceID, "event_type", eventType, "error", err)
	}
}

// logCommand writes the audit row for the attempt, success or not.
func (e *Engine) logCommand(ctx context.Context, params Params, caller *models.ProjectContext, result *Result) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	instanceID := ""
	if caller != nil {
		instanceID = caller.InstanceID
	}
	execMS := result.DurationMS
	entry := models.CommandLogEntry{
		InstanceID:  instanceID,
		CommandType: "spawn",
		Action:      "spawn_subagent",
		Parameters: map[string]any{
			"task_type":   string(params.TaskType),
			"description": params.Description,
		},
		Result: map[string]any{
			"agent_id":      result.AgentID,
			"service_used":  string(result.ServiceUsed),
			"model_used":    result.ModelUsed,
			"cost_estimate": result.CostEstimate,
		},
		Success:         result.Success,
		ExecutionTimeMS: &execMS,
		Tags:            []string{"spawn", string(params.TaskType)},
	}
	if result.Error != nil {
		entry.ErrorMessage = result.Error.Error()
	}
	if err := e.events.LogCommand(writeCtx, entry); err != nil {
		slog.Error("Failed to log spawn command", "error", err)
	}
}

func failure(start time.Time, kind ErrorKind, message string, code *int) *Result {
	return &Result{
		Success:    false,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      &ErrorInfo{Kind: kind, Message: message, Code: code},
	}
}

func failureWithAgent(start time.Time, agentID string, decision *router.Decision, outputPath string, kind ErrorKind, message string, code *int) *Result {
	r := failure(start, kind, message, code)
	r.AgentID = agentID
	r.ServiceUsed = decision.Service
	r.ModelUsed = decision.Model
	r.CostEstimate = decision.EstimatedCostUSD
	r.OutputPath = outputPath
	return r
}

// cancelKind distinguishes deadline expiry from explicit cancellation.
func cancelKind(ctx context.Context) ErrorKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindCancelled
}

func orDefault(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// generateAgentID builds "{epoch-ms}-{rand}".
func generateAgentID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(buf[:])), nil
}
