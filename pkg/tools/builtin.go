package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gpt153/supervisor/pkg/masking"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/orchestrator"
	"github.com/gpt153/supervisor/pkg/services"
	"github.com/gpt153/supervisor/pkg/spawn"
)

// BuiltinDeps carries the services the built-in tool set closes over.
type BuiltinDeps struct {
	Instances    *services.InstanceService
	Events       *services.EventService
	Secrets      *services.SecretService
	Engine       *spawn.Engine
	Orchestrator *orchestrator.Orchestrator
	Masker       *masking.Masker
}

// RegisterBuiltins registers the supervisor's built-in tool set.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	defs := []Definition{
		registerInstanceTool(deps),
		heartbeatTool(deps),
		listInstancesTool(deps),
		instanceDetailsTool(deps),
		closeInstanceTool(deps),
		spawnSubagentTool(deps),
		implementEpicTool(deps),
		runPrimeTool(deps),
		runPlanTool(deps),
		runExecuteTool(deps),
		logEventTool(deps),
		replayEventsTool(deps),
		createCheckpointTool(deps),
		latestCheckpointTool(deps),
	}
	// The secret store is optional at startup (no master key configured):
	// its tools are simply absent rather than registered and failing.
	if deps.Secrets != nil {
		defs = append(defs,
			secretGetTool(deps),
			secretSetTool(deps),
			secretListTool(deps),
			secretDeleteTool(deps),
		)
	}
	if deps.Masker != nil {
		defs = append(defs, secretDetectTool(deps), secretRedactTool(deps))
	}
	for _, def := range defs {
		if err := r.RegisterTool(def); err != nil {
			return err
		}
	}
	return nil
}

func registerInstanceTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "register_instance",
		Description: "Register a new supervisor session for a project and obtain its instance_id.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project": {"type": "string"},
				"type": {"type": "string", "enum": ["PS", "MS"]},
				"context_percent": {"type": "integer", "minimum": 0, "maximum": 100},
				"host_machine": {"type": "string"}
			},
			"required": ["type"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			project := stringParam(params, "project")
			if project == "" {
				project = pctx.Name
			}
			return deps.Instances.Register(ctx, models.RegisterInstanceRequest{
				Project:        project,
				Type:           models.InstanceType(stringParam(params, "type")),
				ContextPercent: intParam(params, "context_percent", 0),
				HostMachine:    stringParam(params, "host_machine"),
			})
		},
	}
}

func heartbeatTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "heartbeat",
		Description: "Update an instance's heartbeat and context window usage; revives a stale instance.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"instance_id": {"type": "string"},
				"context_percent": {"type": "integer", "minimum": 0, "maximum": 100},
				"current_epic": {"type": "string"}
			},
			"required": ["instance_id", "context_percent"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			req := models.HeartbeatRequest{
				InstanceID:     stringParam(params, "instance_id"),
				ContextPercent: intParam(params, "context_percent", 0),
			}
			if epicName := stringParam(params, "current_epic"); epicName != "" {
				req.CurrentEpic = &epicName
			}
			return deps.Instances.Heartbeat(ctx, req)
		},
	}
}

func listInstancesTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "list_instances",
		Description: "List supervisor sessions with derived age and staleness, sorted by project then recency.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project": {"type": "string"},
				"active_only": {"type": "boolean"}
			}
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			project := stringParam(params, "project")
			if project == "" && !pctx.Meta {
				// Project endpoints see their own instances by default.
				project = pctx.Name
			}
			items, err := deps.Instances.List(ctx, project, boolParam(params, "active_only"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"instances": items, "count": len(items)}, nil
		},
	}
}

func instanceDetailsTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "get_instance_details",
		Description: "Resolve an instance by full ID or 6-hex suffix prefix. Ambiguous prefixes return all matches.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"instance_id": {"type": "string"}
			},
			"required": ["instance_id"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			id, err := requireString(params, "instance_id")
			if err != nil {
				return nil, err
			}
			return deps.Instances.GetDetails(ctx, id)
		},
	}
}

func closeInstanceTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "close_instance",
		Description: "Close a supervisor session. Idempotent.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"instance_id": {"type": "string"}
			},
			"required": ["instance_id"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			id, err := requireString(params, "instance_id")
			if err != nil {
				return nil, err
			}
			return deps.Instances.Close(ctx, id)
		},
	}
}

func spawnSubagentTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "spawn_subagent",
		Description: "Spawn a backend AI CLI subagent for a task inside the project working directory.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_type": {"type": "string", "enum": ["research", "planning", "implementation", "testing", "validation", "documentation", "fix", "deployment", "review", "security", "integration"]},
				"description": {"type": "string", "minLength": 1},
				"context": {"type": "object"},
				"complexity_hint": {"type": "string"},
				"estimated_tokens": {"type": "integer", "minimum": 1}
			},
			"required": ["task_type", "description"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			result := deps.Engine.Spawn(ctx, spawn.Params{
				TaskType:        models.TaskType(stringParam(params, "task_type")),
				Description:     stringParam(params, "description"),
				Context:         mapParam(params, "context"),
				ComplexityHint:  stringParam(params, "complexity_hint"),
				EstimatedTokens: intParam(params, "estimated_tokens", 0),
			}, pctx)
			return result, nil
		},
	}
}

// epicRequest builds the orchestrator request from tool params and endpoint context.
func epicRequest(pctx *models.ProjectContext, params map[string]any) (orchestrator.Request, error) {
	epicFile, err := requireString(params, "epic_file")
	if err != nil {
		return orchestrator.Request{}, err
	}
	req := orchestrator.Request{
		ProjectName: stringParam(params, "project_name"),
		ProjectPath: stringParam(params, "project_path"),
		EpicFile:    epicFile,
		CreatePR:    boolParam(params, "create_pr"),
	}
	if req.ProjectName == "" {
		req.ProjectName = pctx.Name
	}
	if req.ProjectPath == "" {
		req.ProjectPath = pctx.Path
	}
	if req.ProjectPath == "" {
		return orchestrator.Request{}, fmt.Errorf("%w: no project path resolvable", ErrInvalidParams)
	}
	return req, nil
}

var epicSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"epic_file": {"type": "string", "minLength": 1},
		"project_name": {"type": "string"},
		"project_path": {"type": "string"},
		"create_pr": {"type": "boolean"},
		"from_task": {"type": "integer", "minimum": 0}
	},
	"required": ["epic_file"]
}`)

func implementEpicTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "implement_epic",
		Description: "Execute an epic end to end: sequential implementation tasks, then validation of every acceptance criterion.",
		InputSchema: epicSchema,
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			req, err := epicRequest(pctx, params)
			if err != nil {
				return nil, err
			}
			return deps.Orchestrator.ImplementEpic(ctx, req, pctx), nil
		},
	}
}

func runPrimeTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "run_prime",
		Description: "Run the prime (research) phase of an epic as a one-shot spawn.",
		InputSchema: epicSchema,
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			req, err := epicRequest(pctx, params)
			if err != nil {
				return nil, err
			}
			return deps.Orchestrator.RunPrime(ctx, req, pctx), nil
		},
	}
}

func runPlanTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "run_plan",
		Description: "Run the planning phase of an epic as a one-shot spawn.",
		InputSchema: epicSchema,
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			req, err := epicRequest(pctx, params)
			if err != nil {
				return nil, err
			}
			return deps.Orchestrator.RunPlan(ctx, req, pctx), nil
		},
	}
}

func runExecuteTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "run_execute",
		Description: "Run (or resume) the execute phase of an epic from a task index, then validation.",
		InputSchema: epicSchema,
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			req, err := epicRequest(pctx, params)
			if err != nil {
				return nil, err
			}
			return deps.Orchestrator.RunExecute(ctx, req, pctx, intParam(params, "from_task", 0)), nil
		},
	}
}

func logEventTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "log_event",
		Description: "Append an event to an instance's stream.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"instance_id": {"type": "string"},
				"event_type": {"type": "string"},
				"event_data": {"type": "object"},
				"metadata": {"type": "object"}
			},
			"required": ["instance_id", "event_type"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			err := deps.Events.LogEvent(ctx,
				stringParam(params, "instance_id"),
				models.EventType(stringParam(params, "event_type")),
				mapParam(params, "event_data"),
				mapParam(params, "metadata"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"logged": true}, nil
		},
	}
}

func replayEventsTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "replay_events",
		Description: "Return an instance's events in sequence order from a starting sequence number.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"instance_id": {"type": "string"},
				"from_sequence": {"type": "integer", "minimum": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
			},
			"required": ["instance_id"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			events, err := deps.Events.GetEvents(ctx,
				stringParam(params, "instance_id"),
				intParam(params, "from_sequence", 1),
				intParam(params, "limit", 200))
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": events, "count": len(events)}, nil
		},
	}
}

func createCheckpointTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "create_checkpoint",
		Description: "Store an advisory work-state snapshot for an instance.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"instance_id": {"type": "string"},
				"checkpoint_type": {"type": "string", "enum": ["manual", "automatic"]},
				"work_state": {"type": "object"},
				"context_window_percent": {"type": "integer", "minimum": 0, "maximum": 100}
			},
			"required": ["instance_id", "checkpoint_type"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			return deps.Events.CreateCheckpoint(ctx,
				stringParam(params, "instance_id"),
				models.CheckpointType(stringParam(params, "checkpoint_type")),
				mapParam(params, "work_state"),
				intParam(params, "context_window_percent", 0))
		},
	}
}

func latestCheckpointTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "get_latest_checkpoint",
		Description: "Return the most recent checkpoint for an instance and log a checkpoint_loaded event.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"instance_id": {"type": "string"}
			},
			"required": ["instance_id"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			id, err := requireString(params, "instance_id")
			if err != nil {
				return nil, err
			}
			cp, err := deps.Events.GetLatestCheckpoint(ctx, id)
			if err != nil {
				return nil, err
			}
			_ = deps.Events.LogEvent(ctx, id, models.EventCheckpointLoaded, map[string]any{
				"checkpoint_id": cp.CheckpointID,
				"sequence_num":  cp.SequenceNum,
			}, nil)
			return cp, nil
		},
	}
}

func secretGetTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "secret_get",
		Description: "Decrypt and return a secret value. Every access is audited.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key_path": {"type": "string", "minLength": 1},
				"instance_id": {"type": "string"}
			},
			"required": ["key_path"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			value, err := deps.Secrets.Get(ctx, stringParam(params, "key_path"), accessor(pctx, params))
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": value}, nil
		},
	}
}

func secretSetTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "secret_set",
		Description: "Encrypt and store a secret value under a hierarchical key path.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key_path": {"type": "string", "minLength": 1},
				"value": {"type": "string", "minLength": 1},
				"secret_type": {"type": "string"},
				"description": {"type": "string"},
				"instance_id": {"type": "string"}
			},
			"required": ["key_path", "value"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			err := deps.Secrets.Set(ctx, services.SetSecretRequest{
				KeyPath:     stringParam(params, "key_path"),
				Value:       stringParam(params, "value"),
				SecretType:  stringParam(params, "secret_type"),
				Description: stringParam(params, "description"),
			}, accessor(pctx, params))
			if err != nil {
				return nil, err
			}
			return map[string]any{"stored": true}, nil
		},
	}
}

func secretListTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "secret_list",
		Description: "List secret metadata under a key path prefix. Values are never returned.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prefix": {"type": "string"}
			}
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			items, err := deps.Secrets.List(ctx, stringParam(params, "prefix"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"secrets": items, "count": len(items)}, nil
		},
	}
}

func secretDeleteTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "secret_delete",
		Description: "Delete a secret. The deletion is audited.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key_path": {"type": "string", "minLength": 1},
				"instance_id": {"type": "string"}
			},
			"required": ["key_path"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			if err := deps.Secrets.Delete(ctx, stringParam(params, "key_path"), accessor(pctx, params)); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": true}, nil
		},
	}
}

func secretDetectTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "secret_detect",
		Description: "Detect secret-shaped values (API keys, tokens, passwords) in text.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"}
			},
			"required": ["text"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			findings := deps.Masker.Detect(stringParam(params, "text"))
			return map[string]any{"findings": findings, "count": len(findings)}, nil
		},
	}
}

func secretRedactTool(deps BuiltinDeps) Definition {
	return Definition{
		Name:        "secret_redact",
		Description: "Redact secret-shaped values in text, replacing them with masked markers.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string"}
			},
			"required": ["text"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			return map[string]any{"text": deps.Masker.Mask(stringParam(params, "text"))}, nil
		},
	}
}

// accessor identifies who accessed a secret: the caller's instance when
// supplied, the endpoint project otherwise.
func accessor(pctx *models.ProjectContext, params map[string]any) string {
	if id := stringParam(params, "instance_id"); id != "" {
		return id
	}
	if pctx.InstanceID != "" {
		return pctx.InstanceID
	}
	return pctx.Name
}
