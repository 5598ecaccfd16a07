// Package tools implements the tool registry: global tool definitions with
// JSON-schema-validated inputs, scoped per project endpoint by the MCP
// multiplexer.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gpt153/supervisor/pkg/models"
)

var (
	// ErrToolNotFound is returned when a tool doesn't exist or is outside the
	// endpoint's scope. Maps to JSON-RPC -32601.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidParams is returned when params violate the tool's input
	// schema. Maps to JSON-RPC -32602.
	ErrInvalidParams = errors.New("invalid tool parameters")
)

// Handler executes a tool against the endpoint's project context.
type Handler func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error)

// Definition is one global tool.
type Definition struct {
	Name        string
	Description string
	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage
	Handler     Handler
	// Scopes optionally restricts the tool to named projects even when a
	// project lists it. Empty means every project may list it.
	Scopes []string
	// MetaOnly hides the tool from every project endpoint; only the meta
	// endpoint lists and executes it.
	MetaOnly bool
}

// Registry holds global tool definitions and per-project visibility.
type Registry struct {
	mu           sync.RWMutex
	defs         map[string]*Definition
	compiled     map[string]*jsonschema.Schema
	projectTools map[string]map[string]bool // project → visible tool names
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:         make(map[string]*Definition),
		compiled:     make(map[string]*jsonschema.Schema),
		projectTools: make(map[string]map[string]bool),
	}
}

// RegisterTool adds a global tool definition, compiling its input schema.
func (r *Registry) RegisterTool(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}

	var schema *jsonschema.Schema
	if len(def.InputSchema) > 0 {
		var err error
		schema, err = compileSchema(def.Name, def.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %q: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.defs[def.Name] = &def
	if schema != nil {
		r.compiled[def.Name] = schema
	}
	return nil
}

// SetProjectTools restricts which global tools are visible on a project
// endpoint. Unknown names are rejected so configuration typos surface at
// startup rather than as -32601 at request time.
func (r *Registry) SetProjectTools(project string, names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	visible := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := r.defs[name]; !ok {
			return fmt.Errorf("project %q references unknown tool %q", project, name)
		}
		visible[name] = true
	}
	r.projectTools[project] = visible
	return nil
}

// ClearProjectTools removes a project's restriction so it sees the full set
// again. Used on reload when a project's tool list is emptied.
func (r *Registry) ClearProjectTools(project string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.projectTools, project)
}

// ListTools returns the definitions visible on a project endpoint, sorted by
// name. The meta endpoint sees the full set; so does a project with no
// explicit restriction.
func (r *Registry) ListTools(project string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Definition
	for name, def := range r.defs {
		if r.visibleLocked(project, name, def) {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates the tool exists for the context's project, validates
// params against the input schema, and invokes the handler.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, pctx *models.ProjectContext) (any, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	var schema *jsonschema.Schema
	if ok {
		schema = r.compiled[name]
		if pctx == nil || !r.visibleLocked(pctx.Name, name, def) {
			ok = false
		}
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if params == nil {
		params = map[string]any{}
	}
	if schema != nil {
		if err := schema.Validate(normalizeForSchema(params)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
	}

	return def.Handler(ctx, pctx, params)
}

// visibleLocked reports tool visibility for a project. Caller holds r.mu.
func (r *Registry) visibleLocked(project, name string, def *Definition) bool {
	if def.MetaOnly && project != models.MetaProject {
		return false
	}
	if len(def.Scopes) > 0 && project != models.MetaProject {
		scoped := false
		for _, s := range def.Scopes {
			if s == project {
				scoped = true
				break
			}
		}
		if !scoped {
			return false
		}
	}

	if project == models.MetaProject {
		return true
	}
	visible, restricted := r.projectTools[project]
	if !restricted {
		return true
	}
	return visible[name]
}

// compileSchema compiles a raw JSON schema document.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal input schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := name + "-input.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}

// normalizeForSchema round-trips params through JSON so numeric types match
// what the schema validator expects (json.Number-free plain decoding).
func normalizeForSchema(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return params
	}
	return doc
}
