package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gpt153/supervisor/pkg/models"
)

// ErrDependencyFailure wraps errors from external infra helpers so handler
// boundaries can map them to application JSON-RPC errors.
var ErrDependencyFailure = errors.New("dependency failure")

// PortAllocator is the port allocation collaborator.
type PortAllocator interface {
	Allocate(ctx context.Context, project, purpose string) (int, error)
	Release(ctx context.Context, port int) error
	List(ctx context.Context, project string) (map[int]string, error)
}

// DNSManager is the DNS/tunnel collaborator.
type DNSManager interface {
	CreateCNAME(ctx context.Context, name, target string) error
	CreateARecord(ctx context.Context, name, address string) error
	DeleteRecord(ctx context.Context, name string) error
	ListRecords(ctx context.Context) ([]string, error)
	SyncTunnel(ctx context.Context, project string) error
}

// CollaboratorDeps carries the optional external helpers. Nil helpers leave
// their tools unregistered, so endpoints never list tools that cannot run.
type CollaboratorDeps struct {
	Ports PortAllocator
	DNS   DNSManager
}

// RegisterCollaborators registers shim tools that forward to the injected
// infra helpers. The core guarantees only scoping and schema validation;
// behavior belongs to the collaborator.
func RegisterCollaborators(r *Registry, deps CollaboratorDeps) error {
	var defs []Definition
	if deps.Ports != nil {
		defs = append(defs, portAllocateTool(deps.Ports), portReleaseTool(deps.Ports), portListTool(deps.Ports))
	}
	if deps.DNS != nil {
		defs = append(defs, dnsRecordTool(deps.DNS), dnsDeleteTool(deps.DNS), dnsListTool(deps.DNS), tunnelSyncTool(deps.DNS))
	}
	for _, def := range defs {
		if err := r.RegisterTool(def); err != nil {
			return err
		}
	}
	return nil
}

func portAllocateTool(ports PortAllocator) Definition {
	return Definition{
		Name:        "port_allocate",
		Description: "Allocate a port for a project service.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project": {"type": "string"},
				"purpose": {"type": "string", "minLength": 1}
			},
			"required": ["purpose"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			project := stringParam(params, "project")
			if project == "" {
				project = pctx.Name
			}
			port, err := ports.Allocate(ctx, project, stringParam(params, "purpose"))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDependencyFailure, err)
			}
			return map[string]any{"port": port}, nil
		},
	}
}

func portReleaseTool(ports PortAllocator) Definition {
	return Definition{
		Name:        "port_release",
		Description: "Release a previously allocated port.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"port": {"type": "integer", "minimum": 1, "maximum": 65535}
			},
			"required": ["port"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			if err := ports.Release(ctx, intParam(params, "port", 0)); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDependencyFailure, err)
			}
			return map[string]any{"released": true}, nil
		},
	}
}

func portListTool(ports PortAllocator) Definition {
	return Definition{
		Name:        "port_list",
		Description: "List allocated ports for a project.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project": {"type": "string"}
			}
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			project := stringParam(params, "project")
			if project == "" {
				project = pctx.Name
			}
			allocations, err := ports.List(ctx, project)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDependencyFailure, err)
			}
			return map[string]any{"allocations": allocations}, nil
		},
	}
}

func dnsRecordTool(dns DNSManager) Definition {
	return Definition{
		Name:        "dns_create_record",
		Description: "Create a CNAME or A record.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"record_type": {"type": "string", "enum": ["cname", "a"]},
				"name": {"type": "string", "minLength": 1},
				"target": {"type": "string", "minLength": 1}
			},
			"required": ["record_type", "name", "target"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			name := stringParam(params, "name")
			target := stringParam(params, "target")
			var err error
			if stringParam(params, "record_type") == "cname" {
				err = dns.CreateCNAME(ctx, name, target)
			} else {
				err = dns.CreateARecord(ctx, name, target)
			}
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDependencyFailure, err)
			}
			return map[string]any{"created": true}, nil
		},
	}
}

func dnsDeleteTool(dns DNSManager) Definition {
	return Definition{
		Name:        "dns_delete_record",
		Description: "Delete a DNS record.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1}
			},
			"required": ["name"]
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			if err := dns.DeleteRecord(ctx, stringParam(params, "name")); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDependencyFailure, err)
			}
			return map[string]any{"deleted": true}, nil
		},
	}
}

func dnsListTool(dns DNSManager) Definition {
	return Definition{
		Name:        "dns_list_records",
		Description: "List DNS records.",
		InputSchema: json.RawMessage(`{"type": "object"}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			records, err := dns.ListRecords(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDependencyFailure, err)
			}
			return map[string]any{"records": records}, nil
		},
	}
}

func tunnelSyncTool(dns DNSManager) Definition {
	return Definition{
		Name:        "tunnel_sync",
		Description: "Synchronize the tunnel routes for a project.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"project": {"type": "string"}
			}
		}`),
		Handler: func(ctx context.Context, pctx *models.ProjectContext, params map[string]any) (any, error) {
			project := stringParam(params, "project")
			if project == "" {
				project = pctx.Name
			}
			if err := dns.SyncTunnel(ctx, project); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrDependencyFailure, err)
			}
			return map[string]any{"synced": true}, nil
		},
	}
}
