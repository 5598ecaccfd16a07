// Package adapters provides a uniform run/quota surface over the external
// Claude, Gemini, and Codex CLIs. Adapters never chdir or mutate the
// supervisor's own environment; each run is an isolated child process rooted
// at the spawn's project working directory.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/models"
	"github.com/gpt153/supervisor/pkg/router"
)

// RunInput describes one CLI invocation.
type RunInput struct {
	// InstructionsPath is the rendered prompt file the agent reads as its
	// sole input.
	InstructionsPath string
	// CWD is the project working directory the CLI must run in.
	CWD string
	// Model is the backend model identifier chosen by the router.
	Model string
	// StdoutPath and StderrPath receive the captured process output.
	StdoutPath string
	StderrPath string
}

// RunResult reports the outcome of a CLI invocation.
type RunResult struct {
	StdoutPath string
	StderrPath string
	ExitCode   int
	DurationMS int64
}

// Adapter is one backend CLI.
type Adapter interface {
	Service() models.Service
	Run(ctx context.Context, in RunInput) (*RunResult, error)
	CheckQuota(ctx context.Context) router.QuotaStatus
}

// Set holds one adapter per configured backend service and caches quota
// probes. It implements router.QuotaProber.
type Set struct {
	adapters map[models.Service]Adapter

	probeTTL time.Duration
	mu       sync.Mutex
	probes   map[models.Service]cachedProbe
}

type cachedProbe struct {
	status    router.QuotaStatus
	expiresAt time.Time
}

// NewSet builds adapters for every service in the catalog.
func NewSet(services map[string]config.ServiceConfig, grace, probeTTL time.Duration) (*Set, error) {
	set := &Set{
		adapters: make(map[models.Service]Adapter, len(services)),
		probeTTL: probeTTL,
		probes:   make(map[models.Service]cachedProbe),
	}
	for name, svcCfg := range services {
		service := models.Service(name)
		var adapter Adapter
		switch service {
		case models.ServiceClaude:
			adapter = newClaudeAdapter(svcCfg, grace)
		case models.ServiceGemini:
			adapter = newGeminiAdapter(svcCfg, grace)
		case models.ServiceCodex:
			adapter = newCodexAdapter(svcCfg, grace)
		default:
			return nil, fmt.Errorf("unknown backend service %q", name)
		}
		set.adapters[service] = adapter
	}
	return set, nil
}

// Get returns the adapter for a service.
func (s *Set) Get(service models.Service) (Adapter, error) {
	adapter, ok := s.adapters[service]
	if !ok {
		return nil, fmt.Errorf("no adapter for service %q", service)
	}
	return adapter, nil
}

// Services returns the configured services in stable order.
func (s *Set) Services() []models.Service {
	out := make([]models.Service, 0, len(s.adapters))
	for svc := range s.adapters {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckQuota probes a service's quota, serving cached results within the
// probe TTL so routing doesn't hammer the CLIs.
func (s *Set) CheckQuota(ctx context.Context, service models.Service) router.QuotaStatus {
	s.mu.Lock()
	if cached, ok := s.probes[service]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.Unlock()
		return cached.status
	}
	s.mu.Unlock()

	adapter, ok := s.adapters[service]
	if !ok {
		return router.QuotaStatus{Available: false, Reason: fmt.Sprintf("no adapter for %s", service)}
	}

	status := adapter.CheckQuota(ctx)

	s.mu.Lock()
	s.probes[service] = cachedProbe{status: status, expiresAt: time.Now().Add(s.probeTTL)}
	s.mu.Unlock()

	return status
}

// InvalidateQuota drops the cached probe for a service, forcing the next
// CheckQuota to re-probe. Called after a run fails with a quota error.
func (s *Set) InvalidateQuota(service models.Service) {
	s.mu.Lock()
	delete(s.probes, service)
	s.mu.Unlock()
}
