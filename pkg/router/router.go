// Package router implements the deterministic cost/quota routing policy that
// picks a backend {service, model} for a task descriptor and quotes its
// estimated cost.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/models"
)

// ErrQuotaExhausted is returned when no routable backend has quota available.
var ErrQuotaExhausted = errors.New("all backend services report exhausted quota")

// complexityKeywords force the highest-tier Claude model when present in a
// task description.
var complexityKeywords = []string{"architecture", "complex", "critical", "production"}

// cheapTaskTypes route to the cheapest model with sufficient context.
var cheapTaskTypes = map[models.TaskType]bool{
	models.TaskResearch:      true,
	models.TaskDocumentation: true,
	models.TaskPlanning:      true,
}

// defaultEstimatedTokens is assumed when the caller gives no estimate.
const defaultEstimatedTokens = 50_000

// Task is the router input descriptor.
type Task struct {
	TaskType        models.TaskType
	ComplexityHint  string
	EstimatedTokens int
	Description     string
}

// Decision is the router output: the chosen backend and its quoted cost.
type Decision struct {
	Service          models.Service `json:"service"`
	Model            string         `json:"model"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	Reasoning        string         `json:"reasoning"`
}

// QuotaStatus reports whether a service can currently accept work.
type QuotaStatus struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// QuotaProber checks quota for one backend service. Implemented by the CLI
// adapter set.
type QuotaProber interface {
	CheckQuota(ctx context.Context, service models.Service) QuotaStatus
}

// Router selects {service, model} deterministically from the configured
// catalog, falling back to the cheapest non-exhausted backend when the
// preferred service has no quota.
type Router struct {
	catalog map[models.Service]config.ServiceConfig
	prober  QuotaProber
}

// New creates a Router over the configured service catalog.
func New(services map[string]config.ServiceConfig, prober QuotaProber) *Router {
	catalog := make(map[models.Service]config.ServiceConfig, len(services))
	for name, svc := range services {
		catalog[models.Service(name)] = svc
	}
	return &Router{catalog: catalog, prober: prober}
}

// Route applies the policy in strict priority order:
//  1. complex hint or complexity keywords → highest-tier Claude
//  2. research/documentation/planning → cheapest model with sufficient context
//  3. default → mid-tier Codex
//  4. preferred service exhausted → cheapest non-exhausted; all exhausted →
//     ErrQuotaExhausted
func (r *Router) Route(ctx context.Context, task Task) (*Decision, error) {
	tokens := task.EstimatedTokens
	if tokens <= 0 {
		tokens = defaultEstimatedTokens
	}

	preferred, reasoning := r.prefer(task, tokens)

	if preferred != nil && r.available(ctx, preferred.service) {
		return r.decision(preferred, tokens, reasoning), nil
	}

	// Preferred exhausted (or catalog gap): cheapest non-exhausted backend.
	fallback := r.cheapestAvailable(ctx, tokens)
	if fallback == nil {
		return nil, ErrQuotaExhausted
	}
	if preferred != nil {
		reasoning = fmt.Sprintf("%s; %s quota exhausted, falling back to cheapest available", reasoning, preferred.service)
	} else {
		reasoning = "no preferred backend in catalog, using cheapest available"
	}
	return r.decision(fallback, tokens, reasoning), nil
}

// candidate pairs a service with one of its models.
type candidate struct {
	service models.Service
	model   config.ModelConfig
}

// prefer resolves policy steps 1–3 without considering quota.
func (r *Router) prefer(task Task, tokens int) (*candidate, string) {
	if task.ComplexityHint == "complex" || containsAnyKeyword(task.Description, complexityKeywords) {
		if c := r.highestTier(models.ServiceClaude); c != nil {
			return c, "complex task routed to highest-tier Claude"
		}
	}

	if cheapTaskTypes[task.TaskType] {
		if c := r.cheapestWithContext(tokens); c != nil {
			return c, fmt.Sprintf("%s task routed to cheapest model with sufficient context", task.TaskType)
		}
	}

	if c := r.tierOf(models.ServiceCodex, 2); c != nil {
		return c, "default routing to mid-tier Codex"
	}
	return nil, ""
}

func (r *Router) decision(c *candidate, tokens int, reasoning string) *Decision {
	return &Decision{
		Service:          c.service,
		Model:            c.model.Name,
		EstimatedCostUSD: EstimateCost(c.model.PricePer1KTokens, tokens),
		Reasoning:        reasoning,
	}
}

// EstimateCost computes model_price × estimated_tokens rounded to 4 decimals.
// The price is per 1000 tokens; the quote is accounting-only.
func EstimateCost(pricePer1K float64, tokens int) float64 {
	cost := pricePer1K * float64(tokens) / 1000.0
	return math.Round(cost*10000) / 10000
}

// available probes quota for a service, defaulting to available when no
// prober is wired (tests, dry runs).
func (r *Router) available(ctx context.Context, service models.Service) bool {
	if r.prober == nil {
		return true
	}
	status := r.prober.CheckQuota(ctx, service)
	if !status.Available {
		slog.Info("Backend quota exhausted", "service", service, "reason", status.Reason)
	}
	return status.Available
}

// highestTier returns the most capable model of a service.
func (r *Router) highestTier(service models.Service) *candidate {
	svc, ok := r.catalog[service]
	if !ok || len(svc.Models) == 0 {
		return nil
	}
	best := svc.Models[0]
	for _, m := range svc.Models[1:] {
		if m.Tier > best.Tier || (m.Tier == best.Tier && m.Name < best.Name) {
			best = m
		}
	}
	return &candidate{service: service, model: best}
}

// tierOf returns a service's model at the given tier, or its highest tier
// below it when the exact tier is absent.
func (r *Router) tierOf(service models.Service, tier int) *candidate {
	svc, ok := r.catalog[service]
	if !ok || len(svc.Models) == 0 {
		return nil
	}
	var best *config.ModelConfig
	for i := range svc.Models {
		m := &svc.Models[i]
		if m.Tier > tier {
			continue
		}
		if best == nil || m.Tier > best.Tier || (m.Tier == best.Tier && m.Name < best.Name) {
			best = m
		}
	}
	if best == nil {
		return r.highestTier(service)
	}
	return &candidate{service: service, model: *best}
}

// cheapestWithContext returns the cheapest model across all services whose
// context window fits the estimated tokens. Deterministic: ties break on
// model name, then service name.
func (r *Router) cheapestWithContext(tokens int) *candidate {
	var best *candidate
	for _, svc := range r.sortedServices() {
		cfg := r.catalog[svc]
		for _, m := range cfg.Models {
			if m.ContextTokens > 0 && m.ContextTokens < tokens {
				continue
			}
			if best == nil || cheaper(m, svc, best) {
				best = &candidate{service: svc, model: m}
			}
		}
	}
	return best
}

// cheapestAvailable returns the cheapest model among services with quota.
func (r *Router) cheapestAvailable(ctx context.Context, tokens int) *candidate {
	var best *candidate
	for _, svc := range r.sortedServices() {
		if !r.available(ctx, svc) {
			continue
		}
		cfg := r.catalog[svc]
		for _, m := range cfg.Models {
			if m.ContextTokens > 0 && m.ContextTokens < tokens {
				continue
			}
			if best == nil || cheaper(m, svc, best) {
				best = &candidate{service: svc, model: m}
			}
		}
	}
	return best
}

func cheaper(m config.ModelConfig, svc models.Service, best *candidate) bool {
	if m.PricePer1KTokens != best.model.PricePer1KTokens {
		return m.PricePer1KTokens < best.model.PricePer1KTokens
	}
	if m.Name != best.model.Name {
		return m.Name < best.model.Name
	}
	return svc < best.service
}

// sortedServices returns catalog service names in stable order.
func (r *Router) sortedServices() []models.Service {
	out := make([]models.Service, 0, len(r.catalog))
	for svc := range r.catalog {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// containsAnyKeyword reports whether text contains any keyword,
// case-insensitively.
func containsAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
