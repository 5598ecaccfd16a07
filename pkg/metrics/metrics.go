// Package metrics exposes Prometheus collectors and the per-endpoint request
// counters surfaced by the meta endpoint's statistics tool.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EndpointCounters is the per-endpoint request tally.
type EndpointCounters struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Error   int64 `json:"error"`
}

// Metrics holds all collectors. Counters are double-tracked: Prometheus for
// scraping, an in-process map for the meta endpoint's stats tool.
type Metrics struct {
	requestsTotal *prometheus.CounterVec
	spawnDuration prometheus.Histogram
	activeSpawns  prometheus.Gauge
	sweepMarked   *prometheus.CounterVec

	mu        sync.Mutex
	endpoints map[string]*EndpointCounters
}

// New creates and registers the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_endpoint_requests_total",
			Help: "MCP endpoint requests by project and outcome.",
		}, []string{"project", "outcome"}),
		spawnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "supervisor_spawn_duration_seconds",
			Help:    "Wall-clock duration of subagent spawns.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		activeSpawns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_active_spawns",
			Help: "Subagent CLI processes currently running.",
		}),
		sweepMarked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_health_sweep_transitions_total",
			Help: "Entities transitioned by the health sweep.",
		}, []string{"kind"}),
		endpoints: make(map[string]*EndpointCounters),
	}
	reg.MustRegister(m.requestsTotal, m.spawnDuration, m.activeSpawns, m.sweepMarked)
	return m
}

// RecordRequest tallies one endpoint request.
func (m *Metrics) RecordRequest(project string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(project, outcome).Inc()

	m.mu.Lock()
	c, ok := m.endpoints[project]
	if !ok {
		c = &EndpointCounters{}
		m.endpoints[project] = c
	}
	c.Total++
	if success {
		c.Success++
	} else {
		c.Error++
	}
	m.mu.Unlock()
}

// ObserveSpawn records a spawn duration in seconds.
func (m *Metrics) ObserveSpawn(seconds float64) {
	m.spawnDuration.Observe(seconds)
}

// SpawnStarted and SpawnEnded track the active spawn gauge.
func (m *Metrics) SpawnStarted() { m.activeSpawns.Inc() }

// SpawnEnded decrements the active spawn gauge.
func (m *Metrics) SpawnEnded() { m.activeSpawns.Dec() }

// RecordSweep tallies health sweep transitions by kind
// ("instance_stale", "spawn_stalled", "spawn_abandoned").
func (m *Metrics) RecordSweep(kind string, n int) {
	if n > 0 {
		m.sweepMarked.WithLabelValues(kind).Add(float64(n))
	}
}

// EndpointStats returns a copy of the per-endpoint counters keyed by project.
func (m *Metrics) EndpointStats() map[string]EndpointCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]EndpointCounters, len(m.endpoints))
	for project, c := range m.endpoints {
		out[project] = *c
	}
	return out
}

// Projects returns the projects with recorded traffic, sorted.
func (m *Metrics) Projects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.endpoints))
	for p := range m.endpoints {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
