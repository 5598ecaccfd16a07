// Package health runs the periodic recovery sweep: stale-instance detection
// and stalled-spawn cleanup.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gpt153/supervisor/pkg/metrics"
	"github.com/gpt153/supervisor/pkg/services"
)

// spawnStallGrace is how far past the longest phase deadline a running spawn
// row may live before the sweep declares it stalled. Covers supervisors that
// crashed without completing their rows.
const spawnStallGrace = 5 * time.Minute

// Notifier receives stale-instance notifications. Optional.
type Notifier interface {
	NotifyInstanceStale(ctx context.Context, instanceID string)
}

// Sweeper is the singleton background ticker. Instances silent past the
// stale threshold transition to stale (never auto-closed: a resume heartbeat
// revives them); running spawns past their deadline transition to stalled,
// and stalled spawns of closed instances to abandoned.
type Sweeper struct {
	instances *services.InstanceService
	spawns    *services.SpawnService
	metrics   *metrics.Metrics
	notifier  Notifier // nil: notifications disabled

	interval   time.Duration
	spawnLimit time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper. phaseTimeout is the orchestrator's per-phase
// deadline; spawn rows are considered stalled once they exceed it plus grace.
func NewSweeper(instances *services.InstanceService, spawns *services.SpawnService, m *metrics.Metrics, notifier Notifier, interval, phaseTimeout time.Duration) *Sweeper {
	return &Sweeper{
		instances:  instances,
		spawns:     spawns,
		metrics:    m,
		notifier:   notifier,
		interval:   interval,
		spawnLimit: phaseTimeout + spawnStallGrace,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	log := slog.With("component", "health_sweeper")
	log.Info("Health sweeper started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("Health sweeper stopped")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, health sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one pass. Each step uses its own short transaction so the sweep
// never starves hot-path writers.
func (s *Sweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	staleIDs, err := s.instances.MarkStaleInstances(sweepCtx)
	if err != nil {
		slog.Error("Stale instance sweep failed", "error", err)
	} else if len(staleIDs) > 0 {
		slog.Info("Instances marked stale", "count", len(staleIDs), "instance_ids", staleIDs)
		s.metrics.RecordSweep("instance_stale", len(staleIDs))
		if s.notifier != nil {
			for _, id := range staleIDs {
				s.notifier.NotifyInstanceStale(sweepCtx, id)
			}
		}
	}

	stalled, err := s.spawns.MarkStalled(sweepCtx, s.spawnLimit)
	if err != nil {
		slog.Error("Stalled spawn sweep failed", "error", err)
	} else if len(stalled) > 0 {
		ids := make([]string, len(stalled))
		for i, sp := range stalled {
			ids[i] = sp.AgentID
		}
		slog.Warn("Spawns marked stalled", "count", len(stalled), "agent_ids", ids)
		s.metrics.RecordSweep("spawn_stalled", len(stalled))
	}

	abandoned, err := s.spawns.MarkAbandoned(sweepCtx)
	if err != nil {
		slog.Error("Abandoned spawn sweep failed", "error", err)
	} else if abandoned > 0 {
		slog.Info("Spawns marked abandoned", "count", abandoned)
		s.metrics.RecordSweep("spawn_abandoned", int(abandoned))
	}
}
