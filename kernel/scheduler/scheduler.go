// Package scheduler implements the Scheduler: ready-set computation,
// critical-path ranking, starvation prevention, lane packing, and
// speculate-mode selection, all produced statelessly from a graph
// snapshot.
//
// Critical-path ranking runs Kahn's algorithm over the blocks edges,
// then a dynamic-program longest-path pass weighted by each
// issue's Size; lane packing greedily assigns remaining-slots and
// remaining-tokens budgets in that same order.
package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/devkernel/devkernel/kernel"
	"github.com/prometheus/client_golang/prometheus"
)

// Config bounds one cycle's plan.
type Config struct {
	MaxConcurrentWorkcells int
	MaxConcurrentTokens    int
	StarvationThreshold    time.Duration
	SpeculationEnabled     bool
	ForceSpeculate         bool
	AutoTriggerRiskLevels  map[kernel.Risk]bool
	DefaultParallelism     int
}

// DefaultConfig returns the documented default scheduling limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentWorkcells: 3,
		MaxConcurrentTokens:    200_000,
		StarvationThreshold:    4 * time.Hour,
		SpeculationEnabled:     true,
		AutoTriggerRiskLevels:  map[kernel.Risk]bool{kernel.RiskHigh: true, kernel.RiskCritical: true},
		DefaultParallelism:     2,
	}
}

// SkipReason enumerates why a ready issue was not scheduled this cycle.
type SkipReason string

const (
	SkipNoSlots     SkipReason = "no_slots"
	SkipTokenLimit  SkipReason = "token_limit"
)

// Lane is one scheduled issue and its speculate parallelism (1 if not
// speculating).
type Lane struct {
	Issue       *kernel.Issue
	Speculate   bool
	Parallelism int
}

// Plan is the Scheduler's bounded output for one cycle.
type Plan struct {
	Ready         []*kernel.Issue
	CriticalPath  []string // issue ids, in path order
	Lanes         []Lane
	SpeculateSet  map[string]bool // issue id -> true
	Skipped       []*kernel.Issue
	SkipReasons   map[string]SkipReason
}

// Metrics are atomic counters updated across cycles, grounded on the
// teacher's SchedulerMetrics pattern.
type Metrics struct {
	CyclesRun      atomic.Int64
	TotalScheduled atomic.Int64
	TotalSkipped   atomic.Int64

	lanesUtilized prometheus.Gauge
	skipCounter   *prometheus.CounterVec
}

// NewMetrics registers Prometheus gauges/counters for lane utilization
// and skip reasons.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lanesUtilized: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devkernel_scheduler_lanes_utilized",
			Help: "Number of concurrent workcell lanes scheduled in the last cycle.",
		}),
		skipCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devkernel_scheduler_skipped_total",
			Help: "Count of ready issues skipped this cycle, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.lanesUtilized, m.skipCounter)
	}
	return m
}

// Scheduler produces a Plan per cycle without mutating the graph.
type Scheduler struct {
	cfg     Config
	metrics *Metrics
}

// New returns a Scheduler with the given config. metrics may be nil.
func New(cfg Config, metrics *Metrics) *Scheduler {
	return &Scheduler{cfg: cfg, metrics: metrics}
}

// Schedule computes a Plan from graph, excluding issues in running (the
// Scheduler's currently-running set, published once per cycle by the
// Runner).
func (s *Scheduler) Schedule(ctx context.Context, graph kernel.WorkGraph, running map[string]bool, now time.Time) Plan {
	ready := s.readySet(graph, running)
	s.applyStarvation(ready, now)

	cp := criticalPath(graph)
	cpSet := make(map[string]bool, len(cp))
	for _, id := range cp {
		cpSet[id] = true
	}

	sortReady(ready)

	lanes, skipped, reasons := s.packLanes(ready, cpSet)

	speculateSet := make(map[string]bool)
	for i := range lanes {
		if lanes[i].Speculate {
			speculateSet[lanes[i].Issue.ID] = true
		}
	}

	if s.metrics != nil {
		s.metrics.CyclesRun.Add(1)
		s.metrics.TotalScheduled.Add(int64(len(lanes)))
		s.metrics.TotalSkipped.Add(int64(len(skipped)))
		if s.metrics.lanesUtilized != nil {
			s.metrics.lanesUtilized.Set(float64(len(lanes)))
		}
		for _, r := range reasons {
			if s.metrics.skipCounter != nil {
				s.metrics.skipCounter.WithLabelValues(string(r)).Inc()
			}
		}
	}

	return Plan{
		Ready:        ready,
		CriticalPath: cp,
		Lanes:        lanes,
		SpeculateSet: speculateSet,
		Skipped:      skipped,
		SkipReasons:  reasons,
	}
}

// readySet returns issues eligible to run this cycle: status in
// {open, ready}; not currently running; attempts < max-attempts; every
// blocks predecessor is done.
func (s *Scheduler) readySet(graph kernel.WorkGraph, running map[string]bool) []*kernel.Issue {
	var out []*kernel.Issue
	// Deterministic order: iterate issue ids sorted, so ties in the
	// eventual priority sort break by a stable, reproducible order
	// rather than Go map iteration order.
	ids := make([]string, 0, len(graph.Issues))
	for id := range graph.Issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		iss := graph.Issues[id]
		if iss.Status != kernel.StatusOpen && iss.Status != kernel.StatusReady {
			continue
		}
		if running[id] {
			continue
		}
		if iss.Attempts >= iss.MaxAttempts {
			continue
		}
		blocked := false
		for _, from := range graph.Blockers(id) {
			if b, ok := graph.Issues[from]; !ok || b.Status != kernel.StatusDone {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, iss)
		}
	}
	return out
}

// applyStarvation boosts priority for issues waiting past the threshold
// and forces P0 + sets Starved past 24h.
func (s *Scheduler) applyStarvation(ready []*kernel.Issue, now time.Time) {
	for _, iss := range ready {
		if iss.ReadySince == nil {
			continue
		}
		waited := now.Sub(*iss.ReadySince)
		if waited > 24*time.Hour {
			iss.Priority = kernel.PriorityP0
			iss.Starved = true
		} else if s.cfg.StarvationThreshold > 0 && waited > s.cfg.StarvationThreshold {
			iss.Priority = iss.Priority.Boost()
		}
	}
}

// sortReady orders the ready list by (priority, not-starved) ascending,
// so P0 and starved issues sort first.
func sortReady(ready []*kernel.Issue) {
	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := ready[i].Priority.Rank(), ready[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		si, sj := ready[i].Starved, ready[j].Starved
		if si != sj {
			return si // starved sorts first
		}
		return false
	})
}
