// Package runner implements the Runner: the per-cycle control loop that
// ties the Scheduler, Dispatcher, and State Manager together into a
// running kernel. Each cycle publishes the current running set, asks
// the Scheduler for a plan, and fans out a bounded goroutine per lane
// via the Dispatcher.
package runner

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/dispatch"
	"github.com/devkernel/devkernel/kernel/scheduler"
	"github.com/devkernel/devkernel/kernel/store"
)

// Config bounds the Runner's cycle cadence and shutdown behavior.
type Config struct {
	// RepoRoot is the git repository workcells branch from; the Runner
	// resolves each cycle's parent commit as RepoRoot's current HEAD.
	RepoRoot string

	// CycleInterval is the pause between cycles when no issues were
	// dispatched. A cycle that dispatched at least one issue runs again
	// immediately.
	CycleInterval time.Duration

	// ShutdownGrace bounds how long in-flight dispatches are given to
	// finish once a shutdown is requested before their context is
	// cancelled.
	ShutdownGrace time.Duration

	RunID string
	Log   zerolog.Logger
}

// Runner drives repeated Scheduler.Schedule -> Dispatcher.DispatchLane
// cycles against a Store until its context is cancelled.
type Runner struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	dispatch  *dispatch.Dispatcher
	emitter   store.EventSink
	cfg       Config

	mu      sync.Mutex
	running map[string]bool
}

// New wires a Runner from its collaborators. emitter may be nil.
func New(st *store.Store, sched *scheduler.Scheduler, disp *dispatch.Dispatcher, emitter store.EventSink, cfg Config) *Runner {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	return &Runner{
		store:     st,
		scheduler: sched,
		dispatch:  disp,
		emitter:   emitter,
		cfg:       cfg,
		running:   make(map[string]bool),
	}
}

// Run executes cycles until ctx is cancelled. On cancellation it stops
// starting new dispatches, waits up to cfg.ShutdownGrace for in-flight
// dispatches to finish, then force-cancels their context and returns
// after recording a kernel.stopped event.
func (r *Runner) Run(ctx context.Context) error {
	r.emit(ctx, kernel.Event{Type: kernel.EventKernelStarted, RunID: r.cfg.RunID})

	// Dispatches run under workerCtx, cancelled ShutdownGrace after ctx.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	go func() {
		select {
		case <-ctx.Done():
		case <-workerCtx.Done():
			return
		}
		select {
		case <-time.After(r.cfg.ShutdownGrace):
			cancelWorkers()
		case <-workerCtx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown(ctx)
		default:
		}

		dispatched, err := r.cycle(workerCtx)
		if err != nil {
			r.cfg.Log.Error().Err(err).Msg("cycle failed")
		}
		if dispatched > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return r.shutdown(ctx)
		case <-time.After(r.cfg.CycleInterval):
		}
	}
}

// shutdown waits up to cfg.ShutdownGrace for the running set to drain,
// then records kernel.stopped regardless of whether it drained in time
// (in-flight dispatch goroutines are expected to observe their own
// worker context cancellation and unwind on their own).
func (r *Runner) shutdown(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		if r.runningCount() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	r.emit(context.Background(), kernel.Event{Type: kernel.EventKernelStopped, RunID: r.cfg.RunID})
	return ctx.Err()
}

// cycle runs one schedule-then-dispatch round: it publishes the current
// running set, asks the Scheduler for a Plan, then fans out a bounded
// worker for each lane in the Plan. It returns the number of lanes
// dispatched this cycle.
func (r *Runner) cycle(ctx context.Context) (int, error) {
	r.emit(ctx, kernel.Event{Type: kernel.EventCycleStarted, RunID: r.cfg.RunID})

	graph, err := r.store.LoadGraph(ctx)
	if err != nil {
		return 0, err
	}

	running := r.runningSnapshot()
	plan := r.scheduler.Schedule(ctx, graph, running, time.Now().UTC())

	for _, iss := range plan.Skipped {
		r.emit(ctx, kernel.Event{
			Type:    kernel.EventIssueSkipped,
			IssueID: iss.ID,
			RunID:   r.cfg.RunID,
			Data:    map[string]any{"reason": string(plan.SkipReasons[iss.ID])},
		})
	}

	if len(plan.Lanes) == 0 {
		r.emit(ctx, kernel.Event{Type: kernel.EventCycleCompleted, RunID: r.cfg.RunID, Data: map[string]any{"dispatched": 0}})
		return 0, nil
	}

	parentCommit, err := r.headCommit(ctx)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, lane := range plan.Lanes {
		lane := lane
		r.markRunning(lane.Issue.ID, true)
		r.emit(ctx, kernel.Event{Type: kernel.EventIssueScheduled, IssueID: lane.Issue.ID, RunID: r.cfg.RunID})

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.markRunning(lane.Issue.ID, false)
			if err := r.dispatch.DispatchLane(ctx, lane.Issue, parentCommit, lane.Speculate, lane.Parallelism); err != nil {
				r.cfg.Log.Error().Err(err).Str("issue", lane.Issue.ID).Msg("dispatch failed")
			}
		}()
	}
	wg.Wait()

	r.emit(ctx, kernel.Event{Type: kernel.EventCycleCompleted, RunID: r.cfg.RunID, Data: map[string]any{"dispatched": len(plan.Lanes)}})
	return len(plan.Lanes), nil
}

// headCommit resolves the repository's current HEAD, the parent commit
// every lane in this cycle branches its workcell from.
func (r *Runner) headCommit(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = r.cfg.RepoRoot
	out, err := cmd.Output()
	if err != nil {
		return "", &kernel.IOError{Op: "resolve HEAD commit", Cause: err}
	}
	return trimNewline(string(out)), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func (r *Runner) markRunning(issueID string, running bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if running {
		r.running[issueID] = true
	} else {
		delete(r.running, issueID)
	}
}

// runningSnapshot returns a copy of the running set, published once per
// cycle before calling the Scheduler, so the two never observe a
// partially-updated view of which issues are in flight.
func (r *Runner) runningSnapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.running))
	for k, v := range r.running {
		out[k] = v
	}
	return out
}

func (r *Runner) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *Runner) emit(ctx context.Context, ev kernel.Event) {
	if r.emitter == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	_ = r.emitter.Emit(ctx, ev)
}
