// Package dispatch implements the Dispatcher: drives one issue through
// one attempt (single-dispatch) or several in parallel (speculate),
// from candidate resolution through workcell creation, adapter
// invocation, forbidden-path enforcement, verification, and the
// resulting status transition.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/adapter"
	"github.com/devkernel/devkernel/kernel/gate"
	"github.com/devkernel/devkernel/kernel/router"
	"github.com/devkernel/devkernel/kernel/store"
	"github.com/devkernel/devkernel/kernel/verify"
	"github.com/devkernel/devkernel/kernel/workcell"
)

// Config wires a Dispatcher's collaborators.
type Config struct {
	Router    *router.Router
	Workcells *workcell.Manager
	Adapters  map[string]adapter.Adapter
	Store     *store.Store
	Emitter   store.EventSink
	Verifier  *verify.Verifier

	// QualityGates maps a gate name to the shell command that runs it;
	// every dispatch runs the same configured gate set.
	QualityGates       map[string]string
	GateTimeout        time.Duration
	GateRetries        int
	TaskTimeout        time.Duration
	DefaultParallelism int

	Tracer trace.Tracer
	RunID  string
	Log    zerolog.Logger
}

// Dispatcher drives issues through dispatch attempts.
type Dispatcher struct {
	router    *router.Router
	workcells *workcell.Manager
	adapters  map[string]adapter.Adapter
	store     *store.Store
	emitter   store.EventSink
	verifier  *verify.Verifier

	qualityGates       map[string]string
	gateTimeout        time.Duration
	gateRetries        int
	taskTimeout        time.Duration
	defaultParallelism int

	tracer trace.Tracer
	runID  string
	log    zerolog.Logger
}

// New returns a Dispatcher built from cfg.
func New(cfg Config) *Dispatcher {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("devkernel/dispatch")
	}
	gateTimeout := cfg.GateTimeout
	if gateTimeout <= 0 {
		gateTimeout = 300 * time.Second
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}
	parallelism := cfg.DefaultParallelism
	if parallelism <= 0 {
		parallelism = 2
	}
	return &Dispatcher{
		router:             cfg.Router,
		workcells:          cfg.Workcells,
		adapters:           cfg.Adapters,
		store:              cfg.Store,
		emitter:            cfg.Emitter,
		verifier:           cfg.Verifier,
		qualityGates:       cfg.QualityGates,
		gateTimeout:        gateTimeout,
		gateRetries:        cfg.GateRetries,
		taskTimeout:        taskTimeout,
		defaultParallelism: parallelism,
		tracer:             tracer,
		runID:              cfg.RunID,
		log:                cfg.Log,
	}
}

// attempt is one candidate's completed dispatch: the proof it produced
// and the verification result against its sandbox, kept alongside the
// workcell so the caller can archive it once a winner is chosen.
type attempt struct {
	workcell *kernel.Workcell
	proof    kernel.PatchProof
	result   verify.Result
	retries  int
}

// Dispatch drives issue through a single dispatch cycle, branching to
// speculate mode when the issue's own speculate flag is set.
func (d *Dispatcher) Dispatch(ctx context.Context, issue *kernel.Issue, parentCommit string) error {
	return d.dispatch(ctx, issue, parentCommit, issue.Speculate, 0)
}

// DispatchLane drives issue through dispatch using the Scheduler's
// per-cycle speculate decision (Lane.Speculate), which may differ from
// the issue's own static speculate flag (auto-trigger on critical path
// or a force_speculate override), bounding the parallelism to the
// resource-constrained slot count the Scheduler actually reserved.
func (d *Dispatcher) DispatchLane(ctx context.Context, issue *kernel.Issue, parentCommit string, speculate bool, resourceParallelism int) error {
	return d.dispatch(ctx, issue, parentCommit, speculate, resourceParallelism)
}

func (d *Dispatcher) dispatch(ctx context.Context, issue *kernel.Issue, parentCommit string, speculate bool, parallelismOverride int) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.issue")
	defer span.End()

	if err := d.store.UpdateIssueStatus(ctx, issue.ID, kernel.StatusRunning); err != nil {
		return err
	}
	d.emit(ctx, kernel.Event{Type: kernel.EventIssueStarted, IssueID: issue.ID, RunID: d.runID})

	if speculate {
		return d.dispatchSpeculate(ctx, issue, parentCommit, parallelismOverride)
	}
	return d.dispatchSingle(ctx, issue, parentCommit)
}

// dispatchSingle tries candidates in order until one produces an
// accepted patch or the issue's remaining attempt budget is exhausted.
func (d *Dispatcher) dispatchSingle(ctx context.Context, issue *kernel.Issue, parentCommit string) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.single")
	defer span.End()

	budget := issue.MaxAttempts - issue.Attempts
	if budget <= 0 {
		return d.escalate(ctx, issue, "max_attempts_exceeded")
	}

	candidates := d.scoredCandidates(issue)
	if len(candidates) > budget {
		candidates = candidates[:budget]
	}

	var last *attempt
	for _, name := range candidates {
		ad, ok := d.adapters[name]
		if !ok {
			continue
		}

		at, violations, err := d.runCandidate(ctx, issue, ad, parentCommit, "")
		if err != nil {
			// Sandbox could not be created for this candidate; try the next.
			continue
		}
		if len(violations) > 0 {
			d.workcells.Cleanup(ctx, at.workcell, true)
			return d.escalateForbidden(ctx, issue, violations)
		}

		last = at
		if at.proof.Outcome == kernel.OutcomeSuccess || at.proof.Outcome == kernel.OutcomePartial {
			if at.result.AllPassed {
				d.workcells.Cleanup(ctx, at.workcell, true)
				return d.finalizeSuccess(ctx, issue, at)
			}
		}
		d.workcells.Cleanup(ctx, at.workcell, true)
	}

	if last == nil {
		return d.finalizeFailure(ctx, issue, kernel.PatchProof{IssueID: issue.ID, Outcome: kernel.OutcomeError})
	}
	return d.finalizeFailure(ctx, issue, last.proof)
}

// scoredCandidates resolves the primary-dispatch candidate order: the
// Router's scored Select winner first, then its alternatives as the
// fallback chain, falling back to OrderedCandidates if no adapter is
// available at all.
func (d *Dispatcher) scoredCandidates(issue *kernel.Issue) []string {
	available := make(map[string]bool, len(d.adapters))
	for name := range d.adapters {
		available[name] = true
	}
	decision := d.router.Select(issue, available)
	if decision.Adapter == "" {
		return d.router.OrderedCandidates(issue)
	}
	return append([]string{decision.Adapter}, decision.Alternatives...)
}

// dispatchSpeculate runs every speculate candidate in parallel, lets
// the Verifier pick a winner, archives the losers, and finalizes on
// the winner's outcome.
func (d *Dispatcher) dispatchSpeculate(ctx context.Context, issue *kernel.Issue, parentCommit string, parallelismOverride int) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.speculate")
	defer span.End()

	candidates := d.router.SpeculateCandidates(issue)
	if len(candidates) == 0 {
		candidates = d.router.OrderedCandidates(issue)
	}
	parallelism := d.router.SpeculateParallelism(issue, d.defaultParallelism)
	if parallelismOverride > 0 && parallelismOverride < parallelism {
		parallelism = parallelismOverride
	}
	if parallelism < 1 {
		parallelism = 1
	}

	names := make([]string, 0, parallelism)
	for i := 0; i < parallelism && len(candidates) > 0; i++ {
		names = append(names, candidates[i%len(candidates)])
	}

	d.emit(ctx, kernel.Event{Type: kernel.EventSpeculateStarted, IssueID: issue.ID, RunID: d.runID, Data: map[string]any{"candidates": names}})

	var wg sync.WaitGroup
	attempts := make([]*attempt, len(names))
	forbidden := make([][]string, len(names))
	failed := make([]bool, len(names))

	for i, name := range names {
		ad, ok := d.adapters[name]
		if !ok {
			failed[i] = true
			continue
		}
		wg.Add(1)
		go func(idx int, ad adapter.Adapter) {
			defer wg.Done()
			tag := fmt.Sprintf("spec-%d", idx)
			at, violations, err := d.runCandidate(ctx, issue, ad, parentCommit, tag)
			if err != nil {
				failed[idx] = true
				return
			}
			attempts[idx] = at
			forbidden[idx] = violations
		}(i, ad)
	}
	wg.Wait()

	var live []*attempt
	var liveForbidden [][]string
	for i, at := range attempts {
		if failed[i] || at == nil {
			continue
		}
		live = append(live, at)
		liveForbidden = append(liveForbidden, forbidden[i])
	}

	if len(live) == 0 {
		return d.finalizeFailure(ctx, issue, kernel.PatchProof{IssueID: issue.ID, Outcome: kernel.OutcomeError})
	}

	vcands := make([]verify.Candidate, len(live))
	for i, at := range live {
		vcands[i] = verify.Candidate{Proof: at.proof, Result: at.result, Retries: at.retries}
	}
	ranking, anyPassed := verify.SelectWinner(vcands)

	rankingData := make([]map[string]any, len(ranking))
	for i, r := range ranking {
		rankingData[i] = map[string]any{"adapter": r.Candidate.Proof.AdapterName, "score": r.Score}
	}
	d.emit(ctx, kernel.Event{Type: kernel.EventSpeculateVoted, IssueID: issue.ID, RunID: d.runID, Data: map[string]any{"ranking": rankingData}})

	winnerIdx := 0
	for i, at := range live {
		if at.proof.AdapterName == ranking[0].Candidate.Proof.AdapterName {
			winnerIdx = i
			break
		}
	}

	for _, at := range live {
		d.workcells.Cleanup(ctx, at.workcell, true)
	}

	d.emit(ctx, kernel.Event{Type: kernel.EventSpeculateWinner, IssueID: issue.ID, RunID: d.runID, Data: map[string]any{"adapter": ranking[0].Candidate.Proof.AdapterName}})

	if len(liveForbidden[winnerIdx]) > 0 {
		return d.escalateForbidden(ctx, issue, liveForbidden[winnerIdx])
	}
	if !anyPassed {
		return d.finalizeFailure(ctx, issue, live[winnerIdx].proof)
	}
	return d.finalizeSuccess(ctx, issue, live[winnerIdx])
}

// runCandidate creates a sandbox for ad, writes the manifest, invokes
// the adapter, and scans the resulting patch against issue's
// forbidden-path patterns.
func (d *Dispatcher) runCandidate(ctx context.Context, issue *kernel.Issue, ad adapter.Adapter, parentCommit, speculateTag string) (*attempt, []string, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.candidate")
	defer span.End()

	wc, err := d.workcells.Create(ctx, issue.ID, parentCommit, speculateTag)
	if err != nil {
		return nil, nil, err
	}

	manifest := d.buildManifest(issue, wc, ad.Name(), speculateTag)
	if err := d.writeManifest(wc, manifest); err != nil {
		d.workcells.Cleanup(ctx, wc, false)
		return nil, nil, err
	}

	d.emit(ctx, kernel.Event{Type: kernel.EventWorkcellCreated, IssueID: issue.ID, WorkcellID: wc.ID, RunID: d.runID})
	d.emit(ctx, kernel.Event{Type: kernel.EventWorkcellStarted, IssueID: issue.ID, WorkcellID: wc.ID, RunID: d.runID})

	proof := d.execute(ctx, ad, manifest, wc)

	violations := scanForbidden(proof.Patch.ChangedFiles, issue.ForbiddenPaths)
	if len(violations) > 0 {
		proof.Patch.ForbiddenPathViolations = violations
		if proof.RiskClassification != kernel.RiskCritical {
			proof.RiskClassification = kernel.RiskCritical
		}
	}

	runner := gate.New(wc.Path, wc.LogDir, d.log)
	result := d.verifier.Run(ctx, runner, d.gateConfigs())

	retries := 0
	for _, g := range result.Gates {
		if g.FlakyDetected {
			retries++
		}
	}

	if result.AllPassed {
		d.emit(ctx, kernel.Event{Type: kernel.EventGatesPassed, IssueID: issue.ID, WorkcellID: wc.ID, RunID: d.runID})
	} else {
		d.emit(ctx, kernel.Event{Type: kernel.EventGatesFailed, IssueID: issue.ID, WorkcellID: wc.ID, RunID: d.runID})
	}

	proof.Verification = kernel.Verification{AllPassed: result.AllPassed, Gates: result.Gates}
	d.writeProof(wc, proof)

	return &attempt{workcell: wc, proof: proof, result: result, retries: retries}, violations, nil
}

// writeProof persists the final Patch+Proof into the sandbox at
// proof.json; failures are logged and otherwise ignored since the
// proof already lives in memory for the rest of this dispatch.
func (d *Dispatcher) writeProof(wc *kernel.Workcell, proof kernel.PatchProof) {
	data, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		d.log.Warn().Err(err).Str("workcell", wc.ID).Msg("marshaling proof")
		return
	}
	if err := os.WriteFile(filepath.Join(wc.Path, "proof.json"), data, 0o644); err != nil {
		d.log.Warn().Err(err).Str("workcell", wc.ID).Msg("writing proof.json")
	}
}

// execute invokes ad.Execute under the Dispatcher's task timeout,
// converting an adapter exception or timeout into an error/timeout
// Patch+Proof rather than propagating it as a Go error.
func (d *Dispatcher) execute(ctx context.Context, ad adapter.Adapter, manifest kernel.Manifest, wc *kernel.Workcell) kernel.PatchProof {
	execCtx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	proof, err := ad.Execute(execCtx, manifest, wc.Path, d.taskTimeout)
	if err != nil {
		outcome := kernel.OutcomeError
		if execCtx.Err() == context.DeadlineExceeded {
			outcome = kernel.OutcomeTimeout
		} else if ae, ok := err.(*kernel.AdapterError); ok && ae.Timeout {
			outcome = kernel.OutcomeTimeout
		}
		return kernel.PatchProof{
			WorkcellID:  wc.ID,
			IssueID:     wc.IssueID,
			Outcome:     outcome,
			AdapterName: ad.Name(),
			Patch:       kernel.PatchSummary{ParentCommit: wc.ParentCommit},
			Metadata:    kernel.PatchMetadata{Toolchain: ad.Name()},
		}
	}

	proof.WorkcellID = wc.ID
	proof.IssueID = wc.IssueID
	proof.AdapterName = ad.Name()
	return proof
}

func (d *Dispatcher) buildManifest(issue *kernel.Issue, wc *kernel.Workcell, toolchain, speculateTag string) kernel.Manifest {
	return kernel.Manifest{
		SchemaVersion: "1",
		WorkcellID:    wc.ID,
		Issue: kernel.ManifestIssue{
			ID:                 issue.ID,
			Title:              issue.Title,
			Description:        issue.Description,
			AcceptanceCriteria: issue.AcceptanceCriteria,
			ContextFiles:       issue.ContextFiles,
			ForbiddenPaths:     issue.ForbiddenPaths,
		},
		Toolchain:    toolchain,
		QualityGates: d.qualityGates,
		Branch:       fmt.Sprintf("devkernel/%s", wc.ID),
		Speculate:    speculateTag != "",
		SpeculateTag: speculateTag,
	}
}

func (d *Dispatcher) writeManifest(wc *kernel.Workcell, manifest kernel.Manifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return &kernel.IOError{Op: "marshal manifest", Cause: err}
	}
	if err := os.WriteFile(filepath.Join(wc.Path, "manifest.json"), data, 0o644); err != nil {
		return &kernel.IOError{Op: "write manifest", Cause: err}
	}
	return nil
}

func (d *Dispatcher) gateConfigs() []gate.Config {
	names := make([]string, 0, len(d.qualityGates))
	for name := range d.qualityGates {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]gate.Config, 0, len(names))
	for _, name := range names {
		out = append(out, gate.Config{
			Name:    name,
			Command: d.qualityGates[name],
			Timeout: d.gateTimeout,
			Retries: d.gateRetries,
		})
	}
	return out
}

// scanForbidden reports every changed file that matches a forbidden
// path pattern: an exact literal match, or a prefix match when the
// pattern ends in "/".
func scanForbidden(changedFiles, patterns []string) []string {
	var violations []string
	for _, f := range changedFiles {
		for _, p := range patterns {
			if matchForbidden(f, p) {
				violations = append(violations, f)
				break
			}
		}
	}
	return violations
}

func matchForbidden(path, pattern string) bool {
	if strings.HasSuffix(pattern, "/") {
		return strings.HasPrefix(path, pattern)
	}
	return path == pattern
}

// finalizeSuccess transitions issue to done and applies any graph
// mutations and follow-up issues the proof carried. The winning
// workcell is archived and cleaned up by the caller before this runs.
func (d *Dispatcher) finalizeSuccess(ctx context.Context, issue *kernel.Issue, at *attempt) error {
	attempts := issue.Attempts + 1
	if err := d.store.UpdateIssue(ctx, issue.ID, map[string]any{"attempts": attempts}); err != nil {
		return err
	}
	if err := d.store.UpdateIssueStatus(ctx, issue.ID, kernel.StatusDone); err != nil {
		return err
	}

	for _, gm := range at.proof.GraphMutations {
		_ = d.store.AddDep(ctx, gm.From, gm.To, gm.Type)
	}
	for _, fu := range at.proof.FollowUps {
		_, _ = d.store.CreateIssue(ctx, kernel.Issue{
			Title:       fu.Title,
			Description: fu.Description,
			Tags:        fu.Tags,
			ParentID:    issue.ID,
			Priority:    kernel.PriorityP2,
			Risk:        kernel.RiskMedium,
			Size:        kernel.SizeM,
			MaxAttempts: 3,
		})
	}

	d.emit(ctx, withProofMetrics(kernel.Event{Type: kernel.EventIssueCompleted, IssueID: issue.ID, WorkcellID: at.workcell.ID, RunID: d.runID}, at.proof))
	return nil
}

// withProofMetrics copies proof.Metadata's duration/tokens/cost into
// ev's numeric metric fields and records the toolchain name in ev.Data,
// so history/stats queries over the event stream can aggregate them.
func withProofMetrics(ev kernel.Event, proof kernel.PatchProof) kernel.Event {
	duration := proof.Metadata.DurationMS
	tokens := proof.Metadata.Tokens
	cost := proof.Metadata.CostUSD
	ev.DurationMS = &duration
	ev.TokensUsed = &tokens
	ev.CostUSD = &cost
	if proof.Metadata.Toolchain != "" {
		if ev.Data == nil {
			ev.Data = make(map[string]any)
		}
		ev.Data["toolchain"] = proof.Metadata.Toolchain
	}
	return ev
}

// finalizeFailure increments the attempt counter and either returns
// the issue to ready for another attempt or escalates it once the
// attempt budget is exhausted.
func (d *Dispatcher) finalizeFailure(ctx context.Context, issue *kernel.Issue, proof kernel.PatchProof) error {
	attempts := issue.Attempts + 1
	if err := d.store.UpdateIssue(ctx, issue.ID, map[string]any{"attempts": attempts}); err != nil {
		return err
	}

	d.emit(ctx, withProofMetrics(kernel.Event{Type: kernel.EventIssueFailed, IssueID: issue.ID, RunID: d.runID, Data: map[string]any{"outcome": string(proof.Outcome)}}, proof))

	if attempts < issue.MaxAttempts {
		return d.store.UpdateIssueStatus(ctx, issue.ID, kernel.StatusReady)
	}
	return AutoEscalate(ctx, d.store, issue.ID, "max_attempts_exceeded")
}

// escalate is used when an issue arrives at dispatch with no remaining
// attempt budget (defensive; the Scheduler is expected to filter these
// out before dispatch).
func (d *Dispatcher) escalate(ctx context.Context, issue *kernel.Issue, reason string) error {
	return AutoEscalate(ctx, d.store, issue.ID, reason)
}

// escalateForbidden escalates issue immediately on a forbidden-path
// violation, bypassing gate results entirely: a forbidden-path write is
// disqualifying regardless of whether the gates would have passed.
func (d *Dispatcher) escalateForbidden(ctx context.Context, issue *kernel.Issue, violations []string) error {
	d.log.Warn().Str("issue", issue.ID).Strs("paths", violations).Msg("forbidden path violation")
	attempts := issue.Attempts + 1
	if err := d.store.UpdateIssue(ctx, issue.ID, map[string]any{"attempts": attempts}); err != nil {
		return err
	}
	return AutoEscalate(ctx, d.store, issue.ID, "forbidden_path_violation")
}

func (d *Dispatcher) emit(ctx context.Context, ev kernel.Event) {
	if d.emitter == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	_ = d.emitter.Emit(ctx, ev)
}
