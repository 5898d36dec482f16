// Package verify implements the Verifier: gate-set execution against a
// workcell, flaky-test tracking, and speculate-mode candidate scoring.
package verify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/gate"
)

// Result is the aggregate outcome of running a gate set once.
type Result struct {
	AllPassed bool
	Gates     map[string]kernel.GateResult
}

// Verifier runs a workcell's configured gate set and classifies
// flakiness across runs.
type Verifier struct {
	flaky *FlakyStore
}

// New returns a Verifier backed by the given flaky-test store.
func New(flaky *FlakyStore) *Verifier {
	return &Verifier{flaky: flaky}
}

// Run executes gates sequentially via runner and returns the aggregate
// result. A gate that passes only on retry (flaky) still counts toward
// AllPassed: retry-flakiness is permitted, so a flaky pass still counts
// as a pass.
func (v *Verifier) Run(ctx context.Context, runner *gate.Runner, gates []gate.Config) Result {
	results := runner.RunAll(ctx, gates)

	allPassed := true
	recorded := false
	for _, g := range results {
		if !g.Passed && !(v.flaky != nil && v.flaky.IsIgnored(g.Name)) {
			allPassed = false
		}
		if g.FlakyDetected && v.flaky != nil {
			v.flaky.Record(g.Name)
			recorded = true
		}
	}
	if recorded {
		_ = v.flaky.Save()
	}

	return Result{AllPassed: allPassed, Gates: results}
}

// Candidate is one speculate-mode dispatch attempt awaiting comparison.
type Candidate struct {
	Proof  kernel.PatchProof
	Result Result
	Retries int
}

// score combines aggregate pass/fail, adapter-reported confidence,
// forbidden-path violations, and retry-flakiness into a single
// comparable value: +100 if aggregate-pass; +confidence*20; -40 per
// forbidden-path violation; -10 per gate that needed retry.
func score(c Candidate) float64 {
	s := 0.0
	if c.Result.AllPassed {
		s += 100
	}
	s += c.Proof.Confidence * 20
	s -= float64(len(c.Proof.Patch.ForbiddenPathViolations)) * 40
	for _, g := range c.Result.Gates {
		if g.FlakyDetected {
			s -= 10
		}
	}
	return s
}

// Ranked is one candidate's score, in descending-score order.
type Ranked struct {
	Candidate Candidate
	Score     float64
}

// SelectWinner scores every candidate and returns the ranking
// (descending score) plus whether any candidate passed aggregate
// verification. Ties break by (fewer retries, higher confidence,
// lexicographic adapter name).
func SelectWinner(candidates []Candidate) (ranking []Ranked, anyPassed bool) {
	ranking = make([]Ranked, len(candidates))
	for i, c := range candidates {
		ranking[i] = Ranked{Candidate: c, Score: score(c)}
		if c.Result.AllPassed {
			anyPassed = true
		}
	}

	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].Score != ranking[j].Score {
			return ranking[i].Score > ranking[j].Score
		}
		ri, rj := ranking[i].Candidate, ranking[j].Candidate
		if ri.Retries != rj.Retries {
			return ri.Retries < rj.Retries
		}
		if ri.Proof.Confidence != rj.Proof.Confidence {
			return ri.Proof.Confidence > rj.Proof.Confidence
		}
		return ri.Proof.AdapterName < rj.Proof.AdapterName
	})

	return ranking, anyPassed
}

// FlakyEntry tracks one gate name's flaky history.
type FlakyEntry struct {
	Name         string    `json:"name"`
	FailureCount int       `json:"failure_count"`
	LastSeen     time.Time `json:"last_seen"`
	Ignored      bool      `json:"ignored"`
}

// FlakyStore is a file-backed, mutex-guarded record of gates observed
// to pass only on retry.
type FlakyStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]*FlakyEntry
}

// Record increments name's failure count and updates LastSeen. Callers
// own persistence: call Save after a batch of Record/SetIgnored calls
// (e.g. once per verify cycle) rather than on every mutation.
func (s *FlakyStore) Record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		e = &FlakyEntry{Name: name}
		s.entries[name] = e
	}
	e.FailureCount++
	e.LastSeen = time.Now().UTC()
}

// IsIgnored reports whether name's flaky entry has been marked ignored,
// meaning a failure of this gate does not clear Result.AllPassed.
func (s *FlakyStore) IsIgnored(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return ok && e.Ignored
}

// SetIgnored marks name's flaky entry ignored or not.
func (s *FlakyStore) SetIgnored(name string, ignored bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		e = &FlakyEntry{Name: name}
		s.entries[name] = e
	}
	e.Ignored = ignored
}

// Entries returns a snapshot of all tracked flaky entries, sorted by
// name for deterministic output.
func (s *FlakyStore) Entries() []FlakyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FlakyEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
