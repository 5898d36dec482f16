// Package store implements the State Manager: an append-only, single-writer
// store for the Issue+Dep work graph, backed by two line-delimited JSON
// files, loaded into a mutex-guarded in-memory map with last-write-wins
// compaction on load.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/devkernel/devkernel/kernel"
)

// EventSink is the narrow interface the State Manager uses to forward
// add_event calls, avoiding a hard dependency on the emit package.
type EventSink interface {
	Emit(ctx context.Context, ev kernel.Event) error
}

// Store is the State Manager. It is the sole writer of the graph files;
// writes are serialized on mu and flushed before the call returns.
type Store struct {
	mu sync.RWMutex

	issuesPath string
	depsPath   string

	issues map[string]*kernel.Issue
	deps   []kernel.Dep
	dedupe map[string]bool // "from|to|type" -> seen

	issuesFile *os.File
	depsFile   *os.File

	nextID int

	sink EventSink
}

// Open loads the compacted graph from issuesPath/depsPath (creating them
// if absent) and returns a Store ready to serve reads and serialize
// writes. Parse failures on individual records are skipped, not fatal.
func Open(issuesPath, depsPath string) (*Store, error) {
	s := &Store{
		issuesPath: issuesPath,
		depsPath:   depsPath,
		issues:     make(map[string]*kernel.Issue),
		dedupe:     make(map[string]bool),
	}

	if err := s.loadIssues(); err != nil {
		return nil, &kernel.IOError{Op: "load issues", Cause: err}
	}
	if err := s.loadDeps(); err != nil {
		return nil, &kernel.IOError{Op: "load deps", Cause: err}
	}

	issuesFile, err := os.OpenFile(issuesPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &kernel.IOError{Op: "open issues file", Cause: err}
	}
	depsFile, err := os.OpenFile(depsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		issuesFile.Close()
		return nil, &kernel.IOError{Op: "open deps file", Cause: err}
	}
	s.issuesFile = issuesFile
	s.depsFile = depsFile

	return s, nil
}

// SetEventSink wires the Event Log that add_event forwards to.
func (s *Store) SetEventSink(sink EventSink) { s.sink = sink }

// Close flushes and closes the underlying files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	if err := s.issuesFile.Close(); err != nil {
		firstErr = err
	}
	if err := s.depsFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Store) loadIssues() error {
	f, err := os.Open(s.issuesPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var iss kernel.Issue
		if err := json.Unmarshal(line, &iss); err != nil {
			// malformed record: skipped rather than aborting the whole load.
			continue
		}
		cp := iss
		s.issues[iss.ID] = &cp
		var n int
		if _, err := fmt.Sscanf(iss.ID, "issue-%d", &n); err == nil && n > s.nextID {
			s.nextID = n
		}
	}
	return sc.Err()
}

func (s *Store) loadDeps() error {
	f, err := os.Open(s.depsPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var d kernel.Dep
		if err := json.Unmarshal(line, &d); err != nil {
			continue
		}
		if d.From == d.To {
			continue // self-loop: dropped at load, without a log line
		}
		key := dedupeKey(d.From, d.To, d.Type)
		if s.dedupe[key] {
			continue
		}
		if d.Type == kernel.DepBlocks && s.wouldCycle(d.From, d.To) {
			continue // cycle-forming record: dropped at load, without a log line
		}
		s.dedupe[key] = true
		s.deps = append(s.deps, d)
	}
	return sc.Err()
}

func dedupeKey(from, to string, t kernel.DepType) string {
	return from + "|" + to + "|" + string(t)
}

// wouldCycle reports whether adding a blocks edge from->to would create a
// cycle in the blocks subgraph, i.e. whether to can already reach from.
func (s *Store) wouldCycle(from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{}
	var dfs func(n string) bool
	dfs = func(n string) bool {
		if n == from {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for _, d := range s.deps {
			if d.Type == kernel.DepBlocks && d.From == n {
				if dfs(d.To) {
					return true
				}
			}
		}
		return false
	}
	return dfs(to)
}

// LoadGraph returns a consistent snapshot of the full work graph.
func (s *Store) LoadGraph(ctx context.Context) (kernel.WorkGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	issues := make(map[string]*kernel.Issue, len(s.issues))
	for id, iss := range s.issues {
		cp := *iss
		issues[id] = &cp
	}
	deps := make([]kernel.Dep, len(s.deps))
	copy(deps, s.deps)

	return kernel.WorkGraph{Issues: issues, Deps: deps}, nil
}

// CreateIssue assigns a new monotonic id (unless one is already set) and
// persists the issue.
func (s *Store) CreateIssue(ctx context.Context, iss kernel.Issue) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if iss.ID == "" {
		s.nextID++
		iss.ID = fmt.Sprintf("issue-%d", s.nextID)
	}
	now := time.Now().UTC()
	if iss.CreatedAt.IsZero() {
		iss.CreatedAt = now
	}
	iss.UpdatedAt = now
	if iss.Status == "" {
		iss.Status = kernel.StatusOpen
	}

	cp := iss
	s.issues[iss.ID] = &cp

	if err := s.appendIssue(&cp); err != nil {
		return "", &kernel.IOError{Op: "append issue", Cause: err}
	}
	return iss.ID, nil
}

// UpdateIssueStatus transitions id to status, rejecting transitions the
// state machine forbids. ready_since is set the first time an issue
// becomes ready and cleared on any transition away from ready/open.
func (s *Store) UpdateIssueStatus(ctx context.Context, id string, status kernel.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.issues[id]
	if !ok {
		return &kernel.GraphError{IssueID: id, Cause: kernel.ErrNotFound}
	}
	if !kernel.CanTransition(iss.Status, status) {
		return &kernel.GraphError{IssueID: id, Cause: kernel.ErrInvalidTransition}
	}

	now := time.Now().UTC()
	cp := *iss
	cp.Status = status
	cp.UpdatedAt = now

	switch status {
	case kernel.StatusReady:
		if cp.ReadySince == nil {
			cp.ReadySince = &now
		}
	default:
		if status != kernel.StatusOpen {
			cp.ReadySince = nil
			cp.Starved = false
		}
	}

	s.issues[id] = &cp
	if err := s.appendIssue(&cp); err != nil {
		return &kernel.IOError{Op: "append issue", Cause: err}
	}
	return nil
}

// updatableFields are the partial-update keys UpdateIssue accepts.
var updatableFields = map[string]bool{
	"title": true, "description": true, "tags": true,
	"priority": true, "risk": true, "size": true, "tool_hint": true,
	"speculate": true, "max_attempts": true, "forbidden_paths": true,
	"estimated_tokens": true, "attempts": true, "starved": true,
}

// UpdateIssue applies a partial update; unknown fields are rejected.
func (s *Store) UpdateIssue(ctx context.Context, id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.issues[id]
	if !ok {
		return &kernel.GraphError{IssueID: id, Cause: kernel.ErrNotFound}
	}
	for k := range fields {
		if !updatableFields[k] {
			return &kernel.GraphError{IssueID: id, Cause: kernel.ErrUnknownField}
		}
	}

	cp := *iss
	for k, v := range fields {
		if err := applyField(&cp, k, v); err != nil {
			return &kernel.GraphError{IssueID: id, Cause: err}
		}
	}
	cp.UpdatedAt = time.Now().UTC()

	s.issues[id] = &cp
	if err := s.appendIssue(&cp); err != nil {
		return &kernel.IOError{Op: "append issue", Cause: err}
	}
	return nil
}

func applyField(iss *kernel.Issue, field string, v any) error {
	switch field {
	case "title":
		iss.Title, _ = v.(string)
	case "description":
		iss.Description, _ = v.(string)
	case "tags":
		iss.Tags, _ = v.([]string)
	case "priority":
		p, _ := v.(string)
		iss.Priority = kernel.Priority(p)
	case "risk":
		r, _ := v.(string)
		iss.Risk = kernel.Risk(r)
	case "size":
		sz, _ := v.(string)
		iss.Size = kernel.Size(sz)
	case "tool_hint":
		iss.ToolHint, _ = v.(string)
	case "speculate":
		iss.Speculate, _ = v.(bool)
	case "max_attempts":
		n, _ := v.(int)
		iss.MaxAttempts = n
	case "forbidden_paths":
		iss.ForbiddenPaths, _ = v.([]string)
	case "estimated_tokens":
		n, _ := v.(int)
		iss.EstimatedTokens = n
	case "attempts":
		n, _ := v.(int)
		if n > iss.Attempts {
			if n > iss.MaxAttempts {
				return kernel.ErrMaxAttempts
			}
			iss.Attempts = n
		}
	case "starved":
		iss.Starved, _ = v.(bool)
	}
	return nil
}

// AddDep rejects self-loops and cycle-introducing blocks edges; exact
// duplicate (from,to,type) triples are idempotent no-ops.
func (s *Store) AddDep(ctx context.Context, from, to string, t kernel.DepType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from == to {
		return &kernel.GraphError{Cause: kernel.ErrSelfLoop}
	}
	key := dedupeKey(from, to, t)
	if s.dedupe[key] {
		return nil
	}
	if t == kernel.DepBlocks && s.wouldCycle(from, to) {
		return &kernel.GraphError{Cause: kernel.ErrCycle}
	}

	d := kernel.Dep{From: from, To: to, Type: t, CreatedAt: time.Now().UTC()}
	s.dedupe[key] = true
	s.deps = append(s.deps, d)

	if err := s.appendDep(&d); err != nil {
		return &kernel.IOError{Op: "append dep", Cause: err}
	}
	return nil
}

// GetReadyIssues is a convenience over the Scheduler's readiness
// predicate, ignoring the "not currently running" clause since the
// Store has no notion of the Scheduler's in-flight set; kernel/scheduler
// applies that clause itself.
func (s *Store) GetReadyIssues(ctx context.Context) ([]*kernel.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*kernel.Issue
	for _, iss := range s.issues {
		if iss.Status != kernel.StatusOpen && iss.Status != kernel.StatusReady {
			continue
		}
		if iss.Attempts >= iss.MaxAttempts {
			continue
		}
		ready := true
		for _, from := range s.blockers(iss.ID) {
			if b, ok := s.issues[from]; !ok || b.Status != kernel.StatusDone {
				ready = false
				break
			}
		}
		if ready {
			cp := *iss
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) blockers(id string) []string {
	var out []string
	for _, d := range s.deps {
		if d.To == id && d.Type == kernel.DepBlocks {
			out = append(out, d.From)
		}
	}
	return out
}

// AddEvent forwards to the wired Event Log. Failures are logged and
// swallowed by the sink itself; if no sink is wired this is a no-op.
func (s *Store) AddEvent(ctx context.Context, ev kernel.Event) error {
	if s.sink == nil {
		return nil
	}
	return s.sink.Emit(ctx, ev)
}

func (s *Store) appendIssue(iss *kernel.Issue) error {
	b, err := json.Marshal(iss)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.issuesFile.Write(b); err != nil {
		return err
	}
	return s.issuesFile.Sync()
}

func (s *Store) appendDep(d *kernel.Dep) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.depsFile.Write(b); err != nil {
		return err
	}
	return s.depsFile.Sync()
}
