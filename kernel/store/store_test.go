package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/devkernel/devkernel/kernel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "issues.jsonl"), filepath.Join(dir, "deps.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndLoadIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateIssue(ctx, kernel.Issue{Title: "fix bug", MaxAttempts: 3})
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}

	g, err := s.LoadGraph(ctx)
	if err != nil {
		t.Fatalf("LoadGraph: %v", err)
	}
	if _, ok := g.Issues[id]; !ok {
		t.Fatalf("issue %s not found in graph", id)
	}
}

func TestAddDepRejectsSelfLoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateIssue(ctx, kernel.Issue{Title: "a"})
	if err := s.AddDep(ctx, id, id, kernel.DepBlocks); err == nil {
		t.Fatal("expected self-loop to be rejected")
	}
}

func TestAddDepRejectsCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateIssue(ctx, kernel.Issue{Title: "a"})
	b, _ := s.CreateIssue(ctx, kernel.Issue{Title: "b"})

	if err := s.AddDep(ctx, a, b, kernel.DepBlocks); err != nil {
		t.Fatalf("AddDep a->b: %v", err)
	}
	if err := s.AddDep(ctx, b, a, kernel.DepBlocks); err == nil {
		t.Fatal("expected cycle-forming edge to be rejected")
	}
}

func TestAddDepIdempotentOnDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateIssue(ctx, kernel.Issue{Title: "a"})
	b, _ := s.CreateIssue(ctx, kernel.Issue{Title: "b"})

	if err := s.AddDep(ctx, a, b, kernel.DepBlocks); err != nil {
		t.Fatalf("first AddDep: %v", err)
	}
	if err := s.AddDep(ctx, a, b, kernel.DepBlocks); err != nil {
		t.Fatalf("duplicate AddDep should be idempotent, got: %v", err)
	}

	g, _ := s.LoadGraph(ctx)
	if len(g.Deps) != 1 {
		t.Fatalf("expected 1 dep after duplicate add, got %d", len(g.Deps))
	}
}

func TestReadinessUnblock(t *testing.T) {
	// Scenario 1 from the testable-properties section: I1 done, I2 open,
	// Dep(I1->I2, blocks). Expected: ready set contains only I2.
	s := newTestStore(t)
	ctx := context.Background()

	i1, _ := s.CreateIssue(ctx, kernel.Issue{Title: "I1", MaxAttempts: 3})
	i2, _ := s.CreateIssue(ctx, kernel.Issue{Title: "I2", MaxAttempts: 3})

	if err := s.AddDep(ctx, i1, i2, kernel.DepBlocks); err != nil {
		t.Fatalf("AddDep: %v", err)
	}
	if err := s.UpdateIssueStatus(ctx, i1, kernel.StatusReady); err != nil {
		t.Fatalf("transition to ready: %v", err)
	}
	if err := s.UpdateIssueStatus(ctx, i1, kernel.StatusRunning); err != nil {
		t.Fatalf("transition to running: %v", err)
	}
	if err := s.UpdateIssueStatus(ctx, i1, kernel.StatusDone); err != nil {
		t.Fatalf("transition to done: %v", err)
	}

	ready, err := s.GetReadyIssues(ctx)
	if err != nil {
		t.Fatalf("GetReadyIssues: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != i2 {
		t.Fatalf("expected only I2 ready, got %#v", ready)
	}
}

func TestUpdateIssueRejectsUnknownField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateIssue(ctx, kernel.Issue{Title: "a"})
	if err := s.UpdateIssue(ctx, id, map[string]any{"bogus": 1}); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestInvalidStatusTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _ := s.CreateIssue(ctx, kernel.Issue{Title: "a"})
	if err := s.UpdateIssueStatus(ctx, id, kernel.StatusDone); err == nil {
		t.Fatal("expected open->done to be rejected")
	}
}

func TestCompactionAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	issuesPath := filepath.Join(dir, "issues.jsonl")
	depsPath := filepath.Join(dir, "deps.jsonl")
	ctx := context.Background()

	s1, err := Open(issuesPath, depsPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, _ := s1.CreateIssue(ctx, kernel.Issue{Title: "a", MaxAttempts: 3})
	s1.UpdateIssueStatus(ctx, id, kernel.StatusReady)
	s1.Close()

	s2, err := Open(issuesPath, depsPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	g, _ := s2.LoadGraph(ctx)
	iss, ok := g.Issues[id]
	if !ok {
		t.Fatalf("issue not found after reopen")
	}
	if iss.Status != kernel.StatusReady {
		t.Fatalf("expected last-write-wins status ready, got %s", iss.Status)
	}
}
