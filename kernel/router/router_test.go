package router

import (
	"testing"

	"github.com/devkernel/devkernel/kernel"
)

func baseIssue() *kernel.Issue {
	return &kernel.Issue{
		ID:       "issue-1",
		Title:    "Fix the payments webhook retry bug",
		Size:     kernel.SizeS,
		Risk:     kernel.RiskLow,
		Tags:     []string{"backend", "payments"},
		Priority: kernel.PriorityP2,
	}
}

func TestMatchPredicateTagsAnyAll(t *testing.T) {
	iss := baseIssue()

	any := MatchPredicate{TagsAny: []string{"frontend", "payments"}}
	if !any.Matches(iss) {
		t.Fatal("expected tags_any to match on shared tag")
	}

	all := MatchPredicate{TagsAll: []string{"backend", "payments"}}
	if !all.Matches(iss) {
		t.Fatal("expected tags_all to match when all tags present")
	}

	missing := MatchPredicate{TagsAll: []string{"backend", "frontend"}}
	if missing.Matches(iss) {
		t.Fatal("expected tags_all to reject when a tag is missing")
	}
}

func TestMatchPredicateRiskSizeAndRegex(t *testing.T) {
	iss := baseIssue()

	risk := MatchPredicate{Risk: []kernel.Risk{kernel.RiskLow, kernel.RiskMedium}}
	if !risk.Matches(iss) {
		t.Fatal("expected risk predicate to match")
	}

	size := MatchPredicate{Size: []kernel.Size{kernel.SizeL, kernel.SizeXL}}
	if size.Matches(iss) {
		t.Fatal("expected size predicate to reject mismatched size")
	}

	title := MatchPredicate{TitlePattern: `(?i)webhook`}
	if !title.Matches(iss) {
		t.Fatal("expected title regex to match")
	}

	noMatch := MatchPredicate{TitlePattern: `(?i)frontend-only`}
	if noMatch.Matches(iss) {
		t.Fatal("expected title regex to reject non-matching title")
	}
}

func TestMatchPredicateToolHint(t *testing.T) {
	iss := baseIssue()
	iss.ToolHint = "claude-code"

	m := MatchPredicate{ToolHint: []string{"claude-code", "codex"}}
	if !m.Matches(iss) {
		t.Fatal("expected tool_hint predicate to match member of set")
	}

	m2 := MatchPredicate{ToolHint: []string{"codex"}}
	if m2.Matches(iss) {
		t.Fatal("expected tool_hint predicate to reject non-member")
	}
}

func TestSelectExplicitHintWins(t *testing.T) {
	iss := baseIssue()
	iss.ToolHint = "codex"

	r := New(Config{PriorityOrder: []string{"claude-code", "codex"}})
	d := r.Select(iss, map[string]bool{"claude-code": true, "codex": true})

	if d.Adapter != "codex" || d.Reason != "explicit_hint" {
		t.Fatalf("expected explicit hint to win, got %+v", d)
	}
}

func TestSelectScoringFormula(t *testing.T) {
	iss := baseIssue() // risk low, size S, tags backend/payments

	cfg := Config{
		PriorityOrder: []string{"alpha", "beta"},
		Profiles: map[string]AdapterProfile{
			"alpha": {
				Name:          "alpha",
				BestForTags:   []string{"backend"},
				MaxComplexity: kernel.SizeM,
				Reliability:   0.9,
				CostTier:      "low",
			},
			"beta": {
				Name:          "beta",
				BestForTags:   []string{},
				MaxComplexity: kernel.SizeXS,
				Reliability:   0.5,
				CostTier:      "high",
			},
		},
	}
	r := New(cfg)

	// alpha: 50 + 10 (1 matching tag) + 15 (M covers S) + 0 (risk not high/critical)
	//        + 10 (low-risk small issue, low cost tier) + 2*(2-0)=4 (priority pos 0) = 89
	// beta:  50 + 0 + (-20, XS < S) + 0 + 0 (high cost tier) + 2*(2-1)=2 (priority pos 1) = 32
	got := r.score(iss, "alpha")
	if got != 89 {
		t.Fatalf("expected alpha score 89, got %v", got)
	}
	got = r.score(iss, "beta")
	if got != 32 {
		t.Fatalf("expected beta score 32, got %v", got)
	}

	d := r.Select(iss, map[string]bool{"alpha": true, "beta": true})
	if d.Adapter != "alpha" {
		t.Fatalf("expected alpha to win on score, got %s", d.Adapter)
	}
}

func TestSelectPrefersEarlierPriorityOrderWhenProfilesEqual(t *testing.T) {
	iss := baseIssue()
	iss.Tags = nil
	iss.Risk = kernel.RiskMedium // avoid the low-risk-small-issue cost bonus

	cfg := Config{
		PriorityOrder: []string{"beta", "alpha"},
		Profiles: map[string]AdapterProfile{
			"alpha": {Name: "alpha"},
			"beta":  {Name: "beta"},
		},
	}
	r := New(cfg)

	d := r.Select(iss, map[string]bool{"alpha": true, "beta": true})
	if d.Adapter != "beta" {
		t.Fatalf("expected beta (earlier in priority order) to win, got %s", d.Adapter)
	}
}

func TestSelectNoAvailableFallback(t *testing.T) {
	iss := baseIssue()
	r := New(Config{PriorityOrder: []string{"alpha"}})
	d := r.Select(iss, map[string]bool{})
	if d.Reason != "no_available_fallback" || d.Adapter != "alpha" {
		t.Fatalf("expected no_available_fallback to alpha, got %+v", d)
	}
}

func TestOrderedCandidatesDedupesAndAppendsFallbacks(t *testing.T) {
	iss := baseIssue()
	cfg := Config{
		PriorityOrder: []string{"alpha", "beta", "gamma"},
		Rules: []Rule{
			{Match: MatchPredicate{TagsAny: []string{"payments"}}, Use: []string{"beta", "alpha"}},
		},
		Fallbacks: map[string][]string{"beta": {"gamma"}},
	}
	r := New(cfg)

	got := r.OrderedCandidates(iss)
	want := []string{"beta", "alpha", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSpeculateCandidatesPrependsToolHint(t *testing.T) {
	iss := baseIssue()
	iss.ToolHint = "claude-code"
	cfg := Config{
		Rules: []Rule{
			{Match: MatchPredicate{TagsAny: []string{"payments"}}, Use: []string{"alpha", "beta"}, Speculate: true, Parallelism: 3},
		},
	}
	r := New(cfg)

	got := r.SpeculateCandidates(iss)
	want := []string{"claude-code", "alpha", "beta"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if p := r.SpeculateParallelism(iss, 2); p != 3 {
		t.Fatalf("expected configured parallelism 3, got %d", p)
	}

	other := baseIssue()
	other.Tags = nil
	if p := r.SpeculateParallelism(other, 2); p != 2 {
		t.Fatalf("expected default parallelism 2 when no rule matches, got %d", p)
	}
}
