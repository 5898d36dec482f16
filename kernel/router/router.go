// Package router implements the Router: rule-based toolchain selection
// with a scoring fallback and ordered-candidate helpers for retry and
// speculate+vote dispatch.
package router

import (
	"regexp"
	"sort"

	"github.com/devkernel/devkernel/kernel"
)

// Rule is one routing rule: a match predicate, an ordered adapter list,
// and optional speculate parallelism.
type Rule struct {
	Match       MatchPredicate
	Use         []string
	Speculate   bool
	Parallelism int
}

// MatchPredicate is an all-anded, all-optional rule predicate: every
// non-empty field must match for the rule to apply.
type MatchPredicate struct {
	ToolHint           []string // equals literal or member-of set
	Risk               []kernel.Risk
	Size               []kernel.Size
	TagsAny            []string
	TagsAll            []string
	TitlePattern       string
	DescriptionPattern string
}

// Matches reports whether the predicate matches issue. An empty
// predicate matches every issue.
func (m MatchPredicate) Matches(issue *kernel.Issue) bool {
	if len(m.ToolHint) > 0 && !containsStr(m.ToolHint, issue.ToolHint) {
		return false
	}
	if len(m.Risk) > 0 && !containsRisk(m.Risk, issue.Risk) {
		return false
	}
	if len(m.Size) > 0 && !containsSize(m.Size, issue.Size) {
		return false
	}
	if len(m.TagsAny) > 0 && !anyTag(m.TagsAny, issue.Tags) {
		return false
	}
	if len(m.TagsAll) > 0 && !allTags(m.TagsAll, issue.Tags) {
		return false
	}
	if m.TitlePattern != "" {
		re, err := regexp.Compile(m.TitlePattern)
		if err != nil || !re.MatchString(issue.Title) {
			return false
		}
	}
	if m.DescriptionPattern != "" {
		re, err := regexp.Compile(m.DescriptionPattern)
		if err != nil || !re.MatchString(issue.Description) {
			return false
		}
	}
	return true
}

func containsStr(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsRisk(set []kernel.Risk, v kernel.Risk) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsSize(set []kernel.Size, v kernel.Size) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func anyTag(expected, actual []string) bool {
	for _, e := range expected {
		for _, a := range actual {
			if e == a {
				return true
			}
		}
	}
	return false
}

func allTags(expected, actual []string) bool {
	for _, e := range expected {
		found := false
		for _, a := range actual {
			if e == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AdapterProfile is the per-adapter configuration the scoring formula
// reads: its declared strengths, complexity ceiling, reliability, and
// cost tier.
type AdapterProfile struct {
	Name          string
	BestForTags   []string
	MaxComplexity kernel.Size
	Reliability   float64 // 0..1, used when risk is high/critical
	CostTier      string  // "low", "medium", "high"
}

// Config is the Router's configuration input.
type Config struct {
	PriorityOrder []string
	Rules         []Rule
	Fallbacks     map[string][]string
	Profiles      map[string]AdapterProfile
}

// Router selects adapter candidates for an issue.
type Router struct {
	cfg Config
}

// New returns a Router over cfg.
func New(cfg Config) *Router { return &Router{cfg: cfg} }

// Decision is the outcome of single-dispatch selection.
type Decision struct {
	Adapter      string
	Reason       string
	Alternatives []string
}

// sizeRank orders sizes for the "max-complexity covers issue size" test.
var sizeRank = map[kernel.Size]int{kernel.SizeXS: 0, kernel.SizeS: 1, kernel.SizeM: 2, kernel.SizeL: 3, kernel.SizeXL: 4}

// Select performs single-dispatch adapter selection: an explicit
// tool-hint wins outright if available, otherwise every available
// adapter is scored and the highest-scoring one wins.
func (r *Router) Select(issue *kernel.Issue, available map[string]bool) Decision {
	if issue.ToolHint != "" && available[issue.ToolHint] {
		alts := make([]string, 0, len(available))
		for name := range available {
			if name != issue.ToolHint {
				alts = append(alts, name)
			}
		}
		sort.Strings(alts)
		return Decision{Adapter: issue.ToolHint, Reason: "explicit_hint", Alternatives: alts}
	}

	var names []string
	for name := range available {
		if available[name] {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		first := ""
		if len(r.cfg.PriorityOrder) > 0 {
			first = r.cfg.PriorityOrder[0]
		}
		return Decision{Adapter: first, Reason: "no_available_fallback"}
	}

	type scored struct {
		name  string
		score float64
		pos   int
	}
	var candidates []scored
	for _, name := range names {
		candidates = append(candidates, scored{name: name, score: r.score(issue, name), pos: priorityPos(r.cfg.PriorityOrder, name)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// tie-break: leftmost of equal scores in priority order
		return candidates[i].pos < candidates[j].pos
	})

	winner := candidates[0].name
	var alts []string
	for _, c := range candidates[1:] {
		alts = append(alts, c.name)
	}
	return Decision{Adapter: winner, Reason: "scored", Alternatives: alts}
}

func priorityPos(order []string, name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return len(order)
}

// score weighs tag affinity, complexity headroom, reliability under
// risk, cost tier for cheap-and-safe issues, and priority-order
// position into a single comparable value.
func (r *Router) score(issue *kernel.Issue, adapterName string) float64 {
	profile := r.cfg.Profiles[adapterName]
	score := 50.0

	matching := 0
	for _, tag := range issue.Tags {
		for _, bf := range profile.BestForTags {
			if tag == bf {
				matching++
				break
			}
		}
	}
	score += float64(matching) * 10

	if profile.MaxComplexity != "" {
		if sizeRank[profile.MaxComplexity] >= sizeRank[issue.Size] {
			score += 15
		} else {
			score -= 20
		}
	}

	if issue.Risk == kernel.RiskHigh || issue.Risk == kernel.RiskCritical {
		score += profile.Reliability * 15
	}

	if issue.Risk == kernel.RiskLow && (issue.Size == kernel.SizeXS || issue.Size == kernel.SizeS) {
		switch profile.CostTier {
		case "low":
			score += 10
		case "medium":
			score += 5
		}
	}

	pos := priorityPos(r.cfg.PriorityOrder, adapterName)
	remaining := len(r.cfg.PriorityOrder) - pos
	score += float64(remaining) * 2

	return score
}

// firstMatchingRule returns the first rule matching issue, optionally
// filtered to rules with the given speculate flag.
func (r *Router) firstMatchingRule(issue *kernel.Issue, requireSpeculate *bool) *Rule {
	for i := range r.cfg.Rules {
		rule := &r.cfg.Rules[i]
		if requireSpeculate != nil && rule.Speculate != *requireSpeculate {
			continue
		}
		if rule.Match.Matches(issue) {
			return rule
		}
	}
	return nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// OrderedCandidates returns the fallback-retry candidate order: the
// first matching rule's adapter list, its configured fallbacks, then
// the priority order, deduplicated.
func (r *Router) OrderedCandidates(issue *kernel.Issue) []string {
	var candidates []string
	if rule := r.firstMatchingRule(issue, nil); rule != nil && len(rule.Use) > 0 {
		candidates = append(candidates, rule.Use...)
		for _, tc := range rule.Use {
			candidates = append(candidates, r.cfg.Fallbacks[tc]...)
		}
	}
	candidates = append(candidates, r.cfg.PriorityOrder...)
	return dedupe(candidates)
}

// SpeculateCandidates returns the ordered toolchains for speculate+vote
// mode: the issue's tool-hint (if any) prepended to the first
// speculate=true matching rule's adapter list.
func (r *Router) SpeculateCandidates(issue *kernel.Issue) []string {
	var candidates []string
	if issue.ToolHint != "" {
		candidates = append(candidates, issue.ToolHint)
	}
	speculate := true
	if rule := r.firstMatchingRule(issue, &speculate); rule != nil {
		candidates = append(candidates, rule.Use...)
	}
	return dedupe(candidates)
}

// SpeculateParallelism returns the configured parallelism for issue's
// speculate attempt, falling back to the configured default.
func (r *Router) SpeculateParallelism(issue *kernel.Issue, defaultParallelism int) int {
	speculate := true
	if rule := r.firstMatchingRule(issue, &speculate); rule != nil && rule.Parallelism > 0 {
		return rule.Parallelism
	}
	return defaultParallelism
}
