package scheduler

import (
	"sort"

	"github.com/devkernel/devkernel/kernel"
)

// riskRank orders risk descending (critical first) for the "others"
// sort key: (priority, risk descending).
func riskRank(r kernel.Risk) int {
	switch r {
	case kernel.RiskCritical:
		return 0
	case kernel.RiskHigh:
		return 1
	case kernel.RiskMedium:
		return 2
	case kernel.RiskLow:
		return 3
	default:
		return 4
	}
}

// packLanes partitions ready into critical-path members and others,
// iterates critical-path first then others (each pre-sorted by priority
// then risk descending), and greedily schedules against remaining slots
// and a token budget. Speculate issues reserve additional slots/tokens
// best-effort.
func (s *Scheduler) packLanes(ready []*kernel.Issue, cpSet map[string]bool) ([]Lane, []*kernel.Issue, map[string]SkipReason) {
	var cpMembers, others []*kernel.Issue
	for _, iss := range ready {
		if cpSet[iss.ID] {
			cpMembers = append(cpMembers, iss)
		} else {
			others = append(others, iss)
		}
	}
	sort.SliceStable(others, func(i, j int) bool {
		pi, pj := others[i].Priority.Rank(), others[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return riskRank(others[i].Risk) < riskRank(others[j].Risk)
	})

	ordered := append(append([]*kernel.Issue(nil), cpMembers...), others...)

	remainingSlots := s.cfg.MaxConcurrentWorkcells
	remainingTokens := s.cfg.MaxConcurrentTokens

	var lanes []Lane
	var skipped []*kernel.Issue
	reasons := make(map[string]SkipReason)

	for _, iss := range ordered {
		if remainingSlots <= 0 {
			skipped = append(skipped, iss)
			reasons[iss.ID] = SkipNoSlots
			continue
		}
		if remainingTokens < iss.EstimatedTokens {
			skipped = append(skipped, iss)
			reasons[iss.ID] = SkipTokenLimit
			continue
		}

		remainingSlots--
		remainingTokens -= iss.EstimatedTokens

		speculate := s.isSpeculate(iss, cpSet)
		parallelism := 1
		lane := Lane{Issue: iss, Speculate: speculate, Parallelism: 1}

		if speculate {
			parallelism = s.cfg.DefaultParallelism
			if parallelism < 1 {
				parallelism = 2
			}
			extra := parallelism - 1
			for extra > 0 && remainingSlots > 0 && remainingTokens >= iss.EstimatedTokens {
				remainingSlots--
				remainingTokens -= iss.EstimatedTokens
				lane.Parallelism++
				extra--
			}
		}

		lanes = append(lanes, lane)
	}

	return lanes, skipped, reasons
}

// isSpeculate decides whether iss should run in speculate+vote mode:
// speculation globally enabled AND (issue's speculate flag set OR a
// force_speculate override is active OR issue is on the critical path
// with risk in the auto-trigger set).
func (s *Scheduler) isSpeculate(iss *kernel.Issue, cpSet map[string]bool) bool {
	if !s.cfg.SpeculationEnabled {
		return false
	}
	if iss.Speculate {
		return true
	}
	if s.cfg.ForceSpeculate {
		return true
	}
	if cpSet[iss.ID] && s.cfg.AutoTriggerRiskLevels[iss.Risk] {
		return true
	}
	return false
}
