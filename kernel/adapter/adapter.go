// Package adapter defines the Adapter contract that toolchain
// integrations implement, plus the shared manifest-to-prompt assembly
// every reference adapter uses.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devkernel/devkernel/kernel"
)

// Adapter is the capability set a registered toolchain variant
// implements. Execute runs one dispatch attempt inside an already
// provisioned workcell; HealthCheck reports whether the underlying
// provider is reachable; EstimateCost is a cheap, non-network estimate.
// The Router's cost-tier scoring reads AdapterProfile.CostTier, not
// EstimateCost.
type Adapter interface {
	Name() string
	Execute(ctx context.Context, manifest kernel.Manifest, workcellPath string, timeout time.Duration) (kernel.PatchProof, error)
	HealthCheck(ctx context.Context) (bool, error)
	EstimateCost(manifest kernel.Manifest) kernel.CostEstimate
}

// BuildPrompt assembles a manifest-derived prompt: task title and
// description, acceptance criteria, forbidden paths, context files, and
// quality gates. Every reference adapter uses this as its chat input and
// does not go further than manifest assembly when authoring the prompt.
func BuildPrompt(manifest kernel.Manifest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", orUnknown(manifest.Issue.Title))
	b.WriteString("## Description\n")
	if manifest.Issue.Description != "" {
		b.WriteString(manifest.Issue.Description)
	} else {
		b.WriteString("No description provided.")
	}
	b.WriteString("\n\n")

	if len(manifest.Issue.AcceptanceCriteria) > 0 {
		b.WriteString("## Acceptance Criteria\n")
		for _, c := range manifest.Issue.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(manifest.Issue.ForbiddenPaths) > 0 {
		b.WriteString("## Forbidden Paths (DO NOT MODIFY)\n")
		for _, p := range manifest.Issue.ForbiddenPaths {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}

	if len(manifest.Issue.ContextFiles) > 0 {
		b.WriteString("## Relevant Files\n")
		for _, p := range manifest.Issue.ContextFiles {
			fmt.Fprintf(&b, "- %s\n", p)
		}
		b.WriteString("\n")
	}

	if len(manifest.QualityGates) > 0 {
		b.WriteString("## Quality Gates (must all pass)\n")
		// Deterministic order.
		names := make([]string, 0, len(manifest.QualityGates))
		for name := range manifest.QualityGates {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: `%s`\n", name, manifest.QualityGates[name])
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
