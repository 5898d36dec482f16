// Package config loads the orchestrator's YAML configuration file and
// translates it into the Config types each kernel component accepts
// (scheduler.Config, router.Config, dispatch's quality-gate map). It
// intentionally does not support flat-vs-nested back-compat key
// aliasing; only the documented nested shape is parsed.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/devkernel/devkernel/kernel"
	"github.com/devkernel/devkernel/kernel/router"
	"github.com/devkernel/devkernel/kernel/scheduler"
)

// Toolchain is one toolchain/adapter's configuration.
type Toolchain struct {
	Enabled        bool              `yaml:"enabled"`
	Path           string            `yaml:"path"`
	Model          string            `yaml:"model"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	MaxTokens      int               `yaml:"max_tokens"`
	Env            map[string]string `yaml:"env"`
	Config         map[string]any    `yaml:"config"`
}

// Gates is the fixed quality-gate command set.
type Gates struct {
	TestCommand      string `yaml:"test_command"`
	TypecheckCommand string `yaml:"typecheck_command"`
	LintCommand      string `yaml:"lint_command"`
	BuildCommand     string `yaml:"build_command"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
	RetryFlaky       int    `yaml:"retry_flaky"`
}

// Commands returns Gates as the name->command map the Dispatcher's
// gate.Config list is built from, skipping any command left empty
// (BuildCommand is optional; the others default via Default()).
func (g Gates) Commands() map[string]string {
	out := make(map[string]string, 4)
	if g.TestCommand != "" {
		out["test"] = g.TestCommand
	}
	if g.TypecheckCommand != "" {
		out["typecheck"] = g.TypecheckCommand
	}
	if g.LintCommand != "" {
		out["lint"] = g.LintCommand
	}
	if g.BuildCommand != "" {
		out["build"] = g.BuildCommand
	}
	return out
}

// Speculation configures speculate+vote mode.
type Speculation struct {
	Enabled                 bool     `yaml:"enabled"`
	DefaultParallelism      int      `yaml:"default_parallelism"`
	MaxParallelism          int      `yaml:"max_parallelism"`
	VoteThreshold           float64  `yaml:"vote_threshold"`
	AutoTriggerOnCritical   bool     `yaml:"auto_trigger_on_critical_path"`
	AutoTriggerRiskLevels   []string `yaml:"auto_trigger_risk_levels"`
}

// RoutingRule mirrors router.Rule in its YAML-serializable shape; match
// fields are optional and all-anded.
type RoutingRule struct {
	Match struct {
		ToolHint           []string `yaml:"tool_hint"`
		Risk               []string `yaml:"risk"`
		Size               []string `yaml:"size"`
		TagsAny            []string `yaml:"tags_any"`
		TagsAll            []string `yaml:"tags_all"`
		TitlePattern       string   `yaml:"title_pattern"`
		DescriptionPattern string   `yaml:"description_pattern"`
	} `yaml:"match"`
	Use         []string `yaml:"use"`
	Speculate   bool     `yaml:"speculate"`
	Parallelism int      `yaml:"parallelism"`
}

// AdapterProfile mirrors router.AdapterProfile in its YAML-serializable
// shape: the per-adapter inputs the scored single-dispatch selection
// formula reads.
type AdapterProfile struct {
	BestForTags   []string `yaml:"best_for_tags"`
	MaxComplexity string   `yaml:"max_complexity"`
	Reliability   float64  `yaml:"reliability"`
	CostTier      string   `yaml:"cost_tier"`
}

// Routing configures toolchain candidate ordering: rules evaluated in
// order, a per-adapter fallback chain, and per-adapter scoring profiles.
type Routing struct {
	Rules     []RoutingRule             `yaml:"rules"`
	Fallbacks map[string][]string       `yaml:"fallbacks"`
	Profiles  map[string]AdapterProfile `yaml:"profiles"`
}

// Config is the orchestrator's top-level configuration document.
type Config struct {
	MaxConcurrentWorkcells   int                  `yaml:"max_concurrent_workcells"`
	MaxConcurrentTokens      int                  `yaml:"max_concurrent_tokens"`
	StarvationThresholdHours float64              `yaml:"starvation_threshold_hours"`
	ToolchainPriority        []string             `yaml:"toolchain_priority"`
	Toolchains               map[string]Toolchain `yaml:"toolchains"`
	Gates                    Gates                `yaml:"gates"`
	Speculation              Speculation          `yaml:"speculation"`
	Routing                  Routing              `yaml:"routing"`

	// ForceSpeculate overrides per-issue speculate decisions on for
	// every ready issue.
	ForceSpeculate bool `yaml:"force_speculate"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		MaxConcurrentWorkcells:   3,
		MaxConcurrentTokens:      200_000,
		StarvationThresholdHours: 4.0,
		ToolchainPriority:        []string{"anthropic", "openai", "google"},
		Gates: Gates{
			TestCommand:      "go test ./...",
			TypecheckCommand: "go vet ./...",
			LintCommand:      "golangci-lint run",
			TimeoutSeconds:   300,
			RetryFlaky:       2,
		},
		Speculation: Speculation{
			Enabled:               true,
			DefaultParallelism:    2,
			MaxParallelism:        3,
			VoteThreshold:         0.7,
			AutoTriggerOnCritical: true,
			AutoTriggerRiskLevels: []string{"high", "critical"},
		},
	}
}

// Load reads and parses the YAML document at path. A missing file is
// not an error: it returns Default().
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, &kernel.ConfigError{Cause: fmt.Errorf("read config file: %w", err)}
	}
	return Parse(data)
}

// Parse decodes a YAML document into a Config, starting from Default()
// so omitted fields keep their documented defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &kernel.ConfigError{Cause: fmt.Errorf("parse config file: %w", err)}
	}
	return cfg, nil
}

// SchedulerConfig translates the document into scheduler.Config.
func (c Config) SchedulerConfig() scheduler.Config {
	risks := make(map[kernel.Risk]bool, len(c.Speculation.AutoTriggerRiskLevels))
	for _, r := range c.Speculation.AutoTriggerRiskLevels {
		risks[kernel.Risk(r)] = true
	}
	return scheduler.Config{
		MaxConcurrentWorkcells: c.MaxConcurrentWorkcells,
		MaxConcurrentTokens:    c.MaxConcurrentTokens,
		StarvationThreshold:    time.Duration(c.StarvationThresholdHours * float64(time.Hour)),
		SpeculationEnabled:     c.Speculation.Enabled,
		ForceSpeculate:         c.ForceSpeculate,
		AutoTriggerRiskLevels:  risks,
		DefaultParallelism:     c.Speculation.DefaultParallelism,
	}
}

// RouterConfig translates the document into router.Config.
func (c Config) RouterConfig() router.Config {
	rules := make([]router.Rule, 0, len(c.Routing.Rules))
	for _, rr := range c.Routing.Rules {
		rules = append(rules, router.Rule{
			Match: router.MatchPredicate{
				ToolHint:           rr.Match.ToolHint,
				Risk:               toRisks(rr.Match.Risk),
				Size:               toSizes(rr.Match.Size),
				TagsAny:            rr.Match.TagsAny,
				TagsAll:            rr.Match.TagsAll,
				TitlePattern:       rr.Match.TitlePattern,
				DescriptionPattern: rr.Match.DescriptionPattern,
			},
			Use:         rr.Use,
			Speculate:   rr.Speculate,
			Parallelism: rr.Parallelism,
		})
	}
	profiles := make(map[string]router.AdapterProfile, len(c.Routing.Profiles))
	for name, p := range c.Routing.Profiles {
		profiles[name] = router.AdapterProfile{
			Name:          name,
			BestForTags:   p.BestForTags,
			MaxComplexity: kernel.Size(p.MaxComplexity),
			Reliability:   p.Reliability,
			CostTier:      p.CostTier,
		}
	}
	return router.Config{
		PriorityOrder: c.ToolchainPriority,
		Rules:         rules,
		Fallbacks:     c.Routing.Fallbacks,
		Profiles:      profiles,
	}
}

func toRisks(ss []string) []kernel.Risk {
	if len(ss) == 0 {
		return nil
	}
	out := make([]kernel.Risk, len(ss))
	for i, s := range ss {
		out[i] = kernel.Risk(s)
	}
	return out
}

func toSizes(ss []string) []kernel.Size {
	if len(ss) == 0 {
		return nil
	}
	out := make([]kernel.Size, len(ss))
	for i, s := range ss {
		out[i] = kernel.Size(s)
	}
	return out
}

// GateTimeout returns the configured gate timeout as a time.Duration.
func (c Config) GateTimeout() time.Duration {
	return time.Duration(c.Gates.TimeoutSeconds) * time.Second
}
