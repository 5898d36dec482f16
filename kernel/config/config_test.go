package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devkernel/devkernel/kernel"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	d := Default()
	if d.MaxConcurrentWorkcells != 3 || d.MaxConcurrentTokens != 200_000 {
		t.Fatalf("unexpected execution-limit defaults: %+v", d)
	}
	if d.StarvationThresholdHours != 4.0 {
		t.Fatalf("unexpected starvation threshold default: %v", d.StarvationThresholdHours)
	}
	if !d.Speculation.Enabled || d.Speculation.DefaultParallelism != 2 {
		t.Fatalf("unexpected speculation defaults: %+v", d.Speculation)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentWorkcells != Default().MaxConcurrentWorkcells {
		t.Fatalf("expected default config for missing file, got %+v", cfg)
	}
}

func TestParseOverridesDefaultsAndKeepsOmittedFields(t *testing.T) {
	doc := []byte(`
max_concurrent_workcells: 5
toolchain_priority: [openai, anthropic]
gates:
  test_command: "make test"
  retry_flaky: 1
routing:
  rules:
    - match:
        risk: [high, critical]
      use: [anthropic]
      speculate: true
      parallelism: 3
  fallbacks:
    anthropic: [openai]
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MaxConcurrentWorkcells != 5 {
		t.Fatalf("expected override to apply, got %d", cfg.MaxConcurrentWorkcells)
	}
	if cfg.MaxConcurrentTokens != Default().MaxConcurrentTokens {
		t.Fatalf("expected omitted field to keep default, got %d", cfg.MaxConcurrentTokens)
	}
	if cfg.Gates.TestCommand != "make test" || cfg.Gates.TypecheckCommand != Default().Gates.TypecheckCommand {
		t.Fatalf("unexpected gates merge: %+v", cfg.Gates)
	}
	if len(cfg.Routing.Rules) != 1 || cfg.Routing.Rules[0].Parallelism != 3 {
		t.Fatalf("unexpected routing rules: %+v", cfg.Routing.Rules)
	}
}

func TestGatesCommandsSkipsEmptyBuildCommand(t *testing.T) {
	g := Gates{TestCommand: "go test ./...", TypecheckCommand: "go vet ./...", LintCommand: "golangci-lint run"}
	cmds := g.Commands()
	if len(cmds) != 3 {
		t.Fatalf("expected 3 commands without a build command, got %+v", cmds)
	}
	if _, ok := cmds["build"]; ok {
		t.Fatal("expected no build gate when BuildCommand is empty")
	}
}

func TestSchedulerConfigTranslatesRiskLevelsAndStarvation(t *testing.T) {
	cfg := Default()
	cfg.StarvationThresholdHours = 2
	cfg.Speculation.AutoTriggerRiskLevels = []string{"high"}

	sc := cfg.SchedulerConfig()
	if sc.StarvationThreshold != 2*time.Hour {
		t.Fatalf("expected 2h starvation threshold, got %v", sc.StarvationThreshold)
	}
	if !sc.AutoTriggerRiskLevels[kernel.RiskHigh] || sc.AutoTriggerRiskLevels[kernel.RiskCritical] {
		t.Fatalf("unexpected risk levels: %+v", sc.AutoTriggerRiskLevels)
	}
}

func TestRouterConfigTranslatesRulesAndFallbacks(t *testing.T) {
	doc := []byte(`
routing:
  rules:
    - match:
        tool_hint: [anthropic]
        size: [L, XL]
      use: [anthropic, openai]
  fallbacks:
    anthropic: [openai, google]
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rc := cfg.RouterConfig()
	if len(rc.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rc.Rules))
	}
	if len(rc.Rules[0].Match.Size) != 2 || rc.Rules[0].Match.Size[0] != kernel.SizeL {
		t.Fatalf("unexpected size match: %+v", rc.Rules[0].Match.Size)
	}
	if len(rc.Fallbacks["anthropic"]) != 2 {
		t.Fatalf("unexpected fallbacks: %+v", rc.Fallbacks)
	}
}

func TestRouterConfigTranslatesAdapterProfiles(t *testing.T) {
	doc := []byte(`
routing:
  profiles:
    anthropic:
      best_for_tags: [refactor, security]
      max_complexity: L
      reliability: 0.95
      cost_tier: high
`)
	cfg, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rc := cfg.RouterConfig()
	p, ok := rc.Profiles["anthropic"]
	if !ok {
		t.Fatalf("expected anthropic profile, got %+v", rc.Profiles)
	}
	if p.Name != "anthropic" || p.MaxComplexity != kernel.SizeL || p.CostTier != "high" || p.Reliability != 0.95 {
		t.Fatalf("unexpected profile translation: %+v", p)
	}
	if len(p.BestForTags) != 2 || p.BestForTags[0] != "refactor" {
		t.Fatalf("unexpected best_for_tags: %+v", p.BestForTags)
	}
}

func TestLoadReadsFileFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("max_concurrent_tokens: 50000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConcurrentTokens != 50_000 {
		t.Fatalf("expected loaded override, got %d", cfg.MaxConcurrentTokens)
	}
}
