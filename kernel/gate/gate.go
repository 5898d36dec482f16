// Package gate implements the Gate Runner: sequential, timeout-bounded
// execution of a workcell's configured quality gates, with retry-until-
// pass flakiness detection and failure-summary extraction.
package gate

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/devkernel/devkernel/kernel"
)

// Config describes one gate: its shell command, timeout, and retry
// ceiling (1 means no retry).
type Config struct {
	Name    string
	Command string
	Timeout time.Duration
	Retries int
}

// Runner executes a sequence of gates inside a working directory,
// persisting per-gate stdout/stderr logs under logDir.
type Runner struct {
	cwd    string
	logDir string
	log    zerolog.Logger
}

// New returns a Runner operating in cwd, writing gate logs under logDir.
func New(cwd, logDir string, log zerolog.Logger) *Runner {
	return &Runner{cwd: cwd, logDir: logDir, log: log}
}

var failurePatterns = []string{"error", "failed", "failure", "exception"}

// extractFailureSummary scans stderr, then stdout, for lines containing
// any failure pattern (case-insensitively), capped at 5 lines; falling
// back to the last 5 lines of combined output when nothing matches.
func extractFailureSummary(stdout, stderr string) string {
	var lines []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if containsAny(strings.ToLower(line), failurePatterns) {
			lines = append(lines, line)
			if len(lines) >= 5 {
				break
			}
		}
	}
	if len(lines) == 0 {
		for _, line := range strings.Split(stdout, "\n") {
			line = strings.TrimSpace(line)
			if containsAny(strings.ToLower(line), failurePatterns) {
				lines = append(lines, line)
				if len(lines) >= 5 {
					break
				}
			}
		}
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n")
	}

	all := strings.Split(strings.TrimSpace(stdout+stderr), "\n")
	if len(all) > 5 {
		all = all[len(all)-5:]
	}
	return strings.Join(all, "\n")
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// runOnce executes one attempt of gate cfg and returns its result.
func (r *Runner) runOnce(ctx context.Context, cfg Config, attempt int) kernel.GateResult {
	started := time.Now()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", cfg.Command)
	cmd.Dir = r.cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Info().Str("gate", cfg.Name).Str("command", cfg.Command).Int("attempt", attempt).Msg("running gate")

	err := cmd.Run()
	duration := time.Since(started)

	if runCtx.Err() == context.DeadlineExceeded {
		r.log.Error().Str("gate", cfg.Name).Dur("timeout", timeout).Msg("gate timed out")
		return kernel.GateResult{
			Name:           cfg.Name,
			Passed:         false,
			ExitCode:       -1,
			DurationMS:     duration.Milliseconds(),
			FailureSummary: fmt.Sprintf("timeout after %s", timeout),
		}
	}

	exitCode := 0
	passed := err == nil
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	r.writeLog(cfg.Name, stdout.String(), stderr.String())

	var summary string
	if !passed {
		summary = extractFailureSummary(stdout.String(), stderr.String())
	}

	r.log.Info().Str("gate", cfg.Name).Bool("passed", passed).Int("exit_code", exitCode).Dur("duration", duration).Msg("gate completed")

	return kernel.GateResult{
		Name:           cfg.Name,
		Passed:         passed,
		ExitCode:       exitCode,
		DurationMS:     duration.Milliseconds(),
		FailureSummary: summary,
	}
}

func (r *Runner) writeLog(name, stdout, stderr string) {
	if r.logDir == "" {
		return
	}
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		r.log.Warn().Err(err).Msg("creating gate log dir")
		return
	}
	path := filepath.Join(r.logDir, name+".log")
	content := fmt.Sprintf("=== STDOUT ===\n%s\n=== STDERR ===\n%s\n", stdout, stderr)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		r.log.Warn().Err(err).Str("path", path).Msg("writing gate log")
	}
}

// RunGate executes cfg up to cfg.Retries attempts in total if it fails
// (a single attempt when cfg.Retries <= 1), and marks the result
// flaky_detected if a retry eventually passed.
func (r *Runner) RunGate(ctx context.Context, cfg Config) kernel.GateResult {
	result := r.runOnce(ctx, cfg, 1)
	if result.Passed || cfg.Retries <= 1 {
		return result
	}

	for attempt := 2; attempt <= cfg.Retries; attempt++ {
		r.log.Info().Str("gate", cfg.Name).Int("attempt", attempt).Int("max_attempts", cfg.Retries).Msg("retrying gate")
		result = r.runOnce(ctx, cfg, attempt)
		if result.Passed {
			result.FlakyDetected = true
			break
		}
	}
	return result
}

// RunAll runs every gate in gates sequentially, in configuration order,
// returning a name-keyed result map. It does not stop at the first
// failing gate: every gate in the list is run.
func (r *Runner) RunAll(ctx context.Context, gates []Config) map[string]kernel.GateResult {
	results := make(map[string]kernel.GateResult, len(gates))
	for _, cfg := range gates {
		results[cfg.Name] = r.RunGate(ctx, cfg)
	}
	return results
}
