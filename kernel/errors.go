package kernel

import "errors"

// Sentinel errors for simple, non-wrapping conditions.
var (
	ErrNotFound           = errors.New("kernel: not found")
	ErrCycle              = errors.New("kernel: mutation would introduce a blocks-cycle")
	ErrUnknownField       = errors.New("kernel: unknown field in partial update")
	ErrInvalidTransition  = errors.New("kernel: status transition not permitted")
	ErrSelfLoop           = errors.New("kernel: self-loop dep is forbidden")
	ErrMaxAttempts        = errors.New("kernel: attempt counter would exceed max-attempts")
)

// ConfigError indicates invalid configuration or missing required fields.
// Fatal: propagates to the top-level runner, which logs and exits.
type ConfigError struct {
	Field string
	Cause error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return "config: " + e.Field + ": " + e.Cause.Error()
	}
	return "config: " + e.Cause.Error()
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// GraphError indicates a malformed Issue/Dep record or a cycle-introducing
// mutation. Malformed records are skipped at load without being logged
// or returned; mutation errors are returned to the caller.
type GraphError struct {
	IssueID string
	Cause   error
}

func (e *GraphError) Error() string {
	if e.IssueID != "" {
		return "graph: issue " + e.IssueID + ": " + e.Cause.Error()
	}
	return "graph: " + e.Cause.Error()
}

func (e *GraphError) Unwrap() error { return e.Cause }

// SandboxError indicates a workcell could not be created or cleaned up.
// The affected dispatch is aborted and the issue's attempt counter is
// still incremented.
type SandboxError struct {
	WorkcellID string
	Cause      error
}

func (e *SandboxError) Error() string {
	return "sandbox: " + e.WorkcellID + ": " + e.Cause.Error()
}

func (e *SandboxError) Unwrap() error { return e.Cause }

// AdapterError indicates the adapter subprocess failed to start, crashed,
// or exceeded its per-task timeout.
type AdapterError struct {
	Adapter string
	Timeout bool
	Cause   error
}

func (e *AdapterError) Error() string {
	if e.Timeout {
		return "adapter: " + e.Adapter + ": timed out"
	}
	return "adapter: " + e.Adapter + ": " + e.Cause.Error()
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// GateError indicates a gate command could not be started at all,
// distinct from the gate producing a non-zero exit code. Treated as a
// gate failure by the Verifier.
type GateError struct {
	Gate  string
	Cause error
}

func (e *GateError) Error() string { return "gate: " + e.Gate + ": " + e.Cause.Error() }

func (e *GateError) Unwrap() error { return e.Cause }

// ForbiddenPathError indicates a patch modified a forbidden path. Never
// recovered; the issue is escalated immediately.
type ForbiddenPathError struct {
	IssueID string
	Paths   []string
}

func (e *ForbiddenPathError) Error() string {
	return "forbidden path violation on issue " + e.IssueID
}

// BudgetError indicates an attempt exceeded the configured token
// ceiling. Recoverable: the issue returns to ready unless max-attempts
// is reached.
type BudgetError struct {
	IssueID string
	Limit   int
	Wanted  int
}

func (e *BudgetError) Error() string {
	return "budget: issue " + e.IssueID + " exceeded token ceiling"
}

// IOError indicates an event log, state store, or archive write failed.
// Event-log write failures are logged-and-swallowed; state-store write
// failures surface to the caller and abort only the current mutation.
type IOError struct {
	Op    string
	Cause error
}

func (e *IOError) Error() string { return "io: " + e.Op + ": " + e.Cause.Error() }

func (e *IOError) Unwrap() error { return e.Cause }
