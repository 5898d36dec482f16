// Package emit implements the Event Log: an append-only, line-delimited
// JSON event stream with fire-and-forget emit semantics and linear-scan
// queries.
package emit

import (
	"context"

	"github.com/devkernel/devkernel/kernel"
)

// Emitter is the sole observability sink used by every other component.
// Emit is fire-and-forget from the caller's perspective: implementations
// must never return an error that the caller is expected to act on for
// control flow — failures are logged internally instead.
type Emitter interface {
	// Emit appends a single event. Never returns an error to break the
	// pipeline; implementations log failures internally.
	Emit(ctx context.Context, ev kernel.Event) error

	// EmitBatch appends several events as a unit.
	EmitBatch(ctx context.Context, evs []kernel.Event) error

	// Flush ensures all buffered events have reached durable storage.
	Flush(ctx context.Context) error
}
