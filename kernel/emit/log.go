package emit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/devkernel/devkernel/kernel"
	"github.com/rs/zerolog"
)

// JSONLEmitter is the on-disk Event Log: one JSON object per line,
// appended under a mutex. It never surfaces write failures to callers;
// they are recorded via the attached zerolog.Logger instead, so a
// logging hiccup never aborts a dispatch in progress.
type JSONLEmitter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	log    zerolog.Logger
}

// NewJSONLEmitter opens (creating if absent) the event stream file at
// path for appending.
func NewJSONLEmitter(path string, log zerolog.Logger) (*JSONLEmitter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &kernel.IOError{Op: "open event log", Cause: err}
	}
	return &JSONLEmitter{file: f, writer: bufio.NewWriter(f), log: log}, nil
}

// Emit appends ev as one JSON line. Write failures are logged, not
// returned, so callers never need to handle an Event Log error.
func (e *JSONLEmitter) Emit(ctx context.Context, ev kernel.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, err := json.Marshal(ev)
	if err != nil {
		e.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to marshal event")
		return nil
	}
	if _, err := e.writer.Write(append(b, '\n')); err != nil {
		e.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to append event")
		return nil
	}
	if err := e.writer.Flush(); err != nil {
		e.log.Error().Err(err).Msg("failed to flush event log")
	}
	return nil
}

// EmitBatch appends each event in evs, preserving order. One line per
// event; a batch is never torn mid-line.
func (e *JSONLEmitter) EmitBatch(ctx context.Context, evs []kernel.Event) error {
	for _, ev := range evs {
		_ = e.Emit(ctx, ev)
	}
	return nil
}

// Flush ensures buffered writes reach the underlying file.
func (e *JSONLEmitter) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writer.Flush(); err != nil {
		return &kernel.IOError{Op: "flush event log", Cause: err}
	}
	return e.file.Sync()
}

// Close flushes and closes the underlying file.
func (e *JSONLEmitter) Close() error {
	_ = e.Flush(context.Background())
	return e.file.Close()
}
