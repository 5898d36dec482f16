package workcell

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// StaleWorkcell is a workcell directory discovered during a sweep whose
// marker file is older than the sweep's cutoff.
type StaleWorkcell struct {
	ID   string
	Path string
	Age  time.Duration
}

// SweepStale scans root for workcell directories whose marker file
// predates olderThan, and returns them without modifying anything.
// Discovery is kept separate from removal so callers can gate the
// destructive step on operator confirmation.
func (m *Manager) SweepStale(ctx context.Context, olderThan time.Duration, now time.Time) ([]StaleWorkcell, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var stale []StaleWorkcell
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		wc, err := GetInfo(path)
		if err != nil {
			continue // not a devkernel workcell, or unreadable marker
		}
		age := now.Sub(wc.CreatedAt)
		if age > olderThan {
			stale = append(stale, StaleWorkcell{ID: wc.ID, Path: path, Age: age})
		}
	}
	return stale, nil
}

// CleanupOlderThan sweeps and removes every workcell older than
// olderThan, archiving each first. Returns the ids removed.
func (m *Manager) CleanupOlderThan(ctx context.Context, olderThan time.Duration, now time.Time) ([]string, error) {
	stale, err := m.SweepStale(ctx, olderThan, now)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, sw := range stale {
		wc, err := GetInfo(sw.Path)
		if err != nil {
			m.log.Warn().Err(err).Str("path", sw.Path).Msg("reading stale workcell marker")
			continue
		}
		if err := m.Cleanup(ctx, wc, true); err != nil {
			m.log.Warn().Err(err).Str("workcell", wc.ID).Msg("cleaning up stale workcell")
			continue
		}
		removed = append(removed, wc.ID)
	}
	return removed, nil
}

// CleanupAll removes every workcell under root regardless of age,
// archiving each first. Used for a full-reset sweep.
func (m *Manager) CleanupAll(ctx context.Context) ([]string, error) {
	return m.CleanupOlderThan(ctx, -1, time.Now().UTC())
}
