package emit

import (
	"bufio"
	"context"
	"encoding/json"
	"math"
	"os"
	"sort"

	"github.com/devkernel/devkernel/kernel"
)

// Reader provides linear-scan queries over the event stream file, with
// no index: every query rereads the file from disk rather than
// maintaining a cache.
type Reader struct {
	path string
}

// NewReader returns a Reader over the event stream at path.
func NewReader(path string) *Reader { return &Reader{path: path} }

func (r *Reader) loadAll() ([]kernel.Event, error) {
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &kernel.IOError{Op: "open event log", Cause: err}
	}
	defer f.Close()

	var events []kernel.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev kernel.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // malformed line: skipped, not fatal
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// Recent returns the last n events, most recent first.
func (r *Reader) Recent(ctx context.Context, n int) ([]kernel.Event, error) {
	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if n > 0 && n < len(all) {
		all = all[:n]
	}
	return all, nil
}

// ByType returns all events of the given type, in file order.
func (r *Reader) ByType(ctx context.Context, t kernel.EventType) ([]kernel.Event, error) {
	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	var out []kernel.Event
	for _, ev := range all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ByIssue returns all events carrying the given issue id, in file order.
func (r *Reader) ByIssue(ctx context.Context, issueID string) ([]kernel.Event, error) {
	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	var out []kernel.Event
	for _, ev := range all {
		if ev.IssueID == issueID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ByRun returns all events carrying the given run id, in file order.
func (r *Reader) ByRun(ctx context.Context, runID string) ([]kernel.Event, error) {
	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	var out []kernel.Event
	for _, ev := range all {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Stats is the aggregate computed by Stats().
type Stats struct {
	TotalEvents       int
	IssuesCompleted   int
	IssuesFailed      int
	TotalTokens       int
	TotalCostUSD      float64
	AvgDurationMS     float64
	SuccessRate       float64
}

// Stats computes the aggregate over the full event stream.
func (r *Reader) Stats(ctx context.Context) (Stats, error) {
	all, err := r.loadAll()
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	s.TotalEvents = len(all)

	var durationSum int64
	var durationCount int
	for _, ev := range all {
		switch ev.Type {
		case kernel.EventIssueCompleted:
			s.IssuesCompleted++
		case kernel.EventIssueFailed, kernel.EventIssueEscalated:
			s.IssuesFailed++
		}
		if ev.TokensUsed != nil {
			s.TotalTokens += *ev.TokensUsed
		}
		if ev.CostUSD != nil {
			s.TotalCostUSD += *ev.CostUSD
		}
		if ev.DurationMS != nil && ev.Type == kernel.EventIssueCompleted {
			durationSum += *ev.DurationMS
			durationCount++
		}
	}

	if durationCount > 0 {
		s.AvgDurationMS = float64(durationSum) / float64(durationCount)
	}
	denom := s.IssuesCompleted + s.IssuesFailed
	if denom > 0 {
		s.SuccessRate = float64(s.IssuesCompleted) / float64(denom)
	}
	s.TotalCostUSD = math.Round(s.TotalCostUSD*1e4) / 1e4

	return s, nil
}

// SuccessRateByAdapter breaks down completion vs failure counts per
// toolchain.
func (r *Reader) SuccessRateByAdapter(ctx context.Context) (map[string]AdapterRate, error) {
	all, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	out := make(map[string]AdapterRate)
	for _, ev := range all {
		toolchain, _ := ev.Data["toolchain"].(string)
		if toolchain == "" {
			continue
		}
		rate := out[toolchain]
		switch ev.Type {
		case kernel.EventIssueCompleted:
			rate.Success++
			rate.Total++
		case kernel.EventIssueFailed:
			rate.Total++
		}
		out[toolchain] = rate
	}
	return out, nil
}

// AdapterRate is a per-toolchain success/total tally.
type AdapterRate struct {
	Success int
	Total   int
}
