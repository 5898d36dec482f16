// Package workcell implements the Workcell Manager: creation and
// teardown of isolated git-worktree sandboxes, one per dispatch attempt.
package workcell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/devkernel/devkernel/kernel"
)

// marker is the JSON sidecar written into every workcell directory so a
// later process (or a crash-recovery sweep) can identify ownership
// without depending on git state.
type marker struct {
	ID           string    `json:"id"`
	IssueID      string    `json:"issue_id"`
	ParentCommit string    `json:"parent_commit"`
	SpeculateTag string    `json:"speculate_tag,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const markerFileName = ".workcell"

// compactTimestamp is the UTC-compact timestamp format used in workcell
// ids: no separators, second resolution.
const compactTimestamp = "20060102T150405Z"

// Manager creates and tears down git-worktree sandboxes under root.
type Manager struct {
	repoRoot string // path to the git repository the worktrees branch from
	root     string // directory holding workcell checkouts
	archive  string // directory holding archived (post-cleanup) proofs/logs
	log      zerolog.Logger
}

// New returns a Manager rooted at root/archive, operating on the git
// repository at repoRoot.
func New(repoRoot, root, archive string, log zerolog.Logger) *Manager {
	return &Manager{repoRoot: repoRoot, root: root, archive: archive, log: log}
}

func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %v: %w: %s", args, err, out)
	}
	return out, nil
}

// Create provisions a new workcell: a branch and worktree checked out
// from parentCommit, a .devkernel/logs directory, and a marker file
// written for crash-recovery.
func (m *Manager) Create(ctx context.Context, issueID, parentCommit, speculateTag string) (*kernel.Workcell, error) {
	ts := time.Now().UTC().Format(compactTimestamp)
	var id string
	if speculateTag != "" {
		id = fmt.Sprintf("wc-%s-%s-%s", issueID, speculateTag, ts)
	} else {
		id = fmt.Sprintf("wc-%s-%s", issueID, ts)
	}

	path := filepath.Join(m.root, id)
	branch := fmt.Sprintf("devkernel/%s", id)

	if _, err := runGit(ctx, m.repoRoot, "worktree", "add", "-b", branch, path, parentCommit); err != nil {
		return nil, &kernel.SandboxError{WorkcellID: id, Cause: fmt.Errorf("git worktree add: %w", err)}
	}

	logDir := filepath.Join(path, ".devkernel", "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, &kernel.SandboxError{WorkcellID: id, Cause: fmt.Errorf("creating log dir: %w", err)}
	}

	wc := &kernel.Workcell{
		ID:           id,
		IssueID:      issueID,
		ParentCommit: parentCommit,
		SpeculateTag: speculateTag,
		CreatedAt:    time.Now().UTC(),
		Path:         path,
		LogDir:       logDir,
	}

	mk := marker{ID: wc.ID, IssueID: issueID, ParentCommit: parentCommit, SpeculateTag: speculateTag, CreatedAt: wc.CreatedAt}
	data, err := json.MarshalIndent(mk, "", "  ")
	if err != nil {
		return nil, &kernel.SandboxError{WorkcellID: id, Cause: fmt.Errorf("marshaling marker: %w", err)}
	}
	if err := os.WriteFile(filepath.Join(path, markerFileName), data, 0o644); err != nil {
		return nil, &kernel.SandboxError{WorkcellID: id, Cause: fmt.Errorf("writing marker: %w", err)}
	}

	return wc, nil
}

// Cleanup removes the worktree and its branch. If archiveFirst is true,
// the workcell's .devkernel directory (logs) and its marker, proof.json
// and manifest.json files are copied into the Manager's archive
// directory before removal.
func (m *Manager) Cleanup(ctx context.Context, wc *kernel.Workcell, archiveFirst bool) error {
	if archiveFirst {
		if err := m.archiveWorkcell(wc); err != nil {
			m.log.Warn().Err(err).Str("workcell", wc.ID).Msg("archiving workcell before cleanup")
		}
	}

	if _, err := runGit(ctx, m.repoRoot, "worktree", "remove", "--force", wc.Path); err != nil {
		m.log.Warn().Err(err).Str("workcell", wc.ID).Msg("git worktree remove failed, forcing directory removal")
		if rmErr := os.RemoveAll(wc.Path); rmErr != nil {
			return &kernel.SandboxError{WorkcellID: wc.ID, Cause: fmt.Errorf("removing worktree directory: %w", rmErr)}
		}
		if _, err := runGit(ctx, m.repoRoot, "worktree", "prune"); err != nil {
			m.log.Warn().Err(err).Msg("git worktree prune failed")
		}
	}

	branch := fmt.Sprintf("devkernel/%s", wc.ID)
	if _, err := runGit(ctx, m.repoRoot, "branch", "-D", branch); err != nil {
		m.log.Warn().Err(err).Str("branch", branch).Msg("deleting workcell branch")
	}
	return nil
}

func (m *Manager) archiveWorkcell(wc *kernel.Workcell) error {
	if m.archive == "" {
		return nil
	}
	dst := filepath.Join(m.archive, wc.ID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, name := range []string{markerFileName, "proof.json", "manifest.json"} {
		data, err := os.ReadFile(filepath.Join(wc.Path, name))
		if os.IsNotExist(err) {
			continue
		} else if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, name), data, 0o644); err != nil {
			return err
		}
	}
	return copyDir(filepath.Join(wc.Path, ".devkernel"), dst)
}

func copyDir(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// ListActive lists the worktree-registered workcells (parsed from `git
// worktree list --porcelain`, filtered to paths under root).
func (m *Manager) ListActive(ctx context.Context) ([]string, error) {
	out, err := runGit(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var ids []string
	lines := splitLines(string(out))
	prefix := m.root + string(os.PathSeparator)
	for _, line := range lines {
		if len(line) > 9 && line[:9] == "worktree " {
			p := line[9:]
			if len(p) > len(prefix) && p[:len(prefix)] == prefix {
				ids = append(ids, filepath.Base(p))
			}
		}
	}
	return ids, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// GetInfo reads the marker file for the workcell at path, if present.
func GetInfo(path string) (*kernel.Workcell, error) {
	data, err := os.ReadFile(filepath.Join(path, markerFileName))
	if err != nil {
		return nil, err
	}
	var mk marker
	if err := json.Unmarshal(data, &mk); err != nil {
		return nil, err
	}
	return &kernel.Workcell{
		ID:           mk.ID,
		IssueID:      mk.IssueID,
		ParentCommit: mk.ParentCommit,
		SpeculateTag: mk.SpeculateTag,
		CreatedAt:    mk.CreatedAt,
		Path:         path,
		LogDir:       filepath.Join(path, ".devkernel", "logs"),
	}, nil
}
