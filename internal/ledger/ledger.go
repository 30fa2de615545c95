// Package ledger owns the on-disk running/completed directory pair that
// records process lifecycle. Each entry is a pid-keyed subdirectory managed
// by package record; the ledger only creates, moves, lists, and deletes
// those directories. Both halves live under the same parent so the
// running→completed transition is a single atomic rename.
package ledger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// Half selects one side of the ledger.
type Half string

const (
	Running   Half = "running"
	Completed Half = "completed"
)

func ParseHalf(s string) (Half, error) {
	switch Half(s) {
	case Running, Completed:
		return Half(s), nil
	}
	return "", fmt.Errorf("invalid ledger half %q (want running or completed)", s)
}

type Ledger struct {
	root   string
	logger *slog.Logger
}

// New creates the process root and both halves if absent.
func New(root string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{root, filepath.Join(root, string(Running)), filepath.Join(root, string(Completed))} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger dir %s: %w", d, err)
		}
	}
	return &Ledger{root: root, logger: logger}, nil
}

func (l *Ledger) Root() string { return l.root }

// Dir returns the entry directory for pid in the given half. The directory
// may or may not exist.
func (l *Ledger) Dir(h Half, pid int) string {
	return filepath.Join(l.root, string(h), strconv.Itoa(pid))
}

// Allocate creates running/<pid> and returns its path. Idempotent.
//
// OS pids are reused after exit. A retained completed/<pid> entry from an
// earlier invocation would put the pid in both halves and make the later
// Promote fail, so the stale entry is evicted first.
func (l *Ledger) Allocate(pid int) (string, error) {
	stale := l.Dir(Completed, pid)
	if _, err := os.Stat(stale); err == nil {
		l.logger.Warn("evicting completed entry for reused pid", "pid", pid)
		if err := os.RemoveAll(stale); err != nil {
			return "", fmt.Errorf("evict stale completed entry for pid %d: %w", pid, err)
		}
	}
	dir := l.Dir(Running, pid)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("allocate running entry for pid %d: %w", pid, err)
	}
	return dir, nil
}

// Promote moves running/<pid> to completed/<pid> with one rename, so a
// concurrent lister sees the entry in exactly one half.
func (l *Ledger) Promote(pid int) error {
	src := l.Dir(Running, pid)
	dst := l.Dir(Completed, pid)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("promote pid %d: %w", pid, err)
	}
	return nil
}

// Find reports which half holds pid, if any.
func (l *Ledger) Find(pid int) (Half, bool) {
	for _, h := range []Half{Running, Completed} {
		if fi, err := os.Stat(l.Dir(h, pid)); err == nil && fi.IsDir() {
			return h, true
		}
	}
	return "", false
}

// List returns the pids present in the given half. Entries that are not
// pid-named directories are skipped with a warning: they are either foreign
// files or records caught mid-transition by a concurrent Promote.
func (l *Ledger) List(h Half) ([]int, error) {
	dir := filepath.Join(l.root, string(h))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s ledger: %w", h, err)
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			l.logger.Warn("skipping non-directory ledger entry", "half", string(h), "name", e.Name())
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			l.logger.Warn("skipping non-pid ledger entry", "half", string(h), "name", e.Name())
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Clear deletes every entry in the given half. Administrative log cleanup
// only; there is no undo.
func (l *Ledger) Clear(h Half) error {
	dir := filepath.Join(l.root, string(h))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("clear %s ledger: %w", h, err)
	}
	var firstErr error
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("clear %s: %w", p, err)
		}
	}
	return firstErr
}
