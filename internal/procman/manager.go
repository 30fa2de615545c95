// Package procman spawns external tool processes and tracks their lifecycle
// through the filesystem ledger. Every spawn gets one watcher goroutine that
// blocks on process exit, persists the captured output, and promotes the
// ledger entry from running to completed. All status queries consult the
// ledger on disk, never an in-memory table, so answers stay correct across
// manager instances and daemon restarts.
package procman

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/imaginglab/studykit/internal/history"
	"github.com/imaginglab/studykit/internal/ledger"
	"github.com/imaginglab/studykit/internal/metrics"
	"github.com/imaginglab/studykit/internal/record"
	"github.com/imaginglab/studykit/internal/target"
)

// SpawnContext identifies what an invocation is for. It is persisted as the
// first ledger artifact and later drives LookupPID matching.
type SpawnContext struct {
	ToolName string
	Command  string // "run" or "undo"
	Target   target.Target
}

// LaunchError wraps a failure to start the subprocess at all (missing
// executable, permissions). No ledger entry exists for a launch error.
type LaunchError struct {
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %v: %v", e.Argv, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

const sinkTimeout = 5 * time.Second

type Manager struct {
	ledger *ledger.Ledger
	logger *slog.Logger
	sinks  []history.Sink
}

// New builds a Manager over an existing ledger. The manager itself is
// stateless beyond its configuration; it may be recreated freely.
func New(l *ledger.Ledger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ledger: l, logger: logger}
}

// SetHistorySinks configures export destinations for completed invocations.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.sinks = append([]history.Sink(nil), sinks...)
}

func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// Spawn launches argv, records its context under running/<pid>, registers a
// completion watcher, and returns the OS pid without waiting for the process
// to finish. By the time Spawn returns, IsRunning(pid) is already true.
//
// Concurrent spawns for the same (target, tool) are not rejected here; each
// gets its own ledger entry and LookupPID's most-recent-start ordering
// decides which one a status query reflects.
func (m *Manager) Spawn(argv []string, sc SpawnContext) (int, error) {
	pid, _, err := m.spawn(argv, sc)
	return pid, err
}

// SpawnBlocking is Spawn plus a synchronous wait for the watcher to finish;
// it returns the completed record.
func (m *Manager) SpawnBlocking(argv []string, sc SpawnContext) (record.Record, error) {
	pid, done, err := m.spawn(argv, sc)
	if err != nil {
		return record.Record{}, err
	}
	<-done
	rec, ok, err := m.Status(pid)
	if err != nil {
		return record.Record{}, err
	}
	if !ok {
		return record.Record{}, fmt.Errorf("record for pid %d vanished after completion", pid)
	}
	return rec, nil
}

func (m *Manager) spawn(argv []string, sc SpawnContext) (int, chan struct{}, error) {
	if len(argv) == 0 {
		return 0, nil, &LaunchError{Argv: argv, Err: fmt.Errorf("empty command")}
	}
	// ok: tool command lines come from the module registry, not request input
	// #nosec G204
	cmd := exec.Command(argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return 0, nil, &LaunchError{Argv: argv, Err: err}
	}
	pid := cmd.Process.Pid

	// The context must be on disk before the caller gets the pid back, so a
	// status query issued right after Spawn finds a well-formed record.
	dir, err := m.ledger.Allocate(pid)
	if err == nil {
		err = record.WriteContext(dir, record.Context{
			ToolName:  sc.ToolName,
			Command:   sc.Command,
			Target:    sc.Target,
			StartTime: start,
		})
	}
	if err != nil {
		m.logger.Error("failed to persist spawn context", "pid", pid, "tool", sc.ToolName, "error", err)
	}

	m.logger.Info("spawned tool process",
		"tool", sc.ToolName, "command", sc.Command, "target", sc.Target.String(), "pid", pid)
	metrics.IncRun(sc.ToolName, sc.Command)
	m.updateRunningGauge()

	done := make(chan struct{})
	go m.watch(cmd, pid, dir, start, sc, &stdout, &stderr, done)
	return pid, done, err
}

// watch blocks until the subprocess exits, then persists the completion
// record and promotes the ledger entry. It holds no locks; the pid's
// directory is written by this goroutine alone.
func (m *Manager) watch(cmd *exec.Cmd, pid int, dir string, start time.Time, sc SpawnContext, stdout, stderr *bytes.Buffer, done chan struct{}) {
	defer close(done)

	waitErr := cmd.Wait()
	end := time.Now().UTC()
	rc := exitCode(cmd, waitErr)

	comp := record.Completion{
		ReturnCode: rc,
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start).Seconds(),
	}
	if dir == "" {
		// spawn could not allocate a ledger entry; without one there is
		// nowhere to persist, and writing to "" would scatter output files
		// into the working directory
		m.logger.Error("completion not persisted, no ledger entry for pid",
			"pid", pid, "tool", sc.ToolName, "return_code", rc)
	} else {
		if err := record.WriteCompletion(dir, comp, stdout.Bytes(), stderr.Bytes()); err != nil {
			m.logger.Error("failed to persist completion record", "pid", pid, "error", err)
		}
		if err := m.ledger.Promote(pid); err != nil {
			m.logger.Error("failed to promote ledger entry", "pid", pid, "error", err)
		}
	}

	m.logger.Info("tool process completed",
		"tool", sc.ToolName, "command", sc.Command, "pid", pid,
		"return_code", rc, "duration", comp.Duration)
	if rc != 0 {
		metrics.IncFailure(sc.ToolName, sc.Command)
	}
	metrics.ObserveDuration(sc.ToolName, comp.Duration)
	m.updateRunningGauge()
	m.notifySinks(history.Event{
		ToolName:   sc.ToolName,
		Command:    sc.Command,
		Target:     sc.Target,
		PID:        pid,
		ReturnCode: rc,
		StartedAt:  start,
		EndedAt:    end,
		Duration:   comp.Duration,
	})
}

func (m *Manager) notifySinks(e history.Event) {
	for _, s := range m.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.Send(ctx, e); err != nil {
			m.logger.Warn("history sink rejected event", "tool", e.ToolName, "pid", e.PID, "error", err)
		}
		cancel()
	}
}

func (m *Manager) updateRunningGauge() {
	if pids, err := m.ledger.List(ledger.Running); err == nil {
		metrics.SetRunningProcesses(len(pids))
	}
}

// exitCode maps a Wait result to the recorded return code. A process that
// could not be reaped normally (signal, wait error) records -1.
func exitCode(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// IsRunning reports whether pid currently resides in the running half with
// no completion artifact yet. Consults the filesystem only.
func (m *Manager) IsRunning(pid int) bool {
	half, ok := m.ledger.Find(pid)
	if !ok || half != ledger.Running {
		return false
	}
	_, err := os.Stat(filepath.Join(m.ledger.Dir(ledger.Running, pid), "completion.json"))
	return os.IsNotExist(err)
}

// Status returns the record for pid from whichever half holds it.
func (m *Manager) Status(pid int) (record.Record, bool, error) {
	half, ok := m.ledger.Find(pid)
	if !ok {
		return record.Record{}, false, nil
	}
	rec, err := record.Read(m.ledger.Dir(half, pid), pid)
	if err != nil {
		// a vanished or corrupt entry degrades to not-found
		m.logger.Warn("unreadable ledger entry", "pid", pid, "half", string(half), "error", err)
		return record.Record{}, false, nil
	}
	return rec, true, nil
}

// LookupPID returns the pid of the most recently started invocation matching
// (target, tool). The running half wins over completed: an active process is
// the more actionable match. Within a half, ties break on start time
// descending. Returns (0, false) when nothing matches.
func (m *Manager) LookupPID(tgt target.Target, toolName string) (int, bool) {
	for _, half := range []ledger.Half{ledger.Running, ledger.Completed} {
		if pid, ok := m.latestMatch(half, tgt, toolName); ok {
			return pid, true
		}
	}
	return 0, false
}

func (m *Manager) latestMatch(half ledger.Half, tgt target.Target, toolName string) (int, bool) {
	pids, err := m.ledger.List(half)
	if err != nil {
		m.logger.Warn("ledger scan failed", "half", string(half), "error", err)
		return 0, false
	}
	var (
		best      int
		bestStart time.Time
		found     bool
	)
	for _, pid := range pids {
		rec, err := record.Read(m.ledger.Dir(half, pid), pid)
		if err != nil {
			// mid-transition or corrupt entries are skipped, not fatal
			m.logger.Warn("skipping unreadable ledger entry", "pid", pid, "half", string(half), "error", err)
			continue
		}
		if rec.Context.ToolName != toolName || rec.Context.Target != tgt {
			continue
		}
		if !found || rec.Context.StartTime.After(bestStart) {
			best, bestStart, found = pid, rec.Context.StartTime, true
		}
	}
	return best, found
}

// Processes returns all readable records in the given half, most recently
// started first.
func (m *Manager) Processes(half ledger.Half) ([]record.Record, error) {
	pids, err := m.ledger.List(half)
	if err != nil {
		return nil, err
	}
	recs := make([]record.Record, 0, len(pids))
	for _, pid := range pids {
		rec, err := record.Read(m.ledger.Dir(half, pid), pid)
		if err != nil {
			m.logger.Warn("skipping unreadable ledger entry", "pid", pid, "half", string(half), "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	sortByStartDesc(recs)
	return recs, nil
}

func sortByStartDesc(recs []record.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Context.StartTime.After(recs[j].Context.StartTime)
	})
}

// ClearLogs deletes every entry of one ledger half. Administrative only.
func (m *Manager) ClearLogs(half ledger.Half) error {
	m.logger.Info("clearing ledger", "half", string(half))
	if err := m.ledger.Clear(half); err != nil {
		return err
	}
	m.updateRunningGauge()
	return nil
}
