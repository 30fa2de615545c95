// Package record persists the metadata and captured output of one spawned
// subprocess as a directory of small files. The layout is shared with
// out-of-process collaborators and must not change:
//
//	<dir>/context.json     written at spawn, before any output exists
//	<dir>/completion.json  written once the subprocess has exited
//	<dir>/stdout.txt
//	<dir>/stderr.txt
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imaginglab/studykit/internal/target"
)

const (
	contextFile    = "context.json"
	completionFile = "completion.json"
	stdoutFile     = "stdout.txt"
	stderrFile     = "stderr.txt"
)

// ErrNotFound is returned by Read when a directory holds no usable record.
var ErrNotFound = errors.New("process record not found")

// Context is the start-of-run half of a record. It exists from the moment
// the subprocess is spawned, so a status query racing a fresh spawn still
// finds a well-formed (partial) record.
type Context struct {
	ToolName  string        `json:"tool_name"`
	Command   string        `json:"command"` // "run" or "undo"
	Target    target.Target `json:"target"`
	StartTime time.Time     `json:"start_time"`
}

// Completion is the end-of-run half, present only after the subprocess has
// exited and its output has been drained.
type Completion struct {
	ReturnCode int       `json:"return_code"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Duration   float64   `json:"duration"` // seconds
}

// Record is one subprocess invocation as read back from disk.
type Record struct {
	PID     int
	Context Context
	// Completed reports whether completion.json exists; when false the
	// completion fields below are zero and the process is considered live.
	Completed  bool
	Completion Completion
	Stdout     string
	Stderr     string
}

// WriteContext writes context.json into dir. Called exactly once per spawn,
// before the caller gets the pid back.
func WriteContext(dir string, c Context) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, contextFile), b, 0o600)
}

// WriteCompletion writes stdout.txt, stderr.txt and completion.json into dir.
// completion.json is staged to a temp file in the same directory and renamed
// into place so a concurrent reader sees either no completion or a whole one.
func WriteCompletion(dir string, comp Completion, stdout, stderr []byte) error {
	if err := os.WriteFile(filepath.Join(dir, stdoutFile), stdout, 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, stderrFile), stderr, 0o600); err != nil {
		return err
	}
	b, err := json.MarshalIndent(comp, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, completionFile+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, completionFile))
}

// Read loads the record stored in dir. A missing completion file means the
// process is still running and is not an error. A missing or unparseable
// context file means the directory is not a usable record; the caller gets
// ErrNotFound (wrapped) and decides whether to log.
func Read(dir string, pid int) (Record, error) {
	rec := Record{PID: pid}

	b, err := os.ReadFile(filepath.Join(dir, contextFile))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrNotFound, dir, err)
	}
	if err := json.Unmarshal(b, &rec.Context); err != nil {
		return Record{}, fmt.Errorf("%w: %s: bad context.json: %v", ErrNotFound, dir, err)
	}

	cb, err := os.ReadFile(filepath.Join(dir, completionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return rec, nil // still running
		}
		return Record{}, fmt.Errorf("%w: %s: %v", ErrNotFound, dir, err)
	}
	if err := json.Unmarshal(cb, &rec.Completion); err != nil {
		return Record{}, fmt.Errorf("%w: %s: bad completion.json: %v", ErrNotFound, dir, err)
	}
	rec.Completed = true

	// Captured output is best-effort: a record without it is still valid.
	if ob, err := os.ReadFile(filepath.Join(dir, stdoutFile)); err == nil {
		rec.Stdout = string(ob)
	}
	if eb, err := os.ReadFile(filepath.Join(dir, stderrFile)); err == nil {
		rec.Stderr = string(eb)
	}
	return rec, nil
}
