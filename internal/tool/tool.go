// Package tool defines the uniform run/undo/status contract every operation
// implements, and derives the lifecycle state shared by all of them.
package tool

import (
	"fmt"

	"github.com/imaginglab/studykit/internal/target"
)

// State is the derived lifecycle state of a tool for one target.
type State string

const (
	StateUnavailable State = "unavailable" // inputs missing
	StateAvailable   State = "available"   // inputs present, no outputs yet
	StateRunning     State = "running"     // a live process matches this (target, tool)
	StateComplete    State = "complete"    // outputs present
)

// Descriptor is the status answer consumed by the web layer.
type Descriptor struct {
	Name     string   `json:"name"`
	Status   State    `json:"status"`
	Message  string   `json:"message"`
	Commands []string `json:"commands"`
	PID      int      `json:"pid,omitempty"`
}

// Tool is a named capability bound to one target. Implementations are
// constructed per request and stateless beyond their target; they never own
// a process, they only query or command the process manager.
//
// The presence-check methods must swallow their own I/O errors and answer
// false: status derivation is called speculatively and must not fail.
type Tool interface {
	Name() string
	Target() target.Target

	// Run starts the operation. Asynchronous implementations delegate to the
	// process manager and return as soon as the process is spawned.
	Run() error
	// Undo removes the tool's output artifacts.
	Undo() error
	Undoable() bool

	InputsPresent() bool
	OutputsPresent() bool
}

// SelfReporter is implemented by tools that can report their own state, such
// as module adapters asking the wrapped script. Derive consults it after the
// process manager: live-process knowledge always overrides a self-report.
type SelfReporter interface {
	SelfStatus() (State, string, error)
}

// ProcessIndex is the slice of the process manager the state machine needs.
type ProcessIndex interface {
	LookupPID(tgt target.Target, toolName string) (int, bool)
	IsRunning(pid int) bool
}

// PreconditionError reports run/undo dispatched from an invalid state. This
// is a caller bug, not an environmental fault, so it is typed and surfaced.
type PreconditionError struct {
	Tool   string
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: cannot %s: %s", e.Tool, e.Op, e.Reason)
}

// Derive computes the descriptor for t. The order is load-bearing: a live
// process is checked first because a running tool has not produced its final
// outputs yet; checking outputs first would misreport it as available.
// Derive never returns an error; internal failures degrade to unavailable.
func Derive(t Tool, idx ProcessIndex) Descriptor {
	d := Descriptor{Name: t.Name(), Commands: []string{}}

	pid, found := idx.LookupPID(t.Target(), t.Name())
	if found && idx.IsRunning(pid) {
		d.Status = StateRunning
		d.Message = fmt.Sprintf("%s is running, refresh to update", t.Name())
		d.PID = pid
		return d
	}

	if sr, ok := t.(SelfReporter); ok {
		return deriveSelfReported(t, sr, d, pid, found)
	}

	switch {
	case t.OutputsPresent():
		d.Status = StateComplete
		d.Message = fmt.Sprintf("%s has run successfully", t.Name())
		if t.Undoable() {
			d.Commands = []string{"undo"}
		}
		if found {
			d.PID = pid
		}
	case t.InputsPresent():
		d.Status = StateAvailable
		d.Message = fmt.Sprintf("%s is ready to run", t.Name())
		d.Commands = []string{"run"}
	default:
		d.Status = StateUnavailable
		d.Message = fmt.Sprintf("%s cannot run, inputs do not exist", t.Name())
	}
	return d
}

func deriveSelfReported(t Tool, sr SelfReporter, d Descriptor, pid int, found bool) Descriptor {
	state, rationale, err := sr.SelfStatus()
	if err != nil {
		// protocol errors degrade to unavailable with the error as message
		d.Status = StateUnavailable
		d.Message = err.Error()
		return d
	}
	d.Status = state
	d.Message = rationale
	switch state {
	case StateComplete:
		if t.Undoable() {
			d.Commands = []string{"undo"}
		}
		if found {
			d.PID = pid
		}
	case StateAvailable:
		d.Commands = []string{"run"}
	case StateRunning:
		// the script tracks a run this framework did not start
		if d.Message == "" {
			d.Message = fmt.Sprintf("%s is running, refresh to update", t.Name())
		}
	}
	return d
}

// Dispatch executes command ("run" or "undo") on t after re-validating the
// preconditions the status derivation implies. Callers are expected to only
// offer commands listed in the descriptor, but the checks here are the
// authority.
func Dispatch(t Tool, idx ProcessIndex, command string) error {
	running := false
	if pid, ok := idx.LookupPID(t.Target(), t.Name()); ok {
		running = idx.IsRunning(pid)
	}
	switch command {
	case "run":
		if running {
			return &PreconditionError{Tool: t.Name(), Op: "run", Reason: "already running"}
		}
		if !t.InputsPresent() {
			return &PreconditionError{Tool: t.Name(), Op: "run", Reason: "inputs do not exist"}
		}
		return t.Run()
	case "undo":
		if !t.Undoable() {
			return &PreconditionError{Tool: t.Name(), Op: "undo", Reason: "tool is not undoable"}
		}
		if running {
			return &PreconditionError{Tool: t.Name(), Op: "undo", Reason: "still running"}
		}
		if !t.OutputsPresent() {
			return &PreconditionError{Tool: t.Name(), Op: "undo", Reason: "not complete"}
		}
		return t.Undo()
	default:
		return fmt.Errorf("unknown tool command %q", command)
	}
}
