// Package module adapts an external command-line script to the tool contract.
// The script is a black box honoring a fixed sub-command protocol:
//
//	script properties                  -> {"undoable": bool, "options": {...}}
//	script status --target <dir>       -> {"state": ..., "rationale": ...}
//	script run    --target <dir> [--opt value]...
//	script undo   --target <dir>
//
// properties and status are short synchronous queries executed inline; run and
// undo go through the process manager so they are ledgered like any other
// tool invocation.
package module

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"time"

	"github.com/imaginglab/studykit/internal/procman"
	"github.com/imaginglab/studykit/internal/target"
	"github.com/imaginglab/studykit/internal/tool"
)

const defaultQueryTimeout = 10 * time.Second

// OptionSpec declares the accepted values of one named run option. An empty
// Values list means free-form.
type OptionSpec struct {
	Values []string `json:"values"`
}

// Properties is the script's self-description, queried once per adapter.
type Properties struct {
	Undoable bool                  `json:"undoable"`
	Options  map[string]OptionSpec `json:"options"`
}

// ProtocolError reports a script that broke the protocol: non-zero exit or
// malformed JSON from a query sub-command. It is never folded into a regular
// state; status derivation surfaces it as an unavailable descriptor.
type ProtocolError struct {
	Script     string
	Subcommand string
	Err        error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("module %s: %s: %v", e.Script, e.Subcommand, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Config assembles an adapter. Name, Script, Target, Resolver and Manager are
// required.
type Config struct {
	Name     string
	Script   string // path to the executable
	Target   target.Target
	Resolver target.Resolver
	Options  map[string]string // run options, validated against properties
	Manager  *procman.Manager
	Logger   *slog.Logger
	// QueryTimeout bounds properties/status calls; zero means 10s.
	QueryTimeout time.Duration
}

// Adapter implements tool.Tool and tool.SelfReporter on top of the script.
type Adapter struct {
	name    string
	script  string
	tgt     target.Target
	path    string
	opts    map[string]string
	props   Properties
	pm      *procman.Manager
	logger  *slog.Logger
	timeout time.Duration
}

// New resolves the target, queries the script's properties and validates the
// configured options against them. A script that cannot answer properties is
// unusable, so the failure is returned rather than deferred.
func New(c Config) (*Adapter, error) {
	path, err := c.Resolver.Path(c.Target)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", c.Name, err)
	}
	a := &Adapter{
		name:    c.Name,
		script:  c.Script,
		tgt:     c.Target,
		path:    path,
		opts:    c.Options,
		pm:      c.Manager,
		logger:  c.Logger,
		timeout: c.QueryTimeout,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.timeout <= 0 {
		a.timeout = defaultQueryTimeout
	}

	out, err := a.query("properties")
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(out, &a.props); err != nil {
		return nil, &ProtocolError{Script: a.script, Subcommand: "properties", Err: fmt.Errorf("malformed JSON: %w", err)}
	}
	if err := a.validateOptions(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) validateOptions() error {
	for name, val := range a.opts {
		spec, ok := a.props.Options[name]
		if !ok {
			return fmt.Errorf("module %s: unknown option %q", a.name, name)
		}
		if len(spec.Values) == 0 {
			continue
		}
		valid := false
		for _, v := range spec.Values {
			if v == val {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("module %s: option %s=%q not in %v", a.name, name, val, spec.Values)
		}
	}
	return nil
}

// query runs a synchronous protocol sub-command and returns its stdout.
func (a *Adapter) query(sub string, extra ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.script, append([]string{sub}, extra...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &ProtocolError{
			Script:     a.script,
			Subcommand: sub,
			Err:        fmt.Errorf("%w (stderr: %s)", err, bytes.TrimSpace(stderr.Bytes())),
		}
	}
	return stdout.Bytes(), nil
}

func (a *Adapter) Name() string          { return a.name }
func (a *Adapter) Target() target.Target { return a.tgt }
func (a *Adapter) Undoable() bool        { return a.props.Undoable }

// Properties returns the cached script self-description.
func (a *Adapter) Properties() Properties { return a.props }

// SelfStatus asks the script for its own view of the target. The caller
// overlays live-process knowledge on top; the script cannot know that this
// framework is independently tracking an OS-level run of it.
func (a *Adapter) SelfStatus() (tool.State, string, error) {
	out, err := a.query("status", "--target", a.path)
	if err != nil {
		a.logger.Warn("module status query failed", "module", a.name, "target", a.tgt.String(), "error", err)
		return tool.StateUnavailable, "", err
	}
	var rep struct {
		State     string `json:"state"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal(out, &rep); err != nil {
		perr := &ProtocolError{Script: a.script, Subcommand: "status", Err: fmt.Errorf("malformed JSON: %w", err)}
		a.logger.Warn("module status query failed", "module", a.name, "target", a.tgt.String(), "error", perr)
		return tool.StateUnavailable, "", perr
	}
	switch rep.State {
	case "unrunnable":
		return tool.StateUnavailable, rep.Rationale, nil
	case "runnable":
		return tool.StateAvailable, rep.Rationale, nil
	case "running":
		return tool.StateRunning, rep.Rationale, nil
	case "completed":
		return tool.StateComplete, rep.Rationale, nil
	case "error":
		// the script itself failed to assess the target
		msg := rep.Rationale
		if msg == "" {
			msg = "module reported an error"
		}
		return tool.StateUnavailable, msg, nil
	default:
		perr := &ProtocolError{Script: a.script, Subcommand: "status", Err: fmt.Errorf("unknown state %q", rep.State)}
		return tool.StateUnavailable, "", perr
	}
}

func (a *Adapter) InputsPresent() bool {
	st, _, err := a.SelfStatus()
	if err != nil {
		return false
	}
	return st == tool.StateAvailable || st == tool.StateRunning || st == tool.StateComplete
}

func (a *Adapter) OutputsPresent() bool {
	st, _, err := a.SelfStatus()
	return err == nil && st == tool.StateComplete
}

// Run spawns `script run --target <dir>` through the process manager and
// returns as soon as the process is ledgered.
func (a *Adapter) Run() error {
	_, err := a.pm.Spawn(a.argv("run"), procman.SpawnContext{
		ToolName: a.name,
		Command:  "run",
		Target:   a.tgt,
	})
	return err
}

// Undo spawns `script undo --target <dir>`. Like run it is asynchronous; the
// next status query reflects the outcome.
func (a *Adapter) Undo() error {
	_, err := a.pm.Spawn(a.argv("undo"), procman.SpawnContext{
		ToolName: a.name,
		Command:  "undo",
		Target:   a.tgt,
	})
	return err
}

func (a *Adapter) argv(sub string) []string {
	argv := []string{a.script, sub, "--target", a.path}
	if sub != "run" {
		return argv
	}
	names := make([]string, 0, len(a.opts))
	for name := range a.opts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		argv = append(argv, "--"+name, a.opts[name])
	}
	return argv
}
