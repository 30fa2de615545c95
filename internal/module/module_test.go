package module

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imaginglab/studykit/internal/ledger"
	"github.com/imaginglab/studykit/internal/procman"
	"github.com/imaginglab/studykit/internal/target"
	"github.com/imaginglab/studykit/internal/tool"
)

// protocolScript behaves like a real module: status is derived from an output
// marker, run writes it after a short sleep, undo removes it.
const protocolScript = `#!/bin/sh
cmd="$1"; shift
tgt=""
while [ $# -gt 0 ]; do
  case "$1" in
    --target) tgt="$2"; shift 2 ;;
    *) shift ;;
  esac
done
case "$cmd" in
  properties)
    echo '{"undoable": true, "options": {"smoothing": {"values": ["none", "gaussian"]}}}'
    ;;
  status)
    if [ ! -d "$tgt" ]; then
      echo '{"state": "unrunnable", "rationale": "target directory missing"}'
    elif [ -f "$tgt/out.txt" ]; then
      echo '{"state": "completed", "rationale": "output present"}'
    else
      echo '{"state": "runnable", "rationale": "ready"}'
    fi
    ;;
  run)
    sleep 0.2
    echo "processed" > "$tgt/out.txt"
    ;;
  undo)
    rm -f "$tgt/out.txt"
    ;;
esac
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newEnv(t *testing.T) (*procman.Manager, target.Resolver, target.Target) {
	t.Helper()
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	tgt := target.Target{Subject: "ABC-0001", Study: "MR-20250101"}
	if err := os.MkdirAll(filepath.Join(dataDir, tgt.Subject, tgt.Study), 0o750); err != nil {
		t.Fatal(err)
	}
	l, err := ledger.New(filepath.Join(root, "processes"), nil)
	if err != nil {
		t.Fatal(err)
	}
	return procman.New(l, nil), target.Resolver{DataDir: dataDir}, tgt
}

func newAdapter(t *testing.T, body string, opts map[string]string) (*Adapter, *procman.Manager) {
	t.Helper()
	pm, res, tgt := newEnv(t)
	a, err := New(Config{
		Name:     "shell-module",
		Script:   writeScript(t, body),
		Target:   tgt,
		Resolver: res,
		Options:  opts,
		Manager:  pm,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a, pm
}

func TestAdapterProperties(t *testing.T) {
	a, _ := newAdapter(t, protocolScript, nil)
	if !a.Undoable() {
		t.Fatalf("script declares undoable")
	}
	spec, ok := a.Properties().Options["smoothing"]
	if !ok || len(spec.Values) != 2 {
		t.Fatalf("options: %+v", a.Properties())
	}
}

func TestAdapterOptionValidation(t *testing.T) {
	pm, res, tgt := newEnv(t)
	script := writeScript(t, protocolScript)

	_, err := New(Config{
		Name: "m", Script: script, Target: tgt, Resolver: res, Manager: pm,
		Options: map[string]string{"smoothing": "cubic"},
	})
	if err == nil {
		t.Fatalf("undeclared option value must fail")
	}
	_, err = New(Config{
		Name: "m", Script: script, Target: tgt, Resolver: res, Manager: pm,
		Options: map[string]string{"verbosity": "high"},
	})
	if err == nil {
		t.Fatalf("unknown option must fail")
	}
}

func TestAdapterLifecycle(t *testing.T) {
	a, pm := newAdapter(t, protocolScript, map[string]string{"smoothing": "gaussian"})

	d := tool.Derive(a, pm)
	if d.Status != tool.StateAvailable || d.Message != "ready" {
		t.Fatalf("initial: %+v", d)
	}

	if err := tool.Dispatch(a, pm, "run"); err != nil {
		t.Fatalf("run: %v", err)
	}
	// the manager's ledger knows about the run before the script does
	d = tool.Derive(a, pm)
	if d.Status != tool.StateRunning || d.PID == 0 {
		t.Fatalf("after run: %+v", d)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		d = tool.Derive(a, pm)
		if d.Status == tool.StateComplete {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if d.Status != tool.StateComplete || d.Message != "output present" {
		t.Fatalf("after completion: %+v", d)
	}
	if len(d.Commands) != 1 || d.Commands[0] != "undo" {
		t.Fatalf("completed commands: %+v", d)
	}

	if err := tool.Dispatch(a, pm, "undo"); err != nil {
		t.Fatalf("undo: %v", err)
	}
	for time.Now().Before(deadline) {
		d = tool.Derive(a, pm)
		if d.Status == tool.StateAvailable {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if d.Status != tool.StateAvailable {
		t.Fatalf("after undo: %+v", d)
	}
}

func TestAdapterRunArgvCarriesOptions(t *testing.T) {
	a, _ := newAdapter(t, protocolScript, map[string]string{"smoothing": "none"})
	argv := a.argv("run")
	want := []string{a.script, "run", "--target", a.path, "--smoothing", "none"}
	if len(argv) != len(want) {
		t.Fatalf("argv: %v", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
	if got := a.argv("undo"); len(got) != 4 {
		t.Fatalf("undo argv must not carry options: %v", got)
	}
}

func TestAdapterMalformedStatus(t *testing.T) {
	a, pm := newAdapter(t, `#!/bin/sh
case "$1" in
  properties) echo '{"undoable": false, "options": {}}' ;;
  status) echo 'this is not json' ;;
esac
`, nil)

	_, _, err := a.SelfStatus()
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Subcommand != "status" {
		t.Fatalf("want protocol error, got %v", err)
	}

	// a broken script must never crash a status listing
	d := tool.Derive(a, pm)
	if d.Status != tool.StateUnavailable || d.Message == "" {
		t.Fatalf("derive with broken script: %+v", d)
	}
}

func TestAdapterStatusNonZeroExit(t *testing.T) {
	a, _ := newAdapter(t, `#!/bin/sh
case "$1" in
  properties) echo '{"undoable": false, "options": {}}' ;;
  status) echo "disk on fire" >&2; exit 3 ;;
esac
`, nil)

	_, _, err := a.SelfStatus()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("want protocol error, got %v", err)
	}
}

func TestAdapterErrorState(t *testing.T) {
	a, pm := newAdapter(t, `#!/bin/sh
case "$1" in
  properties) echo '{"undoable": false, "options": {}}' ;;
  status) echo '{"state": "error", "rationale": "corrupt imaging data"}' ;;
esac
`, nil)

	st, msg, err := a.SelfStatus()
	if err != nil || st != tool.StateUnavailable || msg != "corrupt imaging data" {
		t.Fatalf("error state: %v %q %v", st, msg, err)
	}
	d := tool.Derive(a, pm)
	if d.Status != tool.StateUnavailable || d.Message != "corrupt imaging data" {
		t.Fatalf("derive: %+v", d)
	}
}

func TestAdapterBadProperties(t *testing.T) {
	pm, res, tgt := newEnv(t)
	script := writeScript(t, `#!/bin/sh
echo "garbage"
`)
	_, err := New(Config{Name: "m", Script: script, Target: tgt, Resolver: res, Manager: pm})
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Subcommand != "properties" {
		t.Fatalf("want properties protocol error, got %v", err)
	}
}

func TestAdapterManagerOverridesSelfReport(t *testing.T) {
	// the script always claims completed, but a live tracked process wins
	a, pm := newAdapter(t, `#!/bin/sh
tgt=""
cmd="$1"; shift
while [ $# -gt 0 ]; do
  case "$1" in --target) tgt="$2"; shift 2 ;; *) shift ;; esac
done
case "$cmd" in
  properties) echo '{"undoable": true, "options": {}}' ;;
  status) echo '{"state": "completed", "rationale": "claims done"}' ;;
  run) sleep 2 ;;
esac
`, nil)

	if err := a.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	d := tool.Derive(a, pm)
	if d.Status != tool.StateRunning {
		t.Fatalf("live process must override self-report: %+v", d)
	}
}
