package record

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imaginglab/studykit/internal/target"
)

func TestContextRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := Context{
		ToolName:  "nii-converter",
		Command:   "run",
		Target:    target.Target{Subject: "ABC-0001", Study: "MR-20250101"},
		StartTime: time.Date(2025, 8, 1, 12, 30, 0, 0, time.UTC),
	}
	if err := WriteContext(dir, want); err != nil {
		t.Fatalf("write context: %v", err)
	}
	rec, err := Read(dir, 123)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Completed {
		t.Fatalf("record without completion must not be completed")
	}
	got := rec.Context
	if got.ToolName != want.ToolName || got.Command != want.Command ||
		got.Target != want.Target || !got.StartTime.Equal(want.StartTime) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if rec.PID != 123 {
		t.Fatalf("pid = %d", rec.PID)
	}
}

func TestCompletion(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().Add(-3 * time.Second).UTC()
	end := time.Now().UTC()
	if err := WriteContext(dir, Context{ToolName: "t", Command: "run", StartTime: start}); err != nil {
		t.Fatal(err)
	}
	comp := Completion{ReturnCode: 7, StartTime: start, EndTime: end, Duration: end.Sub(start).Seconds()}
	if err := WriteCompletion(dir, comp, []byte("out\n"), []byte("err\n")); err != nil {
		t.Fatalf("write completion: %v", err)
	}
	rec, err := Read(dir, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !rec.Completed || rec.Completion.ReturnCode != 7 {
		t.Fatalf("completion not read back: %+v", rec)
	}
	if rec.Stdout != "out\n" || rec.Stderr != "err\n" {
		t.Fatalf("captured output mismatch: %q %q", rec.Stdout, rec.Stderr)
	}
	// the staging temp file must not linger
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && filepath.Ext(e.Name()) != ".txt" {
			t.Fatalf("unexpected leftover file %s", e.Name())
		}
	}
}

func TestReadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(filepath.Join(dir, "nope"), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing dir: want ErrNotFound, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "context.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(dir, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("corrupt context: want ErrNotFound, got %v", err)
	}
	// corrupt completion also degrades to not-found rather than a partial record
	if err := WriteContext(dir, Context{ToolName: "x", Command: "run", StartTime: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "completion.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(dir, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("corrupt completion: want ErrNotFound, got %v", err)
	}
}
