package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/imaginglab/studykit/internal/history"
	"github.com/imaginglab/studykit/internal/target"
)

func TestSinkSendAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = sink.Close() }()

	start := time.Now().Add(-5 * time.Second).UTC()
	end := time.Now().UTC()
	events := []history.Event{
		{ToolName: "simple", Command: "run", Target: target.Target{Subject: "ABC-0001", Study: "MR-20250101"}, PID: 100, ReturnCode: 0, StartedAt: start, EndedAt: end, Duration: 5},
		{ToolName: "simple", Command: "undo", Target: target.Target{Subject: "ABC-0001", Study: "MR-20250101"}, PID: 101, ReturnCode: 1, StartedAt: start, EndedAt: end, Duration: 5},
	}
	for _, e := range events {
		if err := sink.Send(context.Background(), e); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	var n int
	if err := sink.db.QueryRow(`SELECT COUNT(*) FROM tool_history WHERE tool_name = ?`, "simple").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d want 2", n)
	}
	var rc int
	if err := sink.db.QueryRow(`SELECT return_code FROM tool_history WHERE command = ?`, "undo").Scan(&rc); err != nil {
		t.Fatalf("select: %v", err)
	}
	if rc != 1 {
		t.Fatalf("return_code = %d want 1", rc)
	}
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatalf("empty DSN must fail")
	}
}
