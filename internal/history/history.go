package history

import (
	"context"
	"time"

	"github.com/imaginglab/studykit/internal/target"
)

// Event describes one finished tool invocation. The filesystem ledger stays
// authoritative; events are an export for analytics/audit systems.
type Event struct {
	ToolName   string        `json:"tool_name"`
	Command    string        `json:"command"`
	Target     target.Target `json:"target"`
	PID        int           `json:"pid"`
	ReturnCode int           `json:"return_code"`
	StartedAt  time.Time     `json:"started_at"`
	EndedAt    time.Time     `json:"ended_at"`
	Duration   float64       `json:"duration"` // seconds
}

// Sink is a destination for invocation events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
