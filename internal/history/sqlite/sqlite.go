package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/imaginglab/studykit/internal/history"
)

// Sink writes invocation events to a SQLite database
// (modernc.org/sqlite driver, CGO-free).
type Sink struct {
	db *sql.DB
}

// New opens a SQLite sink. Accepted DSNs:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db"
//   - ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = db.Exec("PRAGMA busy_timeout=3000;")
	s := &Sink{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tool_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool_name TEXT NOT NULL,
			command TEXT NOT NULL,
			subject TEXT NOT NULL,
			study TEXT NOT NULL,
			pid INTEGER NOT NULL,
			return_code INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			duration REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_history_tool ON tool_history(tool_name);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_history_target ON tool_history(subject, study);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_history(tool_name, command, subject, study, pid, return_code, started_at, ended_at, duration)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ToolName, e.Command, e.Target.Subject, e.Target.Study,
		e.PID, e.ReturnCode, e.StartedAt.UTC(), e.EndedAt.UTC(), e.Duration)
	return err
}

func (s *Sink) Close() error { return s.db.Close() }
