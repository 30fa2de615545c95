package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/imaginglab/studykit/internal/procman"
	"github.com/imaginglab/studykit/internal/target"
)

// SimpleName is the registry name of the sample study tool.
const SimpleName = "simple-study-tool"

const simpleMarkerFile = "testfile.txt"

// Simple is a demonstration study tool: run sleeps briefly and writes a
// marker file into the study directory, undo removes it. It exercises the
// whole spawn/ledger/status path and backs the end-to-end tests.
type Simple struct {
	tgt    target.Target
	dir    string
	marker string
	sleep  time.Duration
	pm     *procman.Manager
}

// NewSimple binds the sample tool to a resolved study directory.
func NewSimple(pm *procman.Manager, res target.Resolver, tgt target.Target, sleep time.Duration) (*Simple, error) {
	dir, err := res.Path(tgt)
	if err != nil {
		return nil, err
	}
	if sleep <= 0 {
		sleep = 5 * time.Second
	}
	return &Simple{
		tgt:    tgt,
		dir:    dir,
		marker: filepath.Join(dir, simpleMarkerFile),
		sleep:  sleep,
		pm:     pm,
	}, nil
}

func (s *Simple) Name() string          { return SimpleName }
func (s *Simple) Target() target.Target { return s.tgt }
func (s *Simple) Undoable() bool        { return true }

func (s *Simple) InputsPresent() bool {
	fi, err := os.Stat(s.dir)
	return err == nil && fi.IsDir()
}

func (s *Simple) OutputsPresent() bool {
	fi, err := os.Stat(s.marker)
	return err == nil && !fi.IsDir()
}

// Run spawns the work as a subprocess so it flows through the ledger like
// any module run.
func (s *Simple) Run() error {
	script := fmt.Sprintf("sleep %g && printf 'marker written by %s for %s\\n' > %s",
		s.sleep.Seconds(), SimpleName, s.tgt, s.marker)
	_, err := s.pm.Spawn([]string{"/bin/sh", "-c", script}, procman.SpawnContext{
		ToolName: SimpleName,
		Command:  "run",
		Target:   s.tgt,
	})
	return err
}

// Undo removes the marker inline; there is nothing worth a subprocess.
func (s *Simple) Undo() error {
	if err := os.Remove(s.marker); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%s: undo: %w", SimpleName, err)
	}
	return nil
}
