package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imaginglab/studykit"
)

func TestBuildRootCommands(t *testing.T) {
	root := buildRoot()
	want := map[string]bool{
		"serve": false, "subjects": false, "studies": false, "tools": false,
		"run": false, "undo": false, "processes": false, "process": false,
		"clear-logs": false,
	}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %s", name)
		}
	}
}

func TestServeBadConfig(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"serve", "--config", "/no/such/file.toml"})
	if err := root.Execute(); err == nil {
		t.Fatalf("serve with missing config must fail")
	}
}

func TestClientCommandsAgainstServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	root := t.TempDir()
	dataDir := filepath.Join(root, "data")
	if err := os.MkdirAll(filepath.Join(dataDir, "ABC-0001", "MR-20250101"), 0o750); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(root, "studykit.toml")
	body := `
data_dir = "` + dataDir + `"
sample_tool = true
sample_tool_sleep = "100ms"
[log]
no_color = true
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	fc, err := studykit.LoadConfig(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	app, err := studykit.NewApp(fc)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(app.Handler())
	t.Cleanup(ts.Close)

	run := func(args ...string) error {
		cmd := buildRoot()
		cmd.SetArgs(append(args, "--api-url", ts.URL))
		return cmd.Execute()
	}

	if err := run("subjects"); err != nil {
		t.Fatalf("subjects: %v", err)
	}
	if err := run("studies", "ABC-0001"); err != nil {
		t.Fatalf("studies: %v", err)
	}
	if err := run("tools", "--subject", "ABC-0001", "--study", "MR-20250101"); err != nil {
		t.Fatalf("tools: %v", err)
	}
	if err := run("run", "simple-study-tool", "--subject", "ABC-0001", "--study", "MR-20250101"); err != nil {
		t.Fatalf("run: %v", err)
	}
	// double run is a precondition violation surfaced as an API error
	if err := run("run", "simple-study-tool", "--subject", "ABC-0001", "--study", "MR-20250101"); err == nil {
		t.Fatalf("double run must fail")
	}
	if err := run("processes", "--which", "running"); err != nil {
		t.Fatalf("processes: %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	if err := run("clear-logs", "--which", "completed"); err != nil {
		t.Fatalf("clear-logs: %v", err)
	}

	if err := run("processes", "--which", "zombie"); err == nil {
		t.Fatalf("bad half must fail")
	}
	if err := run("process", "not-a-pid"); err == nil {
		t.Fatalf("bad pid must fail")
	}
}
