// Package studykit wires the imaging-study tool framework together: the
// filesystem ledger of spawned tool processes, the run/undo/status state
// machine, external module scripts, and the HTTP API. This file is the public
// facade for embedding; the cmd/studykit binary is a thin wrapper around it.
package studykit

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/imaginglab/studykit/internal/config"
	"github.com/imaginglab/studykit/internal/history"
	"github.com/imaginglab/studykit/internal/history/factory"
	"github.com/imaginglab/studykit/internal/ledger"
	"github.com/imaginglab/studykit/internal/logger"
	"github.com/imaginglab/studykit/internal/metrics"
	"github.com/imaginglab/studykit/internal/module"
	"github.com/imaginglab/studykit/internal/procman"
	"github.com/imaginglab/studykit/internal/record"
	"github.com/imaginglab/studykit/internal/server"
	"github.com/imaginglab/studykit/internal/target"
	"github.com/imaginglab/studykit/internal/tool"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Target = target.Target

type Resolver = target.Resolver

type Descriptor = tool.Descriptor

type Tool = tool.Tool

type Registry = tool.Registry

type Record = record.Record

type SpawnContext = procman.SpawnContext

type HistorySink = history.Sink

type Config = config.FileConfig

type ModuleConfig = config.ModuleConfig

// Ledger halves, for Processes and ClearLogs.
const (
	Running   = ledger.Running
	Completed = ledger.Completed
)

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App is a fully assembled studykit instance.
type App struct {
	Config   *Config
	Logger   *slog.Logger
	Ledger   *ledger.Ledger
	Manager  *procman.Manager
	Resolver Resolver
	Registry *Registry

	sink HistorySink
}

// NewApp assembles an App from config: logger, ledger, process manager,
// optional history sink, and the tool registry populated with the configured
// module scripts (and the sample tool when enabled).
func NewApp(fc *Config) (*App, error) {
	var logCfg logger.Config
	if fc.Log != nil {
		logCfg = *fc.Log
	}
	log := logger.New(logCfg)

	l, err := ledger.New(fc.ProcessRoot, log)
	if err != nil {
		return nil, fmt.Errorf("open process ledger: %w", err)
	}
	pm := procman.New(l, log)

	app := &App{
		Config:   fc,
		Logger:   log,
		Ledger:   l,
		Manager:  pm,
		Resolver: Resolver{DataDir: fc.DataDir},
		Registry: tool.NewRegistry(),
	}

	if fc.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(fc.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		app.sink = sink
		pm.SetHistorySinks(sink)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}

	if fc.SampleTool {
		err := app.Registry.Register(tool.SimpleName, "study", func(tgt Target) (Tool, error) {
			return tool.NewSimple(pm, app.Resolver, tgt, fc.SampleToolSleep)
		})
		if err != nil {
			return nil, err
		}
	}
	for _, mc := range fc.Modules {
		mc := mc
		err := app.Registry.Register(mc.Name, mc.Scope, func(tgt Target) (Tool, error) {
			return module.New(module.Config{
				Name:     mc.Name,
				Script:   mc.Script,
				Target:   tgt,
				Resolver: app.Resolver,
				Options:  mc.Options,
				Manager:  pm,
				Logger:   log,
			})
		})
		if err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Descriptors derives the status of every tool applicable to tgt.
func (a *App) Descriptors(tgt Target) []Descriptor {
	return a.Registry.Descriptors(tgt, a.Manager)
}

// Dispatch runs command ("run" or "undo") on the named tool for tgt and
// returns the refreshed descriptor.
func (a *App) Dispatch(name, command string, tgt Target) (Descriptor, error) {
	t, err := a.Registry.New(name, tgt)
	if err != nil {
		return Descriptor{}, err
	}
	if err := tool.Dispatch(t, a.Manager, command); err != nil {
		return Descriptor{}, err
	}
	return tool.Derive(t, a.Manager), nil
}

// Processes lists ledger records, most recent first.
func (a *App) Processes(half ledger.Half) ([]Record, error) {
	return a.Manager.Processes(half)
}

// ClearLogs wipes one ledger half.
func (a *App) ClearLogs(half ledger.Half) error {
	return a.Manager.ClearLogs(half)
}

// Router builds the HTTP router for this app. When a log file is configured,
// gin's per-request log goes to the same rotating file.
func (a *App) Router() *server.Router {
	r := server.NewRouter(a.Registry, a.Manager, a.Resolver, a.Config.Server.BasePath, a.Logger)
	if a.Config.Log != nil && a.Config.Log.File != "" {
		r.SetAccessLog(a.Config.Log.FileWriter())
	}
	return r
}

// Handler returns the HTTP handler, for mounting into an existing server.
func (a *App) Handler() http.Handler { return a.Router().Handler() }

// Serve starts the HTTP server on the configured listen address. The caller
// owns shutdown via the returned http.Server.
func (a *App) Serve() *http.Server {
	return server.NewServer(a.Config.Server.Listen, a.Router())
}

// Close releases the history sink, if any.
func (a *App) Close() error {
	if c, ok := a.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RegisterMetrics registers the Prometheus collectors on r (default registry
// when nil). NewApp already does this for the default registry.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It blocks like http.ListenAndServe.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
