// Package server exposes the tool and process API over HTTP. The handlers
// are thin: target parsing, registry lookup, and JSON shaping; all semantics
// live in the tool and procman packages.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/imaginglab/studykit/internal/ledger"
	"github.com/imaginglab/studykit/internal/metrics"
	"github.com/imaginglab/studykit/internal/procman"
	"github.com/imaginglab/studykit/internal/record"
	"github.com/imaginglab/studykit/internal/target"
	"github.com/imaginglab/studykit/internal/tool"
)

// Router provides embeddable HTTP handlers for the study tool API.
// Endpoints (all rooted at basePath):
//
//	GET  /subjects                      list subject names
//	GET  /subjects/{subject}/studies    list study names for a subject
//	GET  /tools                         descriptors for the query target
//	POST /tools/{name}/{command}        dispatch run or undo on the target
//	GET  /processes?which=running       list ledger records
//	GET  /processes/{pid}               one record with captured output
//	POST /processes/clear?which=...     wipe a ledger half
//	GET  /healthz
//	GET  /metrics
//
// Targets are passed as ?subject=...&study=... query parameters; both empty
// means the project target.
type Router struct {
	registry  *tool.Registry
	pm        *procman.Manager
	resolver  target.Resolver
	basePath  string
	logger    *slog.Logger
	accessLog io.Writer
}

func NewRouter(reg *tool.Registry, pm *procman.Manager, res target.Resolver, basePath string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		pm:       pm,
		resolver: res,
		basePath: sanitizeBase(basePath),
		logger:   logger,
	}
}

// SetAccessLog enables gin's per-request log on the given writer, typically
// the daemon's rotating log file.
func (r *Router) SetAccessLog(w io.Writer) { r.accessLog = w }

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.accessLog != nil {
		g.Use(gin.LoggerWithWriter(r.accessLog))
	}
	group := g.Group(r.basePath)
	group.GET("/subjects", r.handleSubjects)
	group.GET("/subjects/:subject/studies", r.handleStudies)
	group.GET("/tools", r.handleTools)
	group.POST("/tools/:name/:command", r.handleDispatch)
	group.GET("/processes", r.handleProcesses)
	group.GET("/processes/:pid", r.handleProcess)
	group.POST("/processes/clear", r.handleClear)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. The
// caller owns shutdown via the returned http.Server.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// targetFromQuery builds and validates the target without touching the
// filesystem; resolution happens inside the tool builders.
func targetFromQuery(c *gin.Context) (target.Target, bool) {
	t := target.Target{Subject: c.Query("subject"), Study: c.Query("study")}
	if t.Study != "" && t.Subject == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "study query param requires subject"})
		return target.Target{}, false
	}
	if !isSafeName(t.Subject) || !isSafeName(t.Study) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid subject or study name"})
		return target.Target{}, false
	}
	return t, true
}

func (r *Router) handleSubjects(c *gin.Context) {
	subjects, err := r.resolver.Subjects()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if subjects == nil {
		subjects = []string{}
	}
	writeJSON(c, http.StatusOK, subjects)
}

func (r *Router) handleStudies(c *gin.Context) {
	subject := c.Param("subject")
	if !isSafeName(subject) || subject == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid subject name"})
		return
	}
	studies, err := r.resolver.Studies(subject)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if studies == nil {
		studies = []string{}
	}
	writeJSON(c, http.StatusOK, studies)
}

func (r *Router) handleTools(c *gin.Context) {
	tgt, ok := targetFromQuery(c)
	if !ok {
		return
	}
	ds := r.registry.Descriptors(tgt, r.pm)
	if ds == nil {
		ds = []tool.Descriptor{}
	}
	writeJSON(c, http.StatusOK, ds)
}

func (r *Router) handleDispatch(c *gin.Context) {
	name := c.Param("name")
	command := c.Param("command")
	if command != "run" && command != "undo" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command must be run or undo"})
		return
	}
	tgt, ok := targetFromQuery(c)
	if !ok {
		return
	}
	t, err := r.registry.New(name, tgt)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err := tool.Dispatch(t, r.pm, command); err != nil {
		var pe *tool.PreconditionError
		if errors.As(err, &pe) {
			writeJSON(c, http.StatusConflict, errorResp{Error: pe.Error()})
			return
		}
		r.logger.Error("tool dispatch failed",
			"tool", name, "command", command, "target", tgt.String(), "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, tool.Derive(t, r.pm))
}

// processView is the JSON shape of one ledger record.
type processView struct {
	PID        int            `json:"pid"`
	ToolName   string         `json:"tool_name"`
	Command    string         `json:"command"`
	Target     target.Target  `json:"target"`
	StartTime  time.Time      `json:"start_time"`
	Running    bool           `json:"running"`
	ReturnCode *int           `json:"return_code,omitempty"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	Duration   *float64       `json:"duration,omitempty"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
}

func viewOf(rec record.Record, withOutput bool) processView {
	v := processView{
		PID:       rec.PID,
		ToolName:  rec.Context.ToolName,
		Command:   rec.Context.Command,
		Target:    rec.Context.Target,
		StartTime: rec.Context.StartTime,
		Running:   !rec.Completed,
	}
	if rec.Completed {
		rc := rec.Completion.ReturnCode
		et := rec.Completion.EndTime
		dur := rec.Completion.Duration
		v.ReturnCode = &rc
		v.EndTime = &et
		v.Duration = &dur
	}
	if withOutput {
		v.Stdout = rec.Stdout
		v.Stderr = rec.Stderr
	}
	return v
}

func halfFromQuery(c *gin.Context) (ledger.Half, bool) {
	which := c.DefaultQuery("which", string(ledger.Running))
	h, err := ledger.ParseHalf(which)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return "", false
	}
	return h, true
}

func (r *Router) handleProcesses(c *gin.Context) {
	h, ok := halfFromQuery(c)
	if !ok {
		return
	}
	recs, err := r.pm.Processes(h)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	views := make([]processView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec, false))
	}
	writeJSON(c, http.StatusOK, views)
}

func (r *Router) handleProcess(c *gin.Context) {
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil || pid <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "pid must be a positive integer"})
		return
	}
	rec, found, err := r.pm.Status(pid)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no record for pid " + strconv.Itoa(pid)})
		return
	}
	writeJSON(c, http.StatusOK, viewOf(rec, true))
}

func (r *Router) handleClear(c *gin.Context) {
	h, ok := halfFromQuery(c)
	if !ok {
		return
	}
	if err := r.pm.ClearLogs(h); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
