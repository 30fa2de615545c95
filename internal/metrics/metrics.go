package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	toolRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studykit",
			Subsystem: "tool",
			Name:      "runs_total",
			Help:      "Number of tool invocations spawned, by tool and command.",
		}, []string{"tool", "command"},
	)
	toolFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studykit",
			Subsystem: "tool",
			Name:      "failures_total",
			Help:      "Number of invocations that exited with a non-zero return code.",
		}, []string{"tool", "command"},
	)
	toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "studykit",
			Subsystem: "tool",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of completed invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"tool"},
	)
	runningProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "studykit",
			Subsystem: "tool",
			Name:      "running_processes",
			Help:      "Number of invocations currently in the running ledger half.",
		},
	)
)

// Register registers all collectors on the given registry (or the default
// one when nil). Safe to call more than once.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{toolRuns, toolFailures, toolDuration, runningProcesses} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncRun(tool, command string) {
	if regOK.Load() {
		toolRuns.WithLabelValues(tool, command).Inc()
	}
}

func IncFailure(tool, command string) {
	if regOK.Load() {
		toolFailures.WithLabelValues(tool, command).Inc()
	}
}

func ObserveDuration(tool string, seconds float64) {
	if regOK.Load() {
		toolDuration.WithLabelValues(tool).Observe(seconds)
	}
}

func SetRunningProcesses(n int) {
	if regOK.Load() {
		runningProcesses.Set(float64(n))
	}
}
