// Package metrics exposes frame-loop and plugin-lifecycle counters in
// Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every instrument behind its own registry, so tests can
// build as many collectors as they want without colliding on the global one.
type Collector struct {
	reg *prometheus.Registry

	frames       prometheus.Counter
	phaseRuns    *prometheus.CounterVec
	jobsExecuted *prometheus.CounterVec
	jobsDropped  prometheus.Counter

	pluginLoads    prometheus.Counter
	pluginReloads  prometheus.Counter
	pluginFailures prometheus.Counter

	workersRunning prometheus.Gauge
	pluginsLoaded  prometheus.Gauge
	jobsPending    prometheus.Gauge

	frameDuration prometheus.Histogram
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_frames_total",
			Help: "Total number of main-loop frames executed",
		}),
		phaseRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_phase_runs_total",
			Help: "Total number of phase executions, per phase",
		}, []string{"phase"}),
		jobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cadence_jobs_executed_total",
			Help: "Total number of queued jobs executed, per category",
		}, []string{"category"}),
		jobsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_jobs_dropped_total",
			Help: "Total number of queued jobs discarded at shutdown",
		}),
		pluginLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_plugin_loads_total",
			Help: "Total number of successful plugin loads",
		}),
		pluginReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_plugin_reloads_total",
			Help: "Total number of successful plugin hot reloads",
		}),
		pluginFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cadence_plugin_failures_total",
			Help: "Total number of failed plugin loads and reloads",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadence_workers_running",
			Help: "Current number of running workers",
		}),
		pluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadence_plugins_loaded",
			Help: "Current number of loaded plugins",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cadence_jobs_pending",
			Help: "Current number of jobs waiting on the main queue",
		}),
		frameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cadence_frame_duration_seconds",
			Help:    "Main-loop frame duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	c.reg.MustRegister(
		c.frames, c.phaseRuns, c.jobsExecuted, c.jobsDropped,
		c.pluginLoads, c.pluginReloads, c.pluginFailures,
		c.workersRunning, c.pluginsLoaded, c.jobsPending,
		c.frameDuration,
	)
	return c
}

func (c *Collector) RecordFrame(seconds float64) {
	c.frames.Inc()
	c.frameDuration.Observe(seconds)
}

func (c *Collector) RecordPhaseRun(phase string) { c.phaseRuns.WithLabelValues(phase).Inc() }
func (c *Collector) RecordJobsDropped(n int)     { c.jobsDropped.Add(float64(n)) }
func (c *Collector) RecordPluginLoad()           { c.pluginLoads.Inc() }
func (c *Collector) RecordPluginReload()         { c.pluginReloads.Inc() }
func (c *Collector) RecordPluginFailure()        { c.pluginFailures.Inc() }

// RecordJobExecuted counts one executed job under its category. Jobs pushed
// without a category land under "uncategorized".
func (c *Collector) RecordJobExecuted(category string) {
	if category == "" {
		category = "uncategorized"
	}
	c.jobsExecuted.WithLabelValues(category).Inc()
}

func (c *Collector) SetWorkersRunning(n int) { c.workersRunning.Set(float64(n)) }
func (c *Collector) SetPluginsLoaded(n int)  { c.pluginsLoaded.Set(float64(n)) }
func (c *Collector) SetJobsPending(n int)    { c.jobsPending.Set(float64(n)) }

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Registry exposes the backing registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }
