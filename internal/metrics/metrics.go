// Package metrics exposes the store's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements the engine's metrics sink on Prometheus collectors.
type Recorder struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	models          prometheus.Gauge
	triggers        *prometheus.CounterVec
	jobs            *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "klerk_commands_total",
			Help: "Commands handled by event and outcome",
		}, []string{"event", "outcome"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "klerk_command_duration_seconds",
			Help:    "Command handling latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"event"}),
		models: f.NewGauge(prometheus.GaugeOpts{
			Name: "klerk_models",
			Help: "Live models in the cache",
		}),
		triggers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "klerk_time_triggers_total",
			Help: "Time trigger firings by result",
		}, []string{"result"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "klerk_jobs_total",
			Help: "Job outcomes by status",
		}, []string{"status"}),
	}
}

// CommandHandled records one command.
func (r *Recorder) CommandHandled(event, outcome string, d time.Duration) {
	r.commands.WithLabelValues(event, outcome).Inc()
	r.commandDuration.WithLabelValues(event).Observe(d.Seconds())
}

// ModelCount sets the live model gauge.
func (r *Recorder) ModelCount(n int) { r.models.Set(float64(n)) }

// TimeTrigger records one time trigger outcome.
func (r *Recorder) TimeTrigger(result string) { r.triggers.WithLabelValues(result).Inc() }

// JobStatus records one job outcome. It matches the job runner's status
// hook.
func (r *Recorder) JobStatus(status string) { r.jobs.WithLabelValues(status).Inc() }
