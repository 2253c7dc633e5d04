// Package metrics counts analyzer runs for a batch and writes them in the
// Prometheus text format, for node_exporter's textfile collector or a
// pushgateway.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
)

const namespace = "analyzerkit"

// Recorder holds the counters of one process.
type Recorder struct {
	registry  *prometheus.Registry
	jobs      *prometheus.CounterVec
	artifacts *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Analyzer jobs run, by analyzer and status.",
		}, []string{"analyzer", "status"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_total",
			Help:      "Artifacts reported, by analyzer and data type.",
		}, []string{"analyzer", "data_type"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_skipped_total",
			Help:      "File artifacts skipped because their source was missing.",
		}, []string{"analyzer"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Analyzer job duration.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"analyzer"}),
	}
	r.registry.MustRegister(r.jobs, r.artifacts, r.skipped, r.duration)
	return r
}

// Observe records one finished job. nil outcomes are ignored.
func (r *Recorder) Observe(o *analyzer.Outcome) {
	if o == nil {
		return
	}
	name := o.Analyzer
	if name == "" {
		name = "unknown"
	}

	status := "success"
	if !o.Success {
		status = "failure"
	}
	r.jobs.WithLabelValues(name, status).Inc()

	if o.Envelope != nil {
		for _, a := range o.Envelope.Artifacts {
			r.artifacts.WithLabelValues(name, a.DataType).Inc()
		}
	}
	if len(o.Skipped) > 0 {
		r.skipped.WithLabelValues(name).Add(float64(len(o.Skipped)))
	}
	if !o.FinishedAt.IsZero() && !o.StartedAt.IsZero() {
		r.duration.WithLabelValues(name).Observe(o.FinishedAt.Sub(o.StartedAt).Seconds())
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteFile writes all metrics to path atomically.
func (r *Recorder) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
