package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for sandbox lifecycle and execution.
type Metrics struct {
	Created         prometheus.Counter
	Deleted         prometheus.Counter
	Active          prometheus.Gauge
	Commands        prometheus.Counter
	CommandFailures prometheus.Counter
	CommandDuration prometheus.Histogram
}

// NewMetrics creates and registers sandbox metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harbox",
			Subsystem: "sandbox",
			Name:      "created_total",
			Help:      "Total sandboxes created.",
		}),
		Deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harbox",
			Subsystem: "sandbox",
			Name:      "deleted_total",
			Help:      "Total sandboxes deleted.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "harbox",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Sandboxes currently held by the manager.",
		}),
		Commands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harbox",
			Subsystem: "sandbox",
			Name:      "commands_total",
			Help:      "Total commands executed across all sandboxes.",
		}),
		CommandFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "harbox",
			Subsystem: "sandbox",
			Name:      "command_failures_total",
			Help:      "Total commands that returned an execution error (timeouts included).",
		}),
		CommandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "harbox",
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Duration of each executed command.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Created,
		m.Deleted,
		m.Active,
		m.Commands,
		m.CommandFailures,
		m.CommandDuration,
	)

	return m
}
