// Package metrics exposes privileged action counts and durations to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blackwell-systems/devstack/internal/broker"
	"github.com/blackwell-systems/devstack/internal/store"
)

const namespace = "devstack"

// Collector is a prometheus.Collector and a broker.Recorder.
type Collector struct {
	actions  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "The number of privileged actions by kind and outcome.",
			}, []string{"kind", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Wall time of privileged actions, including the authentication prompt.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			}, []string{"kind"},
		),
	}
}

// Record implements broker.Recorder.
func (c *Collector) Record(o *broker.Outcome, err error) {
	kind := string(o.Action.Kind)
	c.actions.WithLabelValues(kind, store.OutcomeOf(err)).Inc()
	if o.Duration > 0 {
		c.duration.WithLabelValues(kind).Observe(o.Duration.Seconds())
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.actions.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.actions.Collect(ch)
	c.duration.Collect(ch)
}
