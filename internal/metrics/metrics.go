// Package metrics provides Prometheus metrics for derived file generation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	// SavesTotal counts save attempts by format and lifecycle event.
	SavesTotal *prometheus.CounterVec
	// SaveDuration measures save duration, including generation.
	SaveDuration *prometheus.HistogramVec
	// StatePersistErrors counts failed cache state saves.
	StatePersistErrors prometheus.Counter
	// UploadsTotal counts accepted source uploads.
	UploadsTotal prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fileupload",
				Name:      "saves_total",
				Help:      "Total number of derived file saves by outcome",
			},
			[]string{"format", "event"},
		),
		SaveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fileupload",
				Name:      "save_duration_seconds",
				Help:      "Duration of derived file saves in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"format"},
		),
		StatePersistErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fileupload",
				Name:      "state_persist_errors_total",
				Help:      "Total number of failed cache state saves",
			},
		),
		UploadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fileupload",
				Name:      "uploads_total",
				Help:      "Total number of uploaded source files",
			},
		),
	}

	reg.MustRegister(m.SavesTotal, m.SaveDuration, m.StatePersistErrors, m.UploadsTotal)

	return m
}

// RecordSave records one save outcome.
func (m *Metrics) RecordSave(format, event string, took time.Duration) {
	m.SavesTotal.WithLabelValues(format, event).Inc()
	m.SaveDuration.WithLabelValues(format).Observe(took.Seconds())
}
