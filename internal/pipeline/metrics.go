package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	fetches       *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
	invalidations *prometheus.CounterVec
	renders       *prometheus.CounterVec
	boundsWidened prometheus.Counter
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iqtiles",
			Name:      "tile_fetches_total",
			Help:      "Raw tile fetches by result (ok, missing, cancelled).",
		}, []string{"result"}),
		stageSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "iqtiles",
			Name:      "stage_duration_seconds",
			Help:      "Time spent computing one tile in a pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"stage"}),
		invalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iqtiles",
			Name:      "cache_invalidations_total",
			Help:      "Stage cache invalidations by first invalidated stage.",
		}, []string{"stage"}),
		renders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "iqtiles",
			Name:      "renders_total",
			Help:      "Composite renders by outcome (cached, complete, partial, empty, superseded).",
		}, []string{"outcome"}),
		boundsWidened: f.NewCounter(prometheus.CounterOpts{
			Namespace: "iqtiles",
			Name:      "magnitude_bounds_widened_total",
			Help:      "Times the running magnitude bounds were widened by a tile.",
		}),
	}
}

func (m *Metrics) fetch(result string) {
	if m != nil {
		m.fetches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) observe(stage Stage, start time.Time) {
	if m != nil {
		m.stageSeconds.WithLabelValues(stage.String()).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) invalidated(stage Stage) {
	if m != nil {
		m.invalidations.WithLabelValues(stage.String()).Inc()
	}
}

func (m *Metrics) rendered(outcome string) {
	if m != nil {
		m.renders.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) widened() {
	if m != nil {
		m.boundsWidened.Inc()
	}
}
