package reflection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the reflection counters and histograms.
type Metrics struct {
	cycles             *prometheus.CounterVec
	generations        *prometheus.CounterVec
	stored             *prometheus.CounterVec
	generationDuration prometheus.Histogram
}

// NewMetrics creates reflection metrics registered on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "reflection",
			Name:      "cycles_total",
			Help:      "Total number of reflection cycles by outcome",
		}, []string{"outcome"}),
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "reflection",
			Name:      "generations_total",
			Help:      "Total number of cluster and context generations by result",
		}, []string{"result"}),
		stored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "reflection",
			Name:      "items_stored_total",
			Help:      "Total number of reflective items stored",
		}, []string{"kind"}),
		generationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reflectmem",
			Subsystem: "reflection",
			Name:      "generation_duration_seconds",
			Help:      "Completion latency of one reflection in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}
