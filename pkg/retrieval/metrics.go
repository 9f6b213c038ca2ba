package retrieval

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the retrieval counters and histograms.
type Metrics struct {
	searches         *prometheus.CounterVec
	searchDuration   *prometheus.HistogramVec
	strategyDuration *prometheus.HistogramVec
	strategyFailures *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	rerankFailures   prometheus.Counter
}

// NewMetrics creates retrieval metrics registered on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		searches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "retrieval",
			Name:      "searches_total",
			Help:      "Total number of searches by outcome",
		}, []string{"outcome"}),
		searchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reflectmem",
			Subsystem: "retrieval",
			Name:      "search_duration_seconds",
			Help:      "Search latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"cached"}),
		strategyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reflectmem",
			Subsystem: "retrieval",
			Name:      "strategy_duration_seconds",
			Help:      "Sub-search latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"strategy"}),
		strategyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "retrieval",
			Name:      "strategy_failures_total",
			Help:      "Total number of failed or timed out sub-searches",
		}, []string{"strategy"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "retrieval",
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by result",
		}, []string{"result"}),
		rerankFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "retrieval",
			Name:      "rerank_failures_total",
			Help:      "Total number of failed rerank passes",
		}),
	}
}

func (m *Metrics) observeStrategy(s Strategy, d time.Duration, failed bool) {
	m.strategyDuration.WithLabelValues(string(s)).Observe(d.Seconds())
	if failed {
		m.strategyFailures.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) observeSearch(outcome string, cached bool, d time.Duration) {
	m.searches.WithLabelValues(outcome).Inc()
	label := "false"
	if cached {
		label = "true"
	}
	m.searchDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}
