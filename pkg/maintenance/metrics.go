package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the maintenance counters.
type Metrics struct {
	cycleScopes   *prometheus.CounterVec
	scopeDuration *prometheus.HistogramVec
	itemsDecayed  prometheus.Counter
	edgesPruned   prometheus.Counter
}

// NewMetrics creates maintenance metrics registered on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycleScopes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "maintenance",
			Name:      "scopes_total",
			Help:      "Scopes processed per cycle by result",
		}, []string{"cycle", "result"}),
		scopeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reflectmem",
			Subsystem: "maintenance",
			Name:      "scope_duration_seconds",
			Help:      "Time spent on one scope in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"cycle"}),
		itemsDecayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "maintenance",
			Name:      "items_decayed_total",
			Help:      "Items whose importance was lowered by decay",
		}),
		edgesPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reflectmem",
			Subsystem: "maintenance",
			Name:      "edges_pruned_total",
			Help:      "Graph edges deactivated by weight decay",
		}),
	}
}
