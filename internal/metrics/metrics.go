package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "schoolcheckin"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	actionsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_queued_total",
			Help:      "Actions persisted to the offline queue by type.",
		},
		[]string{"type"},
	)

	actionOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_sync_outcomes_total",
			Help:      "Single-action sync attempts by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	syncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by chosen strategy.",
		},
		[]string{"strategy"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	networkScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_score",
			Help:      "Last observed connectivity score (0-100).",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_actions",
			Help:      "Queued actions by status.",
		},
		[]string{"status"},
	)

	cacheReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_reads_total",
			Help:      "Cache reads by partition and freshness.",
		},
		[]string{"partition", "freshness"},
	)

	cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache entries removed by partition and reason.",
		},
		[]string{"partition", "reason"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			actionsQueued,
			actionOutcomes,
			syncCycles,
			syncDuration,
			networkScore,
			queueDepth,
			cacheReads,
			cacheEvictions,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncQueued(actionType string) {
	actionsQueued.WithLabelValues(actionType).Inc()
}

// ObserveAction records the outcome (synced, failed, exhausted) of one action attempt.
func ObserveAction(actionType, outcome string) {
	actionOutcomes.WithLabelValues(actionType, outcome).Inc()
}

func ObserveSyncCycle(strategy string, d time.Duration, score int) {
	syncCycles.WithLabelValues(strategy).Inc()
	syncDuration.Observe(d.Seconds())
	networkScore.Set(float64(score))
}

func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

func ObserveCacheRead(partition, freshness string) {
	cacheReads.WithLabelValues(partition, freshness).Inc()
}

func AddCacheEvictions(partition, reason string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictions.WithLabelValues(partition, reason).Add(float64(n))
}
