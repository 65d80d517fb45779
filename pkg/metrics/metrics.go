// Package metrics exposes the validator's Prometheus instrumentation.
//
// Metric families follow the teacher's package-level-var-plus-init() pattern.
// The five conservation-check gauges are ported directly from the original
// authority store's AuthorityStoreMetrics, renamed to this module's
// validator_conservation_* family.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Component A: Perpetual Object Store / conservation check.
	ConservationCheckLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "validator_conservation_check_latency_seconds",
		Help:    "Duration of the end-of-epoch conservation check.",
		Buckets: prometheus.DefBuckets,
	})
	ConservationLiveObjectCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "validator_conservation_live_object_count",
		Help: "Number of live objects scanned by the last conservation check.",
	})
	ConservationLiveObjectSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "validator_conservation_live_object_size_bytes",
		Help: "Total serialized size of live objects scanned by the last conservation check.",
	})
	ConservationImbalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "validator_conservation_imbalance",
		Help: "Native-token imbalance observed by the last conservation check.",
	})
	ConservationStorageFund = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "validator_conservation_storage_fund",
		Help: "Storage fund balance observed by the last conservation check.",
	})
	ConservationStorageFundImbalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "validator_conservation_storage_fund_imbalance",
		Help: "Storage fund imbalance observed by the last conservation check.",
	})

	// Component B: Transaction Lock Manager.
	LockAcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_lock_acquire_total",
		Help: "Lock-acquisition attempts by outcome.",
	}, []string{"outcome"}) // ok|conflict|version_unavailable

	LockAcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "validator_lock_acquire_latency_seconds",
		Help:    "Duration of AcquireTransactionLocks calls.",
		Buckets: prometheus.DefBuckets,
	})

	// Component C: Shared-Object Congestion Tracker.
	CongestionScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "validator_congestion_scheduled_total",
		Help: "Transactions successfully scheduled by the congestion tracker.",
	})
	CongestionDeferredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "validator_congestion_deferred_total",
		Help: "Transactions deferred by the congestion tracker.",
	})
	CongestionObjectsTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "validator_congestion_objects_tracked",
		Help: "Distinct shared ObjectIDs with execution-slot state in the current commit.",
	})

	// Component D: Consensus Handler.
	ConsensusCommitsProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "validator_consensus_commits_processed_total",
		Help: "Consensus commits folded into state.",
	})
	ConsensusCommitsReplayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "validator_consensus_commits_replayed_total",
		Help: "Consensus commits dropped because round <= last_committed_round.",
	})
	ConsensusTransactionsDedupedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "validator_consensus_transactions_deduped_total",
		Help: "Transactions dropped by the per-commit set or processed-cache LRU.",
	})
	ConsensusScheduleChannelDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "validator_consensus_schedule_channel_depth",
		Help: "Current occupancy of the bounded channel feeding the transaction manager.",
	})
	InvalidJWKsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_consensus_invalid_jwks_total",
		Help: "JWKs rejected by provider during background fetch, by provider.",
	}, []string{"provider"})
)

func init() {
	prometheus.MustRegister(
		ConservationCheckLatency,
		ConservationLiveObjectCount,
		ConservationLiveObjectSize,
		ConservationImbalance,
		ConservationStorageFund,
		ConservationStorageFundImbalance,
		LockAcquireTotal,
		LockAcquireLatency,
		CongestionScheduledTotal,
		CongestionDeferredTotal,
		CongestionObjectsTracked,
		ConsensusCommitsProcessedTotal,
		ConsensusCommitsReplayedTotal,
		ConsensusTransactionsDedupedTotal,
		ConsensusScheduleChannelDepth,
		InvalidJWKsTotal,
	)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
