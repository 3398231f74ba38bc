package initiator

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsHolder holds metrics from the initiator's perspective.
//
// Aim to track;
// - errors
// - utilisation
// - saturation
//
// http://www.brendangregg.com/usemethod.html
//
// Centralising the metrics makes it easier to present a consistent set of metrics across roles. All methods are safe
// to call on a nil holder, which is what an initiator without WithMetrics carries.
type metricsHolder struct {
	registry *prometheus.Registry
	// Are we tracking expensive metrics?
	detailed bool
	//
	// Metrics
	stateGauge        prometheus.Gauge
	promotions        *prometheus.CounterVec
	promotionLatency  prometheus.Histogram
	restartedTxns     prometheus.Counter
	queuedFragments   prometheus.Gauge
	publishedLeader   prometheus.Gauge
	repairResponders  prometheus.Histogram
	repairLogTruncate prometheus.Counter
}

// Promotion outcome label values.
const (
	promotionOutcomeSuccess = "success"
	promotionOutcomeRetry   = "retry"
	promotionOutcomeFatal   = "fatal"
)

// metricsOptions is what WithMetrics records; the holder itself is built once the initiator identity is known.
type metricsOptions struct {
	registry  *prometheus.Registry
	namespace string
	detailed  bool
}

// Set up a metricsHolder to collect metrics for a given initiator.
func initMetrics(opts *metricsOptions, partition PartitionID, hsid HSID) *metricsHolder {

	registry := opts.registry
	if registry == nil {
		var ok bool
		registry, ok = prometheus.DefaultRegisterer.(*prometheus.Registry)
		if !ok {
			return nil
		}
	}

	mh := &metricsHolder{
		detailed: opts.detailed,
		registry: registry,
	}

	// Const labels identify the role and replica originating the metric. In production the host could typically be
	// inferred from labels added as part of the deployment; the HSID is unambiguous regardless.
	labels := map[string]string{"partition": partition.String(), "hsid": fmt.Sprint(int64(hsid))}

	mh.stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   opts.namespace,
		Subsystem:   "initiator",
		Name:        "state",
		Help:        "state indicates promotion state at sampling time: unpromoted, promoting, leader or fatal (0,1,2,3 respectively).",
		ConstLabels: labels,
	})

	mh.promotions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   opts.namespace,
		Subsystem:   "initiator",
		Name:        "promotion_attempts_total",
		Help:        "promotion attempts by outcome.",
		ConstLabels: labels,
	}, []string{"outcome"})

	mh.promotionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   opts.namespace,
		Subsystem:   "initiator",
		Name:        "promotion_seconds",
		Help:        "time from start of promotion to leadership established.",
		ConstLabels: labels,
		Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	mh.restartedTxns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   opts.namespace,
		Subsystem:   "initiator",
		Name:        "restarted_transactions_total",
		Help:        "interrupted transactions restarted following repair.",
		ConstLabels: labels,
	})

	mh.queuedFragments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   opts.namespace,
		Subsystem:   "initiator",
		Name:        "queued_fragments",
		Help:        "fragments received before leadership was established and held until promotion.",
		ConstLabels: labels,
	})

	mh.publishedLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   opts.namespace,
		Subsystem:   "initiator",
		Name:        "published_leader",
		Help:        "set to 1 while this initiator is the published leader of its partition.",
		ConstLabels: labels,
	})

	mh.repairLogTruncate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   opts.namespace,
		Subsystem:   "initiator",
		Name:        "repair_log_purged_total",
		Help:        "completed entries purged from the repair log.",
		ConstLabels: labels,
	})

	collectors := []prometheus.Collector{
		mh.stateGauge, mh.promotions, mh.promotionLatency, mh.restartedTxns,
		mh.queuedFragments, mh.publishedLeader, mh.repairLogTruncate}

	if opts.detailed {
		mh.repairResponders = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.namespace,
			Subsystem:   "initiator",
			Name:        "repair_responders",
			Help:        "number of replicas responding per repair round.",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(1, 1, 8),
		})
		collectors = append(collectors, mh.repairResponders)
	}

	registry.MustRegister(collectors...)

	return mh
}

func (mh *metricsHolder) setState(state InitiatorState) {
	if mh != nil {
		mh.stateGauge.Set(float64(state))
	}
}

func (mh *metricsHolder) promotionAttempt(outcome string) {
	if mh != nil {
		mh.promotions.WithLabelValues(outcome).Inc()
	}
}

func (mh *metricsHolder) promoted(seconds float64) {
	if mh != nil {
		mh.promotionLatency.Observe(seconds)
		mh.publishedLeader.Set(1)
	}
}

func (mh *metricsHolder) demoted() {
	if mh != nil {
		mh.publishedLeader.Set(0)
	}
}

func (mh *metricsHolder) restarted() {
	if mh != nil {
		mh.restartedTxns.Inc()
	}
}

func (mh *metricsHolder) queued(depth int) {
	if mh != nil {
		mh.queuedFragments.Set(float64(depth))
	}
}

func (mh *metricsHolder) responders(count int) {
	if mh != nil && mh.repairResponders != nil {
		mh.repairResponders.Observe(float64(count))
	}
}

func (mh *metricsHolder) purged(count int) {
	if mh != nil {
		mh.repairLogTruncate.Add(float64(count))
	}
}
