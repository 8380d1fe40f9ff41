package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// BidCounter counts bid attempts by outcome code ("OK" for accepted bids).
	BidCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hammer_bids_total",
		Help: "Total number of bid attempts by outcome",
	}, []string{"outcome"})
	// BidRetryCounter counts internal retries after a conflict or an expired lease.
	BidRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hammer_bid_retries_total",
		Help: "Total number of internal bid retries",
	})
	// LockWaitHistogram observes how long lock acquisition took.
	LockWaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hammer_lock_wait_seconds",
		Help:    "Time spent acquiring auction locks",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
	})
	// LockFailureCounter counts acquisitions that exhausted their retries.
	LockFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hammer_lock_failures_total",
		Help: "Total number of failed lock acquisitions",
	})
	// LeaseAbortCounter counts leases whose abort signal fired before release.
	LeaseAbortCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hammer_lease_aborts_total",
		Help: "Total number of leases aborted before release",
	})
	// PublishCounter counts broadcast publishes by event type and result.
	PublishCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hammer_broadcast_publish_total",
		Help: "Total number of broadcast publishes",
	}, []string{"type", "result"})
	// DroppedCounter counts events not delivered to a full subscriber buffer.
	DroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hammer_broadcast_dropped_total",
		Help: "Total number of events dropped for slow subscribers",
	})
	// SubscriberGauge reports the number of active subscriptions.
	SubscriberGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hammer_subscribers",
		Help: "Current number of active subscriptions",
	})
	// JobCounter counts scheduler job executions by outcome.
	JobCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hammer_scheduler_jobs_total",
		Help: "Total number of lifecycle job executions by outcome",
	}, []string{"outcome"})
	// DeadJobCounter counts jobs moved to the dead set for manual intervention.
	DeadJobCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hammer_scheduler_dead_total",
		Help: "Total number of lifecycle jobs that exhausted their retries",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers all hammer collectors on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		BidCounter,
		BidRetryCounter,
		LockWaitHistogram,
		LockFailureCounter,
		LeaseAbortCounter,
		PublishCounter,
		DroppedCounter,
		SubscriberGauge,
		JobCounter,
		DeadJobCounter,
	)
}
