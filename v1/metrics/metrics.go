package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks granted lock acquisitions by mode.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rwlock_acquire_total",
		Help: "Total number of granted lock acquisitions",
	}, []string{"mode"})
	// AcquireFailureCounter tracks failed acquisitions by reason.
	AcquireFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rwlock_acquire_failures_total",
		Help: "Total number of failed lock acquisitions",
	}, []string{"reason"})
	// WaitCounter tracks waits on a predecessor node.
	WaitCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwlock_waits_total",
		Help: "Total number of waits on a predecessor node",
	})
	// WaitTimeoutCounter tracks waits that ended on the safety timeout
	// instead of a notification.
	WaitTimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwlock_wait_timeouts_total",
		Help: "Total number of predecessor waits ended by the wait timeout",
	})
	// HeldGauge reports the number of locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rwlock_held",
		Help: "Current number of held locks",
	})
	// SessionTransitionCounter tracks session state transitions.
	SessionTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rwlock_session_transitions_total",
		Help: "Total number of coordination session state transitions",
	}, []string{"state"})
	// AcquireLatency observes the time from Lock call to grant.
	AcquireLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rwlock_acquire_latency_seconds",
		Help:    "Latency of granted lock acquisitions",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the rwlock metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		AcquireFailureCounter,
		WaitCounter,
		WaitTimeoutCounter,
		HeldGauge,
		SessionTransitionCounter,
		AcquireLatency,
	)
}
