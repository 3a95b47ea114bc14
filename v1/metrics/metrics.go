package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks acquisition attempts by backend and result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"backend", "result"})
	// ReleaseCounter tracks release attempts by backend and result.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_release_total",
		Help: "Total number of lock release attempts",
	}, []string{"backend", "result"})
	// RenewCounter tracks watchdog renewals by result.
	RenewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "latch_renew_total",
		Help: "Total number of lease renewals",
	}, []string{"result"})
	// WatchdogGauge reports the number of running lease watchdogs.
	WatchdogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_watchdogs",
		Help: "Current number of active lease watchdogs",
	})
	// WaitersGauge reports goroutines blocked on a coordination lock.
	WaitersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_waiters",
		Help: "Current number of goroutines waiting for a coordination lock",
	})
	// WakeupCounter tracks wait gate signals.
	WakeupCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_wakeups_total",
		Help: "Total number of wait gate signals",
	})
)

// Result labels.
const (
	ResultOK    = "ok"
	ResultMiss  = "miss"
	ResultLost  = "lost"
	ResultError = "error"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers latch metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, RenewCounter, WatchdogGauge, WaitersGauge, WakeupCounter)
}

// Result maps an operation outcome onto a result label.
func Result(ok bool, err error) string {
	switch {
	case err != nil:
		return ResultError
	case ok:
		return ResultOK
	default:
		return ResultMiss
	}
}
