package scheduler

import (
	"time"

	"github.com/clusterd/backend/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "clusterd"

// Metrics are the scheduler's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	dispatched   *prometheus.CounterVec
	finished     *prometheus.CounterVec
	lateReports  prometheus.Counter
	throttled    prometheus.Counter
	inFlight     *prometheus.GaugeVec
	tickDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "commands_dispatched_total",
			Help:      "Commands handed to the agent channel, by outcome.",
		}, []string{"result"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "commands_finished_total",
			Help:      "Commands that reached a terminal or holding status.",
		}, []string{"status"}),
		lateReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "late_reports_total",
			Help:      "Reports discarded because the command was already terminal.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "dispatch_throttled_total",
			Help:      "Dispatch attempts deferred by the per-host cap.",
		}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "host_in_flight_commands",
			Help:      "Commands currently queued or running per host.",
		}, []string{"host"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one scheduling pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatched, m.finished, m.lateReports, m.throttled, m.inFlight, m.tickDuration)
	}
	return m
}

func (m *Metrics) observeDispatch(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.dispatched.WithLabelValues(result).Inc()
}

func (m *Metrics) observeFinished(status domain.HostRoleStatus) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeLateReport() {
	if m == nil {
		return
	}
	m.lateReports.Inc()
}

func (m *Metrics) observeThrottled() {
	if m == nil {
		return
	}
	m.throttled.Inc()
}

func (m *Metrics) observeTick(d time.Duration, slots map[string]int) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
	m.inFlight.Reset()
	for host, n := range slots {
		m.inFlight.WithLabelValues(host).Set(float64(n))
	}
}
