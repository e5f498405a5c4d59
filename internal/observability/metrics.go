package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbusctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dbusctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	busCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbusctl",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Method calls issued by dispatchers.",
		},
		[]string{"interface", "member", "success"},
	)
	busCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dbusctl",
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Method call round-trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"interface", "member", "success"},
	)
	subscriptionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbusctl",
			Subsystem: "subscription",
			Name:      "transitions_total",
			Help:      "Subscription status transitions by target status.",
		},
		[]string{"status"},
	)
	subscriptionEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbusctl",
			Subsystem: "subscription",
			Name:      "events_total",
			Help:      "Events delivered to subscription callbacks.",
		},
	)
	subscriptionFilters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dbusctl",
			Subsystem: "subscription",
			Name:      "installed_filters",
			Help:      "Match-rule filters currently installed by registries.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			busCalls, busCallDuration,
			subscriptionTransitions, subscriptionEvents, subscriptionFilters,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordBusCall(iface, member string, duration time.Duration, success bool) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	busCalls.WithLabelValues(iface, member, successLabel).Inc()
	busCallDuration.WithLabelValues(iface, member, successLabel).Observe(duration.Seconds())
}

func RecordSubscriptionTransition(status string) {
	RegisterMetrics()
	subscriptionTransitions.WithLabelValues(status).Inc()
}

func RecordSubscriptionEvent() {
	RegisterMetrics()
	subscriptionEvents.Inc()
}

// AddInstalledFilters moves the installed filter gauge by delta.
func AddInstalledFilters(delta int) {
	RegisterMetrics()
	subscriptionFilters.Add(float64(delta))
}
