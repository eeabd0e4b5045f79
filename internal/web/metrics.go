package web

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricSignUpSuccess   = "auth.sign_up.success"
	metricSignUpFailure   = "auth.sign_up.failure"
	metricSignInSuccess   = "auth.sign_in.success"
	metricSignInFailure   = "auth.sign_in.failure"
	metricSignInThrottled = "auth.sign_in.throttled"
	metricRefreshSuccess  = "auth.refresh.success"
	metricRefreshFailure  = "auth.refresh.failure"
	metricSignOut         = "auth.sign_out"
	metricSectionSaved    = "content.section.saved"
	metricSectionRejected = "content.section.rejected"
	metricGlobalRefresh   = "content.refresh.triggered"
)

// MetricsRecorder increments counters for site events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// PrometheusMetrics exports every event as harborhope_events_total{event}.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the event counter on registry.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(registry)
	return &PrometheusMetrics{
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harborhope_events_total",
				Help: "Site events by name",
			},
			[]string{"event"},
		),
	}
}

func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// FanoutMetrics forwards every event to each recorder.
type FanoutMetrics []MetricsRecorder

func (recorders FanoutMetrics) Increment(event string) {
	for _, recorder := range recorders {
		recorder.Increment(event)
	}
}

// MetricsHandler serves the registry in the Prometheus text format.
func MetricsHandler(gatherer prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}
