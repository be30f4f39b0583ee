// Package metrics publishes Prometheus counters and histograms for the
// delivery pipeline, the profile cache, and the HTTP API. A single
// Recorder satisfies the Metrics interfaces those packages declare, so
// wiring is one value passed three ways.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder publishes Prometheus metrics for capsule activity. A nil
// Recorder is valid and records nothing, so callers never need to
// guard instrumentation sites.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	deliveryAttempts prometheus.Counter
	deliveryOutcomes *prometheus.CounterVec
	deliverySend     prometheus.Histogram

	cacheEvents *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	deliveryAttempts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Send attempts started against the delivery transport.",
	})

	deliveryOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "delivery",
		Name:      "outcomes_total",
		Help:      "Terminal pipeline outcomes per enqueued capsule.",
	}, []string{"outcome"})

	deliverySend := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "capsuled",
		Subsystem: "delivery",
		Name:      "send_duration_seconds",
		Help:      "Latency distribution for transport send attempts.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	cacheEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "cache",
		Name:      "events_total",
		Help:      "Profile cache lookup and refresh outcomes.",
	}, []string{"event"})

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "capsuled",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP API requests processed.",
	}, []string{"route", "method", "status"})

	httpLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "capsuled",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed HTTP API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route", "status"})

	reg.MustRegister(deliveryAttempts, deliveryOutcomes, deliverySend, cacheEvents, httpRequests, httpLatency)

	return &Recorder{
		gatherer:         reg,
		handler:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		deliveryAttempts: deliveryAttempts,
		deliveryOutcomes: deliveryOutcomes,
		deliverySend:     deliverySend,
		cacheEvents:      cacheEvents,
		httpRequests:     httpRequests,
		httpLatency:      httpLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// DeliveryAttempt records one send attempt handed to the transport.
func (r *Recorder) DeliveryAttempt() {
	if r == nil {
		return
	}
	r.deliveryAttempts.Inc()
}

// DeliveryOutcome records the terminal outcome of one enqueued capsule,
// such as delivered, failed, deduped, or dropped.
func (r *Recorder) DeliveryOutcome(outcome string) {
	if r == nil {
		return
	}
	r.deliveryOutcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// DeliverySendSeconds records how long one transport send attempt took.
func (r *Recorder) DeliverySendSeconds(d time.Duration) {
	if r == nil {
		return
	}
	r.deliverySend.Observe(d.Seconds())
}

// CacheHit records a profile cache lookup served from a fresh entry.
func (r *Recorder) CacheHit() { r.cacheEvent("hit") }

// CacheMiss records a profile cache lookup that had to load.
func (r *Recorder) CacheMiss() { r.cacheEvent("miss") }

// CacheStaleServe records a lookup answered from an expired entry while
// a refresh ran behind it.
func (r *Recorder) CacheStaleServe() { r.cacheEvent("stale_serve") }

// CacheRefreshFailure records a background refresh that gave up.
func (r *Recorder) CacheRefreshFailure() { r.cacheEvent("refresh_failure") }

func (r *Recorder) cacheEvent(event string) {
	if r == nil {
		return
	}
	r.cacheEvents.WithLabelValues(event).Inc()
}

// ObserveRequest records one completed HTTP API request.
func (r *Recorder) ObserveRequest(route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	statusLabel := "unknown"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	routeLabel := normalizeLabel(route)
	r.httpRequests.WithLabelValues(routeLabel, normalizeLabel(method), statusLabel).Inc()
	r.httpLatency.WithLabelValues(routeLabel, statusLabel).Observe(d.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
