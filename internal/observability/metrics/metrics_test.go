package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"capsuled/internal/delivery"
	"capsuled/internal/profile/cache"
)

var (
	_ delivery.Metrics = (*Recorder)(nil)
	_ cache.Metrics    = (*Recorder)(nil)
)

func TestRecorderDeliveryMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rec.DeliveryAttempt()
	rec.DeliveryAttempt()
	rec.DeliveryOutcome("delivered")
	rec.DeliveryOutcome("failed")
	rec.DeliveryOutcome("")
	rec.DeliverySendSeconds(250 * time.Millisecond)

	families := gather(t, rec,
		"capsuled_delivery_attempts_total",
		"capsuled_delivery_outcomes_total",
		"capsuled_delivery_send_duration_seconds",
	)

	attempts := families["capsuled_delivery_attempts_total"][0]
	if got := attempts.GetCounter().GetValue(); got != 2 {
		t.Fatalf("attempts counter: got %v, want 2", got)
	}

	delivered := findMetric(t, families["capsuled_delivery_outcomes_total"], map[string]string{"outcome": "delivered"})
	if got := delivered.GetCounter().GetValue(); got != 1 {
		t.Fatalf("delivered counter: got %v, want 1", got)
	}
	unknown := findMetric(t, families["capsuled_delivery_outcomes_total"], map[string]string{"outcome": "unknown"})
	if got := unknown.GetCounter().GetValue(); got != 1 {
		t.Fatalf("blank outcome should count as unknown: got %v, want 1", got)
	}

	hist := families["capsuled_delivery_send_duration_seconds"][0].GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram for send duration")
	}
	if got := hist.GetSampleCount(); got != 1 {
		t.Fatalf("send histogram count: got %d, want 1", got)
	}
	if diff := math.Abs(hist.GetSampleSum() - 0.25); diff > 0.001 {
		t.Fatalf("send histogram sum: got %v, want near 0.25", hist.GetSampleSum())
	}
}

func TestRecorderCacheEvents(t *testing.T) {
	rec := NewRecorder(nil)
	rec.CacheHit()
	rec.CacheHit()
	rec.CacheMiss()
	rec.CacheStaleServe()
	rec.CacheRefreshFailure()

	families := gather(t, rec, "capsuled_cache_events_total")

	want := map[string]float64{
		"hit":             2,
		"miss":            1,
		"stale_serve":     1,
		"refresh_failure": 1,
	}
	for event, value := range want {
		m := findMetric(t, families["capsuled_cache_events_total"], map[string]string{"event": event})
		if got := m.GetCounter().GetValue(); got != value {
			t.Fatalf("cache event %q: got %v, want %v", event, got, value)
		}
	}
}

func TestRecorderObserveRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRequest("/v1/capsules", "POST", 201, 40*time.Millisecond)
	rec.ObserveRequest("", "GET", 0, time.Millisecond)

	families := gather(t, rec, "capsuled_http_requests_total", "capsuled_http_request_duration_seconds")

	created := findMetric(t, families["capsuled_http_requests_total"], map[string]string{
		"route":  "/v1/capsules",
		"method": "POST",
		"status": "201",
	})
	if got := created.GetCounter().GetValue(); got != 1 {
		t.Fatalf("request counter: got %v, want 1", got)
	}

	fallback := findMetric(t, families["capsuled_http_requests_total"], map[string]string{
		"route":  "unknown",
		"status": "unknown",
	})
	if got := fallback.GetCounter().GetValue(); got != 1 {
		t.Fatalf("blank route and zero status should normalize: got %v, want 1", got)
	}

	hist := findMetric(t, families["capsuled_http_request_duration_seconds"], map[string]string{
		"route":  "/v1/capsules",
		"status": "201",
	}).GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram for request latency")
	}
	if got := hist.GetSampleCount(); got != 1 {
		t.Fatalf("latency histogram count: got %d, want 1", got)
	}
	if diff := math.Abs(hist.GetSampleSum() - 0.04); diff > 0.001 {
		t.Fatalf("latency histogram sum: got %v, want near 0.04", hist.GetSampleSum())
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if rr.Code != 200 {
		t.Fatalf("handler status: got %d, want 200", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected non-empty metrics body")
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.DeliveryAttempt()
	rec.DeliveryOutcome("delivered")
	rec.DeliverySendSeconds(time.Second)
	rec.CacheHit()
	rec.CacheMiss()
	rec.CacheStaleServe()
	rec.CacheRefreshFailure()
	rec.ObserveRequest("/healthz", "GET", 200, time.Millisecond)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("nil recorder handler status: got %d, want 503", rr.Code)
	}

	if _, err := rec.Gatherer().Gather(); err != nil {
		t.Fatalf("nil recorder gather: %v", err)
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
