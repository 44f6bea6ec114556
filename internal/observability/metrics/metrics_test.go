package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRequestNormalizesIdentifiers(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/uploads/0123456789abcdef0123456789abcdef/status", 200, 5*time.Millisecond)
	recorder.ObserveRequest("GET", "/uploads/fedcba9876543210fedcba9876543210/status", 200, 7*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(resp, req)
	body, _ := io.ReadAll(resp.Result().Body)

	output := string(body)
	if !strings.Contains(output, `http_requests_total{method="GET",path="/uploads/:id/status",status="200"} 2`) {
		t.Fatalf("missing collapsed request counter:\n%s", output)
	}
}

func TestSlowConsumerAndSubscriberGauge(t *testing.T) {
	recorder := New()
	recorder.SubscriberConnected()
	recorder.SubscriberConnected()
	recorder.SubscriberDisconnected()
	recorder.ObserveSlowConsumer()
	recorder.ObserveSlowConsumer()
	recorder.ObserveSlowConsumer()

	if drops := recorder.SlowConsumerDrops(); drops != 3 {
		t.Fatalf("drops = %d, want 3", drops)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(resp, req)
	body, _ := io.ReadAll(resp.Result().Body)
	output := string(body)
	if !strings.Contains(output, "fanout_slow_consumer_drops_total 3") {
		t.Fatalf("missing drop counter:\n%s", output)
	}
	if !strings.Contains(output, "fanout_active_subscribers 1") {
		t.Fatalf("missing subscriber gauge:\n%s", output)
	}

	recorder.SubscriberDisconnected()
	recorder.SubscriberDisconnected() // extra disconnect must clamp at zero
	if gauge := recorder.activeSubscribers.Load(); gauge != 0 {
		t.Fatalf("gauge = %d, want 0", gauge)
	}
}

func TestEventCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveUploadEvent("Completed")
	recorder.ObserveUploadEvent("completed")
	recorder.ObserveQueueEvent("enqueued")
	recorder.ObserveBusEvent("ready")
	recorder.ObserveCollectorSweep("")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(resp, req)
	body, _ := io.ReadAll(resp.Result().Body)
	output := string(body)

	for _, want := range []string{
		`upload_events_total{event="completed"} 2`,
		`queue_events_total{event="enqueued"} 1`,
		`bus_events_total{status="ready"} 1`,
		`collector_sweeps_total{outcome="unknown"} 1`,
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("missing %q in:\n%s", want, output)
		}
	}
}
