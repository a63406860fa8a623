package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/revotech/chatcore/internal/metrics"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

func TestRegistry_MessageCounters(t *testing.T) {
	var reg metrics.Registry

	reg.Sent.Inc("conversation")
	reg.Sent.Inc("conversation")
	reg.Sent.Add("conversation", 3)

	got := int64(0)
	reg.Sent.Each(func(k string, v int64) {
		if k == "conversation" {
			got = v
		}
	})
	if got != 5 {
		t.Fatalf("Sent count = %d, want 5", got)
	}
}

func TestRegistry_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reqKey := metrics.HTTPKey("GET", "/api/stats", "200")
	durKey := metrics.HTTPDurKey("GET", "/api/stats")

	reg.HTTPReqs.Inc(reqKey)
	reg.HTTPReqs.Inc(reqKey)
	reg.HTTPDurMs.Add(durKey, 42)
	reg.HTTPDurMs.Add(durKey, 18)
	reg.HTTPDurCnt.Inc(durKey)
	reg.HTTPDurCnt.Inc(durKey)

	reqCount := int64(0)
	reg.HTTPReqs.Each(func(k string, v int64) {
		if k == reqKey {
			reqCount = v
		}
	})
	if reqCount != 2 {
		t.Fatalf("HTTPReqs count = %d, want 2", reqCount)
	}

	durSum := int64(0)
	reg.HTTPDurMs.Each(func(k string, v int64) {
		if k == durKey {
			durSum = v
		}
	})
	if durSum != 60 {
		t.Fatalf("HTTPDurMs sum = %d, want 60", durSum)
	}
}

// ─── Prometheus output format ─────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestHandler_ContentType(t *testing.T) {
	var reg metrics.Registry
	reg.Sent.Inc("room")

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	body := scrape(t, &reg)
	if body != "" {
		t.Fatalf("expected empty body for empty registry, got:\n%s", body)
	}
}

func TestHandler_LifecycleCounters(t *testing.T) {
	var reg metrics.Registry

	reg.Sent.Add("conversation", 4)
	reg.Sent.Inc("room")
	reg.Delivered.Inc("conversation")
	reg.Read.Inc("conversation")
	reg.Receipts.Inc("conversation")

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP chatcore_messages_sent_total")
	mustContain(t, body, "# TYPE chatcore_messages_sent_total counter")
	mustContain(t, body, `kind="conversation"`)
	mustContain(t, body, `kind="room"`)
	mustContain(t, body, "chatcore_messages_delivered_total")
	mustContain(t, body, "chatcore_messages_read_total")
	mustContain(t, body, "chatcore_read_receipts_total")
}

func TestHandler_SessionCounters(t *testing.T) {
	var reg metrics.Registry

	reg.Connects.Inc("")
	reg.Connects.Inc("")
	reg.Heartbeats.Inc("")
	reg.Evictions.Inc("")

	body := scrape(t, &reg)

	mustContain(t, body, "chatcore_session_connects_total 2")
	mustContain(t, body, "chatcore_heartbeats_total 1")
	mustContain(t, body, "chatcore_session_evictions_total 1")
}

func TestHandler_GatewayCounters(t *testing.T) {
	var reg metrics.Registry

	reg.Frames.Inc("message")
	reg.BroadcastDrops.Inc("message")

	body := scrape(t, &reg)

	mustContain(t, body, "chatcore_frames_total")
	mustContain(t, body, "chatcore_broadcast_drops_total")
	mustContain(t, body, `type="message"`)
}

func TestHandler_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reg.HTTPReqs.Inc(metrics.HTTPKey("GET", "/health", "200"))
	reg.HTTPDurMs.Add(metrics.HTTPDurKey("GET", "/health"), 5)
	reg.HTTPDurCnt.Inc(metrics.HTTPDurKey("GET", "/health"))

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP chatcore_http_requests_total")
	mustContain(t, body, `method="GET"`)
	mustContain(t, body, `path="/health"`)
	mustContain(t, body, `status="200"`)
	mustContain(t, body, "chatcore_http_request_duration_milliseconds_sum")
	mustContain(t, body, "chatcore_http_request_duration_milliseconds_count")
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func mustContain(t *testing.T, body, substr string) {
	t.Helper()
	if !strings.Contains(body, substr) {
		t.Errorf("expected body to contain %q\nbody:\n%s", substr, body)
	}
}

// ─── Concurrent safety ────────────────────────────────────────────────────────

func TestRegistry_ConcurrentInc(t *testing.T) {
	var reg metrics.Registry

	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		go func() {
			reg.Sent.Inc("room")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	got := int64(0)
	reg.Sent.Each(func(k string, v int64) {
		if k == "room" {
			got = v
		}
	})
	if got != 100 {
		t.Fatalf("concurrent Inc: got %d, want 100", got)
	}
}
