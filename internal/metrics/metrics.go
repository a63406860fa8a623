// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for ChatCore. It deliberately avoids the prometheus/client_golang
// package so the server binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Sent / Delivered / Read / Receipts  →  key = "kind"  ("room" or "conversation")
//	Frames                              →  key = "type"  (frame type)
//	HTTPReqs                            →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt              →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all ChatCore application metrics.
type Registry struct {
	// Message lifecycle counters.  key = chat kind ("room" / "conversation")
	Sent      labelCounter
	Delivered labelCounter
	Read      labelCounter
	Receipts  labelCounter

	// Gateway counters.
	Frames         labelCounter // key = frame type
	BroadcastDrops labelCounter // key = frame type; frames dropped on full/closed clients

	// Session counters (no labels; single "" key).
	Connects    labelCounter
	Disconnects labelCounter
	Heartbeats  labelCounter
	Evictions   labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── message lifecycle counters ────────────────────────────────────────
		writeKindFamily(&b, "chatcore_messages_sent_total",
			"Total messages accepted", &r.Sent)
		writeKindFamily(&b, "chatcore_messages_delivered_total",
			"Total messages advanced to delivered", &r.Delivered)
		writeKindFamily(&b, "chatcore_messages_read_total",
			"Total messages advanced to read", &r.Read)
		writeKindFamily(&b, "chatcore_read_receipts_total",
			"Total read receipts pushed to senders", &r.Receipts)

		// ── gateway counters ──────────────────────────────────────────────────
		writeFamily(&b, "chatcore_frames_total",
			"Total frames broadcast by type", "counter",
			func(fn func(labels, val string)) {
				r.Frames.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`type=%q`, key), fmt.Sprintf("%d", val))
				})
			})
		writeFamily(&b, "chatcore_broadcast_drops_total",
			"Total frames dropped on slow or closed clients", "counter",
			func(fn func(labels, val string)) {
				r.BroadcastDrops.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`type=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		// ── session counters ──────────────────────────────────────────────────
		writePlainFamily(&b, "chatcore_session_connects_total",
			"Total sessions established", &r.Connects)
		writePlainFamily(&b, "chatcore_session_disconnects_total",
			"Total sessions ended by client disconnect", &r.Disconnects)
		writePlainFamily(&b, "chatcore_heartbeats_total",
			"Total client heartbeats recorded", &r.Heartbeats)
		writePlainFamily(&b, "chatcore_session_evictions_total",
			"Total sessions evicted by the heartbeat monitor", &r.Evictions)

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "chatcore_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "chatcore_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "chatcore_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// writeKindFamily writes a counter family labelled by chat kind.
func writeKindFamily(b *strings.Builder, name, help string, lc *labelCounter) {
	writeFamily(b, name, help, "counter",
		func(fn func(labels, val string)) {
			lc.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`kind=%q`, key), fmt.Sprintf("%d", val))
			})
		})
}

// writePlainFamily writes an unlabelled counter family. The counter is only
// ever incremented with the "" key.
func writePlainFamily(b *strings.Builder, name, help string, lc *labelCounter) {
	var total int64
	var seen bool
	lc.Each(func(_ string, val int64) {
		total += val
		seen = true
	})
	if !seen {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, total)
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
