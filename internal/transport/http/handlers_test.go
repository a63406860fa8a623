package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/revotech/chatcore/internal/config"
	"github.com/revotech/chatcore/internal/delivery"
	"github.com/revotech/chatcore/internal/gateway"
	"github.com/revotech/chatcore/internal/metrics"
	"github.com/revotech/chatcore/internal/store"
	transphttp "github.com/revotech/chatcore/internal/transport/http"
	transpws "github.com/revotech/chatcore/internal/transport/websocket"
	"github.com/revotech/chatcore/internal/types"
)

// newTestServer builds the full handler stack over a real store, with
// conversation "c1" (alice, bob) pre-seeded.
func newTestServer(t *testing.T, mutate func(*config.Config)) (http.Handler, *delivery.Engine) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Auth.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(filepath.Join(cfg.Server.DataDir, "chatcore.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.PutConversation(store.Conversation{ID: "c1", Participants: [2]string{"alice", "bob"}}); err != nil {
		t.Fatalf("PutConversation: %v", err)
	}

	reg := &metrics.Registry{}

	var router *transpws.Router
	hub := gateway.NewHub(gateway.Options{
		OnUnregister: func(id string) { router.Teardown(id) },
	}, func(sess types.Session, f gateway.Frame) {
		router.Handle(sess, f)
	}, reg)

	engine := delivery.New(cfg, st, hub, delivery.WithMetrics(reg))
	t.Cleanup(func() { _ = engine.Close() })

	router = transpws.NewRouter(engine, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	router.Hub = hub

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub.Start(ctx)
	t.Cleanup(hub.Stop)

	return transphttp.New(engine, router, cfg, reg).Handler(), engine
}

func doGet(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := doGet(h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Version == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestStats(t *testing.T) {
	h, engine := newTestServer(t, nil)
	engine.Connect("alice", "Alice")

	rec := doGet(h, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Sessions    int `json:"sessions"`
		OnlineUsers int `json:"online_users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Sessions != 1 || body.OnlineUsers != 1 {
		t.Errorf("body = %+v, want 1 session / 1 online user", body)
	}
}

func TestPresence(t *testing.T) {
	h, engine := newTestServer(t, nil)
	engine.Connect("alice", "Alice")
	engine.Connect("alice", "Alice") // second device, same user
	engine.Connect("bob", "Bob")

	rec := doGet(h, "/api/presence")
	var body struct {
		Online []string `json:"online"`
		Count  int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 {
		t.Errorf("count = %d, want 2", body.Count)
	}
}

func TestMessages_History(t *testing.T) {
	h, engine := newTestServer(t, nil)

	for _, content := range []string{"one", "two", "three"} {
		if _, err := engine.Send(types.ConversationKey("c1"), "alice", content); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	rec := doGet(h, "/api/chats/conversation/c1/messages?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Messages []struct {
			Content string `json:"content"`
			Status  string `json:"status"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(body.Messages))
	}
	// Newest two, oldest first.
	if body.Messages[0].Content != "two" || body.Messages[1].Content != "three" {
		t.Errorf("messages = %+v", body.Messages)
	}
	if body.Messages[0].Status != "sent" {
		t.Errorf("status = %q, want sent", body.Messages[0].Status)
	}
}

func TestUnreadCount(t *testing.T) {
	h, engine := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		if _, err := engine.Send(types.ConversationKey("c1"), "alice", "ping"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	rec := doGet(h, "/api/conversations/c1/unread?user=bob")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 3 {
		t.Errorf("count = %d, want 3", body.Count)
	}

	// The sender's own messages are never unread for them.
	rec = doGet(h, "/api/conversations/c1/unread?user=alice")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("sender unread = %d, want 0", body.Count)
	}

	if rec := doGet(h, "/api/conversations/c1/unread"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing user: status = %d, want 400", rec.Code)
	}
}

func TestMessages_BadChatKind(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := doGet(h, "/api/chats/group/g1/messages")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuth_RejectsMissingKey(t *testing.T) {
	h, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "sekret"
	})

	rec := doGet(h, "/health")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Api-Key", "sekret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with key = %d, want 200", rec.Code)
	}
}

func TestRateLimit_Returns429(t *testing.T) {
	h, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.RPS = 1
		cfg.RateLimit.Burst = 1
	})

	if rec := doGet(h, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	limited := false
	for i := 0; i < 5; i++ {
		if rec := doGet(h, "/health"); rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of requests was never rate-limited")
	}
}

func TestCORS_Preflight(t *testing.T) {
	h, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/stats", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
