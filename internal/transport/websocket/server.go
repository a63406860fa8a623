// Package websocket provides the WebSocket transport for ChatCore.
//
// Clients open a WebSocket connection to:
//
//	GET /ws?user_id={id}&username={name}
//
// Authentication happens upstream; the server trusts the identity in the
// query. One connection is one session. Frames are JSON envelopes
// (gateway.Frame); the payload depends on the type.
//
// Client → server frames:
//
//	{"type":"send",       "payload":{"chat":"conversation:c1","content":"hi"}}
//	{"type":"enter",      "payload":{"chat":"room:general"}}
//	{"type":"leave",      "payload":{"chat":"room:general"}}
//	{"type":"mark_read",  "payload":{"message_id":"<ULID>"}}
//	{"type":"delete",     "payload":{"message_id":"<ULID>"}}
//	{"type":"visibility", "payload":{"message_id":"<ULID>","visible":true}}
//	{"type":"typing",     "payload":{"chat":"conversation:c1","typing":true}}
//	{"type":"heartbeat"}
//	{"type":"disconnect"}
//
// Server → client frames: "connected", "message", "status", "read_receipt",
// "deleted", "presence", "typing", "ping", "heartbeat_ack", "error".
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/revotech/chatcore/internal/delivery"
	"github.com/revotech/chatcore/internal/gateway"
	"github.com/revotech/chatcore/internal/types"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Router upgrades connections, establishes sessions, and dispatches inbound
// frames to the engine. Its Handle method is the gateway hub's HandlerFunc.
type Router struct {
	Engine *delivery.Engine
	Hub    *gateway.Hub

	// RPS and Burst bound inbound frames per connection.
	RPS   int
	Burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // sessionID → limiter
}

// NewRouter creates a Router with per-connection rate limiting.
func NewRouter(engine *delivery.Engine, rps, burst int) *Router {
	if rps <= 0 {
		rps = 100
	}
	if burst < rps {
		burst = rps
	}
	return &Router{
		Engine:   engine,
		RPS:      rps,
		Burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// ServeHTTP upgrades the connection and establishes a session.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	username := r.URL.Query().Get("username")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	if username == "" {
		username = userID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	sess := rt.Engine.Connect(userID, username)

	rt.mu.Lock()
	rt.limiters[sess.ID] = rate.NewLimiter(rate.Limit(rt.RPS), rt.Burst)
	rt.mu.Unlock()

	rt.Hub.Register(sess, conn)
	// Every session follows presence changes.
	rt.Hub.Subscribe(sess.ID, gateway.TopicUserStatus)
	rt.Hub.SendToSession(sess.ID, gateway.NewFrame("connected", gateway.QueueSession, types.Connected{
		SessionID: sess.ID,
		UserID:    userID,
		At:        time.Now().UnixMilli(),
	}))
}

// Handle dispatches one inbound frame. It runs on a hub worker goroutine.
func (rt *Router) Handle(sess types.Session, f gateway.Frame) {
	if !rt.allow(sess.ID) {
		rt.sendError(sess.ID, "rate limit exceeded")
		return
	}

	switch f.Type {
	case "send":
		rt.handleSend(sess, f)
	case "enter":
		rt.handleEnter(sess, f)
	case "leave":
		rt.handleLeave(sess, f)
	case "mark_read":
		rt.handleMarkRead(sess, f)
	case "delete":
		rt.handleDelete(sess, f)
	case "visibility":
		rt.handleVisibility(sess, f)
	case "typing":
		rt.handleTyping(sess, f)
	case "heartbeat":
		if !rt.Engine.Heartbeat(sess.ID) {
			rt.Hub.Unregister(sess.ID)
		}
	case "disconnect":
		rt.Hub.Unregister(sess.ID)
	default:
		rt.sendError(sess.ID, fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

// Teardown ends the session on the engine side and drops its rate limiter.
// Wire it as the hub's OnUnregister hook so both explicit disconnects and
// dead sockets end the session exactly once.
func (rt *Router) Teardown(sessionID string) {
	rt.mu.Lock()
	delete(rt.limiters, sessionID)
	rt.mu.Unlock()
	rt.Engine.Disconnect(sessionID)
}

func (rt *Router) allow(sessionID string) bool {
	rt.mu.Lock()
	l, ok := rt.limiters[sessionID]
	rt.mu.Unlock()
	if !ok {
		return true // session already tearing down; let the frame fall through
	}
	return l.Allow()
}

// ─── frame payloads ──────────────────────────────────────────────────────────

type sendPayload struct {
	Chat    string `json:"chat"`
	Content string `json:"content"`
}

type chatPayload struct {
	Chat string `json:"chat"`
}

type markReadPayload struct {
	MessageID string `json:"message_id"`
}

type visibilityPayload struct {
	MessageID string `json:"message_id"`
	Visible   bool   `json:"visible"`
}

type typingPayload struct {
	Chat   string `json:"chat"`
	Typing bool   `json:"typing"`
}

// ─── dispatch targets ────────────────────────────────────────────────────────

func (rt *Router) handleSend(sess types.Session, f gateway.Frame) {
	var p sendPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		rt.sendError(sess.ID, "malformed send payload")
		return
	}
	chat, err := types.ParseChatKey(p.Chat)
	if err != nil {
		rt.sendError(sess.ID, err.Error())
		return
	}
	if _, err := rt.Engine.Send(chat, sess.UserID, p.Content); err != nil {
		rt.sendError(sess.ID, err.Error())
	}
}

func (rt *Router) handleEnter(sess types.Session, f gateway.Frame) {
	var p chatPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		rt.sendError(sess.ID, "malformed enter payload")
		return
	}
	chat, err := types.ParseChatKey(p.Chat)
	if err != nil {
		rt.sendError(sess.ID, err.Error())
		return
	}
	if err := rt.Engine.EnterChat(chat, sess.ID, sess.UserID); err != nil {
		rt.sendError(sess.ID, err.Error())
		return
	}
	rt.Hub.Subscribe(sess.ID, chat.String())
}

func (rt *Router) handleLeave(sess types.Session, f gateway.Frame) {
	var p chatPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		rt.sendError(sess.ID, "malformed leave payload")
		return
	}
	chat, err := types.ParseChatKey(p.Chat)
	if err != nil {
		rt.sendError(sess.ID, err.Error())
		return
	}
	rt.Engine.LeaveChat(chat, sess.ID)
	rt.Hub.Unsubscribe(sess.ID, chat.String())
}

func (rt *Router) handleMarkRead(sess types.Session, f gateway.Frame) {
	var p markReadPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.MessageID == "" {
		rt.sendError(sess.ID, "malformed mark_read payload")
		return
	}
	if err := rt.Engine.MarkRead(p.MessageID, sess.UserID); err != nil {
		rt.sendError(sess.ID, err.Error())
	}
}

func (rt *Router) handleDelete(sess types.Session, f gateway.Frame) {
	var p markReadPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.MessageID == "" {
		rt.sendError(sess.ID, "malformed delete payload")
		return
	}
	if err := rt.Engine.Delete(p.MessageID, sess.UserID); err != nil {
		rt.sendError(sess.ID, err.Error())
	}
}

func (rt *Router) handleVisibility(sess types.Session, f gateway.Frame) {
	var p visibilityPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil || p.MessageID == "" {
		rt.sendError(sess.ID, "malformed visibility payload")
		return
	}
	rt.Engine.MarkVisible(p.MessageID, sess.ID, sess.UserID, p.Visible)
}

func (rt *Router) handleTyping(sess types.Session, f gateway.Frame) {
	var p typingPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		rt.sendError(sess.ID, "malformed typing payload")
		return
	}
	chat, err := types.ParseChatKey(p.Chat)
	if err != nil {
		return
	}
	rt.Engine.NotifyTyping(chat, sess.UserID, p.Typing)
}

func (rt *Router) sendError(sessionID, msg string) {
	rt.Hub.SendToSession(sessionID, gateway.NewFrame("error", "", map[string]string{"error": msg}))
}
