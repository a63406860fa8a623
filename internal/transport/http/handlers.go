package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/revotech/chatcore/internal/delivery"
	"github.com/revotech/chatcore/internal/types"
)

var startTime = time.Now()

// defaultHistoryLimit caps GET /messages responses when ?limit is absent.
const defaultHistoryLimit = 50

// Handler groups all HTTP request handlers around the delivery engine.
type Handler struct {
	engine *delivery.Engine
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

type presenceResp struct {
	Online []string `json:"online"`
	Count  int      `json:"count"`
}

type messageDTO struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type messagesResp struct {
	Messages []messageDTO `json:"messages"`
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		Sessions: stats.Sessions,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *Handler) presence(w http.ResponseWriter, r *http.Request) {
	online := h.engine.OnlineUsers()
	writeJSON(w, http.StatusOK, presenceResp{Online: online, Count: len(online)})
}

func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	id := r.PathValue("id")
	chat, err := types.ParseChatKey(kind + ":" + id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	limit := parseIntParam(r, "limit", defaultHistoryLimit)
	msgs, err := h.engine.History(chat, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := messagesResp{Messages: make([]messageDTO, 0, len(msgs))}
	for _, m := range msgs {
		out.Messages = append(out.Messages, messageDTO{
			ID:        m.ID,
			Chat:      m.Chat.String(),
			SenderID:  m.SenderID,
			Content:   m.Content,
			Status:    m.Status.String(),
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) unread(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	user := r.URL.Query().Get("user")
	if user == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user query parameter required"})
		return
	}
	n, err := h.engine.UnreadCount(convID, user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
