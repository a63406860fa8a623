// Package delivery is the central orchestrator for ChatCore.
//
// All transport code (HTTP handlers, WebSocket) talks to the Engine — never
// directly to the store, the presence registry, or the timers. This keeps the
// message lifecycle rules in one place.
//
// Data flow:
//
//	client send       → Engine.Send        → store + gateway broadcast
//	recipient online  → scheduler          → Engine advance → DELIVERED
//	recipient viewing → scheduler          → Engine advance → READ + receipt
//	client mark_read  → Engine.MarkRead    → READ + receipt to sender
//	client enters     → debounced catch-up → batched READ + one receipt
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revotech/chatcore/internal/config"
	"github.com/revotech/chatcore/internal/debounce"
	"github.com/revotech/chatcore/internal/gateway"
	"github.com/revotech/chatcore/internal/heartbeat"
	"github.com/revotech/chatcore/internal/metrics"
	"github.com/revotech/chatcore/internal/presence"
	"github.com/revotech/chatcore/internal/scheduler"
	"github.com/revotech/chatcore/internal/store"
	"github.com/revotech/chatcore/internal/types"
	"github.com/revotech/chatcore/internal/viewer"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrUnknownChat is returned when a room or conversation does not exist.
	ErrUnknownChat = errors.New("delivery: unknown chat")
	// ErrNotParticipant is returned when a user acts on a chat they do not
	// belong to.
	ErrNotParticipant = errors.New("delivery: not a participant")
	// ErrEmptyContent is returned for a send with no content.
	ErrEmptyContent = errors.New("delivery: empty content")
)

// Scheduler keys for the automatic status advances of one message.
func deliveredKey(msgID string) string { return "delivered:" + msgID }
func readKey(msgID string) string      { return "read:" + msgID }

// Stats is a lightweight snapshot of engine-wide state.
type Stats struct {
	OnlineUsers     int `json:"online_users"`
	Sessions        int `json:"sessions"`
	TrackedSessions int `json:"tracked_sessions"`
	PendingTimers   int `json:"pending_timers"`
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics.Registry so lifecycle events increment the
// relevant counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = reg }
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine wires the store, presence registry, viewer tracker, debouncer,
// scheduler, and heartbeat monitor into a single façade used by every
// transport layer.
//
// All methods are safe for concurrent use.
type Engine struct {
	cfg *config.Config
	st  store.Store
	gw  gateway.Sender

	pres    *presence.Registry
	viewers *viewer.Tracker
	sched   *scheduler.Scheduler
	deb     *debounce.Debouncer
	hb      *heartbeat.Monitor

	logger *slog.Logger
	cancel context.CancelFunc

	// Optional integrations (set via functional options).
	metrics *metrics.Registry

	// sessions is the engine's own session table, keyed by session ID.
	// Presence is keyed by user; this map routes per-session operations
	// (disconnect, heartbeat) and gates teardown so a clean disconnect and a
	// heartbeat eviction cannot both run it.
	mu       sync.Mutex
	sessions map[string]types.Session

	// transitions serialises status changes so concurrent advances for the
	// same message observe each other. Transitions are rare and cheap, so a
	// single engine-wide mutex beats per-message locking.
	transitions sync.Mutex
}

// New creates and starts an Engine. The scheduler and heartbeat monitor begin
// running immediately with a background context.
func New(cfg *config.Config, st store.Store, gw gateway.Sender, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		st:       st,
		gw:       gw,
		pres:     presence.NewRegistry(),
		viewers:  viewer.NewTracker(),
		sched:    scheduler.New(),
		logger:   slog.Default().With("component", "delivery"),
		sessions: make(map[string]types.Session),
	}
	e.deb = debounce.New(e.sched, cfg.Debounce.ProcessedCap)
	e.hb = heartbeat.NewMonitor(heartbeat.Config{
		Timeout:         time.Duration(cfg.Heartbeat.TimeoutSeconds) * time.Second,
		PingInterval:    time.Duration(cfg.Heartbeat.PingIntervalSeconds) * time.Second,
		SweepInterval:   time.Duration(cfg.Heartbeat.SweepIntervalSeconds) * time.Second,
		MissedThreshold: cfg.Heartbeat.MissedPingThreshold,
	}, e.probeSession, e.evictSession)

	for _, o := range opts {
		o(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.sched.Start(ctx)
	e.hb.Start(ctx)
	return e
}

// Close stops the background loops. Pending timers are abandoned.
func (e *Engine) Close() error {
	e.cancel()
	e.hb.Stop()
	e.sched.Stop()
	return nil
}

// Stats returns a lightweight snapshot of engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	sessions := len(e.sessions)
	e.mu.Unlock()
	return Stats{
		OnlineUsers:     e.pres.OnlineCount(),
		Sessions:        sessions,
		TrackedSessions: e.hb.TrackedCount(),
		PendingTimers:   e.sched.Len(),
	}
}

// OnlineUsers returns the users currently online.
func (e *Engine) OnlineUsers() []string { return e.pres.OnlineUsers() }

// History returns the newest limit messages in a chat, oldest first.
func (e *Engine) History(chat types.ChatKey, limit int) ([]*types.Message, error) {
	return e.st.Messages(chat, limit)
}

// UnreadCount reports how many conversation messages user has not read yet.
func (e *Engine) UnreadCount(convID, user string) (int, error) {
	return e.st.CountUnread(convID, user)
}

// ─── Session lifecycle ────────────────────────────────────────────────────────

// Connect establishes a session for user. The user's first session broadcasts
// an ONLINE presence event; additional devices connect silently.
func (e *Engine) Connect(userID, username string) types.Session {
	sess := types.Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Username:    username,
		ConnectedAt: time.Now().UnixMilli(),
	}

	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()

	first := e.pres.MarkOnline(userID, sess)
	e.hb.Track(sess)

	if e.metrics != nil {
		e.metrics.Connects.Inc("")
	}
	e.logger.Info("session connected",
		"session_id", sess.ID,
		"user_id", userID,
		"first_session", first)

	if first {
		e.gw.Publish(gateway.TopicUserStatus, gateway.NewFrame("presence", gateway.TopicUserStatus,
			types.PresenceEvent{UserID: userID, Online: true, At: time.Now().UnixMilli()}))
	}
	return sess
}

// Disconnect ends a session cleanly. Unknown sessions (already evicted) are a
// silent no-op.
func (e *Engine) Disconnect(sessionID string) {
	if e.metrics != nil {
		e.metrics.Disconnects.Inc("")
	}
	e.teardown(sessionID, types.ReasonDisconnect)
}

// Heartbeat records a client heartbeat and acknowledges it. Returns false for
// unknown sessions; the transport closes those connections.
func (e *Engine) Heartbeat(sessionID string) bool {
	if !e.hb.RecordHeartbeat(sessionID) {
		return false
	}
	if e.metrics != nil {
		e.metrics.Heartbeats.Inc("")
	}
	e.gw.SendToSession(sessionID, gateway.NewFrame("heartbeat_ack", gateway.QueueHeartbeat,
		types.HeartbeatAck{SessionID: sessionID, At: time.Now().UnixMilli()}))
	return true
}

// probeSession is the heartbeat monitor's onProbe callback.
func (e *Engine) probeSession(sess types.Session) {
	e.gw.SendToSession(sess.ID, gateway.NewFrame("ping", gateway.QueueHeartbeat,
		types.PingEvent{At: time.Now().UnixMilli()}))
}

// evictSession is the heartbeat monitor's onEvict callback. The monitor has
// already untracked the session.
func (e *Engine) evictSession(sess types.Session) {
	if e.metrics != nil {
		e.metrics.Evictions.Inc("")
	}
	e.teardown(sess.ID, types.ReasonHeartbeatTimeout)
}

// teardown removes every trace of a session: the session table, the heartbeat
// monitor, the viewer tracker, and presence. When the user's last session
// goes, their pending debounce timers are dropped and a single OFFLINE event
// carrying reason is broadcast. Idempotent: the session-table delete decides
// which caller runs it.
func (e *Engine) teardown(sessionID, reason string) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	e.hb.Untrack(sessionID)
	e.viewers.RemoveSession(sessionID)

	wasLast := e.pres.MarkOffline(sess.UserID, sessionID)
	e.logger.Info("session ended",
		"session_id", sessionID,
		"user_id", sess.UserID,
		"reason", reason,
		"last_session", wasLast)

	if wasLast {
		e.deb.CancelAll(sess.UserID)
		e.gw.Publish(gateway.TopicUserStatus, gateway.NewFrame("presence", gateway.TopicUserStatus,
			types.PresenceEvent{UserID: sess.UserID, Online: false, Reason: reason, At: time.Now().UnixMilli()}))
	}
}

// Session looks up a live session by ID.
func (e *Engine) Session(sessionID string) (types.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[sessionID]
	return sess, ok
}

// ─── Chat membership checks ───────────────────────────────────────────────────

// authorize verifies that the chat exists and user belongs to it. For
// conversations it also returns the other participant.
func (e *Engine) authorize(chat types.ChatKey, user string) (other string, err error) {
	if chat.IsConversation() {
		conv, err := e.st.Conversation(chat.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", ErrUnknownChat
			}
			return "", fmt.Errorf("delivery: load conversation %s: %w", chat.ID, err)
		}
		other, ok := conv.Other(user)
		if !ok {
			return "", ErrNotParticipant
		}
		return other, nil
	}

	room, err := e.st.Room(chat.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUnknownChat
		}
		return "", fmt.Errorf("delivery: load room %s: %w", chat.ID, err)
	}
	if !room.Has(user) {
		return "", ErrNotParticipant
	}
	return "", nil
}

// ─── Sending ──────────────────────────────────────────────────────────────────

// Send accepts a message from sender into chat: persists it as SENT,
// broadcasts it to the chat, and arms the automatic advances for
// conversations. Rooms never auto-advance; their read state is the per-user
// watermark.
func (e *Engine) Send(chat types.ChatKey, sender, content string) (*types.Message, error) {
	if content == "" {
		return nil, ErrEmptyContent
	}
	recipient, err := e.authorize(chat, sender)
	if err != nil {
		return nil, err
	}

	id, err := types.NewID()
	if err != nil {
		return nil, fmt.Errorf("delivery: generate message id: %w", err)
	}
	m := &types.Message{
		ID:        id,
		Chat:      chat,
		SenderID:  sender,
		Content:   content,
		Status:    types.StatusSent,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := e.st.SaveMessage(m); err != nil {
		return nil, fmt.Errorf("delivery: persist message: %w", err)
	}

	if e.metrics != nil {
		e.metrics.Sent.Inc(chat.Kind.String())
	}
	e.gw.Publish(chat.String(), gateway.NewFrame("message", chat.String(), m))

	if chat.IsConversation() {
		e.armAutoAdvance(m, recipient)
	}
	return m.Clone(), nil
}

// armAutoAdvance schedules the DELIVERED and READ advances for a fresh
// conversation message, based on the recipient's state right now. An offline
// recipient gets neither; their catch-up happens when they next enter the
// conversation.
func (e *Engine) armAutoAdvance(m *types.Message, recipient string) {
	if e.pres.IsOnline(recipient) {
		delay := time.Duration(e.cfg.Delivery.DeliveredDelayMs) * time.Millisecond
		id := m.ID
		e.sched.Schedule(deliveredKey(id), delay, func() {
			e.advance(id, types.StatusDelivered)
		})
	}
	if e.viewers.IsViewing(m.Chat, recipient) {
		delay := time.Duration(e.cfg.Delivery.ReadDelayMs) * time.Millisecond
		id := m.ID
		reader := recipient
		e.sched.Schedule(readKey(id), delay, func() {
			if err := e.MarkRead(id, reader); err != nil {
				e.logger.Warn("auto-read failed", "message_id", id, "err", err)
			}
		})
	}
}

// advance moves a message forward to status and broadcasts the update.
// Backward or repeated transitions are silently skipped, as is a message that
// vanished.
func (e *Engine) advance(msgID string, to types.Status) {
	e.transitions.Lock()
	defer e.transitions.Unlock()

	m, err := e.st.Message(msgID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("load message for advance", "message_id", msgID, "err", err)
		}
		return
	}
	if !types.ValidTransition(m.Status, to) {
		return
	}
	if err := e.st.SetStatus(msgID, to); err != nil {
		e.logger.Warn("persist status", "message_id", msgID, "status", to.String(), "err", err)
		return
	}

	if e.metrics != nil {
		switch to {
		case types.StatusDelivered:
			e.metrics.Delivered.Inc(m.Chat.Kind.String())
		case types.StatusRead:
			e.metrics.Read.Inc(m.Chat.Kind.String())
		}
	}
	e.gw.Publish(m.Chat.String(), gateway.NewFrame("status", m.Chat.String(), types.StatusUpdate{
		MessageID: msgID,
		Chat:      m.Chat.String(),
		Status:    to.String(),
		UpdatedAt: time.Now().UnixMilli(),
	}))
}

// ─── Reading ──────────────────────────────────────────────────────────────────

// MarkRead marks one message read by user and pushes exactly one receipt to
// the sender. Reading your own message, or a message already read, is a
// silent no-op: no duplicate receipt is ever produced.
func (e *Engine) MarkRead(msgID, user string) error {
	e.transitions.Lock()
	m, err := e.st.Message(msgID)
	if err != nil {
		e.transitions.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("delivery: load message %s: %w", msgID, err)
	}
	if m.SenderID == user || !types.ValidTransition(m.Status, types.StatusRead) {
		e.transitions.Unlock()
		return nil
	}
	if err := e.st.SetStatus(msgID, types.StatusRead); err != nil {
		e.transitions.Unlock()
		return fmt.Errorf("delivery: persist read status: %w", err)
	}
	e.transitions.Unlock()

	// The advance supersedes any pending automatic timers for this message.
	e.sched.Cancel(deliveredKey(msgID))
	e.sched.Cancel(readKey(msgID))
	e.deb.MarkProcessed(msgID, user)

	if e.metrics != nil {
		e.metrics.Read.Inc(m.Chat.Kind.String())
	}

	now := time.Now().UnixMilli()
	e.gw.Publish(m.Chat.String(), gateway.NewFrame("status", m.Chat.String(), types.StatusUpdate{
		MessageID: msgID,
		Chat:      m.Chat.String(),
		Status:    types.StatusRead.String(),
		UpdatedAt: now,
	}))
	e.sendReceipt(m.SenderID, m.Chat, []string{msgID}, user, now)
	return nil
}

// sendReceipt pushes a read receipt to the sender's sessions only.
func (e *Engine) sendReceipt(sender string, chat types.ChatKey, msgIDs []string, reader string, at int64) {
	if e.metrics != nil {
		e.metrics.Receipts.Inc(chat.Kind.String())
	}
	e.gw.SendToUser(sender, gateway.NewFrame("read_receipt", gateway.QueueReadReceipts, types.ReadReceipt{
		MessageIDs: msgIDs,
		Chat:       chat.String(),
		ReaderID:   reader,
		ReadAt:     at,
	}))
}

// MarkVisible reports that a conversation message scrolled into (or out of)
// view on one of user's sessions. Becoming visible arms a debounced read;
// scrolling away before the debounce fires cancels it. Rooms, own messages
// and reports from sessions that have already been torn down are ignored.
func (e *Engine) MarkVisible(msgID, sessionID, user string, visible bool) {
	if !visible {
		e.deb.CancelRead(msgID, user)
		return
	}
	if _, ok := e.Session(sessionID); !ok {
		return
	}

	m, err := e.st.Message(msgID)
	if err != nil {
		return
	}
	if !m.Chat.IsConversation() || m.SenderID == user {
		return
	}
	delay := time.Duration(e.cfg.Debounce.DelayMs) * time.Millisecond
	e.deb.ScheduleRead(msgID, user, delay, func() {
		if err := e.MarkRead(msgID, user); err != nil {
			e.logger.Warn("debounced read failed", "message_id", msgID, "err", err)
		}
	})
}

// ─── Entering and leaving chats ───────────────────────────────────────────────

// EnterChat records that session (owned by user) opened chat. Membership is
// checked before any state changes, so an unauthorized enter mutates nothing.
//
// Entering a conversation arms a debounced catch-up that reads everything the
// other party sent while user was away, producing one batched receipt.
// Entering a room advances the user's watermark to the newest message.
func (e *Engine) EnterChat(chat types.ChatKey, sessionID, user string) error {
	if _, err := e.authorize(chat, user); err != nil {
		return err
	}

	e.viewers.Enter(chat, sessionID, user)

	if chat.IsConversation() {
		delay := time.Duration(e.cfg.Debounce.BatchDelayMs) * time.Millisecond
		e.deb.ScheduleBatch(chat.ID, user, delay, func() {
			e.catchUpReads(chat, user)
		})
		return nil
	}
	return e.advanceWatermark(chat, user)
}

// LeaveChat records that session closed chat. Unknown pairs are a no-op.
func (e *Engine) LeaveChat(chat types.ChatKey, sessionID string) {
	e.viewers.Leave(chat, sessionID)
}

// catchUpReads marks every unread message in the conversation read on behalf
// of user and emits a single batched receipt to the other participant. The
// individual advances are quiet: one receipt describes the whole batch, and
// per-message status frames would only duplicate it.
func (e *Engine) catchUpReads(chat types.ChatKey, user string) {
	unread, err := e.st.UnreadInConversation(chat.ID, user)
	if err != nil {
		e.logger.Warn("load unread for catch-up", "conversation", chat.ID, "err", err)
		return
	}
	if len(unread) == 0 {
		return
	}

	var ids []string
	var sender string
	e.transitions.Lock()
	for _, m := range unread {
		if e.deb.Processed(m.ID, user) {
			continue
		}
		if !types.ValidTransition(m.Status, types.StatusRead) {
			continue
		}
		if err := e.st.SetStatus(m.ID, types.StatusRead); err != nil {
			e.logger.Warn("persist catch-up read", "message_id", m.ID, "err", err)
			continue
		}
		ids = append(ids, m.ID)
		sender = m.SenderID
	}
	e.transitions.Unlock()

	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		e.sched.Cancel(deliveredKey(id))
		e.sched.Cancel(readKey(id))
		e.deb.MarkProcessed(id, user)
	}
	if e.metrics != nil {
		e.metrics.Read.Add(chat.Kind.String(), int64(len(ids)))
	}
	e.logger.Info("catch-up read",
		"conversation", chat.ID,
		"user_id", user,
		"messages", len(ids))
	e.sendReceipt(sender, chat, ids, user, time.Now().UnixMilli())
}

// advanceWatermark moves the user's room watermark to the newest message.
func (e *Engine) advanceWatermark(chat types.ChatKey, user string) error {
	latest, err := e.st.Messages(chat, 1)
	if err != nil {
		return fmt.Errorf("delivery: load latest room message: %w", err)
	}
	if len(latest) == 0 {
		return nil
	}
	if err := e.st.SetRoomWatermark(chat.ID, user, latest[0].ID); err != nil {
		return fmt.Errorf("delivery: advance watermark: %w", err)
	}
	return nil
}

// ─── Deleting ─────────────────────────────────────────────────────────────────

// Delete soft-deletes a message. Only the sender may delete their own
// message. The message keeps its slot in history but drops out of unread
// queries; any status already reached stays as it is.
func (e *Engine) Delete(msgID, user string) error {
	m, err := e.st.Message(msgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return fmt.Errorf("delivery: load message %s: %w", msgID, err)
	}
	if m.SenderID != user {
		return ErrNotParticipant
	}
	if err := e.st.SetDeleted(msgID, true); err != nil {
		return fmt.Errorf("delivery: mark deleted: %w", err)
	}

	e.sched.Cancel(deliveredKey(msgID))
	e.sched.Cancel(readKey(msgID))

	e.gw.Publish(m.Chat.String(), gateway.NewFrame("deleted", m.Chat.String(), map[string]string{
		"message_id": msgID,
		"chat":       m.Chat.String(),
	}))
	return nil
}

// ─── Typing ───────────────────────────────────────────────────────────────────

// NotifyTyping broadcasts a typing indicator to the chat's viewers. Typing is
// fire-and-forget: no persistence and no membership round-trip.
func (e *Engine) NotifyTyping(chat types.ChatKey, user string, typing bool) {
	e.gw.Publish(chat.String(), gateway.NewFrame("typing", chat.String(), types.TypingEvent{
		UserID: user,
		Chat:   chat.String(),
		Typing: typing,
	}))
}
