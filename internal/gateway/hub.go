package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/revotech/chatcore/internal/metrics"
	"github.com/revotech/chatcore/internal/types"
)

// HandlerFunc receives one decoded inbound frame on a worker goroutine.
type HandlerFunc func(sess types.Session, f Frame)

// Options tune the hub. Zero values get defaults matching config.Default().
type Options struct {
	// SendBuffer is the per-client egress channel capacity.
	SendBuffer int
	// SendTimeout is how long a publish waits on a full client before
	// dropping the frame for that client.
	SendTimeout time.Duration
	// Workers is the number of goroutines draining inbound frames.
	Workers int
	// OnUnregister, if set, runs after a session is detached — whether by an
	// explicit Unregister call or by its read pump dying. It runs outside the
	// hub lock, at most once per registration.
	OnUnregister func(sessionID string)
}

func (o *Options) applyDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.SendTimeout < 0 {
		o.SendTimeout = 0
	}
	if o.Workers <= 0 {
		o.Workers = 16
	}
}

// inbound pairs a decoded frame with the session it came from.
type inbound struct {
	sess  types.Session
	frame Frame
}

// Hub tracks registered clients and their destination subscriptions, fans
// published frames out to subscribers, and pumps inbound frames through a
// fixed worker pool so one slow handler cannot stall every connection.
//
// A slow or closed client never blocks a publish: the frame is dropped for
// that client, counted, and logged. All methods are safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client            // sessionID → client
	byUser  map[string]map[string]*Client // userID → sessionID → client
	subs    map[string]map[string]*Client // dest → sessionID → client

	opts    Options
	handler HandlerFunc
	logger  *slog.Logger
	met     *metrics.Registry

	in   chan inbound
	done chan struct{}
	wg   sync.WaitGroup
}

var _ Sender = (*Hub)(nil)

// NewHub creates a Hub. handler is invoked for every inbound frame; met may
// be nil. Call Start() before registering clients.
func NewHub(opts Options, handler HandlerFunc, met *metrics.Registry) *Hub {
	opts.applyDefaults()
	return &Hub{
		clients: make(map[string]*Client),
		byUser:  make(map[string]map[string]*Client),
		subs:    make(map[string]map[string]*Client),
		opts:    opts,
		handler: handler,
		logger:  slog.Default().With("component", "gateway"),
		met:     met,
		in:      make(chan inbound, 256),
		done:    make(chan struct{}),
	}
}

// Start launches the inbound worker pool.
func (h *Hub) Start(ctx context.Context) {
	for i := 0; i < h.opts.Workers; i++ {
		h.wg.Add(1)
		go h.worker(ctx)
	}
}

// Stop shuts the worker pool down and closes every client.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
	h.wg.Wait()

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}

func (h *Hub) worker(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case in := <-h.in:
			h.handler(in.sess, in.frame)
		}
	}
}

// dispatch queues an inbound frame for the worker pool. Called from read
// pumps. Frames are dropped (with a log) if the pool is saturated.
func (h *Hub) dispatch(sess types.Session, f Frame) {
	select {
	case h.in <- inbound{sess: sess, frame: f}:
	default:
		h.logger.Warn("inbound queue full, dropping frame",
			"session_id", sess.ID,
			"type", f.Type)
	}
}

// Register attaches a connection for sess and starts its pumps. The returned
// Client stays valid until Unregister or a connection error.
func (h *Hub) Register(sess types.Session, conn wsConn) *Client {
	c := &Client{
		sess:   sess,
		conn:   conn,
		hub:    h,
		egress: make(chan []byte, h.opts.SendBuffer),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[sess.ID] = c
	set, ok := h.byUser[sess.UserID]
	if !ok {
		set = make(map[string]*Client)
		h.byUser[sess.UserID] = set
	}
	set[sess.ID] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
	return c
}

// Unregister detaches the session, drops all its subscriptions, and closes
// the connection. Idempotent.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	c, ok := h.clients[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, sessionID)
	if set, ok := h.byUser[c.sess.UserID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.byUser, c.sess.UserID)
		}
	}
	for dest, subs := range h.subs {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(h.subs, dest)
		}
	}
	h.mu.Unlock()

	c.Close()
	if h.opts.OnUnregister != nil {
		h.opts.OnUnregister(sessionID)
	}
}

// Subscribe adds the session to a destination's fan-out set.
func (h *Hub) Subscribe(sessionID, dest string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[sessionID]
	if !ok {
		return
	}
	set, ok := h.subs[dest]
	if !ok {
		set = make(map[string]*Client)
		h.subs[dest] = set
	}
	set[sessionID] = c
}

// Unsubscribe removes the session from a destination's fan-out set.
func (h *Hub) Unsubscribe(sessionID, dest string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[dest]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(h.subs, dest)
		}
	}
}

// Publish fans a frame out to every subscriber of dest.
func (h *Hub) Publish(dest string, f Frame) {
	f.Dest = dest
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal frame", "type", f.Type, "err", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Client, 0, len(h.subs[dest]))
	for _, c := range h.subs[dest] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	if h.met != nil {
		h.met.Frames.Inc(f.Type)
	}
	for _, c := range targets {
		h.deliver(c, f.Type, data)
	}
}

// SendToUser pushes a frame to every live session of one user, regardless of
// subscriptions. Used for per-user queues (receipts, heartbeat acks).
func (h *Hub) SendToUser(user string, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal frame", "type", f.Type, "err", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Client, 0, len(h.byUser[user]))
	for _, c := range h.byUser[user] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	if h.met != nil {
		h.met.Frames.Inc(f.Type)
	}
	for _, c := range targets {
		h.deliver(c, f.Type, data)
	}
}

// SendToSession pushes a frame to exactly one session, if it is registered.
func (h *Hub) SendToSession(sessionID string, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("marshal frame", "type", f.Type, "err", err)
		return
	}

	h.mu.Lock()
	c, ok := h.clients[sessionID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.deliver(c, f.Type, data)
}

// deliver hands data to one client, swallowing (but counting) failures so a
// dead socket never propagates an error into the broadcast path.
func (h *Hub) deliver(c *Client, frameType string, data []byte) {
	if c.trySend(data, h.opts.SendTimeout) {
		return
	}
	if h.met != nil {
		h.met.BroadcastDrops.Inc(frameType)
	}
	h.logger.Warn("dropping frame for slow or closed client",
		"session_id", c.sess.ID,
		"user_id", c.sess.UserID,
		"type", frameType)
}

// ClientCount returns the number of registered sessions.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SubscriberCount returns the number of sessions subscribed to dest.
func (h *Hub) SubscriberCount(dest string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[dest])
}
