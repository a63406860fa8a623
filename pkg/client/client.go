// Package client is the official Go SDK for ChatCore.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Open a chat session
//	s, err := c.Connect(ctx, "alice", "Alice")
//
//	// Send a message into a conversation
//	err = s.Send("conversation:c1", "hello")
//
//	// Receive server frames
//	for f := range s.Frames() {
//	    switch f.Type {
//	    case "message": …
//	    case "read_receipt": …
//	    }
//	}
//
// # Error handling
//
// HTTP methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines. A Session's write methods are
// also safe for concurrent use; Frames() must be drained by one goroutine.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the ChatCore server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatcore: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the ChatCore API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the ChatCore server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://chat.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Frame is a server push decoded from the WebSocket stream. Payload holds the
// type-specific body; decode it with json.Unmarshal into the matching struct.
type Frame struct {
	Type    string          `json:"type"`
	Dest    string          `json:"dest,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is one chat message returned by the history endpoint.
type Message struct {
	ID        string
	Chat      string
	SenderID  string
	Content   string
	Status    string
	CreatedAt time.Time
}

// HealthInfo contains the data returned by the /health endpoint.
type HealthInfo struct {
	Status   string
	Sessions int
	Uptime   time.Duration
	Version  string
}

// Stats is the engine snapshot returned by GET /api/stats.
type Stats struct {
	OnlineUsers     int `json:"online_users"`
	Sessions        int `json:"sessions"`
	TrackedSessions int `json:"tracked_sessions"`
	PendingTimers   int `json:"pending_timers"`
}

// ─── Observability ────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:   resp.Status,
		Sessions: resp.Sessions,
		Uptime:   time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:  resp.Version,
	}, nil
}

// Stats returns the engine snapshot from GET /api/stats.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Presence returns the users currently online.
func (c *Client) Presence(ctx context.Context) ([]string, error) {
	var resp struct {
		Online []string `json:"online"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/presence", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Online, nil
}

// History returns up to limit recent messages for a chat key like
// "conversation:c1" or "room:general", oldest first. limit <= 0 uses the
// server default.
func (c *Client) History(ctx context.Context, chat string, limit int) ([]*Message, error) {
	kind, id, ok := strings.Cut(chat, ":")
	if !ok {
		return nil, fmt.Errorf("chatcore: invalid chat key %q", chat)
	}
	path := fmt.Sprintf("/api/chats/%s/%s/messages", url.PathEscape(kind), url.PathEscape(id))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp struct {
		Messages []struct {
			ID        string `json:"id"`
			Chat      string `json:"chat"`
			SenderID  string `json:"sender_id"`
			Content   string `json:"content"`
			Status    string `json:"status"`
			CreatedAt int64  `json:"created_at"`
		} `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*Message, len(resp.Messages))
	for i, m := range resp.Messages {
		out[i] = &Message{
			ID:        m.ID,
			Chat:      m.Chat,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Status:    m.Status,
			CreatedAt: time.UnixMilli(m.CreatedAt).UTC(),
		}
	}
	return out, nil
}

// UnreadCount reports how many messages in the conversation the user has not
// read yet.
func (c *Client) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	path := fmt.Sprintf("/api/conversations/%s/unread?user=%s",
		url.PathEscape(conversationID), url.QueryEscape(userID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// ─── WebSocket session ────────────────────────────────────────────────────────

// Session is a live WebSocket connection for one user. Write methods are safe
// for concurrent use. Server frames arrive on Frames() until Close or a
// connection error, after which the channel is closed.
type Session struct {
	conn   *websocket.Conn
	frames chan Frame

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Connect opens a WebSocket session for the given user.
func (c *Client) Connect(ctx context.Context, userID, username string) (*Session, error) {
	wsURL, err := c.wsEndpoint(userID, username)
	if err != nil {
		return nil, err
	}

	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, fmt.Errorf("chatcore: dial %s: %w", wsURL, err)
	}

	s := &Session{
		conn:   conn,
		frames: make(chan Frame, 64),
	}
	go s.readLoop()
	return s, nil
}

// wsEndpoint rewrites the base URL's scheme for the WebSocket dial.
func (c *Client) wsEndpoint(userID, username string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("chatcore: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("username", username)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Frames returns the stream of server frames. The channel closes when the
// session ends. Frames are dropped if the channel buffer is full.
func (s *Session) Frames() <-chan Frame { return s.frames }

func (s *Session) readLoop() {
	defer s.closeOnce.Do(func() { _ = s.conn.Close() })
	defer close(s.frames)
	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return
		}
		select {
		case s.frames <- f:
		default:
		}
	}
}

// Send publishes a message into a chat ("conversation:c1" or "room:general").
func (s *Session) Send(chat, content string) error {
	return s.write("send", map[string]string{"chat": chat, "content": content})
}

// Enter declares that the user is now viewing the chat. For conversations this
// triggers a batched catch-up read of unread messages.
func (s *Session) Enter(chat string) error {
	return s.write("enter", map[string]string{"chat": chat})
}

// Leave declares that the user stopped viewing the chat.
func (s *Session) Leave(chat string) error {
	return s.write("leave", map[string]string{"chat": chat})
}

// MarkRead marks one message as read immediately.
func (s *Session) MarkRead(messageID string) error {
	return s.write("mark_read", map[string]string{"message_id": messageID})
}

// Delete soft-deletes one of the user's own messages.
func (s *Session) Delete(messageID string) error {
	return s.write("delete", map[string]string{"message_id": messageID})
}

// SetVisibility reports that a message scrolled into or out of view.
func (s *Session) SetVisibility(messageID string, visible bool) error {
	return s.write("visibility", map[string]any{"message_id": messageID, "visible": visible})
}

// Typing broadcasts a typing indicator to the chat.
func (s *Session) Typing(chat string, typing bool) error {
	return s.write("typing", map[string]any{"chat": chat, "typing": typing})
}

// Heartbeat tells the server this session is still alive. Call it at least as
// often as the server's heartbeat timeout.
func (s *Session) Heartbeat() error {
	return s.write("heartbeat", nil)
}

// Close ends the session. The server treats this as a clean disconnect.
func (s *Session) Close() error {
	err := s.write("disconnect", nil)
	s.closeOnce.Do(func() { _ = s.conn.Close() })
	return err
}

func (s *Session) write(frameType string, payload any) error {
	f := Frame{Type: frameType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("chatcore: marshal %s payload: %w", frameType, err)
		}
		f.Payload = data
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("chatcore: write %s frame: %w", frameType, err)
	}
	return nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, resp any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("chatcore: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatcore: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("chatcore: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("chatcore: decode response: %w", err)
		}
	}
	return nil
}
