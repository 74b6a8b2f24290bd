package client

import (
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Status is the push connection state reported to the status callback.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DefaultReconnectDelay is the fixed pause between a drop and the next dial
// attempt. There is no backoff ladder: one pending retry at a time, at a
// constant interval.
const DefaultReconnectDelay = 5 * time.Second

// Handlers carries the Reconnector's callbacks. All callbacks are invoked
// from the Reconnector's goroutines and must not block.
type Handlers struct {
	// OnNotification receives each pushed notification.
	OnNotification func(Notification)
	// OnStatus receives connection state transitions. Optional.
	OnStatus func(Status)
	// OnConnected receives the greeting's pending count. Optional; use it to
	// trigger a Check drain after (re)connecting.
	OnConnected func(pending int)
}

// Reconnector maintains a push WebSocket to the server for one user. On any
// drop it schedules a single reconnect attempt after a fixed delay, and keeps
// doing so until Close. Notifications missed while offline are not replayed
// here; drain them via Client.Check.
type Reconnector struct {
	wsURL    string
	handlers Handlers
	delay    time.Duration
	dialer   *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	timer   *time.Timer
	dialing bool
	closed  bool
}

// ReconnectorOption tweaks dial behavior.
type ReconnectorOption func(*Reconnector)

// WithReconnectDelay overrides the fixed retry delay.
func WithReconnectDelay(d time.Duration) ReconnectorOption {
	return func(r *Reconnector) {
		if d > 0 {
			r.delay = d
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) ReconnectorOption {
	return func(r *Reconnector) {
		if d != nil {
			r.dialer = d
		}
	}
}

// NewReconnector prepares a push connection for userID against baseWSURL
// (e.g. "ws://127.0.0.1:3000"). Call Connect to start.
func NewReconnector(baseWSURL, userID string, handlers Handlers, opts ...ReconnectorOption) *Reconnector {
	r := &Reconnector{
		wsURL:    baseWSURL + "/ws?userId=" + url.QueryEscape(userID),
		handlers: handlers,
		delay:    DefaultReconnectDelay,
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect dials immediately. Safe to call once; later reconnects are
// self-scheduled.
func (r *Reconnector) Connect() {
	go r.dial()
}

// Close tears down the connection and cancels any pending reconnect. No
// status callback fires for the teardown itself: the caller asked for the
// disconnect and gets no further callbacks of any kind. The Reconnector
// cannot be reused afterwards.
func (r *Reconnector) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (r *Reconnector) dial() {
	r.mu.Lock()
	if r.closed || r.dialing {
		r.mu.Unlock()
		return
	}
	r.dialing = true
	// A fresh dial supersedes whatever connection we thought we had.
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()

	r.status(StatusConnecting)
	conn, resp, err := r.dialer.Dial(r.wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	r.mu.Lock()
	r.dialing = false
	if r.closed {
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		r.mu.Unlock()
		r.status(StatusDisconnected)
		r.scheduleReconnect()
		return
	}
	r.conn = conn
	r.mu.Unlock()

	r.status(StatusConnected)
	go r.readLoop(conn)
}

func (r *Reconnector) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var env struct {
			Type         string        `json:"type"`
			Pending      int           `json:"pending"`
			Notification *Notification `json:"notification"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "connected":
			if r.handlers.OnConnected != nil {
				r.handlers.OnConnected(env.Pending)
			}
		case "notification":
			if env.Notification != nil && r.handlers.OnNotification != nil {
				r.handlers.OnNotification(*env.Notification)
			}
		}
	}

	_ = conn.Close()
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return
	}
	r.status(StatusDisconnected)
	r.scheduleReconnect()
}

// scheduleReconnect arms the retry timer. At most one timer is pending: a
// second drop while a retry is already scheduled does not stack another.
func (r *Reconnector) scheduleReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		r.timer = nil
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			r.dial()
		}
	})
}

func (r *Reconnector) status(s Status) {
	if r.handlers.OnStatus != nil {
		r.handlers.OnStatus(s)
	}
}
