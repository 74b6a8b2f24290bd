package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

const (
	wsSendBuffer   = 16
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The admin UI is served from a different origin than the API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the envelope for everything the server pushes over a socket.
type wsMessage struct {
	Type         string                     `json:"type"`
	Pending      int                        `json:"pending,omitempty"`
	Notification *notification.Notification `json:"notification,omitempty"`
}

// wsChannel adapts one websocket connection to the registry's Channel
// contract. Sends go through a buffered channel drained by a single writer
// goroutine, so Send never blocks a dispatcher on a slow client.
type wsChannel struct {
	conn *websocket.Conn
	log  logx.Logger

	out chan wsMessage

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSChannel(conn *websocket.Conn, log logx.Logger) *wsChannel {
	c := &wsChannel{
		conn:   conn,
		log:    log,
		out:    make(chan wsMessage, wsSendBuffer),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *wsChannel) Send(n notification.Notification) bool {
	msg := wsMessage{Type: "notification", Notification: &n}
	select {
	case <-c.closed:
		return false
	case c.out <- msg:
		return true
	default:
		// Buffer full: the client is stalled. Pending state survives in the
		// store, so the record is still reachable by polling.
		return false
	}
}

func (c *wsChannel) sendControl(msg wsMessage) {
	select {
	case <-c.closed:
	case c.out <- msg:
	default:
	}
}

func (c *wsChannel) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsChannel) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-c.closed:
			deadline := time.Now().Add(wsWriteTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug("websocket write failed", logx.Err(err))
				c.Close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}

// handleWebsocket upgrades the connection and registers it as the user's push
// channel. The greeting carries the pending count so a reconnecting client
// knows to drain by polling; anything missed while offline is recovered the
// same way.
func (s *Server) handleWebsocket(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId query parameter is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}

	log := s.log.With(logx.String("user_id", userID))
	ch := newWSChannel(conn, log)
	s.registry.Register(userID, ch)
	log.Info("websocket connected", logx.String("remote", conn.RemoteAddr().String()))

	pending, err := s.engine.Pending(c.Request.Context(), userID)
	if err != nil {
		log.Warn("pending count failed", logx.Err(err))
	}
	ch.sendControl(wsMessage{Type: "connected", Pending: pending})

	// Read loop: the client sends nothing we act on, but reading drives pong
	// handling and detects the peer going away.
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	ch.Close()
	s.registry.Unregister(userID, ch)
	log.Info("websocket disconnected")
}
