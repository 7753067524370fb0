package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before it is dropped.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// wsConsumer adapts a websocket connection to Consumer. Writes are
// serialized because gorilla connections allow one concurrent writer.
type wsConsumer struct {
	id   string
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConsumer(conn *websocket.Conn) *wsConsumer {
	return &wsConsumer{
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (c *wsConsumer) ID() string { return c.id }

func (c *wsConsumer) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConsumer) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// pinger keeps the connection alive until the consumer is closed.
func (c *wsConsumer) pinger() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				monitoring.Debugf("ping %s: %v", c.id, err)
				return
			}
		}
	}
}

// isConnectionClosedError reports errors that just mean the peer went away.
func isConnectionClosedError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// clients are dashboards on the local network
		return true
	},
}

// ServeWS upgrades the request and serves one client until it disconnects.
// Each inbound message is handled in order on this goroutine.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c := newWSConsumer(conn)
	defer c.Close()

	s.broadcaster.Add(c)
	defer s.broadcaster.Remove(c.ID())
	monitoring.Logf("client %s connected from %s (%d connected)", c.ID(), r.RemoteAddr, s.broadcaster.Len())

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.pinger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !isConnectionClosedError(err) {
				monitoring.Logf("client %s read error: %v", c.ID(), err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.Handle(ctx, c, msg)
	}
	monitoring.Logf("client %s disconnected", c.ID())
}
