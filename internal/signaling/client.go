package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigil-proctor/vigil/internal/metrics"
	"github.com/vigil-proctor/vigil/internal/ratelimit"
	"github.com/vigil-proctor/vigil/internal/room"
)

const wsWriteWait = 1 * time.Second

// client is one participant's live transport connection.
type client struct {
	srv  *Server
	conn *websocket.Conn

	roomID string
	self   room.Participant

	limiter *ratelimit.TokenBucket

	writeMu   sync.Mutex
	closeOnce sync.Once

	pingStop chan struct{}
}

func newClient(s *Server, conn *websocket.Conn, roomID string, self room.Participant) *client {
	return &client{
		srv:    s,
		conn:   conn,
		roomID: roomID,
		self:   self,
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSec),
			int64(s.cfg.MaxMessagesPerSec),
		),
		pingStop: make(chan struct{}),
	}
}

// run reads envelopes until the connection drops, then processes the
// departure. It is the connection's owning goroutine.
func (c *client) run() {
	defer c.srv.handleLeave(c)
	defer c.close()

	if c.srv.cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	}
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	go c.pingLoop()
	defer close(c.pingStop)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		// The limiter runs after the read so buffered bytes are consumed
		// before any close; an abortive close (RST) would keep the peer from
		// observing the close code.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.DropRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			// Malformed traffic is dropped; the session survives.
			c.srv.metrics.Inc(metrics.DropMalformed)
			c.srv.log.Debug("dropping malformed envelope",
				"room", c.roomID, "user", c.self.ID, "err", err)
			continue
		}
		// Any parsed envelope counts as liveness.
		c.extendReadDeadline()

		c.srv.dispatch(c, env)
	}
}

func (c *client) extendReadDeadline() {
	if c.srv.cfg.WSIdleTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.WSIdleTimeout))
	}
}

func (c *client) pingLoop() {
	if c.srv.cfg.WSPingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.srv.cfg.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pingStop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// rejectJoin closes a never-registered connection with a policy violation.
func rejectJoin(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(wsWriteWait))
	_ = conn.Close()
}
