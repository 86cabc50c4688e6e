package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arclight-systems/arclight/internal/ratelimit"
)

const writeWait = 10 * time.Second

// conn is one client WebSocket connection. Outbound messages flow through the
// buffered send channel so one stalled client never blocks the hub; a client
// that lets the buffer fill is disconnected and falls back to its offline
// queue.
type conn struct {
	hub      *Hub
	ws       *websocket.Conn
	identity string
	send     chan []byte
	limiter  *ratelimit.Limiter

	mu     sync.Mutex
	closed bool
}

func newConn(h *Hub, ws *websocket.Conn, identity string) *conn {
	return &conn{
		hub:      h,
		ws:       ws,
		identity: identity,
		send:     make(chan []byte, h.opts.SendBuffer),
		limiter:  ratelimit.New(h.opts.InboundRate, time.Minute),
	}
}

// enqueue hands a message to the write pump without blocking. Returns false
// when the connection is closed or the client's buffer is full.
func (c *conn) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the connection down once; safe to call from any goroutine.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump consumes client messages until the connection dies. Liveness is
// tracked with a read deadline of misses*interval, refreshed by pong frames
// and any inbound traffic.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	deadline := c.hub.opts.HeartbeatInterval * time.Duration(c.hub.opts.HeartbeatMisses)
	c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[gateway] read error from %s: %v", c.identity, err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(deadline))

		if !c.limiter.Allow() {
			c.enqueue(envelope(MsgError, map[string]string{"error": "rate limit exceeded"}))
			continue
		}
		c.hub.dispatch(c, msg)
	}
}

// writePump drains the send channel and emits protocol pings every heartbeat
// interval. Exits when the channel is closed or a write fails.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
