package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pongarena/broker/internal/logging"
	"pongarena/broker/internal/protocol"
)

const (
	// sendBuffer bounds the outbound queue of one connection.
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// conn is one upgraded websocket. It implements hub.Subscriber.
type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	log     *logging.Logger
	traffic *Traffic
}

func newConn(id string, ws *websocket.Conn, logger *logging.Logger, traffic *Traffic) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		log:     logger,
		traffic: traffic,
	}
}

// ID implements hub.Subscriber.
func (c *conn) ID() string { return c.id }

// Deliver implements hub.Subscriber. A full queue means the peer stopped
// reading; the connection is closed rather than stalling the publisher.
func (c *conn) Deliver(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		c.traffic.queued(c.id, len(msg))
		return true
	default:
		c.traffic.evicted(c.id)
		c.log.Warn("dropping slow websocket client", logging.Int("queued", len(c.send)))
		c.shutdown()
		return false
	}
}

// sendJSON encodes msg and queues it for this connection only.
func (c *conn) sendJSON(msg any) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		c.log.Warn("encode outbound message", logging.Error(err))
		return
	}
	c.Deliver(raw)
}

// shutdown stops the writer and unblocks the reader.
func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// reject closes a connection that failed validation before any pump started.
func (c *conn) reject(reason string) {
	c.log.Info("websocket rejected", logging.String("reason", reason))
	c.traffic.rejected()
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	c.shutdown()
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *conn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("websocket write failed", logging.Error(err))
				return
			}
			c.traffic.sent(c.id, len(msg))
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("websocket ping failed", logging.Error(err))
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// readPump hands every text frame to handle until the socket fails.
func (c *conn) readPump(maxPayload int64, pingInterval time.Duration, handle func([]byte)) {
	defer c.shutdown()
	c.ws.SetReadLimit(maxPayload)
	//1.- A peer that misses two pings in a row is considered gone.
	idle := 2 * pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", logging.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))
		if kind != websocket.TextMessage {
			continue
		}
		c.traffic.received(c.id, len(msg))
		handle(msg)
	}
}
