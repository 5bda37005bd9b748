// Package transport implements the connection handler (component G): the
// WebSocket read/write pumps, admission sequence, and the status/health
// HTTP surface (component H).
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/avery-oss/signalbroker/internal/broker"
	"github.com/avery-oss/signalbroker/internal/logging"
	"github.com/avery-oss/signalbroker/internal/metrics"
)

const writeWait = 10 * time.Second

// wsConnection is the slice of *websocket.Conn the client needs, narrowed
// for testability.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client owns one accepted stream end to end. It implements
// registry.Sender: the dispatcher and the liveness checker never touch the
// transport directly, only this bounded queue.
type Client struct {
	conn wsConnection
	send chan []byte

	closeOnce   sync.Once
	closed      atomic.Bool
	closeCode   int
	closeReason string
}

// NewClient wraps conn with a bounded outbound queue of the given depth.
func NewClient(conn wsConnection, queueDepth int) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, queueDepth),
	}
}

// EnqueueFrame implements registry.Sender. A full queue means a stuck or
// malicious slow consumer; rather than block the dispatcher, the client is
// terminated.
func (c *Client) EnqueueFrame(data []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- data:
	default:
		metrics.RelayErrors.WithLabelValues("queue_full").Inc()
		c.Close(1000, "slow consumer")
	}
}

// SendPing implements registry.Sender, issuing a transport-level ping.
func (c *Client) SendPing() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close implements registry.Sender. Idempotent: only the first call's code
// and reason reach the close frame the write pump sends on its way out.
func (c *Client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.closed.Store(true)
		close(c.send)
	})
}

// OnPong registers fn to run whenever a pong control frame arrives.
func (c *Client) OnPong(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// writePump is the sole writer to conn, draining send until it is closed by
// Close, then emits the recorded close frame and tears down the stream.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for data := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Warn(context.Background(), "write failed, terminating client", zap.Error(err))
			return
		}
	}

	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

// readPump feeds every inbound message to the broker's dispatcher until the
// stream ends, then runs the disconnect teardown (leave room, remove from
// registry) and closes the client's own write side.
func (c *Client) readPump(ctx context.Context, b *broker.Broker, clientID string) {
	defer func() {
		b.Disconnect(ctx, clientID)
		c.Close(1000, "")
		metrics.DecClient()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		b.Dispatch(ctx, clientID, data)
	}
}
