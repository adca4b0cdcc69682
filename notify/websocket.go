package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxInbound = 4096
)

// ErrChannelFull is returned when a receiver is too slow to keep up.
var ErrChannelFull = errors.New("channel send buffer full")

// WSChannel is a Channel over a gorilla websocket connection. Events are
// queued into a bounded buffer and written by a single writer goroutine.
type WSChannel struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewWSChannel(conn *websocket.Conn, buffer int, logger *zap.Logger) *WSChannel {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSChannel{
		conn:   conn,
		send:   make(chan []byte, buffer),
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (c *WSChannel) Send(ev ledger.Event) error {
	msg, err := ledger.MarshalEvent(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrChannelFull
	}
}

func (c *WSChannel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Done is closed once the channel stops.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

// Serve runs the read and write loops and returns when the connection ends.
// Inbound messages are discarded; reading only services pings and detects
// disconnects.
func (c *WSChannel) Serve() {
	go c.writePump()
	c.readPump()
}

func (c *WSChannel) readPump() {
	defer c.Close()
	c.conn.SetReadLimit(maxInbound)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
	}
}

func (c *WSChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
