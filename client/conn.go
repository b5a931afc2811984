// Package client owns the browser leg of a session: a server-side WebSocket
// accepted from the recorder page. Inbound it carries microphone audio and
// control frames; outbound it carries translation events and synthesized
// speech.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/reknottycat/Qwen3-Livetranslate/frame"
)

const writeTimeout = 10 * time.Second

// Connection wraps one browser WebSocket. Start the read loop with Run; it
// decodes inbound messages onto Frames() and closes the channel when the
// socket goes away. Malformed frames are dropped and logged, never fatal.
type Connection struct {
	ws     *websocket.Conn
	logger *log.Logger

	writeMu sync.Mutex
	frames  chan frame.Frame

	closeOnce sync.Once
}

func New(ws *websocket.Conn, logger *log.Logger) *Connection {
	return &Connection{
		ws:     ws,
		logger: logger,
		frames: make(chan frame.Frame, 16),
	}
}

// OnPong registers a handler for native WebSocket pongs. Browsers answer
// server pings automatically, so this is the liveness signal for this leg.
func (c *Connection) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

// Run reads the socket until it closes or ctx is cancelled.
func (c *Connection) Run(ctx context.Context) {
	defer close(c.frames)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client read ended", "error", err)
			}
			return
		}

		f, err := frame.Decode(msgType, data)
		if err != nil {
			if errors.Is(err, frame.ErrProtocolViolation) {
				c.logger.Warn("dropping malformed client frame", "error", err)
				continue
			}
			c.logger.Warn("client frame decode failed", "error", err)
			continue
		}

		select {
		case c.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Frames yields decoded inbound frames until the socket closes.
func (c *Connection) Frames() <-chan frame.Frame {
	return c.frames
}

// Send writes one outbound frame.
func (c *Connection) Send(f frame.Frame) error {
	msgType, data, err := frame.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("failed to write to client: %w", err)
	}
	return nil
}

// Ping sends a native WebSocket ping control frame.
func (c *Connection) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// CloseWithReason sends the terminal close frame, then the WebSocket close
// handshake, then drops the socket. Safe to call more than once.
func (c *Connection) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		if err := c.Send(frame.Close(reason)); err != nil {
			c.logger.Debug("failed to send close frame", "error", err)
		}

		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		c.writeMu.Unlock()

		c.ws.Close()
	})
}
