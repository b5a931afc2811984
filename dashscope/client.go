// Package dashscope owns the cloud leg: a WebSocket connection to the
// DashScope realtime speech-translation service, including its wire
// protocol, the bounded outbound audio queue, and the reconnect policy.
package dashscope

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/reknottycat/Qwen3-Livetranslate/frame"
)

const (
	DefaultBaseURL        = "wss://dashscope.aliyuncs.com/api/v1/models"
	DefaultModel          = "qwen-audio-turbo"
	DefaultTargetLanguage = "zh-Hans"
	DefaultVoice          = "zh-CN-YunxiNeural"
	DefaultSampleRate     = 16000

	DefaultConnectTimeout = 10 * time.Second
	DefaultQueueDepth     = 64
)

// Backoff parameterizes the reconnect policy: delays grow geometrically from
// BaseDelay up to MaxDelay, and after MaxAttempts failed attempts in a row
// the connection gives up.
type Backoff struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

func (b Backoff) next(delay time.Duration) time.Duration {
	d := time.Duration(float64(delay) * b.Multiplier)
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	TargetLanguage string
	SourceLanguage string
	Voice          string
	AudioEnabled   bool
	SampleRate     int

	ConnectTimeout time.Duration
	Backoff        Backoff
	QueueDepth     int

	// OnReconnect fires after a successful reconnect, with the attempt number
	// that succeeded. The owning session uses it to revive its heartbeat
	// monitor.
	OnReconnect func(attempt int)

	Logger *log.Logger
}

func (o *Options) fillDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.TargetLanguage == "" {
		o.TargetLanguage = DefaultTargetLanguage
	}
	if o.Voice == "" {
		o.Voice = DefaultVoice
	}
	if o.SampleRate == 0 {
		o.SampleRate = DefaultSampleRate
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Backoff.MaxAttempts == 0 {
		o.Backoff = DefaultBackoff()
	}
	if o.QueueDepth == 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
}

type outPayload struct {
	data  []byte
	image bool
}

// Connection is one upstream leg. Audio submitted through SendAudio is fire
// and forget: it goes into a bounded queue drained by a single writer
// goroutine, and while the service is unreachable the queue holds at most
// QueueDepth chunks, dropping the oldest beyond that. Frames() yields decoded
// service events until the connection is closed or reconnecting is exhausted.
type Connection struct {
	opts   Options
	logger *log.Logger
	taskID string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu   sync.Mutex
	connReady chan struct{}

	sendQ  chan outPayload
	frames chan frame.Frame
}

func New(opts Options) *Connection {
	opts.fillDefaults()
	return &Connection{
		opts:      opts,
		logger:    opts.Logger,
		taskID:    "task_" + uuid.NewString(),
		connReady: make(chan struct{}, 1),
		sendQ:     make(chan outPayload, opts.QueueDepth),
		frames:    make(chan frame.Frame, 64),
	}
}

func (c *Connection) TaskID() string { return c.taskID }

// Connect dials the service, sends the init message, and starts the read and
// write loops. ctx bounds the dial (ConnectTimeout) and the lifetime of the
// loops.
func (c *Connection) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(newInitMessage(c.taskID, c.opts)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send init message: %w", err)
	}

	c.setConn(conn)
	c.logger.Info("upstream connected", "model", c.opts.Model, "task", c.taskID)

	go c.readLoop(ctx, conn)
	go c.writeLoop(ctx)
	return nil
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s/streaming-translate", c.opts.BaseURL, c.opts.Model)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial upstream: %w", err)
	}
	return conn, nil
}

// Frames yields decoded service events. The channel closes when the
// connection terminates; a terminal Control(close) frame precedes the close
// when reconnecting was exhausted or the service reported a fatal error.
func (c *Connection) Frames() <-chan frame.Frame {
	return c.frames
}

// SendAudio queues one audio chunk. Never blocks: beyond the bounded depth
// the oldest queued chunk is dropped, stale audio being worse than none.
func (c *Connection) SendAudio(data []byte) {
	c.enqueue(outPayload{data: data})
}

// SendImage queues one video frame. Image frames are best-effort only: while
// the connection is down they are discarded immediately rather than queued.
func (c *Connection) SendImage(data []byte) {
	if c.currentConn() == nil {
		return
	}
	c.enqueue(outPayload{data: data, image: true})
}

func (c *Connection) enqueue(p outPayload) {
	for {
		select {
		case c.sendQ <- p:
			return
		default:
			select {
			case old := <-c.sendQ:
				c.logger.Warn("upstream queue full, dropping oldest chunk", "bytes", len(old.data))
			default:
			}
		}
	}
}

// Ping sends the app-level heartbeat message the service expects.
func (c *Connection) Ping() error {
	conn := c.currentConn()
	if conn == nil {
		return errors.New("upstream not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(typeMessage{Type: msgHeartbeat}); err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return nil
}

// Kick force-closes the current socket without closing the Connection,
// sending the read loop into its reconnect path. The session calls this when
// the heartbeat monitor declares the leg dead.
func (c *Connection) Kick() {
	conn := c.currentConn()
	if conn != nil {
		conn.Close()
	}
}

// Close sends the end-of-stream signal and shuts the leg down for good.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	if err := conn.WriteJSON(newEndMessage()); err != nil {
		c.logger.Debug("failed to send end signal", "error", err)
	}
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()

	return conn.Close()
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.frames)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			c.clearConn(conn)
			c.logger.Warn("upstream connection lost", "error", err)

			next, ok := c.reconnect(ctx)
			if !ok {
				c.emit(ctx, frame.Close(frame.ReasonUpstreamUnavailable))
				return
			}
			conn = next
			continue
		}

		frames, err := decodeEvent(msg, c.opts)
		if err != nil {
			c.logger.Warn("dropping undecodable upstream message", "error", err)
		}
		for _, f := range frames {
			c.emit(ctx, f)
			if f.IsClose() {
				// Fatal service error: stop reading, the session tears down.
				return
			}
		}
	}
}

func (c *Connection) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	delay := c.opts.Backoff.BaseDelay

	for attempt := 1; attempt <= c.opts.Backoff.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}
		if c.isClosed() {
			return nil, false
		}

		conn, err := c.dial(ctx)
		if err == nil {
			if err = conn.WriteJSON(newInitMessage(c.taskID, c.opts)); err == nil {
				c.setConn(conn)
				c.logger.Info("upstream reconnected", "attempt", attempt)
				if c.opts.OnReconnect != nil {
					c.opts.OnReconnect(attempt)
				}
				return conn, true
			}
			conn.Close()
		}

		c.logger.Warn("reconnect attempt failed",
			"attempt", attempt, "max", c.opts.Backoff.MaxAttempts, "error", err)
		delay = c.opts.Backoff.next(delay)
	}

	c.logger.Error("reconnect attempts exhausted", "attempts", c.opts.Backoff.MaxAttempts)
	return nil, false
}

// writeLoop is the single consumer of sendQ. While no connection is live it
// blocks without consuming, so the queue fills and overflow policy applies at
// the producer side.
func (c *Connection) writeLoop(ctx context.Context) {
	for {
		conn := c.awaitConn(ctx)
		if conn == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case p := <-c.sendQ:
			if err := c.write(conn, p); err != nil {
				// The chunk is lost; audio is never replayed.
				c.logger.Debug("audio write failed", "bytes", len(p.data), "error", err)
				c.clearConn(conn)
			}
		}
	}
}

func (c *Connection) write(conn *websocket.Conn, p outPayload) error {
	var msg inputMessage
	if p.image {
		msg = newImageMessage(p.data)
	} else {
		msg = newAudioMessage(p.data)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Connection) awaitConn(ctx context.Context) *websocket.Conn {
	for {
		if c.isClosed() {
			return nil
		}
		if conn := c.currentConn(); conn != nil {
			return conn
		}
		select {
		case <-ctx.Done():
			return nil
		case <-c.connReady:
		}
	}
}

func (c *Connection) emit(ctx context.Context, f frame.Frame) {
	select {
	case c.frames <- f:
	case <-ctx.Done():
	}
}

func (c *Connection) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	select {
	case c.connReady <- struct{}{}:
	default:
	}
}

// clearConn drops the tracked connection if it is still the given one.
func (c *Connection) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Connection) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
