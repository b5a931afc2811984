package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/reknottycat/Qwen3-Livetranslate/client"
	"github.com/reknottycat/Qwen3-Livetranslate/dashscope"
	"github.com/reknottycat/Qwen3-Livetranslate/frame"
	"github.com/reknottycat/Qwen3-Livetranslate/heartbeat"
	"github.com/reknottycat/Qwen3-Livetranslate/relay"
	"github.com/reknottycat/Qwen3-Livetranslate/transcript"
)

// ErrUpstreamUnavailable is returned by Open when the initial connection to
// the translation service cannot be established. Reconnect policy only
// applies to established sessions; a session that never connected is refused.
var ErrUpstreamUnavailable = errors.New("translation service unavailable")

// idFormat names transcript directories after the session start time.
const idFormat = "20060102T150405.000"

// Manager opens sessions and tracks the live ones.
type Manager struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(cfg Config, logger *log.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open establishes the upstream connection for a freshly upgraded browser
// socket and starts the relay. On upstream failure ErrUpstreamUnavailable is
// returned and the caller keeps ownership of ws, including telling the
// browser why.
func (m *Manager) Open(ctx context.Context, ws *websocket.Conn) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	id := m.newID(start)
	logger := m.logger.With("session", id)

	// The session outlives the HTTP request that carried the upgrade.
	sessCtx, cancel := context.WithCancel(context.Background())

	upstreamMon := heartbeat.NewMonitor(m.cfg.HeartbeatInterval, m.cfg.PongTimeout, start)
	clientMon := heartbeat.NewMonitor(m.cfg.HeartbeatInterval, m.cfg.PongTimeout, start)

	uopts := m.cfg.Upstream
	uopts.Logger = logger.With("leg", "upstream")
	uopts.OnReconnect = func(attempt int) {
		logger.Info("upstream reconnected", "attempt", attempt)
		upstreamMon.Reset(time.Now())
	}
	upstream := dashscope.New(uopts)

	if err := upstream.Connect(sessCtx); err != nil {
		cancel()
		logger.Error("upstream connect failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	// Storage exists only for sessions that actually started.
	var wopts []transcript.Option
	if m.cfg.Archive != nil {
		wopts = append(wopts, transcript.WithArchive(m.cfg.Archive))
	}
	writer, err := transcript.NewWriter(m.cfg.TranscriptDir, id, logger, wopts...)
	if err != nil {
		cancel()
		if cerr := upstream.Close(); cerr != nil {
			logger.Debug("upstream close", "error", cerr)
		}
		return nil, fmt.Errorf("failed to create transcript: %w", err)
	}

	clientConn := client.New(ws, logger.With("leg", "client"))
	clientConn.OnPong(func() { clientMon.Pong(time.Now()) })

	if m.cfg.Registry != nil {
		if err := m.cfg.Registry.InsertSession(ctx, id, start.UTC(), uopts.TargetLanguage); err != nil {
			logger.Error("failed to register session", "error", err)
		}
	}

	sess := &Session{
		ID:          id,
		logger:      logger,
		client:      clientConn,
		upstream:    upstream,
		writer:      writer,
		clientMon:   clientMon,
		upstreamMon: upstreamMon,
		state:       StateActive,
		started:     start,
		registry:    m.cfg.Registry,
		cancel:      cancel,
		done:        make(chan struct{}),
		onClose:     m.remove,
	}

	pipe := relay.New(relay.Config{
		Client:          clientConn,
		Upstream:        upstream,
		Recorder:        writer,
		Turns:           sess,
		ClientMonitor:   clientMon,
		UpstreamMonitor: upstreamMon,
		QueueDepth:      m.cfg.QueueDepth,
		Logger:          logger,
	})

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go clientConn.Run(sessCtx)
	go sess.heartbeatLoop(sessCtx)
	go func() {
		reason := pipe.Run(sessCtx)
		if reason == "" {
			reason = frame.ReasonShutdown
		}
		sess.Close(reason)
	}()

	logger.Info("session opened", "task", upstream.TaskID())
	return sess, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Sessions returns the live sessions, newest first.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// CloseAll tears down every live session and waits for each to finish.
func (m *Manager) CloseAll() {
	for _, sess := range m.Sessions() {
		sess.Close(frame.ReasonShutdown)
		<-sess.Done()
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// newID derives the session id from the wall clock, suffixing on collision
// so two sessions opened in the same millisecond stay distinct.
func (m *Manager) newID(t time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := t.UTC().Format(idFormat)
	id := base
	for n := 2; ; n++ {
		if _, taken := m.sessions[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}
