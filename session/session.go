// Package session ties one browser connection to one upstream translation
// connection with a shared transcript, and owns the lifecycle of the pair.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/reknottycat/Qwen3-Livetranslate/client"
	"github.com/reknottycat/Qwen3-Livetranslate/dashscope"
	"github.com/reknottycat/Qwen3-Livetranslate/frame"
	"github.com/reknottycat/Qwen3-Livetranslate/heartbeat"
	"github.com/reknottycat/Qwen3-Livetranslate/transcript"
)

// tickInterval drives both heartbeat monitors.
const tickInterval = time.Second

type State int

const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Config struct {
	Upstream      dashscope.Options
	TranscriptDir string

	// QueueDepth bounds the outbound frame queue toward the browser.
	QueueDepth int

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// Archive, when set, mirrors finalized turns to durable storage in
	// addition to the per-session transcript file.
	Archive transcript.Archive

	// Registry, when set, records session open and close events alongside
	// the archived turns. Registry errors are logged, never fatal.
	Registry Registry
}

// Registry records session lifecycle events in durable storage.
type Registry interface {
	InsertSession(ctx context.Context, id string, startedAt time.Time, targetLanguage string) error
	CloseSession(ctx context.Context, id string, closedAt time.Time) error
}

func DefaultConfig() Config {
	return Config{
		TranscriptDir:     "transcripts",
		HeartbeatInterval: heartbeat.DefaultInterval,
		PongTimeout:       heartbeat.DefaultPongTimeout,
	}
}

// Session is one live relay between a browser and the translation service.
// It allocates the turn ids stamped onto finalized translations.
type Session struct {
	ID string

	logger   *log.Logger
	client   *client.Connection
	upstream *dashscope.Connection
	writer   *transcript.Writer

	clientMon   *heartbeat.Monitor
	upstreamMon *heartbeat.Monitor

	mu      sync.Mutex
	state   State
	turn    uint64
	started time.Time

	registry Registry

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	onClose   func(id string)
}

// Next allocates the next turn id. Called on the downstream pump only.
func (s *Session) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	return s.turn
}

// Current returns the most recently allocated turn id, zero before any turn.
func (s *Session) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) Started() time.Time { return s.started }

// TranscriptPath is the on-disk transcript file for this session.
func (s *Session) TranscriptPath() string { return s.writer.Path() }

// Done closes when the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the session down exactly once: the browser gets a close frame
// carrying reason, the upstream connection is ended cleanly, and the
// transcript is finalized. Safe to call from any goroutine, any number of
// times; later calls are no-ops regardless of reason.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.logger.Info("closing session", "reason", reason)

		s.cancel()
		s.client.CloseWithReason(reason)
		if err := s.upstream.Close(); err != nil {
			s.logger.Debug("upstream close", "error", err)
		}
		if err := s.writer.Finalize(); err != nil {
			s.logger.Error("failed to finalize transcript", "error", err)
		}

		if s.registry != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.registry.CloseSession(ctx, s.ID, time.Now().UTC()); err != nil {
				s.logger.Error("failed to mark session closed", "error", err)
			}
		}

		s.setState(StateClosed)
		if s.onClose != nil {
			s.onClose(s.ID)
		}
		close(s.done)
	})
}

// heartbeatLoop drives both monitors. A silent upstream gets kicked so the
// connection's reconnect path takes over; a silent browser ends the session.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			switch s.upstreamMon.Tick(now) {
			case heartbeat.ActionPing:
				if err := s.upstream.Ping(); err != nil {
					s.logger.Debug("upstream ping", "error", err)
				}
			case heartbeat.ActionDead:
				s.logger.Warn("upstream heartbeat timed out, forcing reconnect")
				s.upstream.Kick()
			}

			switch s.clientMon.Tick(now) {
			case heartbeat.ActionPing:
				if err := s.client.Ping(); err != nil {
					s.logger.Debug("client ping", "error", err)
				}
			case heartbeat.ActionDead:
				s.logger.Warn("client heartbeat timed out")
				go s.Close(frame.ReasonClientTimeout)
				return
			}
		}
	}
}
