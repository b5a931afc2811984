// Package relay pumps frames between the two legs of a session: microphone
// audio from the browser up to the translation service, translation and
// synthesized-speech events back down. Each direction is a single consumer
// forwarding in arrival order; the two directions run concurrently.
package relay

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/reknottycat/Qwen3-Livetranslate/frame"
	"github.com/reknottycat/Qwen3-Livetranslate/heartbeat"
	"github.com/reknottycat/Qwen3-Livetranslate/transcript"
)

const DefaultQueueDepth = 32

// ClientLeg is the browser side of the pipe.
type ClientLeg interface {
	Frames() <-chan frame.Frame
	Send(f frame.Frame) error
}

// UpstreamLeg is the translation-service side of the pipe. Sends are fire
// and forget; the leg owns its own queueing and reconnect policy.
type UpstreamLeg interface {
	Frames() <-chan frame.Frame
	SendAudio(data []byte)
	SendImage(data []byte)
}

// Recorder persists finalized turns. Append must be idempotent on turn id.
type Recorder interface {
	Append(e transcript.Entry) error
}

// Turns allocates the session's monotonically increasing turn ids.
type Turns interface {
	Next() uint64
	Current() uint64
}

type Logger interface {
	Debug(msg interface{}, keyvals ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Error(msg interface{}, keyvals ...interface{})
}

type Config struct {
	Client   ClientLeg
	Upstream UpstreamLeg
	Recorder Recorder
	Turns    Turns

	// Monitors are touched on inbound traffic and fed explicit pongs. Either
	// may be nil.
	ClientMonitor   *heartbeat.Monitor
	UpstreamMonitor *heartbeat.Monitor

	// QueueDepth bounds the outbound queue toward the browser; beyond it the
	// oldest pending frame is dropped. The transcript is unaffected: turns
	// are recorded on the upstream side before forwarding.
	QueueDepth int

	Logger Logger
}

type Pipe struct {
	cfg Config
	out chan frame.Frame
	now func() time.Time
}

func New(cfg Config) *Pipe {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Pipe{
		cfg: cfg,
		out: make(chan frame.Frame, cfg.QueueDepth),
		now: time.Now,
	}
}

// Run pumps both directions until a leg terminates or ctx is cancelled.
// It returns the close reason to deliver to the client, or "" when ended by
// external cancellation.
func (p *Pipe) Run(ctx context.Context) string {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan string, 3)
	go func() { results <- p.pumpUp(ctx) }()
	go func() { results <- p.pumpDown(ctx) }()
	go func() { results <- p.writeClient(ctx) }()

	reason := <-results
	cancel()
	return reason
}

// pumpUp forwards browser frames to the translation service.
func (p *Pipe) pumpUp(ctx context.Context) string {
	var lastSeq uint64
	var seenAudio bool

	for {
		select {
		case <-ctx.Done():
			return ""
		case f, ok := <-p.cfg.Client.Frames():
			if !ok {
				return frame.ReasonClientClosed
			}
			p.touch(p.cfg.ClientMonitor)

			switch f.Type {
			case frame.TypeAudioChunk:
				// Gaps in the sequence are fine (lost audio is not retried);
				// anything arriving out of order is dropped, never reordered.
				if seenAudio && f.Sequence <= lastSeq {
					p.cfg.Logger.Warn("dropping out-of-order audio chunk",
						"seq", f.Sequence, "last", lastSeq)
					continue
				}
				lastSeq = f.Sequence
				seenAudio = true
				p.cfg.Upstream.SendAudio(f.Data)
			case frame.TypeImageFrame:
				p.cfg.Upstream.SendImage(f.Data)
			case frame.TypeControl:
				switch f.Control {
				case frame.ControlClose:
					return frame.ReasonClientClosed
				case frame.ControlPing:
					p.enqueue(frame.Frame{Type: frame.TypeControl, Control: frame.ControlPong})
				case frame.ControlPong:
					p.pong(p.cfg.ClientMonitor)
				}
			default:
				p.cfg.Logger.Warn("dropping unexpected client frame", "type", f.Type.String())
			}
		}
	}
}

// pumpDown forwards service events to the browser, recording finalized turns
// before they are forwarded so a crash can lose a notification but never a
// transcript entry.
func (p *Pipe) pumpDown(ctx context.Context) string {
	for {
		select {
		case <-ctx.Done():
			return ""
		case f, ok := <-p.cfg.Upstream.Frames():
			if !ok {
				return frame.ReasonUpstreamUnavailable
			}
			p.touch(p.cfg.UpstreamMonitor)

			switch f.Type {
			case frame.TypePartialTranslation:
				p.enqueue(f)
			case frame.TypeFinalTranslation:
				f.TurnID = p.cfg.Turns.Next()
				entry := transcript.Entry{
					TurnID:         f.TurnID,
					Timestamp:      p.now().UTC(),
					SourceText:     f.SourceText,
					TranslatedText: f.Text,
					TargetLang:     f.TargetLang,
				}
				if err := p.cfg.Recorder.Append(entry); err != nil {
					p.cfg.Logger.Error("failed to record turn", "turn", f.TurnID, "error", err)
				}
				p.enqueue(f)
			case frame.TypeSynthesizedAudio:
				f.TurnID = p.cfg.Turns.Current()
				p.enqueue(f)
			case frame.TypeControl:
				if f.Control == frame.ControlPong {
					p.pong(p.cfg.UpstreamMonitor)
					continue
				}
				if f.Control == frame.ControlClose {
					// Terminal: the session delivers the close frame with
					// this reason during teardown.
					return f.Reason
				}
			default:
				p.cfg.Logger.Warn("dropping unexpected upstream frame", "type", f.Type.String())
			}
		}
	}
}

// writeClient is the single writer toward the browser.
func (p *Pipe) writeClient(ctx context.Context) string {
	for {
		select {
		case <-ctx.Done():
			return ""
		case f := <-p.out:
			if err := p.cfg.Client.Send(f); err != nil {
				p.cfg.Logger.Debug("client write failed", "error", err)
				return frame.ReasonClientClosed
			}
		}
	}
}

// enqueue applies the browser-leg backpressure policy: drop oldest beyond
// the bounded depth.
func (p *Pipe) enqueue(f frame.Frame) {
	for {
		select {
		case p.out <- f:
			return
		default:
			select {
			case dropped := <-p.out:
				p.cfg.Logger.Warn("client queue full, dropping oldest frame",
					"type", dropped.Type.String())
			default:
			}
		}
	}
}

func (p *Pipe) touch(m *heartbeat.Monitor) {
	if m != nil {
		m.Touch(p.now())
	}
}

func (p *Pipe) pong(m *heartbeat.Monitor) {
	if m != nil {
		m.Pong(p.now())
	}
}
