// Package transcript persists finalized translation turns, one append-only
// JSONL file per session, durable per entry.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const FileName = "transcript.jsonl"

// Entry is one finalized turn. Entries are immutable once written.
type Entry struct {
	TurnID         uint64    `json:"turn_id"`
	Timestamp      time.Time `json:"timestamp"`
	SourceText     string    `json:"source_text"`
	TranslatedText string    `json:"translated_text"`
	TargetLang     string    `json:"target_lang"`
}

type trailer struct {
	ClosedAt time.Time `json:"closed_at"`
	Turns    uint64    `json:"turns"`
}

// Archive mirrors entries into secondary storage (the Postgres store).
// Archive failures are logged and never affect the session.
type Archive interface {
	RecordTurn(ctx context.Context, sessionID string, e Entry) error
}

// Writer appends turns for a single session. Appends are idempotent on
// turn id: duplicates and out-of-order ids are no-ops, not errors. A failing
// write is retried once after a short delay; if the retry also fails the
// writer degrades to in-memory buffering for the rest of the session and the
// session keeps running.
type Writer struct {
	sessionID  string
	path       string
	logger     *log.Logger
	retryDelay time.Duration
	archive    Archive

	// Append comes from the relay's upstream pump, Finalize from session
	// teardown; the two can race when teardown is triggered by the other leg.
	mu         sync.Mutex
	file       *os.File
	lastTurnID uint64
	hasTurns   bool
	degraded   bool
	buffered   []Entry
	finalized  bool
}

type Option func(*Writer)

func WithArchive(a Archive) Option {
	return func(w *Writer) { w.archive = a }
}

func WithRetryDelay(d time.Duration) Option {
	return func(w *Writer) { w.retryDelay = d }
}

// NewWriter creates the session's storage directory and opens its transcript
// file.
func NewWriter(dir, sessionID string, logger *log.Logger, opts ...Option) (*Writer, error) {
	sessionDir := filepath.Join(dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	path := filepath.Join(sessionDir, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}

	w := &Writer{
		sessionID:  sessionID,
		path:       path,
		logger:     logger,
		retryDelay: 250 * time.Millisecond,
		file:       file,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Append records one turn. Writing an already-seen or out-of-order turn id
// is a no-op returning nil.
func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		w.logger.Warn("append after finalize", "session", w.sessionID, "turn", e.TurnID)
		return nil
	}
	if w.hasTurns && e.TurnID <= w.lastTurnID {
		w.logger.Debug("duplicate turn ignored", "session", w.sessionID, "turn", e.TurnID)
		return nil
	}

	if w.degraded {
		w.buffered = append(w.buffered, e)
	} else if err := w.writeLine(e); err != nil {
		w.logger.Error("transcript write failed, retrying", "session", w.sessionID, "error", err)
		time.Sleep(w.retryDelay)
		if err := w.writeLine(e); err != nil {
			w.logger.Warn("transcript storage degraded, buffering in memory",
				"session", w.sessionID, "error", err)
			w.degraded = true
			w.buffered = append(w.buffered, e)
		}
	}

	w.lastTurnID = e.TurnID
	w.hasTurns = true

	if w.archive != nil {
		if err := w.archive.RecordTurn(context.Background(), w.sessionID, e); err != nil {
			w.logger.Error("archive write failed", "session", w.sessionID, "error", err)
		}
	}
	return nil
}

func (w *Writer) writeLine(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return err
	}
	// One fsync per entry: a crash loses at most the turn being written.
	return w.file.Sync()
}

// Finalize marks the transcript closed and releases the file. Safe to call
// more than once.
func (w *Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return nil
	}
	w.finalized = true

	if !w.degraded {
		t := trailer{ClosedAt: time.Now().UTC(), Turns: w.lastTurnID}
		line, err := json.Marshal(t)
		if err == nil {
			if _, werr := w.file.Write(append(line, '\n')); werr != nil {
				w.logger.Error("failed to write transcript trailer", "session", w.sessionID, "error", werr)
			}
		}
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close transcript file: %w", err)
	}
	return nil
}

// Degraded reports whether the writer fell back to in-memory buffering.
func (w *Writer) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Buffered returns entries held only in memory after degradation.
func (w *Writer) Buffered() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buffered
}

// LastTurnID returns the highest turn id written so far, zero if none.
func (w *Writer) LastTurnID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTurnID
}

func (w *Writer) Path() string { return w.path }
