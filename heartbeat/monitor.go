// Package heartbeat tracks per-connection liveness. The monitor is a pure
// state machine driven by the caller's clock: it never spawns goroutines or
// reads time.Now itself, which keeps it testable without real waiting.
package heartbeat

import (
	"sync"
	"time"
)

type State int

const (
	StateAlive State = iota
	StatePingSent
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StatePingSent:
		return "ping_sent"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Action is what the owner must do after a tick.
type Action int

const (
	ActionNone Action = iota
	// ActionPing: the connection has been idle for the full interval; send a
	// ping now.
	ActionPing
	// ActionDead: no pong arrived within the timeout. Reported exactly once;
	// later ticks on a dead monitor return ActionNone.
	ActionDead
)

const (
	DefaultInterval    = 25 * time.Second
	DefaultPongTimeout = 60 * time.Second
)

type Monitor struct {
	interval    time.Duration
	pongTimeout time.Duration

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	pingSentAt   time.Time
}

func NewMonitor(interval, pongTimeout time.Duration, now time.Time) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if pongTimeout <= 0 {
		pongTimeout = DefaultPongTimeout
	}
	return &Monitor{
		interval:     interval,
		pongTimeout:  pongTimeout,
		state:        StateAlive,
		lastActivity: now,
	}
}

// Touch records inbound traffic. Any frame from the peer counts as liveness,
// so an outstanding ping is considered answered.
func (m *Monitor) Touch(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDead {
		return
	}
	m.lastActivity = now
	m.state = StateAlive
}

// Pong records an explicit pong. A pong arriving after the monitor went dead
// is ignored.
func (m *Monitor) Pong(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePingSent {
		return
	}
	m.lastActivity = now
	m.state = StateAlive
}

// Tick advances the machine and tells the owner what to do.
func (m *Monitor) Tick(now time.Time) Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateAlive:
		if now.Sub(m.lastActivity) >= m.interval {
			m.state = StatePingSent
			m.pingSentAt = now
			return ActionPing
		}
	case StatePingSent:
		if now.Sub(m.pingSentAt) >= m.pongTimeout {
			m.state = StateDead
			return ActionDead
		}
	}
	return ActionNone
}

// Reset restores a dead monitor to alive, e.g. after the owning connection
// reconnected.
func (m *Monitor) Reset(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateAlive
	m.lastActivity = now
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
