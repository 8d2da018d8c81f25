// Package meter implements the countdown state machine for one session.
// It is pure bookkeeping over an injected clock; persistence and
// termination side effects belong to the caller driving it.
package meter

import (
	"sync"
	"time"

	"github.com/solacelabs/talktime/internal/clock"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
)

// Meter tracks elapsed and remaining time for a single open session. The
// local elapsed counter is authoritative while the session runs; the store
// only ever learns about it through checkpoints.
type Meter struct {
	mu  sync.Mutex
	clk clock.Clock
	cfg Config

	startedAt        time.Time
	lastHeartbeatAt  time.Time
	lastCheckpointAt time.Time

	// baseRemaining is the store's remaining balance at the last sync,
	// baseElapsed the local elapsed at that same instant. Remaining time at
	// any tick is baseRemaining minus what elapsed since the sync, which
	// keeps mid-session credit purchases visible after the next checkpoint.
	baseRemaining int64
	baseElapsed   int64

	committed    int64
	warningFired bool
	state        sessiondomain.State
}

// Outcome reports what one tick observed. WarningCrossed is set only on the
// single tick that crosses the threshold.
type Outcome struct {
	Elapsed          int64
	Remaining        int64
	Committed        int64
	State            sessiondomain.State
	WarningCrossed   bool
	CheckpointDue    bool
	Exhausted        bool
	Abandoned        bool
	ElapsedAtLastBeat int64
}

func New(clk clock.Clock, cfg Config, remainingSeconds, elapsedSeconds, committedSeconds int64, startedAt time.Time) *Meter {
	now := clk.Now()
	m := &Meter{
		clk:              clk,
		cfg:              cfg.withDefaults(),
		startedAt:        startedAt,
		lastHeartbeatAt:  now,
		lastCheckpointAt: now,
		baseRemaining:    remainingSeconds,
		baseElapsed:      elapsedSeconds,
		committed:        committedSeconds,
		state:            sessiondomain.StateActive,
	}
	if startedAt.IsZero() {
		m.startedAt = now.Add(-time.Duration(elapsedSeconds) * time.Second)
	}
	return m
}

func (m *Meter) elapsedAt(t time.Time) int64 {
	elapsed := int64(t.Sub(m.startedAt) / time.Second)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func (m *Meter) remainingAt(elapsed int64) int64 {
	return m.baseRemaining - (elapsed - m.baseElapsed)
}

// Tick re-evaluates the countdown and reports any threshold crossings. The
// caller acts on the outcome; Tick itself never blocks or touches storage.
func (m *Meter) Tick() Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	elapsed := m.elapsedAt(now)
	remaining := m.remainingAt(elapsed)

	out := Outcome{
		Elapsed:           elapsed,
		Remaining:         remaining,
		Committed:         m.committed,
		ElapsedAtLastBeat: m.elapsedAt(m.lastHeartbeatAt),
	}

	if m.state == sessiondomain.StateClosed || m.state == sessiondomain.StateTerminating {
		out.State = m.state
		return out
	}

	if now.Sub(m.lastHeartbeatAt) > m.cfg.HeartbeatGrace {
		out.Abandoned = true
	}

	if remaining <= 0 {
		m.state = sessiondomain.StateTerminating
		out.Exhausted = true
		out.State = m.state
		return out
	}

	if !m.warningFired && remaining <= int64(m.cfg.WarningThreshold/time.Second) {
		m.warningFired = true
		m.state = sessiondomain.StateWarning
		out.WarningCrossed = true
	}

	if now.Sub(m.lastCheckpointAt) >= m.cfg.CheckpointInterval {
		out.CheckpointDue = true
	}

	out.State = m.state
	return out
}

// Heartbeat records client liveness.
func (m *Meter) Heartbeat() Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	m.lastHeartbeatAt = now
	elapsed := m.elapsedAt(now)
	return Outcome{
		Elapsed:           elapsed,
		Remaining:         m.remainingAt(elapsed),
		Committed:         m.committed,
		State:             m.state,
		ElapsedAtLastBeat: elapsed,
	}
}

// Checkpoint returns the uncommitted delta and the cursor it starts from.
// capped bounds the commit, used when exactly the remaining balance should
// be consumed and no more.
func (m *Meter) Checkpoint(capped int64) (from, to, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	to = m.elapsedAt(now)
	if capped >= 0 && to > capped {
		to = capped
	}
	if to < m.committed {
		to = m.committed
	}
	return m.committed, to, to - m.committed
}

// MarkCommitted advances the committed cursor after the delta landed, and
// re-bases the countdown on the store's fresh remaining balance.
func (m *Meter) MarkCommitted(to int64, storeRemaining int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to > m.committed {
		m.committed = to
	}
	m.lastCheckpointAt = m.clk.Now()
	m.baseRemaining = storeRemaining
	m.baseElapsed = m.elapsedAt(m.lastCheckpointAt)
}

// MarkCheckpointAttempt resets the checkpoint timer without re-basing,
// used when the commit went to the retry queue instead of the store.
func (m *Meter) MarkCheckpointAttempt(to int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to > m.committed {
		m.committed = to
	}
	m.lastCheckpointAt = m.clk.Now()
}

// Terminate moves the meter to its final state.
func (m *Meter) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = sessiondomain.StateClosed
}

// Snapshot reads the counters without side effects.
func (m *Meter) Snapshot() Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	elapsed := m.elapsedAt(now)
	return Outcome{
		Elapsed:           elapsed,
		Remaining:         m.remainingAt(elapsed),
		Committed:         m.committed,
		State:             m.state,
		ElapsedAtLastBeat: m.elapsedAt(m.lastHeartbeatAt),
	}
}

// WarningActive reports whether the low-balance warning has fired. It never
// clears once set, even if a mid-session purchase raises the balance back
// above the threshold.
func (m *Meter) WarningActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warningFired
}
