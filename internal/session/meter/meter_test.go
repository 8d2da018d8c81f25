package meter

import (
	"testing"
	"time"

	"github.com/solacelabs/talktime/internal/clock"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	"github.com/stretchr/testify/assert"
)

func newTestMeter(remaining int64) (*Meter, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	cfg := Config{
		TickInterval:       time.Second,
		CheckpointInterval: 60 * time.Second,
		WarningThreshold:   180 * time.Second,
		HeartbeatGrace:     90 * time.Second,
	}
	return New(clk, cfg, remaining, 0, 0, clk.Now()), clk
}

func TestTickCountsDown(t *testing.T) {
	m, clk := newTestMeter(600)

	out := m.Tick()
	assert.Equal(t, int64(0), out.Elapsed)
	assert.Equal(t, int64(600), out.Remaining)
	assert.Equal(t, sessiondomain.StateActive, out.State)

	clk.Advance(30 * time.Second)
	m.Heartbeat()
	out = m.Tick()
	assert.Equal(t, int64(30), out.Elapsed)
	assert.Equal(t, int64(570), out.Remaining)
	assert.False(t, out.WarningCrossed)
	assert.False(t, out.CheckpointDue)
	assert.False(t, out.Exhausted)
}

func TestWarningFiresOnceAtThreshold(t *testing.T) {
	m, clk := newTestMeter(600)

	clk.Advance(419 * time.Second)
	m.Heartbeat()
	out := m.Tick()
	assert.False(t, out.WarningCrossed)

	clk.Advance(1 * time.Second)
	m.Heartbeat()
	out = m.Tick()
	assert.True(t, out.WarningCrossed)
	assert.Equal(t, int64(180), out.Remaining)
	assert.Equal(t, sessiondomain.StateWarning, out.State)

	// Later ticks stay in warning but never re-cross.
	clk.Advance(time.Second)
	m.Heartbeat()
	out = m.Tick()
	assert.False(t, out.WarningCrossed)
	assert.Equal(t, sessiondomain.StateWarning, out.State)
}

func TestWarningDoesNotClearAfterTopUp(t *testing.T) {
	m, clk := newTestMeter(200)

	clk.Advance(30 * time.Second)
	m.Heartbeat()
	out := m.Tick()
	assert.True(t, out.WarningCrossed)

	// A purchase lands mid-session and a checkpoint re-bases the balance.
	from, to, delta := m.Checkpoint(-1)
	assert.Equal(t, int64(0), from)
	assert.Equal(t, int64(30), to)
	assert.Equal(t, int64(30), delta)
	m.MarkCommitted(to, 3600)

	clk.Advance(time.Second)
	m.Heartbeat()
	out = m.Tick()
	assert.Equal(t, int64(3599), out.Remaining)
	assert.False(t, out.WarningCrossed)
	assert.True(t, m.WarningActive())
}

func TestExhaustionTerminates(t *testing.T) {
	m, clk := newTestMeter(120)

	clk.Advance(120 * time.Second)
	m.Heartbeat()
	out := m.Tick()
	assert.True(t, out.Exhausted)
	assert.Equal(t, sessiondomain.StateTerminating, out.State)
	assert.Equal(t, int64(0), out.Remaining)

	// Overrun past zero still reports exhaustion, and a capped checkpoint
	// commits no more than the balance covered.
	clk.Advance(5 * time.Second)
	from, to, delta := m.Checkpoint(120)
	assert.Equal(t, int64(0), from)
	assert.Equal(t, int64(120), to)
	assert.Equal(t, int64(120), delta)
}

func TestCheckpointDueAfterInterval(t *testing.T) {
	m, clk := newTestMeter(3600)

	clk.Advance(59 * time.Second)
	m.Heartbeat()
	out := m.Tick()
	assert.False(t, out.CheckpointDue)

	clk.Advance(1 * time.Second)
	m.Heartbeat()
	out = m.Tick()
	assert.True(t, out.CheckpointDue)

	from, to, delta := m.Checkpoint(-1)
	assert.Equal(t, int64(0), from)
	assert.Equal(t, int64(60), to)
	assert.Equal(t, int64(60), delta)
	m.MarkCommitted(to, 3540)

	out = m.Tick()
	assert.False(t, out.CheckpointDue)
	assert.Equal(t, int64(60), out.Committed)
}

func TestAbandonmentAfterHeartbeatGrace(t *testing.T) {
	m, clk := newTestMeter(3600)

	clk.Advance(60 * time.Second)
	m.Heartbeat()

	clk.Advance(90 * time.Second)
	out := m.Tick()
	assert.False(t, out.Abandoned)

	clk.Advance(1 * time.Second)
	out = m.Tick()
	assert.True(t, out.Abandoned)
	// Reconciliation caps at the elapsed value of the last heartbeat, not
	// the dead air after it.
	assert.Equal(t, int64(60), out.ElapsedAtLastBeat)
	assert.Equal(t, int64(151), out.Elapsed)
}

func TestCheckpointDeltaNeverNegative(t *testing.T) {
	m, clk := newTestMeter(3600)

	clk.Advance(10 * time.Second)
	_, to, _ := m.Checkpoint(-1)
	m.MarkCommitted(to, 3590)

	// A cap below the committed cursor must not roll the cursor back.
	from, to2, delta := m.Checkpoint(5)
	assert.Equal(t, int64(10), from)
	assert.Equal(t, int64(10), to2)
	assert.Equal(t, int64(0), delta)
	_ = clk
}
