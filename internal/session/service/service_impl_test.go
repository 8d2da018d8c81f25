package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/solacelabs/talktime/internal/clock"
	"github.com/solacelabs/talktime/internal/config"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	entitlementrepo "github.com/solacelabs/talktime/internal/entitlement/repository"
	entitlementservice "github.com/solacelabs/talktime/internal/entitlement/service"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	"github.com/solacelabs/talktime/internal/session/liveevents"
	"github.com/solacelabs/talktime/internal/session/lock"
	"github.com/solacelabs/talktime/internal/session/outbox"
	sessionrepo "github.com/solacelabs/talktime/internal/session/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db             *gorm.DB
	clk            *clock.FakeClock
	node           *snowflake.Node
	entitlementSvc entitlementdomain.Service
	svc            *Service
	queue          *outbox.Queue
	worker         *outbox.Worker
	hub            *liveevents.Hub
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&entitlementdomain.Account{},
		&sessiondomain.Session{},
		&sessiondomain.ConsumeOutboxEntry{},
	); err != nil {
		t.Fatal(err)
	}

	node, err := snowflake.NewNode(5)
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	entitlementSvc := entitlementservice.New(entitlementservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  entitlementrepo.Provide(),
	})

	outboxRepo := outbox.ProvideRepository()
	queue := outbox.NewQueue(outbox.QueueParams{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  outboxRepo,
	})
	worker := outbox.NewWorker(outbox.WorkerParams{
		DB:             db,
		Log:            zap.NewNop(),
		Repo:           outboxRepo,
		Queue:          queue,
		EntitlementSvc: entitlementSvc,
	})
	hub := liveevents.NewHub()

	svc := New(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Cfg: config.Config{
			Meter: config.MeterConfig{
				// A large tick interval keeps the background loop inert so
				// tests drive the state machine deterministically.
				TickInterval:       time.Hour,
				CheckpointInterval: 60 * time.Second,
				WarningThreshold:   180 * time.Second,
				HeartbeatGrace:     90 * time.Second,
			},
		},
		Repo:           sessionrepo.Provide(),
		Outbox:         queue,
		EntitlementSvc: entitlementSvc,
		Hub:            hub,
		Locker:         lock.NewMemoryLocker(),
	})

	return &fixture{
		db:             db,
		clk:            clk,
		node:           node,
		entitlementSvc: entitlementSvc,
		svc:            svc,
		queue:          queue,
		worker:         worker,
		hub:            hub,
	}
}

func (f *fixture) fundedAccount(t *testing.T, ref string, seconds int64) *entitlementdomain.Account {
	t.Helper()
	account, err := f.entitlementSvc.EnsureAccount(context.Background(), ref)
	require.NoError(t, err)
	if seconds > 0 {
		_, err = f.entitlementSvc.GrantSeconds(context.Background(), account.ID.String(), seconds)
		require.NoError(t, err)
	}
	return account
}

// advance moves the fake clock in chunks small enough to keep heartbeats
// inside the grace window, stepping the meter after each chunk.
func (f *fixture) advance(t *testing.T, sessionID string, total, chunk time.Duration) {
	t.Helper()
	for moved := time.Duration(0); moved < total; {
		step := chunk
		if total-moved < chunk {
			step = total - moved
		}
		f.clk.Advance(step)
		moved += step
		if _, err := f.svc.Heartbeat(context.Background(), sessionID); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if r := f.svc.lookupRunner(mustID(t, sessionID)); r != nil {
			f.svc.step(context.Background(), r)
		}
	}
}

func mustID(t *testing.T, value string) snowflake.ID {
	t.Helper()
	id, err := snowflake.ParseString(value)
	require.NoError(t, err)
	return id
}

func TestStartRequiresBalance(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_1", 0)

	_, err := f.svc.Start(ctx, account.ID.String())
	assert.ErrorIs(t, err, sessiondomain.ErrInsufficientBalance)

	_, err = f.entitlementSvc.GrantSeconds(ctx, account.ID.String(), 600)
	require.NoError(t, err)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateActive, snap.State)
	assert.Equal(t, int64(0), snap.ElapsedSeconds)
	assert.Equal(t, int64(600), snap.RemainingSeconds)
}

func TestCheckpointCommitsConsumedTime(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_2", 3600)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)

	f.advance(t, snap.SessionID, 120*time.Second, 60*time.Second)

	balance, err := f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance.ConsumedSeconds)
	assert.Equal(t, int64(3480), balance.RemainingSeconds)

	current, err := f.svc.Get(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(120), current.ElapsedSeconds)
	assert.Equal(t, int64(120), current.CommittedSeconds)
	assert.Equal(t, sessiondomain.StateActive, current.State)
}

func TestStopIsIdempotentAndCommitsTail(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_3", 3600)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)

	f.advance(t, snap.SessionID, 60*time.Second, 60*time.Second)
	// 30 seconds past the last checkpoint, committed only at stop.
	f.clk.Advance(30 * time.Second)

	final, err := f.svc.Stop(ctx, snap.SessionID, sessiondomain.ReasonUserEnded)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateClosed, final.State)
	assert.Equal(t, sessiondomain.ReasonUserEnded, final.Reason)
	assert.Equal(t, int64(90), final.ElapsedSeconds)

	balance, err := f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance.ConsumedSeconds)

	// A second stop changes nothing.
	again, err := f.svc.Stop(ctx, snap.SessionID, sessiondomain.ReasonUserEnded)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateClosed, again.State)

	balance, err = f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance.ConsumedSeconds)
}

func TestBalanceExhaustionForceCloses(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_4", 120)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)

	// Overrun: 125s elapse against a 120s balance.
	f.advance(t, snap.SessionID, 125*time.Second, 65*time.Second)

	final, err := f.svc.Get(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateClosed, final.State)
	assert.Equal(t, sessiondomain.ReasonBalanceExhausted, final.Reason)

	// The account is charged exactly its balance, never the overrun.
	balance, err := f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance.ConsumedSeconds)
	assert.Equal(t, int64(0), balance.RemainingSeconds)
}

func TestWarningFiresBeforeExhaustion(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_5", 600)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)

	sub, _, err := f.hub.Subscribe(snap.SessionID)
	require.NoError(t, err)
	defer sub.Close()

	f.advance(t, snap.SessionID, 420*time.Second, 60*time.Second)

	current, err := f.svc.Get(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.True(t, current.WarningActive)
	assert.Equal(t, sessiondomain.StateWarning, current.State)

	warned := false
	for drained := false; !drained; {
		select {
		case event := <-sub.Events():
			if event.Warning {
				warned = true
			}
		default:
			drained = true
		}
	}
	assert.True(t, warned)
}

func TestSecondStartForceClosesFirst(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_6", 3600)

	first, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)

	f.advance(t, first.SessionID, 60*time.Second, 60*time.Second)

	second, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	closedSnap, err := f.svc.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateClosed, closedSnap.State)
	assert.Equal(t, sessiondomain.ReasonClientDisconnected, closedSnap.Reason)

	var open int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM sessions WHERE account_id = ? AND ended_at IS NULL`, account.ID).Scan(&open).Error)
	assert.Equal(t, int64(1), open)

	balance, err := f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance.ConsumedSeconds)
}

func TestAbandonedSessionReconciled(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_7", 3600)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)
	sessionID := mustID(t, snap.SessionID)

	f.advance(t, snap.SessionID, 60*time.Second, 60*time.Second)

	// Simulate a process death: the runner disappears but the row stays open.
	r := f.svc.lookupRunner(sessionID)
	require.NotNil(t, r)
	r.cancel()
	f.svc.mu.Lock()
	delete(f.svc.runners, sessionID)
	f.svc.mu.Unlock()

	// Inside the grace window nothing closes.
	f.clk.Advance(60 * time.Second)
	closed, err := f.svc.ReconcileAbandoned(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)

	f.clk.Advance(60 * time.Second)
	closed, err = f.svc.ReconcileAbandoned(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	final, err := f.svc.Get(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateClosed, final.State)
	assert.Equal(t, sessiondomain.ReasonClientDisconnected, final.Reason)
	// Only the time up to the last heartbeat is charged, not the dead air.
	assert.Equal(t, int64(60), final.ElapsedSeconds)

	balance, err := f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance.ConsumedSeconds)
}

func TestHeartbeatReadoptsOrphanedSession(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_8", 3600)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)
	sessionID := mustID(t, snap.SessionID)

	f.advance(t, snap.SessionID, 60*time.Second, 60*time.Second)

	r := f.svc.lookupRunner(sessionID)
	require.NotNil(t, r)
	r.cancel()
	f.svc.mu.Lock()
	delete(f.svc.runners, sessionID)
	f.svc.mu.Unlock()

	// The client reconnects before the grace window expires.
	f.clk.Advance(30 * time.Second)
	resumed, err := f.svc.Heartbeat(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateActive, resumed.State)
	// The re-adopted meter resumes from the persisted counter; the gap
	// between death and reconnect is not metered.
	assert.Equal(t, int64(60), resumed.ElapsedSeconds)
	require.NotNil(t, f.svc.lookupRunner(sessionID))
}

func TestOutboxDrainsFailedCommits(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_9", 3600)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)
	sessionID := mustID(t, snap.SessionID)

	// A delta that failed its direct commit sits in the outbox.
	f.queue.Enqueue(ctx, sessionID, account.ID, 0, 45)

	applied, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	balance, err := f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(45), balance.ConsumedSeconds)

	var committed int64
	require.NoError(t, f.db.Raw(`SELECT committed_seconds FROM sessions WHERE id = ?`, sessionID).Scan(&committed).Error)
	assert.Equal(t, int64(45), committed)

	// Draining again applies nothing; the entry is settled.
	applied, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	// Re-enqueueing the same cursor range is a no-op.
	f.queue.Enqueue(ctx, sessionID, account.ID, 0, 45)
	applied, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	balance, err = f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(45), balance.ConsumedSeconds)
}

func TestOutboxSkipsRangeAlreadyReconciled(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_11", 3600)

	// A session stranded by a crash: 90 seconds recorded, nothing committed,
	// and a failed 60-second checkpoint waiting in the outbox.
	now := f.clk.Now()
	session := &sessiondomain.Session{
		ID:          f.node.Generate(),
		AccountID:   account.ID,
		StartedAt:   now.Add(-90 * time.Second),
		HeartbeatAt: now,
	}
	inserted, err := f.svc.repo.Insert(ctx, f.db, session)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, f.svc.repo.Touch(ctx, f.db, session.ID, now, 90))
	f.queue.Enqueue(ctx, session.ID, account.ID, 0, 60)

	// Stop reconciles the full recorded range from the row cursor first.
	final, err := f.svc.Stop(ctx, session.ID.String(), sessiondomain.ReasonUserEnded)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateClosed, final.State)
	assert.Equal(t, int64(90), final.ElapsedSeconds)

	balance, err := f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance.ConsumedSeconds)

	// The queued delta overlaps the reconciled range; draining must retire
	// it without consuming the 60 seconds a second time.
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	balance, err = f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance.ConsumedSeconds)

	var committed int64
	require.NoError(t, f.db.Raw(`SELECT committed_seconds FROM sessions WHERE id = ?`, session.ID).Scan(&committed).Error)
	assert.Equal(t, int64(90), committed)

	var pending int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM session_consume_outbox WHERE applied_at IS NULL`).Scan(&pending).Error)
	assert.Equal(t, int64(0), pending)
}

func TestSecondStartChargesOnlyToLastHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_12", 3600)

	first, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)

	f.advance(t, first.SessionID, 90*time.Second, 40*time.Second)
	// The client goes silent; the dead air before the takeover is not billed.
	f.clk.Advance(30 * time.Second)

	_, err = f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)

	closedSnap, err := f.svc.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sessiondomain.StateClosed, closedSnap.State)
	assert.Equal(t, int64(90), closedSnap.ElapsedSeconds)

	balance, err := f.entitlementSvc.GetBalance(ctx, account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance.ConsumedSeconds)
}

func TestReadoptedMeterCountsUncommittedBacklog(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_13", 600)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)
	sessionID := mustID(t, snap.SessionID)

	// One committed checkpoint at 60s, then 30 more seconds that only the
	// heartbeat persisted.
	f.advance(t, snap.SessionID, 60*time.Second, 60*time.Second)
	f.advance(t, snap.SessionID, 30*time.Second, 30*time.Second)

	r := f.svc.lookupRunner(sessionID)
	require.NotNil(t, r)
	r.cancel()
	f.svc.mu.Lock()
	delete(f.svc.runners, sessionID)
	f.svc.mu.Unlock()

	f.clk.Advance(10 * time.Second)
	resumed, err := f.svc.Heartbeat(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), resumed.ElapsedSeconds)
	// The store still holds 540, but 30 of those seconds are already spent
	// past the committed cursor.
	assert.Equal(t, int64(510), resumed.RemainingSeconds)
}

func TestStopValidation(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t)
	account := f.fundedAccount(t, "auth0|meter_10", 600)

	snap, err := f.svc.Start(ctx, account.ID.String())
	require.NoError(t, err)

	_, err = f.svc.Stop(ctx, snap.SessionID, "because")
	assert.ErrorIs(t, err, sessiondomain.ErrInvalidReason)

	_, err = f.svc.Stop(ctx, "not-an-id", sessiondomain.ReasonUserEnded)
	assert.ErrorIs(t, err, sessiondomain.ErrInvalidSession)

	_, err = f.svc.Stop(ctx, f.node.Generate().String(), sessiondomain.ReasonUserEnded)
	assert.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)
}
