package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/solacelabs/talktime/internal/clock"
	"github.com/solacelabs/talktime/internal/config"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	"github.com/solacelabs/talktime/internal/observability/metrics"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	"github.com/solacelabs/talktime/internal/session/liveevents"
	"github.com/solacelabs/talktime/internal/session/lock"
	"github.com/solacelabs/talktime/internal/session/meter"
	"github.com/solacelabs/talktime/internal/session/outbox"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const startLockTTL = 10 * time.Second

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Cfg            config.Config
	Repo           sessiondomain.Repository
	Outbox         *outbox.Queue
	EntitlementSvc entitlementdomain.Service
	Hub            *liveevents.Hub
	Locker         lock.Locker
	Metrics        *metrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clk            clock.Clock
	meterCfg       meter.Config
	repo           sessiondomain.Repository
	outbox         *outbox.Queue
	entitlementSvc entitlementdomain.Service
	hub            *liveevents.Hub
	locker         lock.Locker
	metrics        *metrics.Metrics

	mu      sync.Mutex
	runners map[snowflake.ID]*runner
}

type runner struct {
	sessionID snowflake.ID
	accountID snowflake.ID
	startedAt time.Time
	meter     *meter.Meter
	cancel    context.CancelFunc
	closeOnce sync.Once
	// commitMu serializes checkpoint commits for this session; the run loop
	// and a concurrent Stop must not race the same uncommitted delta.
	commitMu sync.Mutex
}

func New(p Params) *Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("session.service"),
		genID: p.GenID,
		clk:   p.Clock,
		meterCfg: meter.Config{
			TickInterval:       p.Cfg.Meter.TickInterval,
			CheckpointInterval: p.Cfg.Meter.CheckpointInterval,
			WarningThreshold:   p.Cfg.Meter.WarningThreshold,
			HeartbeatGrace:     p.Cfg.Meter.HeartbeatGrace,
		},
		repo:           p.Repo,
		outbox:         p.Outbox,
		entitlementSvc: p.EntitlementSvc,
		hub:            p.Hub,
		locker:         p.Locker,
		metrics:        p.Metrics,
		runners:        make(map[snowflake.ID]*runner),
	}
}

func ProvideService(s *Service) sessiondomain.Service { return s }

func (s *Service) Start(ctx context.Context, accountID string) (sessiondomain.Snapshot, error) {
	id, err := entitlementdomain.ParseID(strings.TrimSpace(accountID))
	if err != nil || id == 0 {
		return sessiondomain.Snapshot{}, entitlementdomain.ErrInvalidAccount
	}

	key := fmt.Sprintf("session:start:%s", id)
	token, ok, err := s.locker.TryLock(ctx, key, startLockTTL)
	if err != nil {
		s.log.Warn("start lock unavailable", zap.Error(err))
		return sessiondomain.Snapshot{}, entitlementdomain.ErrStoreUnavailable
	}
	if !ok {
		return sessiondomain.Snapshot{}, sessiondomain.ErrSessionBusy
	}
	defer func() {
		if err := s.locker.Release(ctx, key, token); err != nil {
			s.log.Warn("start lock release failed", zap.Error(err))
		}
	}()

	// A still-open session for the account is reconciled and closed before
	// the new one opens, so at most one session meters the balance at a time.
	// A stale session is attributed only up to its last heartbeat.
	if open, err := s.repo.FindOpenByAccount(ctx, s.db, id); err != nil {
		return sessiondomain.Snapshot{}, entitlementdomain.ErrStoreUnavailable
	} else if open != nil {
		if prior := s.lookupRunner(open.ID); prior != nil {
			s.finalize(ctx, prior, sessiondomain.ReasonClientDisconnected, prior.meter.Snapshot().ElapsedAtLastBeat)
		} else {
			s.finalizeRow(ctx, open, sessiondomain.ReasonClientDisconnected, open.ElapsedSeconds)
		}
	}

	balance, err := s.entitlementSvc.GetBalance(ctx, id.String())
	if err != nil {
		return sessiondomain.Snapshot{}, err
	}
	if balance.RemainingSeconds <= 0 {
		return sessiondomain.Snapshot{}, sessiondomain.ErrInsufficientBalance
	}

	now := s.clk.Now()
	session := &sessiondomain.Session{
		ID:          s.genID.Generate(),
		AccountID:   id,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, session)
	if err != nil {
		return sessiondomain.Snapshot{}, entitlementdomain.ErrStoreUnavailable
	}
	if !inserted {
		return sessiondomain.Snapshot{}, sessiondomain.ErrSessionBusy
	}

	r := s.spawnRunner(session, balance.RemainingSeconds, 0, 0, session.StartedAt)
	if s.metrics != nil {
		s.metrics.RecordSessionStarted()
	}
	s.log.Info("session started",
		zap.String("session_id", session.ID.String()),
		zap.String("account_id", id.String()),
		zap.Int64("remaining_seconds", balance.RemainingSeconds),
	)

	snap := s.runnerSnapshot(r)
	s.publish(r, snap, "")
	return snap, nil
}

func (s *Service) Heartbeat(ctx context.Context, sessionID string) (sessiondomain.Snapshot, error) {
	id, err := entitlementdomain.ParseID(strings.TrimSpace(sessionID))
	if err != nil || id == 0 {
		return sessiondomain.Snapshot{}, sessiondomain.ErrInvalidSession
	}

	if r := s.lookupRunner(id); r != nil {
		out := r.meter.Heartbeat()
		if err := s.repo.Touch(ctx, s.db, id, s.clk.Now(), out.Elapsed); err != nil {
			s.log.Warn("heartbeat persist failed", zap.Error(err))
		}
		return s.snapshotFromOutcome(r, out), nil
	}

	row, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return sessiondomain.Snapshot{}, entitlementdomain.ErrStoreUnavailable
	}
	if row == nil {
		return sessiondomain.Snapshot{}, sessiondomain.ErrSessionNotFound
	}
	if !row.Open() {
		return rowSnapshot(row), nil
	}

	// Open row with no live meter means the process restarted under the
	// session. Re-adopt it and keep counting.
	r, err := s.adopt(ctx, row)
	if err != nil {
		return sessiondomain.Snapshot{}, err
	}
	out := r.meter.Heartbeat()
	if err := s.repo.Touch(ctx, s.db, id, s.clk.Now(), out.Elapsed); err != nil {
		s.log.Warn("heartbeat persist failed", zap.Error(err))
	}
	return s.snapshotFromOutcome(r, out), nil
}

func (s *Service) Stop(ctx context.Context, sessionID string, reason string) (sessiondomain.Snapshot, error) {
	id, err := entitlementdomain.ParseID(strings.TrimSpace(sessionID))
	if err != nil || id == 0 {
		return sessiondomain.Snapshot{}, sessiondomain.ErrInvalidSession
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = sessiondomain.ReasonUserEnded
	}
	if !sessiondomain.ValidReason(reason) {
		return sessiondomain.Snapshot{}, sessiondomain.ErrInvalidReason
	}

	if r := s.lookupRunner(id); r != nil {
		s.finalize(ctx, r, reason, r.meter.Snapshot().Elapsed)
		return s.Get(ctx, sessionID)
	}

	row, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return sessiondomain.Snapshot{}, entitlementdomain.ErrStoreUnavailable
	}
	if row == nil {
		return sessiondomain.Snapshot{}, sessiondomain.ErrSessionNotFound
	}
	if !row.Open() {
		// Stopping an already closed session is a defined no-op.
		return rowSnapshot(row), nil
	}

	s.finalizeRow(ctx, row, reason, row.ElapsedSeconds)
	return s.Get(ctx, sessionID)
}

func (s *Service) Get(ctx context.Context, sessionID string) (sessiondomain.Snapshot, error) {
	id, err := entitlementdomain.ParseID(strings.TrimSpace(sessionID))
	if err != nil || id == 0 {
		return sessiondomain.Snapshot{}, sessiondomain.ErrInvalidSession
	}

	if r := s.lookupRunner(id); r != nil {
		return s.runnerSnapshot(r), nil
	}

	row, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return sessiondomain.Snapshot{}, entitlementdomain.ErrStoreUnavailable
	}
	if row == nil {
		return sessiondomain.Snapshot{}, sessiondomain.ErrSessionNotFound
	}
	return rowSnapshot(row), nil
}

func (s *Service) List(ctx context.Context, accountID string, limit int) ([]sessiondomain.Session, error) {
	id, err := entitlementdomain.ParseID(strings.TrimSpace(accountID))
	if err != nil || id == 0 {
		return nil, entitlementdomain.ErrInvalidAccount
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sessions, err := s.repo.ListByAccount(ctx, s.db, id, limit)
	if err != nil {
		return nil, entitlementdomain.ErrStoreUnavailable
	}
	return sessions, nil
}

// ReconcileAbandoned closes open sessions whose heartbeats stopped longer
// than the grace window ago, crediting their consumed time up to the last
// heartbeat. Called periodically by the sweeper. Returns how many sessions
// it closed.
func (s *Service) ReconcileAbandoned(ctx context.Context, limit int) (int, error) {
	cutoff := s.clk.Now().Add(-s.meterCfg.HeartbeatGrace)
	rows, err := s.repo.ListOpenStale(ctx, s.db, cutoff, limit)
	if err != nil {
		return 0, err
	}

	closed := 0
	for i := range rows {
		row := &rows[i]
		// Rows with a live runner are the meter loop's to close.
		if s.lookupRunner(row.ID) != nil {
			continue
		}
		if s.finalizeRow(ctx, row, sessiondomain.ReasonClientDisconnected, row.ElapsedSeconds) {
			closed++
		}
	}
	return closed, nil
}

func (s *Service) spawnRunner(session *sessiondomain.Session, remaining, elapsed, committed int64, meterStart time.Time) *runner {
	m := meter.New(s.clk, s.meterCfg, remaining, elapsed, committed, meterStart)
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		sessionID: session.ID,
		accountID: session.AccountID,
		startedAt: session.StartedAt,
		meter:     m,
		cancel:    cancel,
	}

	s.mu.Lock()
	s.runners[session.ID] = r
	s.mu.Unlock()

	go s.runLoop(ctx, r)
	return r
}

func (s *Service) adopt(ctx context.Context, row *sessiondomain.Session) (*runner, error) {
	balance, err := s.entitlementSvc.GetBalance(ctx, row.AccountID.String())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.runners[row.ID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	// Resume from the persisted counters; the dead air since the last
	// heartbeat is not metered against the account. The store balance does
	// not yet reflect the elapsed time past the last committed checkpoint,
	// so that backlog comes off the seed before the meter resumes counting.
	backlog := row.ElapsedSeconds - row.CommittedSeconds
	if backlog < 0 {
		backlog = 0
	}
	r := s.spawnRunner(row, balance.RemainingSeconds-backlog, row.ElapsedSeconds, row.CommittedSeconds, time.Time{})
	s.log.Info("session re-adopted",
		zap.String("session_id", row.ID.String()),
		zap.Int64("elapsed_seconds", row.ElapsedSeconds),
	)
	return r, nil
}

func (s *Service) runLoop(ctx context.Context, r *runner) {
	ticker := time.NewTicker(s.meterCfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.step(context.Background(), r) {
			return
		}
	}
}

// step drives one meter tick and its side effects. Returns true once the
// session reached a terminal state.
func (s *Service) step(ctx context.Context, r *runner) bool {
	out := r.meter.Tick()

	switch {
	case out.State == sessiondomain.StateClosed:
		return true

	case out.Exhausted:
		s.finalize(ctx, r, sessiondomain.ReasonBalanceExhausted, -1)
		return true

	case out.Abandoned:
		s.finalize(ctx, r, sessiondomain.ReasonClientDisconnected, out.ElapsedAtLastBeat)
		return true
	}

	if out.WarningCrossed {
		s.log.Info("session balance warning",
			zap.String("session_id", r.sessionID.String()),
			zap.Int64("remaining_seconds", out.Remaining),
		)
	}

	if out.CheckpointDue {
		s.checkpoint(ctx, r, -1)
		out = r.meter.Snapshot()
	}

	s.publish(r, s.snapshotFromOutcome(r, out), "")
	return false
}

// checkpoint commits the uncommitted delta into the account inside one
// transaction with the session cursor advance. A failed commit is handed to
// the retry queue; the meter keeps counting either way.
func (s *Service) checkpoint(ctx context.Context, r *runner, capTo int64) {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	from, to, delta := r.meter.Checkpoint(capTo)
	if delta <= 0 {
		r.meter.MarkCheckpointAttempt(to)
		return
	}

	now := s.clk.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.CommitProgress(ctx, tx, r.sessionID, from, to, to, now)
		if err != nil {
			return err
		}
		if !ok {
			return gorm.ErrInvalidTransaction
		}
		return s.entitlementSvc.ConsumeSecondsTx(ctx, tx, r.accountID, delta)
	})

	if err != nil {
		s.log.Warn("checkpoint commit failed, queueing",
			zap.Error(err),
			zap.String("session_id", r.sessionID.String()),
			zap.Int64("seconds", delta),
		)
		s.outbox.Enqueue(ctx, r.sessionID, r.accountID, from, delta)
		r.meter.MarkCheckpointAttempt(to)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordSecondsConsumed(delta)
	}

	remaining := int64(0)
	if balance, err := s.entitlementSvc.GetBalance(ctx, r.accountID.String()); err == nil {
		remaining = balance.RemainingSeconds
	} else {
		remaining = r.meter.Snapshot().Remaining
	}
	r.meter.MarkCommitted(to, remaining)
}

// finalize ends a running session exactly once: commits the outstanding
// delta (capped when the close reason demands it), closes the row, and
// tears the runner down.
func (s *Service) finalize(ctx context.Context, r *runner, reason string, capElapsed int64) {
	r.closeOnce.Do(func() {
		capTo := capElapsed
		if reason == sessiondomain.ReasonBalanceExhausted {
			// Consume exactly what the balance covers, not the overrun
			// between the last tick and this commit.
			snap := r.meter.Snapshot()
			capTo = snap.Committed
			if balance, err := s.entitlementSvc.GetBalance(ctx, r.accountID.String()); err == nil && balance.RemainingSeconds > 0 {
				capTo += balance.RemainingSeconds
			}
		}

		s.checkpoint(ctx, r, capTo)

		final := r.meter.Snapshot()
		elapsed := final.Elapsed
		if capTo >= 0 && elapsed > capTo {
			elapsed = capTo
		}

		closed, err := s.repo.Close(ctx, s.db, r.sessionID, s.clk.Now(), elapsed, reason)
		if err != nil {
			s.log.Error("session close failed",
				zap.Error(err),
				zap.String("session_id", r.sessionID.String()),
			)
		}

		r.meter.Terminate()
		r.cancel()

		s.mu.Lock()
		delete(s.runners, r.sessionID)
		s.mu.Unlock()

		if closed {
			if s.metrics != nil {
				s.metrics.RecordSessionClosed(reason)
			}
			s.log.Info("session closed",
				zap.String("session_id", r.sessionID.String()),
				zap.String("reason", reason),
				zap.Int64("elapsed_seconds", elapsed),
				zap.Int64("committed_seconds", final.Committed),
			)
		}

		s.publish(r, sessiondomain.Snapshot{
			SessionID:        r.sessionID.String(),
			AccountID:        r.accountID.String(),
			State:            sessiondomain.StateClosed,
			ElapsedSeconds:   elapsed,
			CommittedSeconds: final.Committed,
			RemainingSeconds: final.Remaining,
			WarningActive:    r.meter.WarningActive(),
			Reason:           reason,
			StartedAt:        r.startedAt.Format(time.RFC3339),
		}, reason)
	})
}

// finalizeRow reconciles and closes a session that has no live meter, such
// as one stranded by a restart. capElapsed is the elapsed value to settle
// at, normally the last persisted heartbeat progress.
func (s *Service) finalizeRow(ctx context.Context, row *sessiondomain.Session, reason string, capElapsed int64) bool {
	if capElapsed < row.CommittedSeconds {
		capElapsed = row.CommittedSeconds
	}
	delta := capElapsed - row.CommittedSeconds

	if delta > 0 {
		now := s.clk.Now()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := s.repo.CommitProgress(ctx, tx, row.ID, row.CommittedSeconds, capElapsed, capElapsed, now)
			if err != nil {
				return err
			}
			if !ok {
				return gorm.ErrInvalidTransaction
			}
			return s.entitlementSvc.ConsumeSecondsTx(ctx, tx, row.AccountID, delta)
		})
		if err != nil {
			s.log.Warn("stale session commit failed, queueing",
				zap.Error(err),
				zap.String("session_id", row.ID.String()),
			)
			s.outbox.Enqueue(ctx, row.ID, row.AccountID, row.CommittedSeconds, delta)
		} else if s.metrics != nil {
			s.metrics.RecordSecondsConsumed(delta)
		}
	}

	closed, err := s.repo.Close(ctx, s.db, row.ID, s.clk.Now(), capElapsed, reason)
	if err != nil {
		s.log.Error("session close failed",
			zap.Error(err),
			zap.String("session_id", row.ID.String()),
		)
		return false
	}
	if closed {
		if s.metrics != nil {
			s.metrics.RecordSessionClosed(reason)
		}
		s.log.Info("session reconciled",
			zap.String("session_id", row.ID.String()),
			zap.String("reason", reason),
			zap.Int64("elapsed_seconds", capElapsed),
		)
	}
	return closed
}

func (s *Service) lookupRunner(id snowflake.ID) *runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[id]
}

func (s *Service) runnerSnapshot(r *runner) sessiondomain.Snapshot {
	return s.snapshotFromOutcome(r, r.meter.Snapshot())
}

func (s *Service) snapshotFromOutcome(r *runner, out meter.Outcome) sessiondomain.Snapshot {
	remaining := out.Remaining
	if remaining < 0 {
		remaining = 0
	}
	return sessiondomain.Snapshot{
		SessionID:        r.sessionID.String(),
		AccountID:        r.accountID.String(),
		State:            out.State,
		ElapsedSeconds:   out.Elapsed,
		CommittedSeconds: out.Committed,
		RemainingSeconds: remaining,
		WarningActive:    r.meter.WarningActive(),
		StartedAt:        r.startedAt.Format(time.RFC3339),
	}
}

func (s *Service) publish(r *runner, snap sessiondomain.Snapshot, reason string) {
	s.hub.Publish(r.sessionID.String(), liveevents.LiveEvent{
		SessionID:        snap.SessionID,
		AccountID:        snap.AccountID,
		State:            string(snap.State),
		ElapsedSeconds:   snap.ElapsedSeconds,
		RemainingSeconds: snap.RemainingSeconds,
		CommittedSeconds: snap.CommittedSeconds,
		Warning:          snap.WarningActive,
		Reason:           reason,
		At:               s.clk.Now().Format(time.RFC3339),
	})
}

func rowSnapshot(row *sessiondomain.Session) sessiondomain.Snapshot {
	state := sessiondomain.StateActive
	if !row.Open() {
		state = sessiondomain.StateClosed
	}
	return sessiondomain.Snapshot{
		SessionID:        row.ID.String(),
		AccountID:        row.AccountID.String(),
		State:            state,
		ElapsedSeconds:   row.ElapsedSeconds,
		CommittedSeconds: row.CommittedSeconds,
		Reason:           row.TerminationReason,
		StartedAt:        row.StartedAt.Format(time.RFC3339),
	}
}
