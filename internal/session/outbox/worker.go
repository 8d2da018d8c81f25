package outbox

import (
	"context"
	"time"

	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	"github.com/solacelabs/talktime/internal/observability/metrics"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WorkerParams struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Repo           sessiondomain.OutboxRepository
	Queue          *Queue
	EntitlementSvc entitlementdomain.Service
	Metrics        *metrics.Metrics `optional:"true"`
	Config         WorkerConfig     `optional:"true"`
}

type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 10 * time.Second
	}
	return c
}

type Worker struct {
	db             *gorm.DB
	log            *zap.Logger
	repo           sessiondomain.OutboxRepository
	queue          *Queue
	entitlementSvc entitlementdomain.Service
	metrics        *metrics.Metrics
	cfg            WorkerConfig
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		db:             p.DB,
		log:            p.Log.Named("session.outbox.worker"),
		repo:           p.Repo,
		queue:          p.Queue,
		entitlementSvc: p.EntitlementSvc,
		metrics:        p.Metrics,
		cfg:            p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("outbox drain failed", zap.Error(err))
		}
	}
}

// RunOnce re-inserts parked entries and applies pending ones. Each apply
// couples the account consume with the entry's applied_at stamp in one
// transaction, so an entry can never consume twice.
func (w *Worker) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	w.queue.FlushParked(ctx)

	entries, err := w.repo.ListPending(ctx, w.db, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	applied := 0
	for i := range entries {
		entry := &entries[i]
		if err := w.apply(ctx, entry); err != nil {
			if w.metrics != nil {
				w.metrics.RecordOutboxRetry("failed")
			}
			w.log.Warn("outbox apply failed",
				zap.Error(err),
				zap.String("session_id", entry.SessionID.String()),
				zap.Int64("seconds", entry.Seconds),
			)
			continue
		}
		applied++
	}
	return applied, nil
}

func (w *Worker) apply(ctx context.Context, entry *sessiondomain.ConsumeOutboxEntry) error {
	consumed := false
	superseded := false
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := w.repo.MarkApplied(ctx, tx, entry.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		// Advance the session cursor only if it still sits where the failed
		// commit left it. A reconciliation that closed the session meanwhile
		// already consumed this range; then the entry is retired without
		// consuming again.
		res := tx.Exec(
			`UPDATE sessions SET committed_seconds = ? WHERE id = ? AND committed_seconds = ?`,
			entry.CursorFrom+entry.Seconds,
			entry.SessionID,
			entry.CursorFrom,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			superseded = true
			return nil
		}
		if err := w.entitlementSvc.ConsumeSecondsTx(ctx, tx, entry.AccountID, entry.Seconds); err != nil {
			return err
		}
		consumed = true
		return nil
	})
	if err != nil {
		return err
	}

	if consumed {
		if w.metrics != nil {
			w.metrics.RecordOutboxRetry("applied")
		}
		w.log.Info("queued consume applied",
			zap.String("session_id", entry.SessionID.String()),
			zap.String("account_id", entry.AccountID.String()),
			zap.Int64("seconds", entry.Seconds),
		)
	}
	if superseded {
		if w.metrics != nil {
			w.metrics.RecordOutboxRetry("superseded")
		}
		w.log.Info("queued consume superseded by reconciliation",
			zap.String("session_id", entry.SessionID.String()),
			zap.Int64("cursor_from", entry.CursorFrom),
			zap.Int64("seconds", entry.Seconds),
		)
	}
	return nil
}
