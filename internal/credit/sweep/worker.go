// Package sweep retries credit events that were durably recorded but whose
// grant never landed, usually because the process died between the insert
// and the settle transaction.
package sweep

import (
	"context"
	"time"

	creditdomain "github.com/solacelabs/talktime/internal/credit/domain"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	"github.com/solacelabs/talktime/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Repo           creditdomain.Repository
	EntitlementSvc entitlementdomain.Service
	Metrics        *metrics.Metrics `optional:"true"`
	Config         Config           `optional:"true"`
}

type Worker struct {
	db             *gorm.DB
	log            *zap.Logger
	repo           creditdomain.Repository
	entitlementSvc entitlementdomain.Service
	metrics        *metrics.Metrics
	cfg            Config
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:             p.DB,
		log:            p.Log.Named("credit.sweep"),
		repo:           p.Repo,
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
			w.log.Warn("credit sweep run failed", zap.Error(err))
		}
	}
}

// RunOnce settles every event older than the grace window whose applied_at
// is still unset. Returns the number of events settled.
func (w *Worker) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-w.cfg.Grace)
	events, err := w.repo.ListUnappliedBefore(ctx, w.db, cutoff, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range events {
		event := &events[i]
		if err := w.settle(ctx, event); err != nil {
			w.log.Warn("credit sweep settle failed",
				zap.Error(err),
				zap.String("provider_event_id", event.ProviderEventID),
			)
			continue
		}
		settled++
	}
	return settled, nil
}

func (w *Worker) settle(ctx context.Context, event *creditdomain.CreditEvent) error {
	applied := false
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := w.repo.MarkApplied(ctx, tx, event.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := w.entitlementSvc.GrantSecondsTx(ctx, tx, event.AccountID, event.SecondsGranted); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}

	if applied {
		if w.metrics != nil {
			w.metrics.RecordCreditApplied(event.Provider, event.SecondsGranted)
		}
		w.log.Info("stranded credit settled",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("account_id", event.AccountID.String()),
			zap.Int64("seconds_granted", event.SecondsGranted),
		)
	}
	return nil
}
