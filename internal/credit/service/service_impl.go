package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/solacelabs/talktime/internal/config"
	"github.com/solacelabs/talktime/internal/credit/adapters"
	creditdomain "github.com/solacelabs/talktime/internal/credit/domain"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	"github.com/solacelabs/talktime/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Cfg            config.Config
	Repo           creditdomain.Repository
	EntitlementSvc entitlementdomain.Service
	Adapters       *adapters.Registry
	Metrics        *metrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	cfg            config.Config
	repo           creditdomain.Repository
	entitlementSvc entitlementdomain.Service
	adapters       *adapters.Registry
	metrics        *metrics.Metrics
}

func New(p Params) creditdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("credit.service"),
		genID:          p.GenID,
		cfg:            p.Cfg,
		repo:           p.Repo,
		entitlementSvc: p.EntitlementSvc,
		adapters:       p.Adapters,
		metrics:        p.Metrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (creditdomain.ApplyResponse, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.adapters.ProviderExists(provider) {
		return creditdomain.ApplyResponse{}, creditdomain.ErrProviderNotFound
	}

	adapter, err := s.adapters.NewAdapter(provider, creditdomain.AdapterConfig{
		WebhookSecret: s.webhookSecret(provider),
	})
	if err != nil {
		return creditdomain.ApplyResponse{}, err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return creditdomain.ApplyResponse{}, err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return creditdomain.ApplyResponse{}, err
	}

	accountID, err := s.resolveAccount(ctx, event)
	if err != nil {
		return creditdomain.ApplyResponse{}, err
	}

	return s.ApplyCredit(ctx, creditdomain.ApplyRequest{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		AccountID:       accountID,
		SecondsGranted:  event.SecondsGranted,
		Payload:         event.RawPayload,
		OccurredAt:      event.OccurredAt,
	})
}

func (s *Service) ApplyCredit(ctx context.Context, req creditdomain.ApplyRequest) (creditdomain.ApplyResponse, error) {
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	providerEventID := strings.TrimSpace(req.ProviderEventID)
	if provider == "" || providerEventID == "" {
		return creditdomain.ApplyResponse{}, creditdomain.ErrInvalidEvent
	}
	if req.AccountID == 0 {
		return creditdomain.ApplyResponse{}, creditdomain.ErrInvalidAccount
	}
	if req.SecondsGranted <= 0 {
		return creditdomain.ApplyResponse{}, creditdomain.ErrInvalidAmount
	}

	event := &creditdomain.CreditEvent{
		ID:              s.genID.Generate(),
		AccountID:       req.AccountID,
		Provider:        provider,
		ProviderEventID: providerEventID,
		SecondsGranted:  req.SecondsGranted,
		ReceivedAt:      time.Now().UTC(),
	}
	if len(req.Payload) > 0 {
		event.Payload = datatypes.JSON(req.Payload)
	}

	inserted, err := s.repo.InsertEvent(ctx, s.db, event)
	if err != nil {
		return creditdomain.ApplyResponse{}, entitlementdomain.ErrStoreUnavailable
	}

	if !inserted {
		existing, err := s.repo.FindEvent(ctx, s.db, provider, providerEventID)
		if err != nil || existing == nil {
			return creditdomain.ApplyResponse{}, entitlementdomain.ErrStoreUnavailable
		}
		if existing.AppliedAt != nil {
			if s.metrics != nil {
				s.metrics.RecordDuplicateEvent(provider)
			}
			s.log.Info("credit event replayed",
				zap.String("provider", provider),
				zap.String("provider_event_id", providerEventID),
			)
			return creditdomain.ApplyResponse{
				Status:         creditdomain.StatusDuplicate,
				EventID:        providerEventID,
				AccountID:      existing.AccountID.String(),
				SecondsGranted: existing.SecondsGranted,
			}, nil
		}
		// Recorded but never granted: an earlier delivery crashed between
		// insert and grant. Settle the existing row instead of this one.
		event = existing
	}

	return s.settle(ctx, event)
}

// settle grants the event's seconds and stamps applied_at in one
// transaction. The conditional stamp decides the race when two deliveries
// of the same event reach this point together: the loser's update matches
// zero rows and rolls back its grant.
func (s *Service) settle(ctx context.Context, event *creditdomain.CreditEvent) (creditdomain.ApplyResponse, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.MarkApplied(ctx, tx, event.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.entitlementSvc.GrantSecondsTx(ctx, tx, event.AccountID, event.SecondsGranted); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		s.log.Warn("credit settle failed",
			zap.Error(err),
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return creditdomain.ApplyResponse{}, entitlementdomain.ErrStoreUnavailable
	}

	resp := creditdomain.ApplyResponse{
		EventID:        event.ProviderEventID,
		AccountID:      event.AccountID.String(),
		SecondsGranted: event.SecondsGranted,
	}

	if !applied {
		resp.Status = creditdomain.StatusDuplicate
		if s.metrics != nil {
			s.metrics.RecordDuplicateEvent(event.Provider)
		}
		return resp, nil
	}

	resp.Status = creditdomain.StatusApplied
	if s.metrics != nil {
		s.metrics.RecordCreditApplied(event.Provider, event.SecondsGranted)
	}
	if balance, err := s.entitlementSvc.GetBalance(ctx, event.AccountID.String()); err == nil {
		resp.PurchasedSeconds = balance.PurchasedSeconds
	}

	s.log.Info("credit applied",
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("account_id", event.AccountID.String()),
		zap.Int64("seconds_granted", event.SecondsGranted),
	)
	return resp, nil
}

func (s *Service) ListEvents(ctx context.Context, accountID string, limit int) ([]creditdomain.CreditEvent, error) {
	id, err := entitlementdomain.ParseID(strings.TrimSpace(accountID))
	if err != nil || id == 0 {
		return nil, creditdomain.ErrInvalidAccount
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	events, err := s.repo.ListByAccount(ctx, s.db, id, limit)
	if err != nil {
		return nil, entitlementdomain.ErrStoreUnavailable
	}
	return events, nil
}

func (s *Service) resolveAccount(ctx context.Context, event *creditdomain.PurchaseEvent) (snowflake.ID, error) {
	if event.AccountID != 0 {
		return event.AccountID, nil
	}
	if event.AccountExternalRef == "" {
		return 0, creditdomain.ErrInvalidAccount
	}
	account, err := s.entitlementSvc.EnsureAccount(ctx, event.AccountExternalRef)
	if err != nil {
		if errors.Is(err, entitlementdomain.ErrInvalidExternalRef) {
			return 0, creditdomain.ErrInvalidAccount
		}
		return 0, err
	}
	return account.ID, nil
}

func (s *Service) webhookSecret(provider string) string {
	switch provider {
	case "stripe":
		return s.cfg.StripeWebhookSecret
	default:
		return ""
	}
}
