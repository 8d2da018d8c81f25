package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  entitlementdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  entitlementdomain.Repository
}

func New(p Params) entitlementdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entitlement.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) EnsureAccount(ctx context.Context, externalRef string) (*entitlementdomain.Account, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, entitlementdomain.ErrInvalidExternalRef
	}

	existing, err := s.repo.FindByExternalRef(ctx, s.db, externalRef)
	if err != nil {
		return nil, s.storeErr("lookup account", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	account := &entitlementdomain.Account{
		ID:          s.genID.Generate(),
		ExternalRef: externalRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	inserted, err := s.repo.Insert(ctx, s.db, account)
	if err != nil {
		return nil, s.storeErr("insert account", err)
	}
	if inserted {
		s.log.Info("account provisioned",
			zap.String("account_id", account.ID.String()),
		)
		return account, nil
	}

	// Lost the insert race to a concurrent first-login; the winner's row is
	// the account.
	existing, err = s.repo.FindByExternalRef(ctx, s.db, externalRef)
	if err != nil {
		return nil, s.storeErr("lookup account", err)
	}
	if existing == nil {
		return nil, entitlementdomain.ErrAccountNotFound
	}
	return existing, nil
}

func (s *Service) GrantSeconds(ctx context.Context, accountID string, seconds int64) (int64, error) {
	id, err := s.parseAccountID(accountID)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, entitlementdomain.ErrInvalidAmount
	}

	total, err := s.repo.AddPurchased(ctx, s.db, id, seconds)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, entitlementdomain.ErrAccountNotFound
		}
		return 0, s.storeErr("grant seconds", err)
	}

	s.log.Info("seconds granted",
		zap.String("account_id", id.String()),
		zap.Int64("seconds", seconds),
		zap.Int64("purchased_total", total),
	)
	return total, nil
}

func (s *Service) ConsumeSeconds(ctx context.Context, accountID string, seconds int64) (int64, error) {
	id, err := s.parseAccountID(accountID)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, entitlementdomain.ErrInvalidAmount
	}

	// Over-consumption past the remaining balance is recorded as-is. The
	// store keeps truth; stopping the session is the meter's job.
	total, err := s.repo.AddConsumed(ctx, s.db, id, seconds)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, entitlementdomain.ErrAccountNotFound
		}
		return 0, s.storeErr("consume seconds", err)
	}

	s.log.Info("seconds consumed",
		zap.String("account_id", id.String()),
		zap.Int64("seconds", seconds),
		zap.Int64("consumed_total", total),
	)
	return total, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (entitlementdomain.Balance, error) {
	id, err := s.parseAccountID(accountID)
	if err != nil {
		return entitlementdomain.Balance{}, err
	}

	account, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return entitlementdomain.Balance{}, s.storeErr("load balance", err)
	}
	if account == nil {
		return entitlementdomain.Balance{}, entitlementdomain.ErrAccountNotFound
	}

	return entitlementdomain.NewBalance(account.ID, account.PurchasedSeconds, account.ConsumedSeconds), nil
}

func (s *Service) GrantSecondsTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, seconds int64) error {
	if accountID == 0 {
		return entitlementdomain.ErrInvalidAccount
	}
	if seconds <= 0 {
		return entitlementdomain.ErrInvalidAmount
	}
	_, err := s.repo.AddPurchased(ctx, tx, accountID, seconds)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entitlementdomain.ErrAccountNotFound
	}
	return err
}

func (s *Service) ConsumeSecondsTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, seconds int64) error {
	if accountID == 0 {
		return entitlementdomain.ErrInvalidAccount
	}
	if seconds <= 0 {
		return entitlementdomain.ErrInvalidAmount
	}
	_, err := s.repo.AddConsumed(ctx, tx, accountID, seconds)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return entitlementdomain.ErrAccountNotFound
	}
	return err
}

func (s *Service) parseAccountID(value string) (snowflake.ID, error) {
	id, err := entitlementdomain.ParseID(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, entitlementdomain.ErrInvalidAccount
	}
	return id, nil
}

func (s *Service) storeErr(op string, err error) error {
	s.log.Warn("entitlement store operation failed", zap.String("op", op), zap.Error(err))
	return entitlementdomain.ErrStoreUnavailable
}
