package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/solacelabs/talktime/internal/entitlement/domain"
	pkgdb "github.com/solacelabs/talktime/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *entitlementdomain.Account) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO accounts (id, external_ref, purchased_seconds, consumed_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_ref) DO NOTHING`,
		account.ID,
		account.ExternalRef,
		account.PurchasedSeconds,
		account.ConsumedSeconds,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*entitlementdomain.Account, error) {
	var account entitlementdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_ref, purchased_seconds, consumed_seconds, created_at, updated_at
		 FROM accounts WHERE id = ?`,
		id,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*entitlementdomain.Account, error) {
	var account entitlementdomain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, external_ref, purchased_seconds, consumed_seconds, created_at, updated_at
		 FROM accounts WHERE external_ref = ?`,
		externalRef,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.ID == 0 {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) AddPurchased(ctx context.Context, db *gorm.DB, id snowflake.ID, seconds int64) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET purchased_seconds = purchased_seconds + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		seconds,
		id,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}

	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT purchased_seconds FROM accounts WHERE id = ?`,
		id,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) AddConsumed(ctx context.Context, db *gorm.DB, id snowflake.ID, seconds int64) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET consumed_seconds = consumed_seconds + ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		seconds,
		id,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, gorm.ErrRecordNotFound
	}

	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT consumed_seconds FROM accounts WHERE id = ?`,
		id,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
