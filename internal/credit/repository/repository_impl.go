package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/solacelabs/talktime/internal/credit/domain"
	pkgdb "github.com/solacelabs/talktime/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() creditdomain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *creditdomain.CreditEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO credit_events (id, account_id, provider, provider_event_id, seconds_granted, payload, received_at, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.AccountID,
		event.Provider,
		event.ProviderEventID,
		event.SecondsGranted,
		event.Payload,
		event.ReceivedAt,
	)
	if res.Error != nil {
		// Some drivers surface the unique violation as an error instead of
		// honoring the conflict clause; that is still the duplicate path.
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*creditdomain.CreditEvent, error) {
	var event creditdomain.CreditEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, provider, provider_event_id, seconds_granted, payload, received_at, applied_at
		 FROM credit_events WHERE provider = ? AND provider_event_id = ?`,
		provider,
		providerEventID,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_events SET applied_at = ? WHERE id = ? AND applied_at IS NULL`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListUnappliedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]creditdomain.CreditEvent, error) {
	var events []creditdomain.CreditEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, provider, provider_event_id, seconds_granted, payload, received_at, applied_at
		 FROM credit_events
		 WHERE applied_at IS NULL AND received_at < ?
		 ORDER BY received_at ASC
		 LIMIT ?`,
		cutoff,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]creditdomain.CreditEvent, error) {
	var events []creditdomain.CreditEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, provider, provider_event_id, seconds_granted, payload, received_at, applied_at
		 FROM credit_events
		 WHERE account_id = ?
		 ORDER BY received_at DESC
		 LIMIT ?`,
		accountID,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
