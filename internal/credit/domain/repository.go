package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertEvent records the event unless its idempotency key already
	// exists. Returns false without error on a key collision.
	InsertEvent(ctx context.Context, db *gorm.DB, event *CreditEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*CreditEvent, error)
	// MarkApplied stamps applied_at only if the event is still unapplied, so
	// two racers settling the same event cannot both grant.
	MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ListUnappliedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]CreditEvent, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]CreditEvent, error)
}
