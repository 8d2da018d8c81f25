package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert opens a session row. Returns false without error when the
	// account already holds an open session.
	Insert(ctx context.Context, db *gorm.DB, session *Session) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Session, error)
	FindOpenByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*Session, error)
	// CommitProgress advances committed_seconds with a compare-and-swap on
	// its previous value, so two racing checkpoints cannot stack the same
	// delta twice.
	CommitProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, fromCommitted, toCommitted, elapsed int64, heartbeatAt time.Time) (bool, error)
	Touch(ctx context.Context, db *gorm.DB, id snowflake.ID, heartbeatAt time.Time, elapsed int64) error
	// Close stamps ended_at only on a still-open row.
	Close(ctx context.Context, db *gorm.DB, id snowflake.ID, endedAt time.Time, elapsed int64, reason string) (bool, error)
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]Session, error)
	ListOpenStale(ctx context.Context, db *gorm.DB, heartbeatBefore time.Time, limit int) ([]Session, error)
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, db *gorm.DB, entry *ConsumeOutboxEntry) (bool, error)
	ListPending(ctx context.Context, db *gorm.DB, limit int) ([]ConsumeOutboxEntry, error)
	MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
}
