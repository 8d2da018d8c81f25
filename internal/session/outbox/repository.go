package outbox

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	pkgdb "github.com/solacelabs/talktime/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func ProvideRepository() sessiondomain.OutboxRepository {
	return &repo{}
}

func (r *repo) Enqueue(ctx context.Context, db *gorm.DB, entry *sessiondomain.ConsumeOutboxEntry) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO session_consume_outbox (id, session_id, account_id, cursor_from, seconds, created_at, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)
		 ON CONFLICT (session_id, cursor_from) DO NOTHING`,
		entry.ID,
		entry.SessionID,
		entry.AccountID,
		entry.CursorFrom,
		entry.Seconds,
		entry.CreatedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, limit int) ([]sessiondomain.ConsumeOutboxEntry, error) {
	var entries []sessiondomain.ConsumeOutboxEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, session_id, account_id, cursor_from, seconds, created_at, applied_at
		 FROM session_consume_outbox
		 WHERE applied_at IS NULL
		 ORDER BY created_at ASC
		 LIMIT ?`,
		limit,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE session_consume_outbox SET applied_at = ? WHERE id = ? AND applied_at IS NULL`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
