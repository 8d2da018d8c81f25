package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	pkgdb "github.com/solacelabs/talktime/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() sessiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, session *sessiondomain.Session) (bool, error) {
	// The open-session uniqueness lives in a partial index, so the conflict
	// target cannot be named portably.
	res := db.WithContext(ctx).Exec(
		`INSERT INTO sessions (id, account_id, started_at, ended_at, elapsed_seconds, committed_seconds, termination_reason, heartbeat_at)
		 VALUES (?, ?, ?, NULL, ?, ?, '', ?)
		 ON CONFLICT DO NOTHING`,
		session.ID,
		session.AccountID,
		session.StartedAt,
		session.ElapsedSeconds,
		session.CommittedSeconds,
		session.HeartbeatAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sessiondomain.Session, error) {
	var session sessiondomain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, started_at, ended_at, elapsed_seconds, committed_seconds, termination_reason, heartbeat_at
		 FROM sessions WHERE id = ?`,
		id,
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

func (r *repo) FindOpenByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (*sessiondomain.Session, error) {
	var session sessiondomain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, started_at, ended_at, elapsed_seconds, committed_seconds, termination_reason, heartbeat_at
		 FROM sessions WHERE account_id = ? AND ended_at IS NULL`,
		accountID,
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, nil
	}
	return &session, nil
}

func (r *repo) CommitProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, fromCommitted, toCommitted, elapsed int64, heartbeatAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sessions
		 SET committed_seconds = ?, elapsed_seconds = ?, heartbeat_at = ?
		 WHERE id = ? AND committed_seconds = ? AND ended_at IS NULL`,
		toCommitted,
		elapsed,
		heartbeatAt,
		id,
		fromCommitted,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Touch(ctx context.Context, db *gorm.DB, id snowflake.ID, heartbeatAt time.Time, elapsed int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE sessions SET heartbeat_at = ?, elapsed_seconds = ? WHERE id = ? AND ended_at IS NULL`,
		heartbeatAt,
		elapsed,
		id,
	).Error
}

func (r *repo) Close(ctx context.Context, db *gorm.DB, id snowflake.ID, endedAt time.Time, elapsed int64, reason string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE sessions
		 SET ended_at = ?, elapsed_seconds = ?, termination_reason = ?
		 WHERE id = ? AND ended_at IS NULL`,
		endedAt,
		elapsed,
		reason,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, limit int) ([]sessiondomain.Session, error) {
	var sessions []sessiondomain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, started_at, ended_at, elapsed_seconds, committed_seconds, termination_reason, heartbeat_at
		 FROM sessions
		 WHERE account_id = ?
		 ORDER BY started_at DESC
		 LIMIT ?`,
		accountID,
		limit,
	).Scan(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) ListOpenStale(ctx context.Context, db *gorm.DB, heartbeatBefore time.Time, limit int) ([]sessiondomain.Session, error) {
	var sessions []sessiondomain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, started_at, ended_at, elapsed_seconds, committed_seconds, termination_reason, heartbeat_at
		 FROM sessions
		 WHERE ended_at IS NULL AND heartbeat_at < ?
		 ORDER BY heartbeat_at ASC
		 LIMIT ?`,
		heartbeatBefore,
		limit,
	).Scan(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
