// Package outbox holds consume deltas whose direct commit failed until a
// background worker lands them in the entitlement store.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/solacelabs/talktime/internal/session/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type QueueParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  sessiondomain.OutboxRepository
}

// Queue accepts failed consume deltas. Entries go to the outbox table; when
// even that insert fails the entry is parked in memory and re-inserted by
// the worker on its next pass, so a database outage cannot drop a delta
// while the process lives.
type Queue struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  sessiondomain.OutboxRepository

	mu     sync.Mutex
	parked []sessiondomain.ConsumeOutboxEntry
}

func NewQueue(p QueueParams) *Queue {
	return &Queue{
		db:    p.DB,
		log:   p.Log.Named("session.outbox"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (q *Queue) Enqueue(ctx context.Context, sessionID, accountID snowflake.ID, cursorFrom, seconds int64) {
	if seconds <= 0 {
		return
	}
	entry := sessiondomain.ConsumeOutboxEntry{
		ID:         q.genID.Generate(),
		SessionID:  sessionID,
		AccountID:  accountID,
		CursorFrom: cursorFrom,
		Seconds:    seconds,
		CreatedAt:  time.Now().UTC(),
	}

	if _, err := q.repo.Enqueue(ctx, q.db, &entry); err != nil {
		q.log.Warn("outbox insert failed, parking in memory",
			zap.Error(err),
			zap.String("session_id", sessionID.String()),
			zap.Int64("seconds", seconds),
		)
		q.mu.Lock()
		q.parked = append(q.parked, entry)
		q.mu.Unlock()
	}
}

// FlushParked retries the in-memory entries. Returns how many remain parked.
func (q *Queue) FlushParked(ctx context.Context) int {
	q.mu.Lock()
	parked := q.parked
	q.parked = nil
	q.mu.Unlock()

	var still []sessiondomain.ConsumeOutboxEntry
	for i := range parked {
		if _, err := q.repo.Enqueue(ctx, q.db, &parked[i]); err != nil {
			still = append(still, parked[i])
		}
	}

	q.mu.Lock()
	q.parked = append(still, q.parked...)
	remaining := len(q.parked)
	q.mu.Unlock()
	return remaining
}
