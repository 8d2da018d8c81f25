// Package domain defines the metered counseling session and its lifecycle.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Session is one metered voice session. ElapsedSeconds is the last elapsed
// value the meter persisted; the live counter in memory runs ahead of it
// between checkpoints. CommittedSeconds is the portion of elapsed time that
// has been reconciled into the account's consumed counter, so
// elapsed - committed is the only amount a crash can cost.
type Session struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountID         snowflake.ID `json:"account_id" gorm:"not null;index:ix_sessions_account"`
	StartedAt         time.Time    `json:"started_at" gorm:"not null"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
	ElapsedSeconds    int64        `json:"elapsed_seconds" gorm:"not null;default:0"`
	CommittedSeconds  int64        `json:"committed_seconds" gorm:"not null;default:0"`
	TerminationReason string       `json:"termination_reason,omitempty" gorm:"type:text"`
	HeartbeatAt       time.Time    `json:"heartbeat_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Session) TableName() string { return "sessions" }

func (s *Session) Open() bool { return s != nil && s.EndedAt == nil }

type State string

const (
	StateActive      State = "active"
	StateWarning     State = "warning"
	StateTerminating State = "terminating"
	StateClosed      State = "closed"
)

const (
	ReasonUserEnded          = "user_ended"
	ReasonBalanceExhausted   = "balance_exhausted"
	ReasonClientDisconnected = "client_disconnected"
	ReasonServerError        = "server_error"
)

func ValidReason(reason string) bool {
	switch reason {
	case ReasonUserEnded, ReasonBalanceExhausted, ReasonClientDisconnected, ReasonServerError:
		return true
	}
	return false
}

// Snapshot is the caller-facing view of a session at one instant.
type Snapshot struct {
	SessionID        string `json:"session_id"`
	AccountID        string `json:"account_id"`
	State            State  `json:"state"`
	ElapsedSeconds   int64  `json:"elapsed_seconds"`
	CommittedSeconds int64  `json:"committed_seconds"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	WarningActive    bool   `json:"warning_active"`
	Reason           string `json:"reason,omitempty"`
	StartedAt        string `json:"started_at"`
}

// ConsumeOutboxEntry holds a consume delta whose direct commit failed. The
// (session_id, cursor_from) pair makes re-enqueueing the same delta a no-op,
// so retries cannot double-consume.
type ConsumeOutboxEntry struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	SessionID  snowflake.ID `json:"session_id" gorm:"not null;uniqueIndex:ux_consume_outbox_cursor"`
	AccountID  snowflake.ID `json:"account_id" gorm:"not null"`
	CursorFrom int64        `json:"cursor_from" gorm:"not null;uniqueIndex:ux_consume_outbox_cursor"`
	Seconds    int64        `json:"seconds" gorm:"not null"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null"`
	AppliedAt  *time.Time   `json:"applied_at,omitempty"`
}

// TableName sets the database table name.
func (ConsumeOutboxEntry) TableName() string { return "session_consume_outbox" }
