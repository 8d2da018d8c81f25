// Package domain contains the authoritative account time-balance model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Account is the single source of truth for a user's purchased and consumed
// service time. Both counters only ever grow; the remaining balance is always
// derived, never stored.
type Account struct {
	ID               snowflake.ID `json:"id" gorm:"primaryKey"`
	ExternalRef      string       `json:"external_ref" gorm:"type:text;not null;uniqueIndex:ux_accounts_external_ref"`
	PurchasedSeconds int64        `json:"purchased_seconds" gorm:"not null;default:0"`
	ConsumedSeconds  int64        `json:"consumed_seconds" gorm:"not null;default:0"`
	CreatedAt        time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Balance is a read-only snapshot of an account's counters. RemainingSeconds
// keeps its sign: a transient negative value means a consume commit raced
// ahead of a later reconciliation step. DisplaySeconds is the clamped value
// callers may show to users.
type Balance struct {
	AccountID        string `json:"account_id"`
	PurchasedSeconds int64  `json:"purchased_seconds"`
	ConsumedSeconds  int64  `json:"consumed_seconds"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	DisplaySeconds   int64  `json:"display_seconds"`
}

func NewBalance(accountID snowflake.ID, purchased, consumed int64) Balance {
	remaining := purchased - consumed
	display := remaining
	if display < 0 {
		display = 0
	}
	return Balance{
		AccountID:        accountID.String(),
		PurchasedSeconds: purchased,
		ConsumedSeconds:  consumed,
		RemainingSeconds: remaining,
		DisplaySeconds:   display,
	}
}
