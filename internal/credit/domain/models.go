// Package domain defines the idempotent credit event ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// CreditEvent records one purchase-completion notification from a payment
// provider. The (provider, provider_event_id) pair is the idempotency key:
// redeliveries collide on it and take the no-op path. AppliedAt separates
// "seen" from "applied"; a row with a nil AppliedAt is a recorded event whose
// grant has not landed yet and is safe to retry.
type CreditEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	AccountID       snowflake.ID   `json:"account_id" gorm:"not null;index:ix_credit_events_account"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_credit_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_credit_events_provider_event"`
	SecondsGranted  int64          `json:"seconds_granted" gorm:"not null"`
	Payload         datatypes.JSON `json:"payload,omitempty"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	AppliedAt       *time.Time     `json:"applied_at,omitempty"`
}

// TableName sets the database table name.
func (CreditEvent) TableName() string { return "credit_events" }

// PurchaseEvent is the normalized form a provider adapter extracts from a raw
// webhook payload. Nothing downstream of the adapter reads provider fields.
type PurchaseEvent struct {
	Provider           string
	ProviderEventID    string
	AccountID          snowflake.ID
	AccountExternalRef string
	SecondsGranted     int64
	OccurredAt         time.Time
	RawPayload         []byte
}

type ApplyStatus string

const (
	StatusApplied   ApplyStatus = "applied"
	StatusDuplicate ApplyStatus = "duplicate"
)

type ApplyRequest struct {
	Provider        string
	ProviderEventID string
	AccountID       snowflake.ID
	SecondsGranted  int64
	Payload         []byte
	OccurredAt      time.Time
}

type ApplyResponse struct {
	Status           ApplyStatus `json:"status"`
	EventID          string      `json:"event_id"`
	AccountID        string      `json:"account_id"`
	SecondsGranted   int64       `json:"seconds_granted"`
	PurchasedSeconds int64       `json:"purchased_seconds,omitempty"`
}
