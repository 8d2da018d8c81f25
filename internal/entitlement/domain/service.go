package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// EnsureAccount creates the account for an authentication identity on
	// first sight and returns the existing row on every later call.
	EnsureAccount(ctx context.Context, externalRef string) (*Account, error)
	GrantSeconds(ctx context.Context, accountID string, seconds int64) (int64, error)
	ConsumeSeconds(ctx context.Context, accountID string, seconds int64) (int64, error)
	GetBalance(ctx context.Context, accountID string) (Balance, error)

	// GrantSecondsTx and ConsumeSecondsTx apply the same atomic increments
	// inside a caller-owned transaction, so credit application and session
	// checkpoints can couple the increment with their own bookkeeping.
	GrantSecondsTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, seconds int64) error
	ConsumeSecondsTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, seconds int64) error
}

var (
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidExternalRef = errors.New("invalid_external_ref")
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrStoreUnavailable   = errors.New("store_unavailable")
)

func ParseID(value string) (snowflake.ID, error) {
	return snowflake.ParseString(value)
}
