package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*Account, error)
	// AddPurchased and AddConsumed apply atomic increments at the persistence
	// layer. Callers never read-modify-write account counters.
	AddPurchased(ctx context.Context, db *gorm.DB, id snowflake.ID, seconds int64) (int64, error)
	AddConsumed(ctx context.Context, db *gorm.DB, id snowflake.ID, seconds int64) (int64, error)
}
