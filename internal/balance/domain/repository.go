package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, scope Scope) (*Balance, error)
	// InsertBalance reports false when the scope already has a balance row.
	InsertBalance(ctx context.Context, db *gorm.DB, balance *Balance) (bool, error)
	// CompareAndSwap writes amount only when the stored version still equals version.
	CompareAndSwap(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, amount Money, now time.Time) (bool, error)
	FindTransactionBySource(ctx context.Context, db *gorm.DB, scope Scope, sourceType, sourceID string) (*Transaction, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) (bool, error)
}
