package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() balancedomain.Repository {
	return &repo{}
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, scope balancedomain.Scope) (*balancedomain.Balance, error) {
	var balance balancedomain.Balance
	err := db.WithContext(ctx).Raw(
		`SELECT id, scope_type, scope_id, amount_cents, currency, version, created_at, updated_at
		 FROM balances WHERE scope_type = ? AND scope_id = ?`,
		scope.Type,
		scope.ID,
	).Scan(&balance).Error
	if err != nil {
		return nil, err
	}
	if balance.ID == 0 {
		return nil, nil
	}
	return &balance, nil
}

// InsertBalance reports false when the scope already has a row.
func (r *repo) InsertBalance(ctx context.Context, db *gorm.DB, b *balancedomain.Balance) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(doNothingOn("scope_type", "scope_id")).
		Create(b)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) CompareAndSwap(ctx context.Context, db *gorm.DB, id snowflake.ID, version int64, amount balancedomain.Money, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE balances
		 SET amount_cents = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		amount,
		now,
		id,
		version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindTransactionBySource(ctx context.Context, db *gorm.DB, scope balancedomain.Scope, sourceType, sourceID string) (*balancedomain.Transaction, error) {
	var tx balancedomain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, balance_id, scope_type, scope_id, kind, action, amount_cents, balance_after_cents,
		        source_type, source_id, cost_table_version, created_at
		 FROM balance_transactions
		 WHERE scope_type = ? AND scope_id = ? AND source_type = ? AND source_id = ?`,
		scope.Type,
		scope.ID,
		sourceType,
		sourceID,
	).Scan(&tx).Error
	if err != nil {
		return nil, err
	}
	if tx.ID == 0 {
		return nil, nil
	}
	return &tx, nil
}

// InsertTransaction reports false when a row for the same source already exists.
func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, t *balancedomain.Transaction) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(doNothingOn("scope_type", "scope_id", "source_type", "source_id")).
		Create(t)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// doNothingOn renders per dialect: ON CONFLICT DO NOTHING on postgres and
// sqlite, a no-op ON DUPLICATE KEY UPDATE on mysql.
func doNothingOn(columns ...string) clause.OnConflict {
	conflict := clause.OnConflict{DoNothing: true}
	for _, name := range columns {
		conflict.Columns = append(conflict.Columns, clause.Column{Name: name})
	}
	return conflict
}
