package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestInsertBalanceIgnoresDuplicateScope(t *testing.T) {
	db := openTestDB(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := &balancedomain.Balance{ID: 1, ScopeType: balancedomain.ScopeTenant, ScopeID: "acme", AmountCents: 500, Currency: "USD", CreatedAt: now, UpdatedAt: now}
	inserted, err := r.InsertBalance(ctx, db, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &balancedomain.Balance{ID: 2, ScopeType: balancedomain.ScopeTenant, ScopeID: "acme", AmountCents: 9, Currency: "USD", CreatedAt: now, UpdatedAt: now}
	inserted, err = r.InsertBalance(ctx, db, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	other := &balancedomain.Balance{ID: 3, ScopeType: balancedomain.ScopeTenant, ScopeID: "Acme", Currency: "USD", CreatedAt: now, UpdatedAt: now}
	inserted, err = r.InsertBalance(ctx, db, other)
	require.NoError(t, err)
	assert.True(t, inserted)

	bal, err := r.FindBalance(ctx, db, balancedomain.Scope{Type: balancedomain.ScopeTenant, ID: "acme"})
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.Equal(t, first.ID, bal.ID)
	assert.Equal(t, balancedomain.Money(500), bal.AmountCents)
}

func TestInsertTransactionIgnoresDuplicateSource(t *testing.T) {
	db := openTestDB(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scope := balancedomain.Scope{Type: balancedomain.ScopeTenant, ID: "acme"}

	entry := func(id int64, amount balancedomain.Money) *balancedomain.Transaction {
		return &balancedomain.Transaction{
			ID:                snowflake.ID(id),
			BalanceID:         1,
			ScopeType:         scope.Type,
			ScopeID:           scope.ID,
			Kind:              balancedomain.KindDebit,
			AmountCents:       amount,
			BalanceAfterCents: 100 - amount,
			SourceType:        balancedomain.SourceGenerationJob,
			SourceID:          "job-1",
			CreatedAt:         now,
		}
	}

	inserted, err := r.InsertTransaction(ctx, db, entry(10, 40))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = r.InsertTransaction(ctx, db, entry(11, 99))
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := r.FindTransactionBySource(ctx, db, scope, balancedomain.SourceGenerationJob, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, balancedomain.Money(40), got.AmountCents)
	assert.Equal(t, balancedomain.Money(60), got.BalanceAfterCents)
}

func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	db := openTestDB(t)
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := r.InsertBalance(ctx, db, &balancedomain.Balance{ID: 1, ScopeType: balancedomain.ScopeUser, ScopeID: "u1", Currency: "USD", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	swapped, err := r.CompareAndSwap(ctx, db, 1, 0, 250, now)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = r.CompareAndSwap(ctx, db, 1, 0, 999, now)
	require.NoError(t, err)
	assert.False(t, swapped)

	bal, err := r.FindBalance(ctx, db, balancedomain.Scope{Type: balancedomain.ScopeUser, ID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.Equal(t, balancedomain.Money(250), bal.AmountCents)
	assert.Equal(t, int64(1), bal.Version)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&balancedomain.Balance{}, &balancedomain.Transaction{}))
	return db
}
