package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ScopeType identifies who owns a balance.
type ScopeType string

const (
	ScopeTenant ScopeType = "tenant"
	ScopeUser   ScopeType = "user"
)

// Valid reports whether the scope type is known.
func (s ScopeType) Valid() bool {
	return s == ScopeTenant || s == ScopeUser
}

// Scope keys a balance: a tenant budget or a personal user credit.
type Scope struct {
	Type ScopeType `json:"type"`
	ID   string    `json:"id"`
}

func (s Scope) String() string { return string(s.Type) + ":" + s.ID }

// TransactionKind distinguishes debits from credits.
type TransactionKind string

const (
	KindDebit  TransactionKind = "debit"
	KindCredit TransactionKind = "credit"
)

// Balance is the stored prepaid counter for one scope.
type Balance struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	ScopeType   ScopeType    `gorm:"type:text;not null;uniqueIndex:ux_balances_scope,priority:1"`
	ScopeID     string       `gorm:"type:text;not null;uniqueIndex:ux_balances_scope,priority:2"`
	AmountCents Money        `gorm:"column:amount_cents;not null;default:0"`
	Currency    string       `gorm:"type:text;not null"`
	Version     int64        `gorm:"not null;default:0"`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// Transaction is an append-only ledger line written by every balance mutation.
type Transaction struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	BalanceID         snowflake.ID    `gorm:"not null;index"`
	ScopeType         ScopeType       `gorm:"type:text;not null;uniqueIndex:ux_balance_tx_source,priority:1"`
	ScopeID           string          `gorm:"type:text;not null;uniqueIndex:ux_balance_tx_source,priority:2"`
	Kind              TransactionKind `gorm:"type:text;not null"`
	Action            string          `gorm:"type:text"`
	AmountCents       Money           `gorm:"column:amount_cents;not null"`
	BalanceAfterCents Money           `gorm:"column:balance_after_cents;not null"`
	SourceType        string          `gorm:"type:text;not null;uniqueIndex:ux_balance_tx_source,priority:3"`
	SourceID          string          `gorm:"type:text;not null;uniqueIndex:ux_balance_tx_source,priority:4"`
	CostTableVersion  string          `gorm:"type:text"`
	CreatedAt         time.Time       `gorm:"not null"`
}

func (Transaction) TableName() string { return "balance_transactions" }
