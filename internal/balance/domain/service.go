package domain

import (
	"context"
	"errors"
)

// Action names a billable action and the model tier it runs on.
type Action struct {
	Code  string `json:"action"`
	Model string `json:"model,omitempty"`
}

func (a Action) String() string {
	if a.Model == "" {
		return a.Code
	}
	return a.Code + "/" + a.Model
}

type Service interface {
	// CheckAndReserve prices action and reports whether scope can afford it. It never mutates.
	CheckAndReserve(ctx context.Context, scope Scope, action Action) (*Reservation, error)
	// CommitDebit subtracts a previously admitted cost, clamped at zero. Replays of the
	// same source return the recorded balance without charging again.
	CommitDebit(ctx context.Context, req DebitRequest) (Money, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Credit(ctx context.Context, req CreditRequest) (Money, error)
	Get(ctx context.Context, scope Scope) (*BalanceView, error)
	// ScopeFor resolves which scope pays for action given the caller identity.
	ScopeFor(action Action, tenantID, userID string) (Scope, error)
}

type Reservation struct {
	Allowed       bool   `json:"allowed"`
	Action        Action `json:"action"`
	Scope         Scope  `json:"scope"`
	Cost          Money  `json:"cost"`
	BalanceBefore Money  `json:"balance_before"`
	TableVersion  string `json:"cost_table_version"`
}

type DebitRequest struct {
	Scope        Scope
	Action       Action
	Cost         Money
	SourceType   string
	SourceID     string
	TableVersion string
}

type ChargeRequest struct {
	TenantID    string
	UserID      string
	Action      Action
	ReferenceID string
}

type ChargeResult struct {
	Balance  Money  `json:"balance"`
	Cost     Money  `json:"cost"`
	Scope    Scope  `json:"scope"`
	Action   Action `json:"action"`
	Replayed bool   `json:"replayed"`
}

type CreditRequest struct {
	Scope       Scope
	Amount      Money
	ReferenceID string
}

type BalanceView struct {
	Scope    Scope  `json:"scope"`
	Balance  Money  `json:"balance"`
	Currency string `json:"currency"`
}

const (
	SourceGenerationJob = "generation_job"
	SourceCharge        = "charge"
	SourceCredit        = "credit"
)

var (
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInvalidScope        = errors.New("invalid_scope")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidSource       = errors.New("invalid_source")
	ErrUnknownAction       = errors.New("unknown_action")
	ErrConcurrentUpdate    = errors.New("concurrent_balance_update")
)
