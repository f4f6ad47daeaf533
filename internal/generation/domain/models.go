package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"gorm.io/datatypes"
)

// State is the lifecycle position of a generation job.
type State string

const (
	StateSubmitted  State = "submitted"
	StateInProgress State = "in_progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
)

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	switch s {
	case StateSubmitted, StateInProgress:
		switch to {
		case StateInProgress, StateSucceeded, StateFailed, StateTimedOut:
			return true
		}
	}
	return false
}

// Model is a generation tier, fixed at submission.
type Model string

const (
	ModelFast    Model = "fast"
	ModelQuality Model = "quality"
)

func (m Model) Valid() bool {
	return m == ModelFast || m == ModelQuality
}

// Job is one generation attempt tracked end-to-end.
type Job struct {
	ID       snowflake.ID `gorm:"primaryKey"`
	JobID    string       `gorm:"column:job_id;type:text;not null;uniqueIndex:ux_generation_jobs_job_id"`
	TenantID string       `gorm:"type:text;not null;index:ix_generation_jobs_tenant_created,priority:1;uniqueIndex:ux_generation_jobs_idem,priority:1"`
	UserID   *string      `gorm:"type:text"`
	OrderID  *string      `gorm:"type:text"`
	PhotoID  *string      `gorm:"type:text"`

	Model  Model             `gorm:"type:text;not null"`
	Prompt string            `gorm:"type:text"`
	Tags   datatypes.JSONMap

	State        State   `gorm:"type:text;not null;index"`
	Progress     int     `gorm:"not null;default:0"`
	PollAttempts int     `gorm:"not null;default:0"`
	ErrorMessage *string `gorm:"type:text"`
	ResultID     *string `gorm:"type:text"`

	ProviderURL      *string `gorm:"type:text"`
	ArchivedURL      *string `gorm:"type:text"`
	ThumbnailURL     *string `gorm:"type:text"`
	Caption          *string `gorm:"type:text"`
	BackedUp         bool    `gorm:"not null;default:false"`
	ArchiveAttempted bool    `gorm:"not null;default:false"`

	CostCents         balancedomain.Money     `gorm:"column:cost_cents;not null"`
	CostTableVersion  string                  `gorm:"type:text;not null"`
	ScopeType         balancedomain.ScopeType `gorm:"type:text;not null"`
	ScopeID           string                  `gorm:"type:text;not null"`
	Charged           bool                    `gorm:"not null;default:false"`
	BalanceAfterCents *balancedomain.Money    `gorm:"column:balance_after_cents"`

	IdempotencyKey *string    `gorm:"type:text;uniqueIndex:ux_generation_jobs_idem,priority:2"`
	ClaimToken     *string    `gorm:"type:text"`
	ClaimedAt      *time.Time

	CreatedAt    time.Time `gorm:"not null;index:ix_generation_jobs_tenant_created,priority:2"`
	UpdatedAt    time.Time `gorm:"not null"`
	LastPolledAt *time.Time
	CompletedAt  *time.Time
}

func (Job) TableName() string { return "generation_jobs" }

// Scope returns the balance scope the job is billed to.
func (j *Job) Scope() balancedomain.Scope {
	return balancedomain.Scope{Type: j.ScopeType, ID: j.ScopeID}
}

// Image is the input photo, either inline bytes or a fetchable URL.
type Image struct {
	Data     []byte
	URL      string
	MIMEType string
}

func (i Image) Empty() bool {
	return len(i.Data) == 0 && i.URL == ""
}
