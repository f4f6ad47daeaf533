package domain

import (
	"context"
	"time"

	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"github.com/smallbiznis/slabworks/pkg/db/pagination"
)

type Service interface {
	// Start admits, submits and records a new job. It fails before any
	// provider call when the paying scope cannot afford the job.
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
	// Resolve advances a job by at most one provider poll and returns its view.
	// Terminal jobs are returned from storage without remote calls.
	Resolve(ctx context.Context, tenantID, jobID string) (*JobView, error)
	// List returns the tenant's jobs newest first without touching the provider.
	List(ctx context.Context, req ListJobsRequest) (*ListJobsResponse, error)
}

type ListJobsRequest struct {
	pagination.Pagination
	TenantID string
	State    State
	OrderID  string
}

type ListJobsResponse struct {
	pagination.PageInfo
	Jobs []*JobView `json:"jobs"`
}

type StartRequest struct {
	TenantID       string
	UserID         string
	Image          Image
	Prompt         string
	Model          Model
	OrderID        string
	PhotoID        string
	Tags           map[string]any
	IdempotencyKey string
}

type StartResult struct {
	JobID         string        `json:"job_id"`
	EstimatedTime time.Duration `json:"-"`
	State         State         `json:"state"`
	// Replayed is set when an idempotency key matched an existing job.
	Replayed bool `json:"-"`
}

type AssetView struct {
	ProviderURL  string  `json:"provider_url,omitempty"`
	ArchivedURL  *string `json:"archived_url"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
	Caption      *string `json:"caption,omitempty"`
	BackedUp     bool    `json:"backed_up"`
}

type JobView struct {
	JobID        string               `json:"job_id"`
	State        State                `json:"state"`
	Progress     int                  `json:"progress"`
	Model        Model                `json:"model"`
	OrderID      *string              `json:"order_id,omitempty"`
	PhotoID      *string              `json:"photo_id,omitempty"`
	Error        *string              `json:"error,omitempty"`
	Asset        *AssetView           `json:"asset,omitempty"`
	Cost         balancedomain.Money  `json:"cost"`
	Charged      bool                 `json:"charged"`
	BalanceAfter *balancedomain.Money `json:"balance_after,omitempty"`
	PollAttempts int                  `json:"poll_attempts"`
	CreatedAt    time.Time            `json:"created_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

// View renders the caller-facing projection of a stored job.
func (j *Job) View() *JobView {
	v := &JobView{
		JobID:        j.JobID,
		State:        j.State,
		Progress:     j.Progress,
		Model:        j.Model,
		OrderID:      j.OrderID,
		PhotoID:      j.PhotoID,
		Error:        j.ErrorMessage,
		Cost:         j.CostCents,
		Charged:      j.Charged,
		BalanceAfter: j.BalanceAfterCents,
		PollAttempts: j.PollAttempts,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
	if j.ProviderURL != nil || j.ArchivedURL != nil {
		asset := &AssetView{
			ArchivedURL: j.ArchivedURL,
			Caption:     j.Caption,
			BackedUp:    j.BackedUp,
		}
		if j.ProviderURL != nil {
			asset.ProviderURL = *j.ProviderURL
		}
		if j.ThumbnailURL != nil {
			asset.ThumbnailURL = *j.ThumbnailURL
		}
		v.Asset = asset
	}
	return v
}
