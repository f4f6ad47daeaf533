package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"gorm.io/gorm"
)

// JobCursor is the keyset position of a list page.
type JobCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	TenantID string
	State    State
	OrderID  string
	Cursor   *JobCursor
	Limit    int
}

// Repository persists jobs. Every state-changing update is conditional on the
// job still being non-terminal and reports whether a row changed.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *Job) error
	FindByJobID(ctx context.Context, db *gorm.DB, jobID string) (*Job, error)
	// List fetches up to Limit+1 rows so callers can tell whether more exist.
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Job, error)
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string, since time.Time) (*Job, error)
	// ReleaseIdempotencyKey detaches key from jobs created before the window.
	ReleaseIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string, before time.Time) error

	RecordPoll(ctx context.Context, db *gorm.DB, id snowflake.ID, progress int, now time.Time) (*Job, error)
	RecordPollFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (*Job, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) (bool, error)
	MarkTimedOut(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) (bool, error)

	// ClaimFinalization takes the single-writer finalization claim. Claims
	// older than staleBefore are considered abandoned and may be taken over.
	ClaimFinalization(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, now, staleBefore time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, db *gorm.DB, id snowflake.ID, token string) error
	// RenewClaim extends a held claim. False means the claim was taken over.
	RenewClaim(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, now time.Time) (bool, error)
	SaveAsset(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, resultID string, asset ProviderAsset, now time.Time) (bool, error)
	// BeginArchive flips archive_attempted under the claim. Only the caller
	// that flips it may run the archiver.
	BeginArchive(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, now time.Time) (bool, error)
	// RecordArchive stores the outcome of the attempt BeginArchive granted. It
	// does not need the claim, and archivedURL never replaces a stored one.
	RecordArchive(ctx context.Context, db *gorm.DB, id snowflake.ID, archivedURL *string, now time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, balanceAfter balancedomain.Money, now time.Time) (bool, error)
}
