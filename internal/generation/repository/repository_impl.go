package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"gorm.io/gorm"
)

const nonTerminal = `state IN ('submitted', 'in_progress')`

type repo struct{}

func Provide() generationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *generationdomain.Job) error {
	return db.WithContext(ctx).Create(job).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter generationdomain.ListFilter) ([]*generationdomain.Job, error) {
	var jobs []*generationdomain.Job
	stmt := db.WithContext(ctx).Model(&generationdomain.Job{}).
		Where("tenant_id = ?", filter.TenantID)

	if filter.State != "" {
		stmt = stmt.Where("state = ?", filter.State)
	}
	if orderID := strings.TrimSpace(filter.OrderID); orderID != "" {
		stmt = stmt.Where("order_id = ?", orderID)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) FindByJobID(ctx context.Context, db *gorm.DB, jobID string) (*generationdomain.Job, error) {
	var job generationdomain.Job
	err := db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string, since time.Time) (*generationdomain.Job, error) {
	var job generationdomain.Job
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND idempotency_key = ? AND created_at >= ?", tenantID, key, since).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) ReleaseIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID, key string, before time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET idempotency_key = NULL
		 WHERE tenant_id = ? AND idempotency_key = ? AND created_at < ?`,
		tenantID,
		key,
		before,
	).Error
}

func (r *repo) RecordPoll(ctx context.Context, db *gorm.DB, id snowflake.ID, progress int, now time.Time) (*generationdomain.Job, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET state = ?,
		     progress = CASE WHEN progress > ? THEN progress ELSE ? END,
		     poll_attempts = poll_attempts + 1,
		     last_polled_at = ?,
		     updated_at = ?
		 WHERE id = ? AND `+nonTerminal,
		generationdomain.StateInProgress,
		progress,
		progress,
		now,
		now,
		id,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	return r.findByID(ctx, db, id)
}

func (r *repo) RecordPollFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (*generationdomain.Job, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET poll_attempts = poll_attempts + 1, last_polled_at = ?, updated_at = ?
		 WHERE id = ? AND `+nonTerminal,
		now,
		now,
		id,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	return r.findByID(ctx, db, id)
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) (bool, error) {
	return r.terminate(ctx, db, id, generationdomain.StateFailed, message, now)
}

func (r *repo) MarkTimedOut(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) (bool, error) {
	return r.terminate(ctx, db, id, generationdomain.StateTimedOut, message, now)
}

func (r *repo) terminate(ctx context.Context, db *gorm.DB, id snowflake.ID, state generationdomain.State, message string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET state = ?, error_message = ?, completed_at = ?, updated_at = ?, claim_token = NULL, claimed_at = NULL
		 WHERE id = ? AND `+nonTerminal,
		state,
		message,
		now,
		now,
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ClaimFinalization(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, now, staleBefore time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET claim_token = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND `+nonTerminal+`
		   AND (claim_token IS NULL OR claimed_at < ?)`,
		token,
		now,
		now,
		id,
		staleBefore,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ReleaseClaim(ctx context.Context, db *gorm.DB, id snowflake.ID, token string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET claim_token = NULL, claimed_at = NULL
		 WHERE id = ? AND claim_token = ?`,
		id,
		token,
	).Error
}

func (r *repo) RenewClaim(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET claimed_at = ?, updated_at = ?
		 WHERE id = ? AND claim_token = ? AND `+nonTerminal,
		now,
		now,
		id,
		token,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SaveAsset(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, resultID string, asset generationdomain.ProviderAsset, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET result_id = ?, provider_url = ?, thumbnail_url = ?, caption = ?, updated_at = ?
		 WHERE id = ? AND claim_token = ? AND `+nonTerminal,
		resultID,
		asset.ProviderURL,
		nullable(asset.ThumbnailURL),
		nullable(asset.Caption),
		now,
		id,
		token,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) BeginArchive(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET archive_attempted = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND claim_token = ? AND archive_attempted = ? AND `+nonTerminal,
		true,
		now,
		now,
		id,
		token,
		false,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RecordArchive(ctx context.Context, db *gorm.DB, id snowflake.ID, archivedURL *string, now time.Time) (bool, error) {
	if archivedURL == nil {
		return false, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET backed_up = ?, archived_url = ?, updated_at = ?
		 WHERE id = ? AND archive_attempted = ? AND archived_url IS NULL`,
		true,
		*archivedURL,
		now,
		id,
		true,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkSucceeded(ctx context.Context, db *gorm.DB, id snowflake.ID, token string, balanceAfter balancedomain.Money, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs
		 SET state = ?, progress = 100, charged = ?, balance_after_cents = ?,
		     completed_at = ?, updated_at = ?, claim_token = NULL, claimed_at = NULL
		 WHERE id = ? AND claim_token = ? AND `+nonTerminal,
		generationdomain.StateSucceeded,
		true,
		balanceAfter,
		now,
		now,
		id,
		token,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) findByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.Job, error) {
	var job generationdomain.Job
	err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
