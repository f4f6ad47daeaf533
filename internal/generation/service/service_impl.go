package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"github.com/smallbiznis/slabworks/internal/clock"
	"github.com/smallbiznis/slabworks/internal/config"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	obslogger "github.com/smallbiznis/slabworks/internal/observability/logger"
	"github.com/smallbiznis/slabworks/internal/observability/metrics"
	"github.com/smallbiznis/slabworks/internal/pricing"
	"github.com/smallbiznis/slabworks/pkg/db"
	"github.com/smallbiznis/slabworks/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	lockKeyPrefix = "generation:job:"
	maxTagCount   = 32

	defaultPageSize = 20
	maxPageSize     = 100

	// Matches the archiver's own default.
	defaultStorageTimeout = 60 * time.Second
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     generationdomain.Repository
	Provider generationdomain.Provider
	Archiver generationdomain.Archiver
	Locker   generationdomain.Locker
	Balance  balancedomain.Service
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Metrics  *metrics.GenerationMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     generationdomain.Repository
	provider generationdomain.Provider
	archiver generationdomain.Archiver
	locker   generationdomain.Locker
	balance  balancedomain.Service
	genID    *snowflake.Node
	clock    clock.Clock
	metrics  *metrics.GenerationMetrics

	maxPollAttempts   int
	jobTimeout        time.Duration
	providerTimeout   time.Duration
	claimTTL          time.Duration
	idempotencyWindow time.Duration
	estimates         map[generationdomain.Model]time.Duration
}

// NewService rejects a claim TTL that a healthy finalization could outlive:
// one result fetch plus one archive must fit inside it.
func NewService(p Params) (generationdomain.Service, error) {
	gen := p.Config.Generation
	maxAttempts := gen.MaxPollAttempts
	if maxAttempts <= 0 {
		maxAttempts = 120
	}
	providerTimeout := p.Config.WorldGen.RequestTimeout
	if providerTimeout <= 0 {
		providerTimeout = 30 * time.Second
	}
	claimTTL := gen.LockTTL
	if claimTTL <= 0 {
		claimTTL = 2 * time.Minute
	}
	storageTimeout := p.Config.Storage.Timeout
	if storageTimeout <= 0 {
		storageTimeout = defaultStorageTimeout
	}
	if budget := providerTimeout + storageTimeout; claimTTL <= budget {
		return nil, fmt.Errorf("%w: lock ttl %s must exceed provider timeout plus storage timeout (%s)",
			generationdomain.ErrConfiguration, claimTTL, budget)
	}

	return &Service{
		db:       p.DB,
		log:      p.Log.Named("generation.service"),
		repo:     p.Repo,
		provider: p.Provider,
		archiver: p.Archiver,
		locker:   p.Locker,
		balance:  p.Balance,
		genID:    p.GenID,
		clock:    p.Clock,
		metrics:  p.Metrics,

		maxPollAttempts:   maxAttempts,
		jobTimeout:        gen.JobTimeout,
		providerTimeout:   providerTimeout,
		claimTTL:          claimTTL,
		idempotencyWindow: gen.IdempotencyWindow,
		estimates: map[generationdomain.Model]time.Duration{
			generationdomain.ModelFast:    gen.FastEstimate,
			generationdomain.ModelQuality: gen.QualityEstimate,
		},
	}, nil
}

func (s *Service) Start(ctx context.Context, req generationdomain.StartRequest) (*generationdomain.StartResult, error) {
	req, err := normalizeStart(req)
	if err != nil {
		return nil, err
	}
	log := obslogger.WithContext(ctx, s.log)

	if req.IdempotencyKey != "" {
		since := s.clock.Now().Add(-s.idempotencyWindow)
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.TenantID, req.IdempotencyKey, since)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Info("generation start replayed", zap.String("job_id", existing.JobID), zap.String("idempotency_key", req.IdempotencyKey))
			return s.startResult(existing, true), nil
		}
		if err := s.repo.ReleaseIdempotencyKey(ctx, s.db, req.TenantID, req.IdempotencyKey, since); err != nil {
			return nil, err
		}
	}

	action := balancedomain.Action{Code: pricing.ActionWorldGeneration, Model: string(req.Model)}
	scope, err := s.balance.ScopeFor(action, req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}
	reservation, err := s.balance.CheckAndReserve(ctx, scope, action)
	if err != nil {
		return nil, err
	}
	if !reservation.Allowed {
		return nil, fmt.Errorf("%w: %s needs %s, balance %s",
			balancedomain.ErrInsufficientBalance, action, reservation.Cost, reservation.BalanceBefore)
	}

	startCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	jobID, err := s.provider.StartJob(startCtx, generationdomain.StartJobRequest{
		Image:  req.Image,
		Prompt: req.Prompt,
		Model:  req.Model,
		Tags:   jobTags(req),
	})
	cancel()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	job := &generationdomain.Job{
		ID:               s.genID.Generate(),
		JobID:            jobID,
		TenantID:         req.TenantID,
		UserID:           optional(req.UserID),
		OrderID:          optional(req.OrderID),
		PhotoID:          optional(req.PhotoID),
		Model:            req.Model,
		Prompt:           req.Prompt,
		Tags:             datatypes.JSONMap(req.Tags),
		State:            generationdomain.StateSubmitted,
		CostCents:        reservation.Cost,
		CostTableVersion: reservation.TableVersion,
		ScopeType:        scope.Type,
		ScopeID:          scope.ID,
		IdempotencyKey:   optional(req.IdempotencyKey),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, s.db, job); err != nil {
		if req.IdempotencyKey != "" && db.IsDuplicateKeyErr(err) {
			// A concurrent submit with the same key won; the remote job we just
			// created is orphaned and never billed.
			existing, findErr := s.repo.FindByIdempotencyKey(ctx, s.db, req.TenantID, req.IdempotencyKey, time.Time{})
			if findErr == nil && existing != nil {
				log.Warn("generation start lost idempotency race",
					zap.String("job_id", existing.JobID),
					zap.String("orphaned_job_id", jobID),
				)
				return s.startResult(existing, true), nil
			}
		}
		return nil, err
	}

	s.metrics.IncJobStarted(string(job.Model))
	obslogger.WithJob(log, job.TenantID, job.JobID).Info("generation job submitted",
		zap.String("model", string(job.Model)),
		zap.String("cost", job.CostCents.String()),
		zap.String("scope", scope.String()),
	)
	return s.startResult(job, false), nil
}

func (s *Service) Resolve(ctx context.Context, tenantID, jobID string) (*generationdomain.JobView, error) {
	tenantID = strings.TrimSpace(tenantID)
	jobID = strings.TrimSpace(jobID)
	if tenantID == "" {
		return nil, generationdomain.ErrInvalidTenant
	}
	if jobID == "" {
		return nil, generationdomain.ErrInvalidJobID
	}

	job, err := s.load(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return job.View(), nil
	}

	log := obslogger.WithJob(obslogger.WithContext(ctx, s.log), tenantID, jobID)
	key := lockKeyPrefix + jobID
	token, locked, err := s.locker.TryLock(ctx, key)
	switch {
	case err != nil:
		log.Warn("job lock unavailable, continuing under finalization claim", zap.Error(err))
	case !locked:
		s.metrics.IncResolveContention()
		return job.View(), nil
	default:
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
				log.Warn("job lock release failed", zap.Error(err))
			}
		}()
		if job, err = s.load(ctx, tenantID, jobID); err != nil {
			return nil, err
		}
		if job.State.IsTerminal() {
			return job.View(), nil
		}
	}

	return s.advance(ctx, log, job)
}

func (s *Service) List(ctx context.Context, req generationdomain.ListJobsRequest) (*generationdomain.ListJobsResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, generationdomain.ErrInvalidTenant
	}
	state := generationdomain.State(strings.ToLower(strings.TrimSpace(string(req.State))))
	if state != "" && !state.IsTerminal() && state != generationdomain.StateSubmitted && state != generationdomain.StateInProgress {
		return nil, generationdomain.ErrInvalidState
	}

	var cursor *generationdomain.JobCursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, generationdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return nil, generationdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return nil, generationdomain.ErrInvalidPageToken
		}
		cursor = &generationdomain.JobCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	items, err := s.repo.List(ctx, s.db, generationdomain.ListFilter{
		TenantID: tenantID,
		State:    state,
		OrderID:  req.OrderID,
		Cursor:   cursor,
		Limit:    pageSize,
	})
	if err != nil {
		return nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(job *generationdomain.Job) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        job.ID.String(),
			CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	views := make([]*generationdomain.JobView, 0, len(items))
	for _, job := range items {
		views = append(views, job.View())
	}
	return &generationdomain.ListJobsResponse{PageInfo: *pageInfo, Jobs: views}, nil
}

func (s *Service) advance(ctx context.Context, log *zap.Logger, job *generationdomain.Job) (*generationdomain.JobView, error) {
	if reason, expired := s.expired(job); expired {
		return s.timeOut(ctx, log, job, reason)
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	res, pollErr := s.provider.PollJob(pollCtx, job.JobID)
	cancel()

	if pollErr != nil {
		updated, err := s.repo.RecordPollFailure(ctx, s.db, job.ID, s.clock.Now())
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, generationdomain.ErrJobNotFound
		}
		if reason, expired := s.expired(updated); expired {
			return s.timeOut(ctx, log, updated, reason)
		}
		log.Warn("provider poll failed", zap.Int("poll_attempts", updated.PollAttempts), zap.Error(pollErr))
		if errors.Is(pollErr, generationdomain.ErrConfiguration) || errors.Is(pollErr, generationdomain.ErrProviderUnavailable) {
			return nil, pollErr
		}
		return nil, fmt.Errorf("%w: %v", generationdomain.ErrProviderUnavailable, pollErr)
	}

	switch {
	case !res.Done:
		updated, err := s.repo.RecordPoll(ctx, s.db, job.ID, clampProgress(res.Progress), s.clock.Now())
		if err != nil {
			return nil, err
		}
		if updated == nil {
			return nil, generationdomain.ErrJobNotFound
		}
		s.transition(log, job.State, updated.State)
		if reason, expired := s.expired(updated); expired {
			return s.timeOut(ctx, log, updated, reason)
		}
		return updated.View(), nil

	case res.Error != "":
		return s.fail(ctx, log, job, res.Error)

	default:
		return s.finalize(ctx, log, job, res.ResultID)
	}
}

// finalize runs the success path under the durable claim so archive and
// debit happen at most once per job.
func (s *Service) finalize(ctx context.Context, log *zap.Logger, job *generationdomain.Job, resultID string) (*generationdomain.JobView, error) {
	token := uuid.NewString()
	now := s.clock.Now()
	claimed, err := s.repo.ClaimFinalization(ctx, s.db, job.ID, token, now, now.Add(-s.claimTTL))
	if err != nil {
		s.metrics.IncFinalizeError(err)
		return nil, err
	}
	if !claimed {
		s.metrics.IncResolveContention()
		return s.reload(ctx, job)
	}

	release := true
	defer func() {
		if !release {
			return
		}
		if err := s.repo.ReleaseClaim(context.WithoutCancel(ctx), s.db, job.ID, token); err != nil {
			log.Warn("finalization claim release failed", zap.Error(err))
		}
	}()

	// A previous holder may have archived before its claim went stale.
	if job, err = s.load(ctx, job.TenantID, job.JobID); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	asset, err := s.provider.FetchResult(fetchCtx, resultID)
	cancel()
	if err != nil {
		if errors.Is(err, generationdomain.ErrResultNotFound) {
			release = false
			return s.fail(ctx, log, job, "generation result is no longer available")
		}
		log.Warn("provider result fetch failed", zap.String("result_id", resultID), zap.Error(err))
		if errors.Is(err, generationdomain.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", generationdomain.ErrProviderUnavailable, err)
	}

	saved, err := s.repo.SaveAsset(ctx, s.db, job.ID, token, resultID, *asset, s.clock.Now())
	if err != nil {
		s.metrics.IncFinalizeError(err)
		return nil, err
	}
	if !saved {
		return s.lostClaim(ctx, log, job)
	}

	if job.ArchiveAttempted {
		s.metrics.IncArchive(metrics.ArchiveOutcomeSkipped, 0)
	} else {
		begun, err := s.repo.BeginArchive(ctx, s.db, job.ID, token, s.clock.Now())
		if err != nil {
			s.metrics.IncFinalizeError(err)
			return nil, err
		}
		if !begun {
			return s.lostClaim(ctx, log, job)
		}
		// The outcome is recorded even if the claim is lost meanwhile; nobody
		// else will archive this job.
		if archivedURL := s.archive(ctx, job, asset); archivedURL != nil {
			if _, err := s.repo.RecordArchive(context.WithoutCancel(ctx), s.db, job.ID, archivedURL, s.clock.Now()); err != nil {
				s.metrics.IncFinalizeError(err)
				return nil, err
			}
		}
	}

	// Archiving can outlast the claim; the debit only runs while it is held.
	held, err := s.repo.RenewClaim(ctx, s.db, job.ID, token, s.clock.Now())
	if err != nil {
		s.metrics.IncFinalizeError(err)
		return nil, err
	}
	if !held {
		return s.lostClaim(ctx, log, job)
	}

	balanceAfter, err := s.balance.CommitDebit(ctx, balancedomain.DebitRequest{
		Scope:        job.Scope(),
		Action:       balancedomain.Action{Code: pricing.ActionWorldGeneration, Model: string(job.Model)},
		Cost:         job.CostCents,
		SourceType:   balancedomain.SourceGenerationJob,
		SourceID:     job.JobID,
		TableVersion: job.CostTableVersion,
	})
	if err != nil {
		s.metrics.IncFinalizeError(err)
		log.Error("generation debit failed", zap.Error(err))
		return nil, err
	}

	done := s.clock.Now()
	succeeded, err := s.repo.MarkSucceeded(ctx, s.db, job.ID, token, balanceAfter, done)
	if err != nil {
		s.metrics.IncFinalizeError(err)
		return nil, err
	}
	release = false
	if succeeded {
		s.transition(log, job.State, generationdomain.StateSucceeded)
		s.metrics.ObserveJobDuration(string(job.Model), string(generationdomain.StateSucceeded), done.Sub(job.CreatedAt))
		log.Info("generation job succeeded",
			zap.String("cost", job.CostCents.String()),
			zap.String("balance_after", balanceAfter.String()),
		)
	}
	return s.reload(ctx, job)
}

// transition records a state change the repository guards already applied.
func (s *Service) transition(log *zap.Logger, from, to generationdomain.State) {
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		log.Warn("unexpected job state transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	s.metrics.IncTransition(string(from), string(to))
}

// lostClaim stops a finalizer whose claim was taken over after going stale.
func (s *Service) lostClaim(ctx context.Context, log *zap.Logger, job *generationdomain.Job) (*generationdomain.JobView, error) {
	s.metrics.IncResolveContention()
	log.Warn("finalization claim lost, deferring to current holder")
	return s.reload(ctx, job)
}

// archive is best-effort. A nil result means the provider URL stays the only copy.
func (s *Service) archive(ctx context.Context, job *generationdomain.Job, asset *generationdomain.ProviderAsset) *string {
	res, err := s.archiver.Archive(ctx, generationdomain.ArchiveRequest{
		TenantID:    job.TenantID,
		OrderID:     deref(job.OrderID),
		PhotoID:     deref(job.PhotoID),
		JobID:       job.JobID,
		ProviderURL: asset.ProviderURL,
	})
	if err != nil || res == nil || res.URL == "" {
		return nil
	}
	return &res.URL
}

func (s *Service) fail(ctx context.Context, log *zap.Logger, job *generationdomain.Job, message string) (*generationdomain.JobView, error) {
	now := s.clock.Now()
	changed, err := s.repo.MarkFailed(ctx, s.db, job.ID, message, now)
	if err != nil {
		return nil, err
	}
	if changed {
		s.transition(log, job.State, generationdomain.StateFailed)
		s.metrics.ObserveJobDuration(string(job.Model), string(generationdomain.StateFailed), now.Sub(job.CreatedAt))
		log.Info("generation job failed", zap.String("provider_error", message))
	}
	return s.reload(ctx, job)
}

func (s *Service) timeOut(ctx context.Context, log *zap.Logger, job *generationdomain.Job, reason string) (*generationdomain.JobView, error) {
	now := s.clock.Now()
	changed, err := s.repo.MarkTimedOut(ctx, s.db, job.ID, reason, now)
	if err != nil {
		return nil, err
	}
	if changed {
		s.transition(log, job.State, generationdomain.StateTimedOut)
		s.metrics.ObserveJobDuration(string(job.Model), string(generationdomain.StateTimedOut), now.Sub(job.CreatedAt))
		log.Info("generation job timed out", zap.String("reason", reason), zap.Int("poll_attempts", job.PollAttempts))
	}
	return s.reload(ctx, job)
}

func (s *Service) expired(job *generationdomain.Job) (string, bool) {
	if job.PollAttempts >= s.maxPollAttempts {
		return fmt.Sprintf("generation did not complete within %d polls", s.maxPollAttempts), true
	}
	if s.jobTimeout > 0 && s.clock.Now().Sub(job.CreatedAt) > s.jobTimeout {
		return fmt.Sprintf("generation did not complete within %s", s.jobTimeout), true
	}
	return "", false
}

func (s *Service) load(ctx context.Context, tenantID, jobID string) (*generationdomain.Job, error) {
	job, err := s.repo.FindByJobID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.TenantID != tenantID {
		return nil, generationdomain.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) reload(ctx context.Context, job *generationdomain.Job) (*generationdomain.JobView, error) {
	fresh, err := s.load(ctx, job.TenantID, job.JobID)
	if err != nil {
		return nil, err
	}
	return fresh.View(), nil
}

func (s *Service) startResult(job *generationdomain.Job, replayed bool) *generationdomain.StartResult {
	return &generationdomain.StartResult{
		JobID:         job.JobID,
		EstimatedTime: s.estimates[job.Model],
		State:         job.State,
		Replayed:      replayed,
	}
}

func normalizeStart(req generationdomain.StartRequest) (generationdomain.StartRequest, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.UserID = strings.TrimSpace(req.UserID)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.PhotoID = strings.TrimSpace(req.PhotoID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Image.URL = strings.TrimSpace(req.Image.URL)
	req.Model = generationdomain.Model(strings.ToLower(strings.TrimSpace(string(req.Model))))

	if req.TenantID == "" {
		return req, generationdomain.ErrInvalidTenant
	}
	if !req.Model.Valid() {
		return req, fmt.Errorf("%w: %q", generationdomain.ErrInvalidModel, req.Model)
	}
	if req.Image.Empty() && req.Prompt == "" {
		return req, fmt.Errorf("%w: image or prompt is required", generationdomain.ErrInvalidInput)
	}
	if req.PhotoID != "" && req.OrderID == "" {
		return req, fmt.Errorf("%w: photo_id requires order_id", generationdomain.ErrInvalidInput)
	}
	if len(req.Tags) > maxTagCount {
		return req, fmt.Errorf("%w: at most %d tags", generationdomain.ErrInvalidInput, maxTagCount)
	}
	return req, nil
}

func jobTags(req generationdomain.StartRequest) map[string]any {
	tags := make(map[string]any, len(req.Tags)+3)
	for k, v := range req.Tags {
		tags[k] = v
	}
	tags["tenant_id"] = req.TenantID
	if req.OrderID != "" {
		tags["order_id"] = req.OrderID
	}
	if req.PhotoID != "" {
		tags["photo_id"] = req.PhotoID
	}
	return tags
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
