package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	balancerepository "github.com/smallbiznis/slabworks/internal/balance/repository"
	balanceservice "github.com/smallbiznis/slabworks/internal/balance/service"
	"github.com/smallbiznis/slabworks/internal/clock"
	"github.com/smallbiznis/slabworks/internal/config"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"github.com/smallbiznis/slabworks/internal/generation/repository"
	"github.com/smallbiznis/slabworks/internal/pricing"
	"github.com/smallbiznis/slabworks/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tenantScope = balancedomain.Scope{Type: balancedomain.ScopeTenant, ID: "acme"}

func TestStartRejectsInsufficientBalance(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Start(context.Background(), fastRequest())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, balancedomain.ErrInsufficientBalance)

	h.provider.AssertNotCalled(t, "StartJob", mock.Anything, mock.Anything)
	assert.Equal(t, balancedomain.Money(0), h.balance(t))
	assert.Zero(t, h.jobCount(t))
}

func TestStartValidatesBeforeAnySideEffect(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	ctx := context.Background()

	_, err := h.svc.Start(ctx, generationdomain.StartRequest{TenantID: "acme", Model: generationdomain.ModelFast})
	assert.ErrorIs(t, err, generationdomain.ErrInvalidInput)

	req := fastRequest()
	req.Model = "ultra"
	_, err = h.svc.Start(ctx, req)
	assert.ErrorIs(t, err, generationdomain.ErrInvalidModel)

	req = fastRequest()
	req.TenantID = " "
	_, err = h.svc.Start(ctx, req)
	assert.ErrorIs(t, err, generationdomain.ErrInvalidTenant)

	h.provider.AssertNotCalled(t, "StartJob", mock.Anything, mock.Anything)
	assert.Zero(t, h.jobCount(t))
}

func TestStartPersistsSubmittedJobWithFixedCost(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	h.provider.On("StartJob", mock.Anything, mock.MatchedBy(func(req generationdomain.StartJobRequest) bool {
		return req.Model == generationdomain.ModelQuality && req.Tags["order_id"] == "o-1"
	})).Return("op_1", nil).Once()

	req := fastRequest()
	req.Model = generationdomain.ModelQuality
	req.OrderID = "o-1"
	res, err := h.svc.Start(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "op_1", res.JobID)
	assert.Equal(t, generationdomain.StateSubmitted, res.State)
	assert.Equal(t, 5*time.Minute, res.EstimatedTime)

	job := h.job(t, "op_1")
	assert.Equal(t, balancedomain.Money(126), job.CostCents)
	assert.Equal(t, "2026-01-default", job.CostTableVersion)
	assert.Equal(t, tenantScope, job.Scope())
	assert.Equal(t, balancedomain.Money(1000), h.balance(t), "start does not debit")
}

func TestStartWithoutIdempotencyKeyCreatesNewJobs(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	h.provider.On("StartJob", mock.Anything, mock.Anything).Return("op_1", nil).Once()
	h.provider.On("StartJob", mock.Anything, mock.Anything).Return("op_2", nil).Once()

	first, err := h.svc.Start(context.Background(), fastRequest())
	require.NoError(t, err)
	second, err := h.svc.Start(context.Background(), fastRequest())
	require.NoError(t, err)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, int64(2), h.jobCount(t))
}

func TestStartIdempotencyKeyReturnsExistingJob(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	h.provider.On("StartJob", mock.Anything, mock.Anything).Return("op_1", nil).Once()

	req := fastRequest()
	req.IdempotencyKey = "upload-7"
	first, err := h.svc.Start(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := h.svc.Start(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.JobID, second.JobID)

	h.provider.AssertNumberOfCalls(t, "StartJob", 1)

	h.clock.Advance(25 * time.Hour)
	h.provider.On("StartJob", mock.Anything, mock.Anything).Return("op_2", nil).Once()
	third, err := h.svc.Start(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.Replayed)
	assert.Equal(t, "op_2", third.JobID)
	assert.Nil(t, h.job(t, "op_1").IdempotencyKey)
}

func TestListPagesNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1000)
	for i := 1; i <= 3; i++ {
		h.provider.On("StartJob", mock.Anything, mock.Anything).Return(fmt.Sprintf("op_%d", i), nil).Once()
		_, err := h.svc.Start(context.Background(), fastRequest())
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}

	ctx := context.Background()
	req := generationdomain.ListJobsRequest{TenantID: "acme"}
	req.PageSize = 2
	page, err := h.svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Jobs, 2)
	assert.Equal(t, "op_3", page.Jobs[0].JobID)
	assert.Equal(t, "op_2", page.Jobs[1].JobID)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	req.PageToken = page.NextPageToken
	page, err = h.svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "op_1", page.Jobs[0].JobID)
	assert.False(t, page.HasMore)

	other, err := h.svc.List(ctx, generationdomain.ListJobsRequest{TenantID: "globex"})
	require.NoError(t, err)
	assert.Empty(t, other.Jobs)
}

func TestListRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := generationdomain.ListJobsRequest{TenantID: "acme"}
	req.PageToken = "not-a-token"
	_, err := h.svc.List(ctx, req)
	assert.ErrorIs(t, err, generationdomain.ErrInvalidPageToken)

	_, err = h.svc.List(ctx, generationdomain.ListJobsRequest{TenantID: "acme", State: "archived"})
	assert.ErrorIs(t, err, generationdomain.ErrInvalidState)

	_, err = h.svc.List(ctx, generationdomain.ListJobsRequest{})
	assert.ErrorIs(t, err, generationdomain.ErrInvalidTenant)
}

func TestResolveBeforeCompletionIsInProgress(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)
	h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Progress: 35}, nil).Once()

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateInProgress, view.State)
	assert.Equal(t, 35, view.Progress)
	assert.Less(t, view.Progress, 100)
	assert.Equal(t, 1, view.PollAttempts)
}

func TestResolveProgressNeverDecreases(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)
	for _, p := range []int{20, 60, 40, 150} {
		h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Progress: p}, nil).Once()
	}

	var seen []int
	for i := 0; i < 4; i++ {
		view, err := h.svc.Resolve(context.Background(), "acme", jobID)
		require.NoError(t, err)
		seen = append(seen, view.Progress)
	}
	assert.Equal(t, []int{20, 60, 60, 100}, seen)
}

func TestResolveSuccessArchivesAndDebitsOnce(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)
	h.completeWith(jobID, "w_1")

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateSucceeded, view.State)
	assert.Equal(t, 100, view.Progress)
	require.NotNil(t, view.Asset)
	require.NotNil(t, view.Asset.ArchivedURL)
	assert.Equal(t, "https://storage.test/acme/op_1", *view.Asset.ArchivedURL)
	assert.Equal(t, "https://provider.test/w_1.spz", view.Asset.ProviderURL)
	assert.True(t, view.Asset.BackedUp)
	assert.True(t, view.Charged)
	require.NotNil(t, view.BalanceAfter)
	assert.Equal(t, balancedomain.Money(60), *view.BalanceAfter)
	assert.Equal(t, balancedomain.Money(60), h.balance(t))

	again, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, view, again)

	h.provider.AssertNumberOfCalls(t, "PollJob", 1)
	h.provider.AssertNumberOfCalls(t, "FetchResult", 1)
	assert.Equal(t, 1, h.archiver.calls())
	assert.Equal(t, int64(1), h.debitCount(t))
}

func TestResolveArchiveFailureStillSucceeds(t *testing.T) {
	h := newHarness(t)
	h.archiver.err = errors.New("bucket unavailable")
	jobID := h.startFast(t)
	h.completeWith(jobID, "w_1")

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateSucceeded, view.State)
	require.NotNil(t, view.Asset)
	assert.Nil(t, view.Asset.ArchivedURL)
	assert.False(t, view.Asset.BackedUp)
	assert.Equal(t, "https://provider.test/w_1.spz", view.Asset.ProviderURL)
	assert.Equal(t, balancedomain.Money(60), h.balance(t))

	job := h.job(t, jobID)
	assert.True(t, job.ArchiveAttempted)
}

func TestResolveProviderErrorFailsWithoutDebit(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)
	h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Done: true, Error: "model overload"}, nil).Once()

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateFailed, view.State)
	require.NotNil(t, view.Error)
	assert.Equal(t, "model overload", *view.Error)
	assert.False(t, view.Charged)
	assert.Equal(t, balancedomain.Money(100), h.balance(t))
	assert.Zero(t, h.debitCount(t))

	_, err = h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	h.provider.AssertNumberOfCalls(t, "PollJob", 1)
}

func TestResolveTimesOutAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)
	h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Progress: 10}, nil)

	var last *generationdomain.JobView
	for i := 0; i < 120; i++ {
		view, err := h.svc.Resolve(context.Background(), "acme", jobID)
		require.NoError(t, err)
		last = view
	}
	assert.Equal(t, generationdomain.StateTimedOut, last.State)
	assert.Equal(t, 120, last.PollAttempts)

	again, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, last, again)
	h.provider.AssertNumberOfCalls(t, "PollJob", 120)
	assert.Equal(t, balancedomain.Money(100), h.balance(t))
}

func TestResolveTimesOutAfterJobTimeout(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)
	h.clock.Advance(16 * time.Minute)

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateTimedOut, view.State)
	h.provider.AssertNotCalled(t, "PollJob", mock.Anything, mock.Anything)
}

func TestResolvePollErrorIsTransient(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)
	h.provider.On("PollJob", mock.Anything, jobID).Return(nil, errors.New("connection reset")).Once()
	h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Progress: 50}, nil).Once()

	_, err := h.svc.Resolve(context.Background(), "acme", jobID)
	assert.ErrorIs(t, err, generationdomain.ErrProviderUnavailable)
	assert.Equal(t, 1, h.job(t, jobID).PollAttempts)

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateInProgress, view.State)
	assert.Equal(t, 2, view.PollAttempts)
}

func TestResolveExpiredResultFails(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)
	h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Done: true, ResultID: "w_1"}, nil).Once()
	h.provider.On("FetchResult", mock.Anything, "w_1").Return(nil, generationdomain.ErrResultNotFound).Once()

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateFailed, view.State)
	assert.Zero(t, h.debitCount(t))
	assert.Zero(t, h.archiver.calls())
}

func TestResolveUnknownOrForeignJob(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)

	_, err := h.svc.Resolve(context.Background(), "acme", "op_missing")
	assert.ErrorIs(t, err, generationdomain.ErrJobNotFound)

	_, err = h.svc.Resolve(context.Background(), "globex", jobID)
	assert.ErrorIs(t, err, generationdomain.ErrJobNotFound)

	_, err = h.svc.Resolve(context.Background(), "acme", "")
	assert.ErrorIs(t, err, generationdomain.ErrInvalidJobID)
	h.provider.AssertNotCalled(t, "PollJob", mock.Anything, mock.Anything)
}

func TestResolveLockHeldReturnsCurrentView(t *testing.T) {
	h := newHarness(t)
	jobID := h.startFast(t)

	token, ok, err := h.locker.TryLock(context.Background(), lockKeyPrefix+jobID)
	require.NoError(t, err)
	require.True(t, ok)
	defer h.locker.Release(context.Background(), lockKeyPrefix+jobID, token)

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateSubmitted, view.State)
	h.provider.AssertNotCalled(t, "PollJob", mock.Anything, mock.Anything)
}

func TestStaleClaimTakeoverDoesNotArchiveTwice(t *testing.T) {
	h := newHarness(t)
	// The job lock is granted to everyone so the finalization claim is the only guard.
	h.rebuild(t, grantingLocker{})
	jobID := h.startFast(t)
	h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Done: true, ResultID: "w_1"}, nil)
	h.provider.On("FetchResult", mock.Anything, "w_1").Return(&generationdomain.ProviderAsset{
		ProviderURL: "https://provider.test/w_1.spz",
	}, nil)

	var takeover *generationdomain.JobView
	h.archiver.during = func() {
		// The first finalizer stalls past the claim TTL and a second resolver takes over.
		h.clock.Advance(2 * time.Minute)
		view, err := h.svc.Resolve(context.Background(), "acme", jobID)
		require.NoError(t, err)
		takeover = view
	}

	first, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	require.NotNil(t, takeover)
	assert.Equal(t, generationdomain.StateSucceeded, takeover.State)
	assert.Equal(t, generationdomain.StateSucceeded, first.State)

	assert.Equal(t, 1, h.archiver.calls())
	assert.Equal(t, int64(1), h.debitCount(t))
	assert.Equal(t, balancedomain.Money(60), h.balance(t))

	job := h.job(t, jobID)
	assert.True(t, job.ArchiveAttempted)
	require.NotNil(t, job.ArchivedURL)
	assert.Equal(t, "https://storage.test/acme/op_1", *job.ArchivedURL)
	assert.Nil(t, job.ClaimToken)
}

func TestNewServiceRejectsClaimTTLShorterThanFinalization(t *testing.T) {
	h := newHarness(t)
	h.cfg.Generation.LockTTL = 5 * time.Second

	_, err := NewService(h.params(h.locker))
	assert.ErrorIs(t, err, generationdomain.ErrConfiguration)

	h.cfg.Generation.LockTTL = 12 * time.Second
	_, err = NewService(h.params(h.locker))
	assert.NoError(t, err)
}

func TestConcurrentResolveDebitsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	// Every resolver gets the lock so only the finalization claim serializes them.
	h.rebuild(t, grantingLocker{})
	jobID := h.startFast(t)
	h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Done: true, ResultID: "w_1"}, nil)
	h.provider.On("FetchResult", mock.Anything, "w_1").Return(&generationdomain.ProviderAsset{
		ProviderURL: "https://provider.test/w_1.spz",
	}, nil)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Resolve(context.Background(), "acme", jobID)
		}()
	}
	wg.Wait()

	view, err := h.svc.Resolve(context.Background(), "acme", jobID)
	require.NoError(t, err)
	assert.Equal(t, generationdomain.StateSucceeded, view.State)
	assert.Equal(t, int64(1), h.debitCount(t))
	assert.Equal(t, 1, h.archiver.calls())
	assert.Equal(t, balancedomain.Money(60), h.balance(t))
}

type harness struct {
	svc      generationdomain.Service
	db       *gorm.DB
	provider *mockProvider
	archiver *fakeArchiver
	locker   generationdomain.Locker
	balances balancedomain.Service
	clock    *clock.FakeClock
	node     *snowflake.Node
	cfg      config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := openTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	table, err := pricing.Build(pricing.DefaultTableConfig())
	require.NoError(t, err)

	cfg := config.Config{
		Currency: "USD",
		WorldGen: config.WorldGenConfig{RequestTimeout: time.Second},
		Storage:  config.StorageConfig{Timeout: 10 * time.Second},
		Generation: config.GenerationConfig{
			MaxPollAttempts:   120,
			JobTimeout:        15 * time.Minute,
			FastEstimate:      45 * time.Second,
			QualityEstimate:   5 * time.Minute,
			IdempotencyWindow: 24 * time.Hour,
			LockTTL:           time.Minute,
		},
	}
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	h := &harness{
		db:       db,
		provider: &mockProvider{},
		archiver: &fakeArchiver{},
		clock:    fc,
		node:     node,
		cfg:      cfg,
	}
	h.balances = balanceservice.NewService(balanceservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		Repo:    balancerepository.Provide(),
		GenID:   node,
		Pricing: pricing.NewStaticHolder(table),
		Clock:   fc,
		Config:  cfg,
	})
	h.rebuild(t, ratelimit.NewJobLocker(nil, cfg))
	return h
}

func (h *harness) rebuild(t *testing.T, locker generationdomain.Locker) {
	t.Helper()
	h.locker = locker
	svc, err := NewService(h.params(locker))
	require.NoError(t, err)
	h.svc = svc
}

func (h *harness) params(locker generationdomain.Locker) Params {
	return Params{
		DB:       h.db,
		Log:      zap.NewNop(),
		Repo:     repository.Provide(),
		Provider: h.provider,
		Archiver: h.archiver,
		Locker:   locker,
		Balance:  h.balances,
		GenID:    h.node,
		Clock:    h.clock,
		Config:   h.cfg,
	}
}

func (h *harness) fund(t *testing.T, cents balancedomain.Money) {
	t.Helper()
	_, err := h.balances.Credit(context.Background(), balancedomain.CreditRequest{Scope: tenantScope, Amount: cents})
	require.NoError(t, err)
}

func (h *harness) startFast(t *testing.T) string {
	t.Helper()
	h.fund(t, 100)
	h.provider.On("StartJob", mock.Anything, mock.Anything).Return("op_1", nil).Once()
	res, err := h.svc.Start(context.Background(), fastRequest())
	require.NoError(t, err)
	return res.JobID
}

func (h *harness) completeWith(jobID, resultID string) {
	h.provider.On("PollJob", mock.Anything, jobID).Return(&generationdomain.PollResult{Done: true, Progress: 100, ResultID: resultID}, nil).Once()
	h.provider.On("FetchResult", mock.Anything, resultID).Return(&generationdomain.ProviderAsset{
		ProviderURL:  "https://provider.test/" + resultID + ".spz",
		ThumbnailURL: "https://provider.test/" + resultID + ".jpg",
	}, nil).Once()
}

func (h *harness) balance(t *testing.T) balancedomain.Money {
	t.Helper()
	view, err := h.balances.Get(context.Background(), tenantScope)
	require.NoError(t, err)
	return view.Balance
}

func (h *harness) job(t *testing.T, jobID string) *generationdomain.Job {
	t.Helper()
	job, err := repository.Provide().FindByJobID(context.Background(), h.db, jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (h *harness) jobCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&generationdomain.Job{}).Count(&n).Error)
	return n
}

func (h *harness) debitCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&balancedomain.Transaction{}).
		Where("kind = ? AND source_type = ?", balancedomain.KindDebit, balancedomain.SourceGenerationJob).
		Count(&n).Error)
	return n
}

func fastRequest() generationdomain.StartRequest {
	return generationdomain.StartRequest{
		TenantID: "acme",
		UserID:   "u1",
		Image:    generationdomain.Image{Data: []byte("jpeg"), MIMEType: "image/jpeg"},
		Model:    generationdomain.ModelFast,
	}
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) StartJob(ctx context.Context, req generationdomain.StartJobRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) PollJob(ctx context.Context, jobID string) (*generationdomain.PollResult, error) {
	args := m.Called(ctx, jobID)
	res, _ := args.Get(0).(*generationdomain.PollResult)
	return res, args.Error(1)
}

func (m *mockProvider) FetchResult(ctx context.Context, resultID string) (*generationdomain.ProviderAsset, error) {
	args := m.Called(ctx, resultID)
	res, _ := args.Get(0).(*generationdomain.ProviderAsset)
	return res, args.Error(1)
}

type fakeArchiver struct {
	mu  sync.Mutex
	n   int
	err error
	// during runs once, on the first call, before the upload completes.
	during func()
}

func (a *fakeArchiver) Archive(ctx context.Context, req generationdomain.ArchiveRequest) (*generationdomain.ArchiveResult, error) {
	a.mu.Lock()
	a.n++
	during := a.during
	a.during = nil
	a.mu.Unlock()
	if during != nil {
		during()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &generationdomain.ArchiveResult{URL: "https://storage.test/" + req.TenantID + "/" + req.JobID, Bytes: 4}, nil
}

func (a *fakeArchiver) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

type grantingLocker struct{}

func (grantingLocker) TryLock(context.Context, string) (string, bool, error) { return "t", true, nil }
func (grantingLocker) Release(context.Context, string, string) error       { return nil }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:gen_%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&balancedomain.Balance{}, &balancedomain.Transaction{}, &generationdomain.Job{}))
	return db
}
