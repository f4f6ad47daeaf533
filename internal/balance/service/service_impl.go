package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/slabworks/internal/balance/domain"
	"github.com/smallbiznis/slabworks/internal/clock"
	"github.com/smallbiznis/slabworks/internal/config"
	obslogger "github.com/smallbiznis/slabworks/internal/observability/logger"
	"github.com/smallbiznis/slabworks/internal/observability/metrics"
	"github.com/smallbiznis/slabworks/internal/pricing"
	"github.com/smallbiznis/slabworks/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxCASAttempts bounds retries when concurrent debits race on one scope.
const maxCASAttempts = 8

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    balancedomain.Repository
	GenID   *snowflake.Node
	Pricing pricing.Source
	Clock   clock.Clock
	Config  config.Config
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     balancedomain.Repository
	genID    *snowflake.Node
	pricing  pricing.Source
	clock    clock.Clock
	currency string
	metrics  *metrics.Metrics
}

func NewService(p Params) balancedomain.Service {
	currency := strings.ToUpper(strings.TrimSpace(p.Config.Currency))
	if currency == "" {
		currency = "USD"
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("balance.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		pricing:  p.Pricing,
		clock:    p.Clock,
		currency: currency,
		metrics:  p.Metrics,
	}
}

func (s *Service) ScopeFor(action balancedomain.Action, tenantID, userID string) (balancedomain.Scope, error) {
	price, err := s.pricing.Current().Lookup(action)
	if err != nil {
		return balancedomain.Scope{}, err
	}
	return scopeFor(price.Scope, tenantID, userID)
}

func (s *Service) CheckAndReserve(ctx context.Context, scope balancedomain.Scope, action balancedomain.Action) (*balancedomain.Reservation, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	table := s.pricing.Current()
	price, err := table.Lookup(action)
	if err != nil {
		return nil, err
	}
	if price.Scope != scope.Type {
		return nil, fmt.Errorf("%w: %s is billed to the %s scope", balancedomain.ErrInvalidScope, price.Action, price.Scope)
	}

	current, err := s.currentAmount(ctx, s.db, scope)
	if err != nil {
		return nil, err
	}

	reservation := &balancedomain.Reservation{
		Allowed:       current >= price.Cost,
		Action:        price.Action,
		Scope:         scope,
		Cost:          price.Cost,
		BalanceBefore: current,
		TableVersion:  table.Version,
	}
	s.metrics.RecordAdmission(ctx, price.Action.String(), string(scope.Type), reservation.Allowed)
	if !reservation.Allowed {
		obslogger.WithContext(ctx, s.log).Info("admission rejected",
			zap.String("scope", scope.String()),
			zap.String("action", price.Action.String()),
			zap.Stringer("cost", price.Cost),
			zap.Stringer("balance", current),
		)
	}
	return reservation, nil
}

func (s *Service) CommitDebit(ctx context.Context, req balancedomain.DebitRequest) (balancedomain.Money, error) {
	return s.debit(ctx, req, false)
}

// Charge prices and debits a synchronous action in one step. Unlike
// CommitDebit it re-checks funds against the row it updates.
func (s *Service) Charge(ctx context.Context, req balancedomain.ChargeRequest) (*balancedomain.ChargeResult, error) {
	table := s.pricing.Current()
	price, err := table.Lookup(req.Action)
	if err != nil {
		return nil, err
	}
	scope, err := scopeFor(price.Scope, req.TenantID, req.UserID)
	if err != nil {
		return nil, err
	}

	// A retried reference returns what was recorded, whatever the balance is now.
	sourceID := strings.TrimSpace(req.ReferenceID)
	if sourceID != "" {
		existing, err := s.repo.FindTransactionBySource(ctx, s.db, scope, balancedomain.SourceCharge, sourceID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &balancedomain.ChargeResult{
				Balance:  existing.BalanceAfterCents,
				Cost:     existing.AmountCents,
				Scope:    scope,
				Action:   price.Action,
				Replayed: true,
			}, nil
		}
	}

	reservation, err := s.CheckAndReserve(ctx, scope, price.Action)
	if err != nil {
		return nil, err
	}
	if !reservation.Allowed {
		return nil, fmt.Errorf("%w: balance %s, cost %s", balancedomain.ErrInsufficientBalance, reservation.BalanceBefore, reservation.Cost)
	}

	if sourceID == "" {
		sourceID = s.genID.Generate().String()
	}
	after, err := s.debit(ctx, balancedomain.DebitRequest{
		Scope:        scope,
		Action:       price.Action,
		Cost:         price.Cost,
		SourceType:   balancedomain.SourceCharge,
		SourceID:     sourceID,
		TableVersion: table.Version,
	}, true)
	if err != nil {
		return nil, err
	}

	return &balancedomain.ChargeResult{
		Balance: after,
		Cost:    price.Cost,
		Scope:   scope,
		Action:  price.Action,
	}, nil
}

func (s *Service) Credit(ctx context.Context, req balancedomain.CreditRequest) (balancedomain.Money, error) {
	if err := validateScope(req.Scope); err != nil {
		return 0, err
	}
	if req.Amount <= 0 {
		return 0, balancedomain.ErrInvalidAmount
	}
	referenceID := strings.TrimSpace(req.ReferenceID)
	if referenceID == "" {
		referenceID = s.genID.Generate().String()
	}

	after, replayed, err := s.mutate(ctx, req.Scope, balancedomain.SourceCredit, referenceID, func(bal *balancedomain.Balance) (*balancedomain.Transaction, error) {
		next := bal.AmountCents + req.Amount
		return &balancedomain.Transaction{
			Kind:              balancedomain.KindCredit,
			AmountCents:       req.Amount,
			BalanceAfterCents: next,
		}, nil
	})
	if err != nil {
		return 0, err
	}
	if !replayed {
		s.metrics.RecordCredit(ctx, string(req.Scope.Type))
	}
	return after, nil
}

func (s *Service) Get(ctx context.Context, scope balancedomain.Scope) (*balancedomain.BalanceView, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	bal, err := s.repo.FindBalance(ctx, s.db, scope)
	if err != nil {
		return nil, err
	}
	view := &balancedomain.BalanceView{Scope: scope, Currency: s.currency}
	if bal != nil {
		view.Balance = bal.AmountCents
		view.Currency = bal.Currency
	}
	return view, nil
}

func (s *Service) debit(ctx context.Context, req balancedomain.DebitRequest, requireFunds bool) (balancedomain.Money, error) {
	if err := validateScope(req.Scope); err != nil {
		return 0, err
	}
	if req.Cost < 0 {
		return 0, balancedomain.ErrInvalidAmount
	}
	if strings.TrimSpace(req.SourceType) == "" || strings.TrimSpace(req.SourceID) == "" {
		return 0, balancedomain.ErrInvalidSource
	}

	after, replayed, err := s.mutate(ctx, req.Scope, req.SourceType, req.SourceID, func(bal *balancedomain.Balance) (*balancedomain.Transaction, error) {
		if requireFunds && bal.AmountCents < req.Cost {
			return nil, fmt.Errorf("%w: balance %s, cost %s", balancedomain.ErrInsufficientBalance, bal.AmountCents, req.Cost)
		}
		next := bal.AmountCents.SubClamped(req.Cost)
		return &balancedomain.Transaction{
			Kind:              balancedomain.KindDebit,
			Action:            req.Action.String(),
			AmountCents:       bal.AmountCents - next,
			BalanceAfterCents: next,
			CostTableVersion:  req.TableVersion,
		}, nil
	})
	if err != nil {
		return 0, err
	}
	if replayed {
		return after, nil
	}

	s.metrics.RecordDebit(ctx, req.Action.String(), req.SourceType, req.Cost.Int64())
	obslogger.WithContext(ctx, s.log).Info("balance debited",
		zap.String("scope", req.Scope.String()),
		zap.String("source_type", req.SourceType),
		zap.String("source_id", req.SourceID),
		zap.Stringer("cost", req.Cost),
		zap.Stringer("balance_after", after),
	)
	return after, nil
}

// mutate applies one ledger movement with compare-and-swap on the balance
// version. A movement already recorded for (scope, source) is returned with
// replayed set.
func (s *Service) mutate(
	ctx context.Context,
	scope balancedomain.Scope,
	sourceType, sourceID string,
	apply func(bal *balancedomain.Balance) (*balancedomain.Transaction, error),
) (balancedomain.Money, bool, error) {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		var (
			after    balancedomain.Money
			replayed bool
		)
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			existing, err := s.repo.FindTransactionBySource(ctx, tx, scope, sourceType, sourceID)
			if err != nil {
				return err
			}
			if existing != nil {
				after = existing.BalanceAfterCents
				replayed = true
				return nil
			}

			bal, err := s.ensureBalance(ctx, tx, scope)
			if err != nil {
				return err
			}
			entry, err := apply(bal)
			if err != nil {
				return err
			}

			now := s.clock.Now()
			swapped, err := s.repo.CompareAndSwap(ctx, tx, bal.ID, bal.Version, entry.BalanceAfterCents, now)
			if err != nil {
				return err
			}
			if !swapped {
				return balancedomain.ErrConcurrentUpdate
			}

			entry.ID = s.genID.Generate()
			entry.BalanceID = bal.ID
			entry.ScopeType = scope.Type
			entry.ScopeID = scope.ID
			entry.SourceType = sourceType
			entry.SourceID = sourceID
			entry.CreatedAt = now
			inserted, err := s.repo.InsertTransaction(ctx, tx, entry)
			if err != nil {
				return err
			}
			if !inserted {
				return balancedomain.ErrConcurrentUpdate
			}
			after = entry.BalanceAfterCents
			return nil
		})
		if err == nil {
			return after, replayed, nil
		}
		if errors.Is(err, balancedomain.ErrConcurrentUpdate) || db.IsSerializationFailure(err) {
			s.log.Debug("balance update contended, retrying",
				zap.String("scope", scope.String()),
				zap.Int("attempt", attempt),
			)
			continue
		}
		return 0, false, err
	}
	return 0, false, balancedomain.ErrConcurrentUpdate
}

func (s *Service) ensureBalance(ctx context.Context, tx *gorm.DB, scope balancedomain.Scope) (*balancedomain.Balance, error) {
	bal, err := s.repo.FindBalance(ctx, tx, scope)
	if err != nil || bal != nil {
		return bal, err
	}

	now := s.clock.Now()
	if _, err := s.repo.InsertBalance(ctx, tx, &balancedomain.Balance{
		ID:        s.genID.Generate(),
		ScopeType: scope.Type,
		ScopeID:   scope.ID,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}

	bal, err = s.repo.FindBalance(ctx, tx, scope)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, balancedomain.ErrConcurrentUpdate
	}
	return bal, nil
}

func (s *Service) currentAmount(ctx context.Context, conn *gorm.DB, scope balancedomain.Scope) (balancedomain.Money, error) {
	bal, err := s.repo.FindBalance(ctx, conn, scope)
	if err != nil {
		return 0, err
	}
	if bal == nil {
		return 0, nil
	}
	return bal.AmountCents, nil
}

func scopeFor(scopeType balancedomain.ScopeType, tenantID, userID string) (balancedomain.Scope, error) {
	switch scopeType {
	case balancedomain.ScopeTenant:
		scope := balancedomain.Scope{Type: balancedomain.ScopeTenant, ID: strings.TrimSpace(tenantID)}
		return scope, validateScope(scope)
	case balancedomain.ScopeUser:
		scope := balancedomain.Scope{Type: balancedomain.ScopeUser, ID: strings.TrimSpace(userID)}
		return scope, validateScope(scope)
	default:
		return balancedomain.Scope{}, balancedomain.ErrInvalidScope
	}
}

func validateScope(scope balancedomain.Scope) error {
	if !scope.Type.Valid() || strings.TrimSpace(scope.ID) == "" {
		return balancedomain.ErrInvalidScope
	}
	return nil
}
