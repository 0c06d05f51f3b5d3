package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/promptgen/internal/errors"
	"github.com/HanTheDev/promptgen/internal/metrics"
	"github.com/HanTheDev/promptgen/internal/models"
)

// Store persists monthly counters. IncrementIfBelow must check and increment
// in one atomic operation: when the current count is at or above limit it
// returns that count with ok=false and writes nothing. A negative limit always
// increments.
type Store interface {
	IncrementIfBelow(ctx context.Context, userID, periodKey string, limit int64) (count int64, ok bool, err error)
	Usage(ctx context.Context, userID, periodKey string) (int64, error)
}

// Grant describes a successful quota acquisition.
type Grant struct {
	PeriodKey string
	Used      int64
	Limit     int64
	ResetDate time.Time
}

type Status struct {
	Plan      models.PlanTier `json:"plan"`
	PeriodKey string          `json:"period"`
	Used      int64           `json:"used"`
	Limit     int64           `json:"limit"`
	Remaining int64           `json:"remaining"`
	ResetDate time.Time       `json:"reset_date"`
}

type Enforcer struct {
	store  Store
	limits Limits
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Enforcer)

func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Enforcer) { e.logger = logger.Named("quota") }
}

func NewEnforcer(store Store, limits Limits, opts ...Option) *Enforcer {
	e := &Enforcer{store: store, limits: limits, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enforcer) Limits() Limits { return e.limits }

// Acquire consumes one generation from the user's monthly allowance. A store
// failure fails the call: usage is never left unmetered.
func (e *Enforcer) Acquire(ctx context.Context, userID string, plan models.PlanTier) (*Grant, error) {
	now := e.now()
	period := PeriodKey(now)
	reset := ResetDate(now)
	limit := e.limits.For(plan)

	count, ok, err := e.store.IncrementIfBelow(ctx, userID, period, limit)
	if err != nil {
		metrics.QuotaDecisionsTotal.WithLabelValues(string(plan), "error").Inc()
		e.logger.Error("quota store failed",
			zap.String("user_id", userID),
			zap.String("period", period),
			zap.Error(err))
		var se *errors.StorageError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, errors.NewStorage("quota increment", err)
	}

	if !ok {
		metrics.QuotaDecisionsTotal.WithLabelValues(string(plan), "denied").Inc()
		e.logger.Debug("quota exceeded",
			zap.String("user_id", userID),
			zap.Int64("limit", limit),
			zap.Int64("used", count))
		return nil, &errors.QuotaExceededError{Limit: limit, Used: count, ResetDate: reset}
	}

	metrics.QuotaDecisionsTotal.WithLabelValues(string(plan), "granted").Inc()
	return &Grant{PeriodKey: period, Used: count, Limit: limit, ResetDate: reset}, nil
}

// Status reports the user's usage in the current period without consuming any.
func (e *Enforcer) Status(ctx context.Context, userID string, plan models.PlanTier) (*Status, error) {
	now := e.now()
	period := PeriodKey(now)
	limit := e.limits.For(plan)

	used, err := e.store.Usage(ctx, userID, period)
	if err != nil {
		return nil, errors.Wrap(err, "read quota usage")
	}

	remaining := int64(-1)
	if limit >= 0 {
		remaining = max(limit-used, 0)
	}
	return &Status{
		Plan:      plan,
		PeriodKey: period,
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		ResetDate: ResetDate(now),
	}, nil
}
