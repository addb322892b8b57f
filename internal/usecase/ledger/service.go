// Package ledger is the usage ledger: the only path by which consumption
// totals increase.
package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/domain"
	"github.com/studykite/meterd/internal/domain/pricing"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/domain/usage"
	"github.com/studykite/meterd/internal/metrics"
	"github.com/studykite/meterd/internal/transport/broadcast"
)

// DefaultOpTimeout bounds a single authoritative ledger call. A call that
// does not return within it is treated as a failure (fail closed).
const DefaultOpTimeout = 5 * time.Second

// Service coordinates the monthly usage ledger for all users.
type Service struct {
	store   Store
	channel Publisher
	limits  tier.LimitsTable
	timeout time.Duration
	logger  *zap.Logger
	nowFn   func() time.Time
}

// New creates a ledger service. channel may be nil (no peers to notify).
func New(store Store, channel Publisher, limits tier.LimitsTable, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		channel: channel,
		limits:  limits,
		timeout: DefaultOpTimeout,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// WithTimeout overrides the authoritative-operation timeout.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// CurrentPeriodUsage returns the usage record for the current calendar month.
// The cached snapshot serves reads when fresh; a snapshot from an earlier
// period reads as a zeroed record after confirming against the authoritative
// copy. Prior months stay on record for audit but are never summed in.
func (s *Service) CurrentPeriodUsage(ctx context.Context, userID string) (usage.Record, error) {
	now := s.nowFn()

	cached, ok, err := s.store.LoadSnapshot(ctx, userID)
	if err != nil {
		s.logger.Warn("Usage snapshot read failed, falling back to authoritative",
			zap.String("user_id", userID), zap.Error(err))
	} else if ok && cached.Current(now) {
		return cached, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.store.ReadAuthoritative(opCtx, userID)
	if err != nil {
		return usage.Record{}, fmt.Errorf("%w: %v", domain.ErrBudgetUnverifiable, err)
	}

	if err := s.store.CacheSnapshot(ctx, rec); err != nil {
		// Degraded: reads keep working, they just re-query next time.
		s.logger.Warn("Usage snapshot write failed",
			zap.String("user_id", userID), zap.Error(err))
	}
	return rec, nil
}

// RecordConsumption meters one completed model call. The cap check and the
// increment run inside the authoritative atomic operation; there is no
// local-only increment path, so independent contexts cannot drift. On
// success the new totals are cached locally and published to peers.
func (s *Service) RecordConsumption(
	ctx context.Context, userID string, t tier.Tier, model string, inputUnits, outputUnits int64,
) (usage.Record, error) {
	costMicro, err := pricing.Cost(model, inputUnits, outputUnits)
	if err != nil {
		return usage.Record{}, err
	}
	units := inputUnits + outputUnits

	limits, ok := s.limits[t]
	if !ok {
		return usage.Record{}, fmt.Errorf("no limits for tier %q", t)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	outcome, err := s.store.Apply(opCtx, userID, limits, units, costMicro)
	if err != nil {
		metrics.MeteredCallsTotal.WithLabelValues(model, "unverifiable").Inc()
		return usage.Record{}, fmt.Errorf("%w: %v", domain.ErrBudgetUnverifiable, err)
	}
	if !outcome.Allowed {
		metrics.MeteredCallsTotal.WithLabelValues(model, "denied").Inc()
		return usage.Record{}, fmt.Errorf("%w: %s", domain.ErrBudgetExceeded, outcome.Reason)
	}

	metrics.MeteredCallsTotal.WithLabelValues(model, "recorded").Inc()
	metrics.MeteredUnitsTotal.WithLabelValues(model, "input").Add(float64(inputUnits))
	metrics.MeteredUnitsTotal.WithLabelValues(model, "output").Add(float64(outputUnits))

	rec := usage.Record{
		UserID:            userID,
		PeriodKey:         usage.PeriodKey(s.nowFn()),
		TotalUnits:        outcome.TotalUnits,
		TotalCostMicroUSD: outcome.TotalCostMicroUSD,
		UpdatedAtMS:       outcome.UpdatedAtMS,
	}

	if err := s.store.CacheSnapshot(ctx, rec); err != nil {
		s.logger.Warn("Usage snapshot write failed",
			zap.String("user_id", userID), zap.Error(err))
	}
	if s.channel != nil {
		if err := s.channel.Publish(ctx, broadcast.KindUsage, rec); err != nil {
			s.logger.Warn("Usage broadcast failed",
				zap.String("user_id", userID), zap.Error(err))
		}
	}

	return rec, nil
}

// ApplyRemote merges a usage snapshot received from a peer context into the
// local cache. The cache write itself is idempotent on (userID, periodKey),
// so replays and reordering are harmless.
func (s *Service) ApplyRemote(ctx context.Context, rec usage.Record) {
	if err := s.store.CacheSnapshot(ctx, rec); err != nil {
		s.logger.Warn("Remote usage snapshot rejected",
			zap.String("user_id", rec.UserID), zap.Error(err))
	}
}
