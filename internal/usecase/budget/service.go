// Package budget is the pre-flight budget enforcer. Its check is advisory: a
// fast local rejection that spares an external call. The binding check runs
// inside the authoritative ledger operation at record time.
package budget

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/domain/pricing"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/metrics"
)

// DefaultLowBalanceThreshold is the remaining-units level at or below which
// the low-balance warning fires.
const DefaultLowBalanceThreshold = 300

// CheckResult is the outcome of a pre-flight budget check.
// Remaining values are clamped at zero, never negative. A tier without a cap
// sets the corresponding Unlimited flag and its remaining value is
// meaningless.
type CheckResult struct {
	Allowed                bool   `json:"allowed"`
	UnlimitedUnits         bool   `json:"unlimited_units,omitempty"`
	UnlimitedSpend         bool   `json:"unlimited_spend,omitempty"`
	RemainingUnits         int64  `json:"remaining_units"`
	RemainingSpendMicroUSD int64  `json:"remaining_spend_micro_usd"`
	LowBalance             bool   `json:"low_balance"`
	DenialReason           string `json:"denial_reason,omitempty"`
}

// Enforcer runs pre-flight budget checks against the ledger's view.
type Enforcer struct {
	usage     UsageReader
	limits    tier.LimitsTable
	threshold int64
	ratio     float64
	logger    *zap.Logger

	onLowBalance func(userID string, remainingUnits int64)

	mu            sync.Mutex
	lastRemaining map[string]int64
}

// New creates an Enforcer. ratio is the heuristic output estimate as a
// fraction of the estimated input; negative selects the default of 1.0.
func New(usage UsageReader, limits tier.LimitsTable, threshold int64, ratio float64, logger *zap.Logger) *Enforcer {
	if threshold <= 0 {
		threshold = DefaultLowBalanceThreshold
	}
	if ratio < 0 {
		ratio = 1.0
	}
	return &Enforcer{
		usage:         usage,
		limits:        limits,
		threshold:     threshold,
		ratio:         ratio,
		logger:        logger,
		lastRemaining: make(map[string]int64),
	}
}

// OnLowBalance installs the low-balance signal handler. The handler fires
// exactly once per downward crossing of the threshold, not on every check
// below it.
func (e *Enforcer) OnLowBalance(fn func(userID string, remainingUnits int64)) {
	e.onLowBalance = fn
}

// CheckAndReserve decides whether a prospective call may proceed.
// The estimate is the caller's input estimate plus a heuristic output
// estimate. If the ledger view cannot be read the check fails closed: denial,
// never an optimistic allow. Denials are results, not errors; only a missing
// pricing entry (configuration error) is returned as an error.
func (e *Enforcer) CheckAndReserve(
	ctx context.Context, userID string, t tier.Tier, model string, estimatedInputUnits int64,
) (CheckResult, error) {
	limits, ok := e.limits[t]
	if !ok {
		return CheckResult{}, fmt.Errorf("no limits for tier %q", t)
	}

	if estimatedInputUnits < 0 {
		estimatedInputUnits = 0
	}
	estOutput := int64(float64(estimatedInputUnits) * e.ratio)
	estUnits := estimatedInputUnits + estOutput

	estCostMicro, err := pricing.Cost(model, estimatedInputUnits, estOutput)
	if err != nil {
		return CheckResult{}, err
	}

	rec, err := e.usage.CurrentPeriodUsage(ctx, userID)
	if err != nil {
		e.logger.Warn("Budget check failed closed",
			zap.String("user_id", userID), zap.Error(err))
		metrics.BudgetChecksTotal.WithLabelValues(string(t), "unverifiable").Inc()
		return CheckResult{Allowed: false, DenialReason: "cannot verify budget"}, nil
	}

	res := CheckResult{Allowed: true}

	if limits.MonthlyUnitCap > 0 {
		res.RemainingUnits = clamp(limits.MonthlyUnitCap - rec.TotalUnits)
		if res.RemainingUnits < estUnits {
			res.Allowed = false
			res.DenialReason = fmt.Sprintf(
				"estimated %d units exceeds remaining %d", estUnits, res.RemainingUnits)
		}
	} else {
		res.UnlimitedUnits = true
	}
	if limits.MonthlySpendCapCents > 0 {
		res.RemainingSpendMicroUSD = clamp(limits.SpendCapMicroUSD() - rec.TotalCostMicroUSD)
		if res.Allowed && res.RemainingSpendMicroUSD < estCostMicro {
			res.Allowed = false
			res.DenialReason = fmt.Sprintf(
				"estimated cost %d micro-USD exceeds remaining %d micro-USD", estCostMicro, res.RemainingSpendMicroUSD)
		}
	} else {
		res.UnlimitedSpend = true
	}

	if !res.UnlimitedUnits {
		res.LowBalance = res.RemainingUnits > 0 && res.RemainingUnits <= e.threshold
		e.signalCrossing(userID, res.RemainingUnits)
	}

	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
	}
	metrics.BudgetChecksTotal.WithLabelValues(string(t), outcome).Inc()

	return res, nil
}

// signalCrossing fires the low-balance handler on a downward threshold
// crossing, comparing against the previous remaining value for this user.
func (e *Enforcer) signalCrossing(userID string, remaining int64) {
	e.mu.Lock()
	prev, seen := e.lastRemaining[userID]
	e.lastRemaining[userID] = remaining
	e.mu.Unlock()

	if e.onLowBalance == nil {
		return
	}
	crossed := remaining > 0 && remaining <= e.threshold &&
		(!seen || prev > e.threshold)
	if crossed {
		e.onLowBalance(userID, remaining)
	}
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
