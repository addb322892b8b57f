// Package tier defines subscription tiers and their monthly limits.
package tier

import "fmt"

// Tier is a subscription level.
type Tier string

// Subscription tiers, ordered by capability.
const (
	Free Tier = "free"
	Lite Tier = "lite"
	Full Tier = "full"
)

// Parse converts a string into a Tier.
func Parse(s string) (Tier, error) {
	switch Tier(s) {
	case Free, Lite, Full:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown tier %q", s)
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == Free || t == Lite || t == Full
}

// TimerApplies reports whether the trial session timer runs for this tier.
// Only the free tier is time-boxed.
func (t Tier) TimerApplies() bool {
	return t == Free
}

// Limits holds the monthly caps for one tier.
type Limits struct {
	// MonthlyUnitCap is the metering-unit cap; 0 means unlimited.
	MonthlyUnitCap int64
	// MonthlySpendCapCents is the spend cap in minor currency units; 0 means unlimited.
	MonthlySpendCapCents int64
}

// SpendCapMicroUSD returns the spend cap converted to micro-USD.
func (l Limits) SpendCapMicroUSD() int64 {
	return l.MonthlySpendCapCents * 10_000
}

// LimitsTable maps each tier to its limits.
type LimitsTable map[Tier]Limits

// DefaultLimits returns the built-in tier table. Config may override it.
func DefaultLimits() LimitsTable {
	return LimitsTable{
		Free: {MonthlyUnitCap: 100_000, MonthlySpendCapCents: 100},
		Lite: {MonthlyUnitCap: 2_000_000, MonthlySpendCapCents: 900},
		Full: {MonthlyUnitCap: 10_000_000, MonthlySpendCapCents: 2_900},
	}
}

// Validate checks that caps are non-decreasing across free <= lite <= full.
// A zero (unlimited) cap is treated as larger than any finite cap.
func (lt LimitsTable) Validate() error {
	order := []Tier{Free, Lite, Full}
	for i := 1; i < len(order); i++ {
		lo, hi := lt[order[i-1]], lt[order[i]]
		if capLess(hi.MonthlyUnitCap, lo.MonthlyUnitCap) {
			return fmt.Errorf("tier %s unit cap %d below %s cap %d",
				order[i], hi.MonthlyUnitCap, order[i-1], lo.MonthlyUnitCap)
		}
		if capLess(hi.MonthlySpendCapCents, lo.MonthlySpendCapCents) {
			return fmt.Errorf("tier %s spend cap %d below %s cap %d",
				order[i], hi.MonthlySpendCapCents, order[i-1], lo.MonthlySpendCapCents)
		}
	}
	return nil
}

func capLess(a, b int64) bool {
	if a == 0 {
		return false // unlimited is never less
	}
	if b == 0 {
		return true
	}
	return a < b
}
