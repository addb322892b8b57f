// Package usage defines the per-user monthly consumption record.
package usage

import "time"

// PeriodKeyFormat is the calendar-month key layout.
const PeriodKeyFormat = "2006-01"

// Record is the monthly usage aggregate for one user.
// The authoritative copy lives server-side; local copies are caches.
type Record struct {
	UserID            string `json:"user_id"`
	PeriodKey         string `json:"period_key"`
	TotalUnits        int64  `json:"total_units"`
	TotalCostMicroUSD int64  `json:"total_cost_micro_usd"`
	UpdatedAtMS       int64  `json:"updated_at_ms"`
}

// Zero returns a fresh zeroed record for the period containing now.
func Zero(userID string, now time.Time) Record {
	return Record{
		UserID:    userID,
		PeriodKey: PeriodKey(now),
	}
}

// PeriodKey returns the calendar-month key for t in the accounting timezone (UTC).
func PeriodKey(t time.Time) string {
	return t.UTC().Format(PeriodKeyFormat)
}

// Current reports whether the record belongs to the period containing now.
// A stale record must be treated as a fresh zeroed one, never rolled over.
func (r Record) Current(now time.Time) bool {
	return r.PeriodKey == PeriodKey(now)
}

// NewerThan reports whether r carries a strictly newer write than other.
func (r Record) NewerThan(other Record) bool {
	return r.UpdatedAtMS > other.UpdatedAtMS
}

// ApplyOutcome is the result of the authoritative ledger operation: the one
// external transactional function that is the source of truth for totals.
// Unlimited is set when the tier carries no unit cap; RemainingUnits is then
// meaningless, and otherwise never negative.
type ApplyOutcome struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	TotalUnits        int64  `json:"units"`
	TotalCostMicroUSD int64  `json:"cost_micro"`
	Unlimited         bool   `json:"unlimited,omitempty"`
	RemainingUnits    int64  `json:"remaining_units"`
	UpdatedAtMS       int64  `json:"updated_at_ms,omitempty"`
}
