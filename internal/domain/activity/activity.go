// Package activity holds the trial-session countdown state machine.
//
// State is a pure value: every transition (Tick, Touch, ForTier, Restore,
// Merge) returns a new State and touches nothing else. The service layer owns
// timers, persistence and broadcasting; this package owns only the rules, so
// convergence and countdown behavior can be tested without clocks.
package activity

import (
	"time"

	"github.com/studykite/meterd/internal/domain/tier"
)

// State is the replicated countdown state for one user.
// No single context is authoritative; conflicting copies are reconciled by
// Merge, last-writer-wins on LastActivityAtMS.
type State struct {
	Tier             tier.Tier `json:"tier"`
	RunningForTier   bool      `json:"running_for_tier"`
	SecondsRemaining int       `json:"seconds_remaining"`
	TotalSeconds     int       `json:"total_seconds"`
	LastActivityAtMS int64     `json:"last_activity_at_ms"`
	Paused           bool      `json:"paused"`
	Expired          bool      `json:"expired"`
}

// New returns the initial state for a user on the given tier: full duration,
// running, for the free tier; inert otherwise.
func New(t tier.Tier, totalSeconds int, now time.Time) State {
	return State{
		Tier:             t,
		RunningForTier:   t.TimerApplies(),
		SecondsRemaining: totalSeconds,
		TotalSeconds:     totalSeconds,
		LastActivityAtMS: now.UnixMilli(),
	}
}

// Tick advances the countdown by one second of wall time.
// Inert and expired states never change. A running state first checks the
// inactivity watchdog: once no qualifying activity occurred for
// inactivityThreshold, the countdown freezes (Paused) instead of decrementing.
// Reaching zero is terminal (Expired).
func (s State) Tick(now time.Time, inactivityThreshold time.Duration) State {
	if !s.RunningForTier || s.Expired {
		return s
	}
	if s.Paused {
		return s
	}

	idle := now.UnixMilli() - s.LastActivityAtMS
	if idle < 0 {
		idle = 0 // clock skew: never propagate negative durations
	}
	if time.Duration(idle)*time.Millisecond >= inactivityThreshold {
		s.Paused = true
		return s
	}

	s.SecondsRemaining--
	if s.SecondsRemaining <= 0 {
		s.SecondsRemaining = 0
		s.Paused = false
		s.Expired = true
	}
	return s
}

// Touch registers a qualifying user-activity event: refreshes the watchdog
// and resumes a paused countdown. Expiry is terminal; touches after it are
// ignored.
func (s State) Touch(now time.Time) State {
	if s.Expired || !s.RunningForTier {
		return s
	}
	s.Paused = false
	s.LastActivityAtMS = now.UnixMilli()
	return s
}

// ForTier applies a tier change. Leaving the free tier makes the timer inert:
// expiry is cleared and the countdown is reset to full, dormant in case of a
// later downgrade. Entering the free tier starts a fresh full session, never
// a resumed one.
func (s State) ForTier(t tier.Tier, now time.Time) State {
	if t == s.Tier {
		return s
	}
	return New(t, s.TotalSeconds, now)
}

// Restore reconciles a persisted state with the current time after a reload
// or offline gap. Persisted expiry stays terminal. A gap beyond
// stalenessBound means an abandoned session: reinitialize fresh rather than
// penalizing a long-absent return. Otherwise time spent offline while Running
// is charged against the countdown (clamped at zero, which expires it);
// a Paused session restores with its countdown untouched.
func (s State) Restore(now time.Time, stalenessBound time.Duration) State {
	if !s.RunningForTier {
		return s
	}
	if s.Expired {
		s.SecondsRemaining = 0
		return s
	}

	elapsed := now.UnixMilli() - s.LastActivityAtMS
	if elapsed < 0 {
		elapsed = 0
	}
	if time.Duration(elapsed)*time.Millisecond > stalenessBound {
		return New(s.Tier, s.TotalSeconds, now)
	}

	if s.Paused {
		return s
	}

	s.SecondsRemaining -= int(elapsed / 1000)
	if s.SecondsRemaining <= 0 {
		s.SecondsRemaining = 0
		s.Expired = true
	}
	s.LastActivityAtMS = now.UnixMilli()
	return s
}

// Merge resolves a local and a remote copy of the same user's state.
// Last-writer-wins keyed on LastActivityAtMS: the remote copy is adopted only
// when strictly newer, so message reordering can never regress state.
func Merge(local, remote State) State {
	if remote.LastActivityAtMS > local.LastActivityAtMS {
		return remote
	}
	return local
}

// LockedOut reports whether the user is locked out of the application.
// Only an expired free-tier session locks out.
func (s State) LockedOut() bool {
	return s.Expired && s.Tier.TimerApplies()
}
