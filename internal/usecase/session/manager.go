// Package session runs the free-tier trial countdown: one logical timer per
// user, replicated across contexts, converging by last-writer-wins merge.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/domain"
	"github.com/studykite/meterd/internal/domain/activity"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/metrics"
	"github.com/studykite/meterd/internal/transport/broadcast"
)

// Config holds the countdown parameters.
type Config struct {
	TotalSeconds        int
	InactivityThreshold time.Duration
	StalenessBound      time.Duration
}

// DefaultConfig returns the standard trial session parameters.
func DefaultConfig() Config {
	return Config{
		TotalSeconds:        900,
		InactivityThreshold: 30 * time.Second,
		StalenessBound:      time.Hour,
	}
}

// Manager owns every user's timer in this context. The tick loop, activity
// events and remote merges all funnel through one mutex, so each timer's
// state is only ever advanced sequentially.
type Manager struct {
	cfg     Config
	store   ActivityStore
	channel Publisher
	tiers   TierSource
	logger  *zap.Logger
	nowFn   func() time.Time

	onExpire func(userID string)

	mu     sync.Mutex
	timers map[string]activity.State
}

// NewManager creates a session manager. channel may be nil (single context).
func NewManager(cfg Config, store ActivityStore, channel Publisher, tiers TierSource, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		channel: channel,
		tiers:   tiers,
		logger:  logger,
		nowFn:   time.Now,
		timers:  make(map[string]activity.State),
	}
}

// OnExpire installs the expiry signal handler, fired once when a timer this
// context is driving reaches expiry. Peer contexts converge via broadcast and
// do not re-fire it.
func (m *Manager) OnExpire(fn func(userID string)) {
	m.onExpire = fn
}

// Run drives every timer with a once-per-second tick until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tickAll(ctx)
		}
	}
}

func (m *Manager) tickAll(ctx context.Context) {
	now := m.nowFn()

	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, st := range m.timers {
		next := st.Tick(now, m.cfg.InactivityThreshold)
		if next == st {
			continue
		}
		m.timers[userID] = next
		m.persist(ctx, userID, next)

		switch {
		case next.Expired && !st.Expired:
			m.expire(ctx, userID, next)
		case next.Paused && !st.Paused:
			m.logger.Info("Session paused on inactivity",
				zap.String("user_id", userID),
				zap.Int("seconds_remaining", next.SecondsRemaining))
			m.publish(ctx, userID, next)
		}
	}
}

// Touch registers a qualifying user-activity event.
func (m *Manager) Touch(ctx context.Context, userID string) (activity.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensure(ctx, userID)
	if err != nil {
		return activity.State{}, err
	}

	next := st.Touch(m.nowFn())
	if next != st {
		m.timers[userID] = next
		m.persist(ctx, userID, next)
		m.publish(ctx, userID, next)
	}
	return next, nil
}

// Snapshot returns the current state for a user, initializing or restoring
// the timer on first sight.
func (m *Manager) Snapshot(ctx context.Context, userID string) (activity.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensure(ctx, userID)
}

// LockedOut reports whether the user's trial has expired. Non-free tiers are
// never locked out.
func (m *Manager) LockedOut(ctx context.Context, userID string) (bool, error) {
	st, err := m.Snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	return st.LockedOut(), nil
}

// SetTier applies a tier change: away from free the timer goes inert and any
// expiry clears; back to free a fresh full session starts.
func (m *Manager) SetTier(ctx context.Context, userID string, t tier.Tier) (activity.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.ensure(ctx, userID)
	if err != nil {
		return activity.State{}, err
	}

	next := st.ForTier(t, m.nowFn())
	if next != st {
		m.timers[userID] = next
		m.persist(ctx, userID, next)
		m.publish(ctx, userID, next)
		m.logger.Info("Session tier changed",
			zap.String("user_id", userID), zap.String("tier", string(t)))
	}
	return next, nil
}

// ApplyRemote merges a peer context's snapshot. Only a strictly newer
// snapshot wins; stale or reordered messages are no-ops. When no timer is
// tracked yet the persisted copy is restored first and the snapshot merged
// against it, so a reordered stale message can never overwrite newer
// persisted state.
func (m *Manager) ApplyRemote(ctx context.Context, msg broadcast.ActivityMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local, known := m.timers[msg.UserID]
	if !known {
		persisted, found, err := m.store.Load(ctx, msg.UserID)
		if err != nil {
			if !errors.Is(err, domain.ErrMalformedState) {
				// The persisted copy cannot be consulted; hold the
				// snapshot in memory only rather than risk overwriting
				// newer state.
				m.logger.Warn("Session load failed, holding snapshot in memory",
					zap.String("user_id", msg.UserID), zap.Error(err))
				m.timers[msg.UserID] = msg.State
				return
			}
			m.logger.Error("Discarding malformed session state",
				zap.String("user_id", msg.UserID), zap.Error(err))
			found = false
		}
		if !found {
			m.timers[msg.UserID] = msg.State
			m.persist(ctx, msg.UserID, msg.State)
			return
		}

		local = persisted.Restore(m.nowFn(), m.cfg.StalenessBound)
		m.timers[msg.UserID] = local
		m.persist(ctx, msg.UserID, local)
		if local.Expired && !persisted.Expired {
			// The offline gap consumed the rest of the countdown.
			m.expire(ctx, msg.UserID, local)
		}
	}

	merged := activity.Merge(local, msg.State)
	if merged == local {
		return
	}
	m.timers[msg.UserID] = merged
	m.persist(ctx, msg.UserID, merged)
	// The originating context already ran the expiry wipe and signal;
	// converging here only flips the local gate.
}

// ensure returns the tracked state for a user, restoring from the store or
// initializing fresh. Callers hold m.mu.
func (m *Manager) ensure(ctx context.Context, userID string) (activity.State, error) {
	if st, ok := m.timers[userID]; ok {
		return st, nil
	}

	now := m.nowFn()

	persisted, found, err := m.store.Load(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrMalformedState) {
			return activity.State{}, err
		}
		// Unreadable state is discarded rather than trusted.
		m.logger.Error("Discarding malformed session state",
			zap.String("user_id", userID), zap.Error(err))
		found = false
	}

	var st activity.State
	if found {
		st = persisted.Restore(now, m.cfg.StalenessBound)
	} else {
		t, terr := m.tiers.Tier(ctx, userID)
		if terr != nil {
			// Free is the most restrictive tier; assume it when unsure.
			m.logger.Warn("Tier lookup failed, assuming free",
				zap.String("user_id", userID), zap.Error(terr))
			t = tier.Free
		}
		st = activity.New(t, m.cfg.TotalSeconds, now)
	}

	m.timers[userID] = st
	m.persist(ctx, userID, st)
	if found && st.Expired && !persisted.Expired {
		// The offline gap consumed the rest of the countdown.
		m.expire(ctx, userID, st)
	}
	return st, nil
}

// expire runs the terminal transition: wipe the enumerated user-data keys,
// announce the state, and fire the lockout signal. Callers hold m.mu.
func (m *Manager) expire(ctx context.Context, userID string, st activity.State) {
	m.logger.Info("Session expired", zap.String("user_id", userID))
	metrics.SessionExpiriesTotal.Inc()

	if err := m.store.Wipe(ctx, userID); err != nil {
		m.logger.Error("Expiry wipe failed",
			zap.String("user_id", userID), zap.Error(err))
	}
	m.publish(ctx, userID, st)
	if m.onExpire != nil {
		m.onExpire(userID)
	}
}

// persist saves best-effort: with storage unavailable the timer degrades to
// in-memory operation for the rest of the session.
func (m *Manager) persist(ctx context.Context, userID string, st activity.State) {
	if err := m.store.Save(ctx, userID, st); err != nil {
		m.logger.Warn("Session persist failed, running in-memory",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, userID string, st activity.State) {
	if m.channel == nil {
		return
	}
	msg := broadcast.ActivityMessage{UserID: userID, State: st}
	if err := m.channel.Publish(ctx, broadcast.KindActivity, msg); err != nil {
		m.logger.Warn("Session broadcast failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}
