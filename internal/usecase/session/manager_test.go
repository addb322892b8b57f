package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/domain"
	"github.com/studykite/meterd/internal/domain/activity"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/transport/broadcast"
)

// --- Mocks ---

type mockActivityStore struct {
	states    map[string]activity.State
	loadErr   error
	saveErr   error
	wipeErr   error
	wipeCalls []string
}

func newMockActivityStore() *mockActivityStore {
	return &mockActivityStore{states: make(map[string]activity.State)}
}

func (m *mockActivityStore) Load(_ context.Context, userID string) (activity.State, bool, error) {
	if m.loadErr != nil {
		return activity.State{}, false, m.loadErr
	}
	st, ok := m.states[userID]
	return st, ok, nil
}

func (m *mockActivityStore) Save(_ context.Context, userID string, st activity.State) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.states[userID] = st
	return nil
}

func (m *mockActivityStore) Wipe(_ context.Context, userID string) error {
	m.wipeCalls = append(m.wipeCalls, userID)
	return m.wipeErr
}

type mockPublisher struct {
	kinds    []string
	payloads []any
	err      error
}

func (m *mockPublisher) Publish(_ context.Context, kind string, payload any) error {
	if m.err != nil {
		return m.err
	}
	m.kinds = append(m.kinds, kind)
	m.payloads = append(m.payloads, payload)
	return nil
}

type mockTierSource struct {
	tier tier.Tier
	err  error
}

func (m *mockTierSource) Tier(_ context.Context, _ string) (tier.Tier, error) {
	return m.tier, m.err
}

func newManager(store ActivityStore, pub Publisher, tiers TierSource, now time.Time) *Manager {
	m := NewManager(DefaultConfig(), store, pub, tiers, zap.NewNop())
	m.nowFn = func() time.Time { return now }
	return m
}

// --- Initialization ---

func TestSnapshot_InitializesFreshFreeSession(t *testing.T) {
	store := newMockActivityStore()
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, time.Unix(1000, 0))

	st, err := m.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.RunningForTier || st.Paused || st.Expired {
		t.Fatalf("expected fresh running state, got %+v", st)
	}
	if st.SecondsRemaining != 900 {
		t.Fatalf("expected 900 seconds remaining, got %d", st.SecondsRemaining)
	}
	if _, ok := store.states["u1"]; !ok {
		t.Fatal("expected initial state persisted")
	}
}

func TestSnapshot_PaidTierIsInert(t *testing.T) {
	m := newManager(newMockActivityStore(), &mockPublisher{}, &mockTierSource{tier: tier.Full}, time.Unix(1000, 0))

	st, err := m.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.RunningForTier {
		t.Fatal("expected inert timer for paid tier")
	}
}

func TestSnapshot_TierLookupFailureAssumesFree(t *testing.T) {
	tiers := &mockTierSource{err: errors.New("profile store down")}
	m := newManager(newMockActivityStore(), &mockPublisher{}, tiers, time.Unix(1000, 0))

	st, err := m.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Tier != tier.Free || !st.RunningForTier {
		t.Fatalf("expected running free-tier fallback, got %+v", st)
	}
}

func TestSnapshot_MalformedStateDiscarded(t *testing.T) {
	store := newMockActivityStore()
	store.loadErr = fmt.Errorf("%w: bad json", domain.ErrMalformedState)
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, time.Unix(1000, 0))

	st, err := m.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.SecondsRemaining != 900 || st.Expired {
		t.Fatalf("expected fresh state after discard, got %+v", st)
	}
}

func TestSnapshot_LoadFailurePropagates(t *testing.T) {
	store := newMockActivityStore()
	store.loadErr = errors.New("connection refused")
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, time.Unix(1000, 0))

	if _, err := m.Snapshot(context.Background(), "u1"); err == nil {
		t.Fatal("expected error")
	}
}

// --- Ticking ---

func TestTick_CountdownDecrementsWhileActive(t *testing.T) {
	store := newMockActivityStore()
	now := time.Unix(1000, 0)
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	if _, err := m.Touch(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 1; i <= 10; i++ {
		m.nowFn = func() time.Time { return now.Add(time.Duration(i) * time.Second) }
		m.tickAll(context.Background())
	}

	st, _ := m.Snapshot(context.Background(), "u1")
	if st.SecondsRemaining != 890 {
		t.Fatalf("expected 890 seconds remaining, got %d", st.SecondsRemaining)
	}
	if saved := store.states["u1"]; saved.SecondsRemaining != 890 {
		t.Fatalf("expected tick persisted, stored %d", saved.SecondsRemaining)
	}
}

func TestTick_PausesAfterInactivityThreshold(t *testing.T) {
	store := newMockActivityStore()
	pub := &mockPublisher{}
	now := time.Unix(1000, 0)
	m := newManager(store, pub, &mockTierSource{tier: tier.Free}, now)

	if _, err := m.Touch(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub.kinds = nil

	// One tick per second with no further activity. The 30-second idle
	// check fires before the 30th decrement.
	for i := 1; i <= 60; i++ {
		m.nowFn = func() time.Time { return now.Add(time.Duration(i) * time.Second) }
		m.tickAll(context.Background())
	}

	st, _ := m.Snapshot(context.Background(), "u1")
	if !st.Paused {
		t.Fatal("expected paused state")
	}
	if st.SecondsRemaining != 900-29 {
		t.Fatalf("expected countdown frozen at 871, got %d", st.SecondsRemaining)
	}
	if len(pub.kinds) != 1 || pub.kinds[0] != broadcast.KindActivity {
		t.Fatalf("expected one pause broadcast, got %v", pub.kinds)
	}
}

func TestTick_ExpiryWipesAndSignals(t *testing.T) {
	store := newMockActivityStore()
	pub := &mockPublisher{}
	now := time.Unix(1000, 0)
	m := newManager(store, pub, &mockTierSource{tier: tier.Free}, now)

	var expired []string
	m.OnExpire(func(userID string) { expired = append(expired, userID) })

	st := activity.New(tier.Free, 900, now)
	st.SecondsRemaining = 1
	m.timers["u1"] = st

	m.nowFn = func() time.Time { return now.Add(time.Second) }
	m.tickAll(context.Background())

	got := m.timers["u1"]
	if !got.Expired || got.SecondsRemaining != 0 {
		t.Fatalf("expected terminal expiry, got %+v", got)
	}
	if len(store.wipeCalls) != 1 || store.wipeCalls[0] != "u1" {
		t.Fatalf("expected one wipe for u1, got %v", store.wipeCalls)
	}
	if len(expired) != 1 || expired[0] != "u1" {
		t.Fatalf("expected one expiry signal, got %v", expired)
	}
	if len(pub.kinds) != 1 || pub.kinds[0] != broadcast.KindActivity {
		t.Fatalf("expected expiry broadcast, got %v", pub.kinds)
	}

	// Terminal state: further ticks change nothing and never re-fire.
	m.nowFn = func() time.Time { return now.Add(2 * time.Second) }
	m.tickAll(context.Background())
	if len(expired) != 1 || len(store.wipeCalls) != 1 {
		t.Fatal("expected expiry actions to fire exactly once")
	}
}

// --- Touch ---

func TestTouch_ResumesPausedCountdown(t *testing.T) {
	store := newMockActivityStore()
	pub := &mockPublisher{}
	now := time.Unix(1000, 0)
	m := newManager(store, pub, &mockTierSource{tier: tier.Free}, now)

	st := activity.New(tier.Free, 900, now)
	st.SecondsRemaining = 871
	st.Paused = true
	m.timers["u1"] = st

	later := now.Add(5 * time.Minute)
	m.nowFn = func() time.Time { return later }

	got, err := m.Touch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Paused {
		t.Fatal("expected resume")
	}
	if got.SecondsRemaining != 871 {
		t.Fatalf("expected paused time uncharged, got %d", got.SecondsRemaining)
	}
	if got.LastActivityAtMS != later.UnixMilli() {
		t.Fatal("expected activity timestamp refreshed")
	}
	if len(pub.kinds) != 1 {
		t.Fatalf("expected one broadcast, got %v", pub.kinds)
	}
}

func TestTouch_AfterExpiryIsIgnored(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(newMockActivityStore(), &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	st := activity.New(tier.Free, 900, now)
	st.SecondsRemaining = 0
	st.Expired = true
	m.timers["u1"] = st

	got, err := m.Touch(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Expired {
		t.Fatal("expected expiry to stay terminal")
	}
}

// --- Tier changes ---

func TestSetTier_UpgradeClearsLockout(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(newMockActivityStore(), &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	st := activity.New(tier.Free, 900, now)
	st.SecondsRemaining = 0
	st.Expired = true
	m.timers["u1"] = st

	got, err := m.SetTier(context.Background(), "u1", tier.Full)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Expired || got.RunningForTier {
		t.Fatalf("expected inert unexpired timer, got %+v", got)
	}

	locked, err := m.LockedOut(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if locked {
		t.Fatal("expected no lockout on paid tier")
	}
}

func TestSetTier_DowngradeStartsFreshSession(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(newMockActivityStore(), &mockPublisher{}, &mockTierSource{tier: tier.Full}, now)

	if _, err := m.Snapshot(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := m.SetTier(context.Background(), "u1", tier.Free)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.RunningForTier || got.SecondsRemaining != 900 {
		t.Fatalf("expected fresh full countdown, got %+v", got)
	}
}

// --- Remote merge ---

func TestApplyRemote_NewerSnapshotWins(t *testing.T) {
	store := newMockActivityStore()
	now := time.Unix(1000, 0)
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	local := activity.New(tier.Free, 900, now)
	local.SecondsRemaining = 850
	m.timers["u1"] = local

	remote := activity.New(tier.Free, 900, now.Add(10*time.Second))
	remote.SecondsRemaining = 840
	m.ApplyRemote(context.Background(), broadcast.ActivityMessage{UserID: "u1", State: remote})

	if got := m.timers["u1"]; got != remote {
		t.Fatalf("expected remote adopted, got %+v", got)
	}
}

func TestApplyRemote_StaleSnapshotIgnored(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(newMockActivityStore(), &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	local := activity.New(tier.Free, 900, now)
	m.timers["u1"] = local

	stale := activity.New(tier.Free, 900, now.Add(-time.Minute))
	stale.SecondsRemaining = 500
	m.ApplyRemote(context.Background(), broadcast.ActivityMessage{UserID: "u1", State: stale})

	if got := m.timers["u1"]; got != local {
		t.Fatalf("expected local state kept, got %+v", got)
	}
}

func TestApplyRemote_ExpiryConvergesWithoutRewipe(t *testing.T) {
	store := newMockActivityStore()
	now := time.Unix(1000, 0)
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	var expired int
	m.OnExpire(func(string) { expired++ })

	local := activity.New(tier.Free, 900, now)
	local.SecondsRemaining = 3
	m.timers["u1"] = local

	remote := activity.New(tier.Free, 900, now.Add(5*time.Second))
	remote.SecondsRemaining = 0
	remote.Expired = true
	m.ApplyRemote(context.Background(), broadcast.ActivityMessage{UserID: "u1", State: remote})

	locked, err := m.LockedOut(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !locked {
		t.Fatal("expected lockout after remote expiry")
	}
	if len(store.wipeCalls) != 0 {
		t.Fatal("expected no local wipe for a remote expiry")
	}
	if expired != 0 {
		t.Fatal("expected no local expiry signal for a remote expiry")
	}
}

func TestApplyRemote_UnknownUserAdopted(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newManager(newMockActivityStore(), &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	remote := activity.New(tier.Free, 900, now)
	remote.SecondsRemaining = 100
	m.ApplyRemote(context.Background(), broadcast.ActivityMessage{UserID: "u1", State: remote})

	if got := m.timers["u1"]; got != remote {
		t.Fatalf("expected remote adopted for unknown user, got %+v", got)
	}
}

func TestApplyRemote_StaleSnapshotCannotResurrectExpiredSession(t *testing.T) {
	store := newMockActivityStore()
	now := time.Unix(10000, 0)
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	// Expired state persisted by a previous run; no timer tracked yet.
	persisted := activity.New(tier.Free, 900, now)
	persisted.SecondsRemaining = 0
	persisted.Expired = true
	store.states["u1"] = persisted

	stale := activity.New(tier.Free, 900, now.Add(-5*time.Minute))
	stale.SecondsRemaining = 400
	m.ApplyRemote(context.Background(), broadcast.ActivityMessage{UserID: "u1", State: stale})

	if got := store.states["u1"]; !got.Expired || got.SecondsRemaining != 0 {
		t.Fatalf("expected persisted expiry to survive stale snapshot, got %+v", got)
	}
	locked, err := m.LockedOut(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !locked {
		t.Fatal("expected lockout to survive stale snapshot")
	}
	if len(store.wipeCalls) != 0 {
		t.Fatal("expected no wipe when expiry was already persisted")
	}
}

func TestApplyRemote_StaleSnapshotCannotRegressPersistedCountdown(t *testing.T) {
	store := newMockActivityStore()
	now := time.Unix(10000, 0)
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	persisted := activity.New(tier.Free, 900, now)
	persisted.SecondsRemaining = 800
	store.states["u1"] = persisted

	stale := activity.New(tier.Free, 900, now.Add(-time.Minute))
	stale.SecondsRemaining = 400
	m.ApplyRemote(context.Background(), broadcast.ActivityMessage{UserID: "u1", State: stale})

	if got := store.states["u1"]; got.SecondsRemaining != 800 {
		t.Fatalf("expected persisted countdown kept, got %+v", got)
	}
	if got := m.timers["u1"]; got.SecondsRemaining != 800 {
		t.Fatalf("expected restored state tracked, got %+v", got)
	}
}

func TestApplyRemote_LoadFailureHoldsSnapshotInMemory(t *testing.T) {
	store := newMockActivityStore()
	store.loadErr = errors.New("connection reset")
	now := time.Unix(1000, 0)
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now)

	remote := activity.New(tier.Free, 900, now)
	remote.SecondsRemaining = 100
	m.ApplyRemote(context.Background(), broadcast.ActivityMessage{UserID: "u1", State: remote})

	if got := m.timers["u1"]; got != remote {
		t.Fatalf("expected snapshot tracked in memory, got %+v", got)
	}
	if len(store.states) != 0 {
		t.Fatal("expected no persist while storage is unreadable")
	}
}

// --- Restore ---

func TestSnapshot_RestoreChargesOfflineGap(t *testing.T) {
	store := newMockActivityStore()
	now := time.Unix(1000, 0)

	persisted := activity.New(tier.Free, 900, now)
	persisted.SecondsRemaining = 500
	store.states["u1"] = persisted

	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now.Add(2*time.Minute))

	st, err := m.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.SecondsRemaining != 500-120 {
		t.Fatalf("expected offline gap charged, got %d", st.SecondsRemaining)
	}
}

func TestSnapshot_RestoreDepletionExpires(t *testing.T) {
	store := newMockActivityStore()
	now := time.Unix(1000, 0)

	persisted := activity.New(tier.Free, 900, now)
	persisted.SecondsRemaining = 30
	store.states["u1"] = persisted

	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now.Add(10*time.Minute))

	var expired int
	m.OnExpire(func(string) { expired++ })

	st, err := m.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Expired {
		t.Fatalf("expected expiry after depleting gap, got %+v", st)
	}
	if expired != 1 {
		t.Fatalf("expected one expiry signal, got %d", expired)
	}
	if len(store.wipeCalls) != 1 {
		t.Fatalf("expected one wipe, got %v", store.wipeCalls)
	}
}

func TestSnapshot_RestoreBeyondStalenessBoundResets(t *testing.T) {
	store := newMockActivityStore()
	now := time.Unix(1000, 0)

	persisted := activity.New(tier.Free, 900, now)
	persisted.SecondsRemaining = 30
	store.states["u1"] = persisted

	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, now.Add(2*time.Hour))

	st, err := m.Snapshot(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.SecondsRemaining != 900 || st.Expired {
		t.Fatalf("expected fresh session after stale gap, got %+v", st)
	}
}

// --- Persistence degradation ---

func TestTouch_SaveFailureDegradesToMemory(t *testing.T) {
	store := newMockActivityStore()
	m := newManager(store, &mockPublisher{}, &mockTierSource{tier: tier.Free}, time.Unix(1000, 0))

	if _, err := m.Snapshot(context.Background(), "u1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.saveErr = errors.New("connection refused")
	m.nowFn = func() time.Time { return time.Unix(1010, 0) }
	if _, err := m.Touch(context.Background(), "u1"); err != nil {
		t.Fatalf("expected touch to succeed in-memory, got %v", err)
	}
}
