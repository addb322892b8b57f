package completion

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/domain"
	"github.com/studykite/meterd/internal/domain/activity"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/domain/usage"
	"github.com/studykite/meterd/internal/usecase/budget"
)

// --- Mocks ---

type mockTierSource struct {
	tier tier.Tier
	err  error
}

func (m *mockTierSource) Tier(_ context.Context, _ string) (tier.Tier, error) {
	return m.tier, m.err
}

type mockSessionGate struct {
	state activity.State
	err   error
}

func (m *mockSessionGate) Touch(_ context.Context, _ string) (activity.State, error) {
	return m.state, m.err
}

type mockChecker struct {
	result    budget.CheckResult
	err       error
	gotTier   tier.Tier
	gotInput  int64
	callCount int
}

func (m *mockChecker) CheckAndReserve(_ context.Context, _ string, t tier.Tier, _ string, estimatedInputUnits int64) (budget.CheckResult, error) {
	m.callCount++
	m.gotTier = t
	m.gotInput = estimatedInputUnits
	return m.result, m.err
}

type mockRecorder struct {
	rec       usage.Record
	err       error
	gotInput  int64
	gotOutput int64
	callCount int
}

func (m *mockRecorder) RecordConsumption(_ context.Context, _ string, _ tier.Tier, _ string, inputUnits, outputUnits int64) (usage.Record, error) {
	m.callCount++
	m.gotInput = inputUnits
	m.gotOutput = outputUnits
	return m.rec, m.err
}

type mockCaller struct {
	result    domain.CompletionResult
	err       error
	callCount int
}

func (m *mockCaller) Complete(_ context.Context, _, _ string) (domain.CompletionResult, error) {
	m.callCount++
	return m.result, m.err
}

func activeSession() activity.State {
	return activity.State{Tier: tier.Free, RunningForTier: true, SecondsRemaining: 500, TotalSeconds: 900}
}

func expiredSession() activity.State {
	return activity.State{Tier: tier.Free, RunningForTier: true, Expired: true}
}

func newService(tiers *mockTierSource, gate *mockSessionGate, checker *mockChecker, recorder *mockRecorder, caller *mockCaller) *Service {
	return New(tiers, gate, checker, recorder, caller, zap.NewNop())
}

// --- Generate ---

func TestGenerate_Success(t *testing.T) {
	checker := &mockChecker{result: budget.CheckResult{Allowed: true, LowBalance: true}}
	recorder := &mockRecorder{rec: usage.Record{TotalUnits: 1234}}
	caller := &mockCaller{result: domain.CompletionResult{Text: "answer", InputUnits: 40, OutputUnits: 60}}

	svc := newService(&mockTierSource{tier: tier.Free}, &mockSessionGate{state: activeSession()}, checker, recorder, caller)

	got, err := svc.Generate(context.Background(), "u1", "gpt-4o", "what is a monad?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "answer" || got.InputUnits != 40 || got.OutputUnits != 60 {
		t.Fatalf("unexpected completion: %+v", got)
	}
	if !got.LowBalance {
		t.Fatal("expected low-balance flag carried through")
	}
	if got.Usage.TotalUnits != 1234 {
		t.Fatalf("expected ledger totals attached, got %+v", got.Usage)
	}
	if recorder.gotInput != 40 || recorder.gotOutput != 60 {
		t.Fatal("expected provider-reported units metered, not the estimate")
	}
	if checker.gotTier != tier.Free {
		t.Fatalf("expected free-tier check, got %q", checker.gotTier)
	}
}

func TestGenerate_ExpiredSessionLocksOut(t *testing.T) {
	checker := &mockChecker{result: budget.CheckResult{Allowed: true}}
	caller := &mockCaller{}

	svc := newService(&mockTierSource{tier: tier.Free}, &mockSessionGate{state: expiredSession()}, checker, &mockRecorder{}, caller)

	_, err := svc.Generate(context.Background(), "u1", "gpt-4o", "hi")
	if !errors.Is(err, domain.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if checker.callCount != 0 || caller.callCount != 0 {
		t.Fatal("expected no budget check or provider call after lockout")
	}
}

func TestGenerate_PaidTierIgnoresExpiry(t *testing.T) {
	st := expiredSession()
	st.Tier = tier.Full
	st.RunningForTier = false

	checker := &mockChecker{result: budget.CheckResult{Allowed: true}}
	caller := &mockCaller{result: domain.CompletionResult{Text: "ok", InputUnits: 1, OutputUnits: 1}}

	svc := newService(&mockTierSource{tier: tier.Full}, &mockSessionGate{state: st}, checker, &mockRecorder{}, caller)

	if _, err := svc.Generate(context.Background(), "u1", "gpt-4o", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGenerate_BudgetDenialStopsBeforeProvider(t *testing.T) {
	checker := &mockChecker{result: budget.CheckResult{Allowed: false, DenialReason: "estimated 300 units exceeds remaining 200"}}
	caller := &mockCaller{}
	recorder := &mockRecorder{}

	svc := newService(&mockTierSource{tier: tier.Free}, &mockSessionGate{state: activeSession()}, checker, recorder, caller)

	_, err := svc.Generate(context.Background(), "u1", "gpt-4o", "hi")
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if caller.callCount != 0 || recorder.callCount != 0 {
		t.Fatal("expected no provider call or metering after denial")
	}
}

func TestGenerate_ProviderFailureIsNotMetered(t *testing.T) {
	checker := &mockChecker{result: budget.CheckResult{Allowed: true}}
	caller := &mockCaller{err: domain.ErrProviderError}
	recorder := &mockRecorder{}

	svc := newService(&mockTierSource{tier: tier.Free}, &mockSessionGate{state: activeSession()}, checker, recorder, caller)

	_, err := svc.Generate(context.Background(), "u1", "gpt-4o", "hi")
	if !errors.Is(err, domain.ErrProviderError) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if recorder.callCount != 0 {
		t.Fatal("expected no metering for a failed provider call")
	}
}

func TestGenerate_MeteringFailureSurfaces(t *testing.T) {
	checker := &mockChecker{result: budget.CheckResult{Allowed: true}}
	caller := &mockCaller{result: domain.CompletionResult{Text: "ok", InputUnits: 5, OutputUnits: 5}}
	recorder := &mockRecorder{err: domain.ErrBudgetUnverifiable}

	svc := newService(&mockTierSource{tier: tier.Free}, &mockSessionGate{state: activeSession()}, checker, recorder, caller)

	if _, err := svc.Generate(context.Background(), "u1", "gpt-4o", "hi"); !errors.Is(err, domain.ErrBudgetUnverifiable) {
		t.Fatalf("expected ErrBudgetUnverifiable, got %v", err)
	}
}

func TestGenerate_TierLookupFailureAssumesFree(t *testing.T) {
	checker := &mockChecker{result: budget.CheckResult{Allowed: true}}
	caller := &mockCaller{result: domain.CompletionResult{Text: "ok"}}

	svc := newService(&mockTierSource{err: errors.New("profile store down")}, &mockSessionGate{state: activeSession()}, checker, &mockRecorder{}, caller)

	if _, err := svc.Generate(context.Background(), "u1", "gpt-4o", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if checker.gotTier != tier.Free {
		t.Fatalf("expected free fallback, got %q", checker.gotTier)
	}
}

func TestGenerate_EstimatePassedToChecker(t *testing.T) {
	checker := &mockChecker{result: budget.CheckResult{Allowed: true}}
	caller := &mockCaller{result: domain.CompletionResult{Text: "ok"}}

	svc := newService(&mockTierSource{tier: tier.Free}, &mockSessionGate{state: activeSession()}, checker, &mockRecorder{}, caller)

	prompt := "0123456789" // 10 bytes, rounds up to 3 units
	if _, err := svc.Generate(context.Background(), "u1", "gpt-4o", prompt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if checker.gotInput != 3 {
		t.Fatalf("expected 3 estimated units, got %d", checker.gotInput)
	}
}

// --- EstimateUnits ---

func TestEstimateUnits(t *testing.T) {
	cases := []struct {
		prompt string
		want   int64
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"0123456789", 3},
	}
	for _, tc := range cases {
		if got := EstimateUnits(tc.prompt); got != tc.want {
			t.Errorf("EstimateUnits(%q) = %d, want %d", tc.prompt, got, tc.want)
		}
	}
}
