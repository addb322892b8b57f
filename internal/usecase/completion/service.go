// Package completion orchestrates one metered model call: session gate,
// pre-flight budget check, provider call, authoritative metering.
package completion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/domain"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/domain/usage"
)

// Completion is the result of a metered call, with the usage totals after it.
type Completion struct {
	Text        string       `json:"text"`
	Model       string       `json:"model"`
	InputUnits  int64        `json:"input_units"`
	OutputUnits int64        `json:"output_units"`
	Usage       usage.Record `json:"usage"`
	LowBalance  bool         `json:"low_balance"`
}

// Service runs metered completions.
type Service struct {
	tiers    TierSource
	sessions SessionGate
	checker  BudgetChecker
	recorder UsageRecorder
	caller   ModelCaller
	logger   *zap.Logger
}

// New creates a completion service.
func New(tiers TierSource, sessions SessionGate, checker BudgetChecker, recorder UsageRecorder, caller ModelCaller, logger *zap.Logger) *Service {
	return &Service{
		tiers:    tiers,
		sessions: sessions,
		checker:  checker,
		recorder: recorder,
		caller:   caller,
		logger:   logger,
	}
}

// Generate runs one completion end to end. The request counts as user
// activity before any gate: a paused trial resumes even if the call is then
// denied. An expired trial returns ErrSessionExpired; a failed pre-flight
// check returns ErrBudgetExceeded with the denial reason. Consumption is
// metered only for calls the provider actually served.
func (s *Service) Generate(ctx context.Context, userID, model, prompt string) (Completion, error) {
	t, err := s.tiers.Tier(ctx, userID)
	if err != nil {
		s.logger.Warn("Tier lookup failed, assuming free",
			zap.String("user_id", userID), zap.Error(err))
		t = tier.Free
	}

	st, err := s.sessions.Touch(ctx, userID)
	if err != nil {
		return Completion{}, fmt.Errorf("session state: %w", err)
	}
	if st.LockedOut() {
		return Completion{}, domain.ErrSessionExpired
	}

	check, err := s.checker.CheckAndReserve(ctx, userID, t, model, EstimateUnits(prompt))
	if err != nil {
		return Completion{}, err
	}
	if !check.Allowed {
		return Completion{}, fmt.Errorf("%w: %s", domain.ErrBudgetExceeded, check.DenialReason)
	}

	result, err := s.caller.Complete(ctx, model, prompt)
	if err != nil {
		return Completion{}, err
	}

	rec, err := s.recorder.RecordConsumption(ctx, userID, t, model, result.InputUnits, result.OutputUnits)
	if err != nil {
		// The provider served the call; a metering failure here must
		// still surface so the client sees fail-closed semantics.
		return Completion{}, err
	}

	return Completion{
		Text:        result.Text,
		Model:       model,
		InputUnits:  result.InputUnits,
		OutputUnits: result.OutputUnits,
		Usage:       rec,
		LowBalance:  check.LowBalance,
	}, nil
}

// EstimateUnits is the pre-flight input estimate for a prompt: roughly one
// unit per four bytes of text, never zero for a non-empty prompt.
func EstimateUnits(prompt string) int64 {
	if prompt == "" {
		return 0
	}
	return int64(len(prompt)+3) / 4
}
