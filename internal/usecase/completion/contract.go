package completion

import (
	"context"

	"github.com/studykite/meterd/internal/domain"
	"github.com/studykite/meterd/internal/domain/activity"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/domain/usage"
	"github.com/studykite/meterd/internal/usecase/budget"
)

// TierSource supplies the current tier for a user.
type TierSource interface {
	Tier(ctx context.Context, userID string) (tier.Tier, error)
}

// SessionGate registers the request as user activity and reports the
// resulting session state.
type SessionGate interface {
	Touch(ctx context.Context, userID string) (activity.State, error)
}

// BudgetChecker runs the pre-flight budget check.
type BudgetChecker interface {
	CheckAndReserve(ctx context.Context, userID string, t tier.Tier, model string, estimatedInputUnits int64) (budget.CheckResult, error)
}

// UsageRecorder meters a completed call through the authoritative ledger.
type UsageRecorder interface {
	RecordConsumption(ctx context.Context, userID string, t tier.Tier, model string, inputUnits, outputUnits int64) (usage.Record, error)
}

// ModelCaller executes the model call against the provider.
type ModelCaller interface {
	Complete(ctx context.Context, model, prompt string) (domain.CompletionResult, error)
}
