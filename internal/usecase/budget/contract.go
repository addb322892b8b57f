package budget

import (
	"context"

	"github.com/studykite/meterd/internal/domain/usage"
)

// UsageReader provides the ledger's view of current-period consumption.
type UsageReader interface {
	CurrentPeriodUsage(ctx context.Context, userID string) (usage.Record, error)
}
