package ledger

import (
	"context"

	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/domain/usage"
)

// Store is the persistence interface for the monthly ledger.
// Apply is the authoritative operation: it must perform the cap check and the
// increment as one atomic unit server-side.
type Store interface {
	Apply(ctx context.Context, userID string, limits tier.Limits, units, costMicroUSD int64) (usage.ApplyOutcome, error)
	ReadAuthoritative(ctx context.Context, userID string) (usage.Record, error)
	LoadSnapshot(ctx context.Context, userID string) (usage.Record, bool, error)
	CacheSnapshot(ctx context.Context, rec usage.Record) error
}

// Publisher disseminates snapshots to peer contexts.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}
