package session

import (
	"context"

	"github.com/studykite/meterd/internal/domain/activity"
	"github.com/studykite/meterd/internal/domain/tier"
)

// ActivityStore persists session state and owns the expiry wipe.
type ActivityStore interface {
	Load(ctx context.Context, userID string) (activity.State, bool, error)
	Save(ctx context.Context, userID string, st activity.State) error
	Wipe(ctx context.Context, userID string) error
}

// Publisher disseminates snapshots to peer contexts.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// TierSource supplies the current tier for a user.
type TierSource interface {
	Tier(ctx context.Context, userID string) (tier.Tier, error)
}
