// Package broadcast disseminates state snapshots to every running context of
// the same deployment, the way browser tabs share a broadcast channel. There
// is no central coordinator: receivers reconcile snapshots themselves (see
// activity.Merge), so delivery may be reordered or dropped without breaking
// convergence.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/studykite/meterd/internal/domain/activity"
	"github.com/studykite/meterd/internal/domain/tier"
)

// Message kinds carried over the channel.
const (
	KindActivity = "activity"
	KindUsage    = "usage"
	KindTier     = "tier"
)

// Envelope wraps a payload with its origin context and logical timestamp.
type Envelope struct {
	Origin   string          `json:"origin"`
	Kind     string          `json:"kind"`
	SentAtMS int64           `json:"sent_at_ms"`
	Payload  json.RawMessage `json:"payload"`
}

// ActivityMessage is the replicated session state of one user.
type ActivityMessage struct {
	UserID string         `json:"user_id"`
	State  activity.State `json:"state"`
}

// TierMessage announces a tier change for one user.
type TierMessage struct {
	UserID string    `json:"user_id"`
	Tier   tier.Tier `json:"tier"`
}

// Channel publishes and receives snapshot envelopes.
// Implementations filter out the context's own messages.
type Channel interface {
	Publish(ctx context.Context, kind string, payload any) error
	// Subscribe blocks, delivering peer envelopes to handler until ctx is done.
	Subscribe(ctx context.Context, handler func(Envelope)) error
}

// Announcer adapts a Channel for tier change notifications.
type Announcer struct {
	Channel Channel
}

// AnnounceTier publishes a tier change for one user.
func (a Announcer) AnnounceTier(ctx context.Context, userID string, t tier.Tier) error {
	return a.Channel.Publish(ctx, KindTier, TierMessage{UserID: userID, Tier: t})
}
