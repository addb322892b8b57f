// Package profile reads the external profile record supplying each user's tier.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/studykite/meterd/internal/db"
	"github.com/studykite/meterd/internal/domain/tier"
)

// store is the consumer interface for profile reads (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type record struct {
	Tier string `json:"tier"`
}

// Store reads and writes user tier profiles.
type Store struct {
	store     store
	keyPrefix string
}

// New creates a profile store.
func New(s store, keyPrefix string) *Store {
	return &Store{store: s, keyPrefix: keyPrefix}
}

func (s *Store) key(userID string) string {
	return fmt.Sprintf("%sprofile:%s", s.keyPrefix, userID)
}

// Tier returns the user's current tier. Users without a profile are free tier.
func (s *Store) Tier(ctx context.Context, userID string) (tier.Tier, error) {
	data, err := s.store.Get(ctx, s.key(userID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return tier.Free, nil
		}
		return "", fmt.Errorf("profile %s: %w", userID, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("profile %s decode: %w", userID, err)
	}
	t, err := tier.Parse(rec.Tier)
	if err != nil {
		return "", fmt.Errorf("profile %s: %w", userID, err)
	}
	return t, nil
}

// SetTier updates the user's tier. Payment-webhook driven updates land here
// before being broadcast to running contexts.
func (s *Store) SetTier(ctx context.Context, userID string, t tier.Tier) error {
	data, err := json.Marshal(record{Tier: string(t)})
	if err != nil {
		return fmt.Errorf("profile %s encode: %w", userID, err)
	}
	if err := s.store.Set(ctx, s.key(userID), data); err != nil {
		return fmt.Errorf("profile %s write: %w", userID, err)
	}
	return nil
}
