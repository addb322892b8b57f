// Package activity persists the trial-session state and owns the expiry wipe.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/studykite/meterd/internal/db"
	"github.com/studykite/meterd/internal/domain"
	domactivity "github.com/studykite/meterd/internal/domain/activity"
)

// store is the consumer interface for activity persistence (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}

// DefaultWipeKinds are the user-data key kinds cleared on session expiry.
// The wipe is scoped to this enumerated set; the activity key itself is never
// in it, so expiry cannot be bypassed by the wipe.
var DefaultWipeKinds = []string{"usage", "completions"}

// Store persists per-user session state.
type Store struct {
	store     store
	keyPrefix string
	wipeKinds []string
}

// New creates an activity store. wipeKinds nil selects DefaultWipeKinds.
func New(s store, keyPrefix string, wipeKinds []string) *Store {
	if wipeKinds == nil {
		wipeKinds = DefaultWipeKinds
	}
	return &Store{store: s, keyPrefix: keyPrefix, wipeKinds: wipeKinds}
}

func (s *Store) key(userID string) string {
	return fmt.Sprintf("%sactivity:%s", s.keyPrefix, userID)
}

// Load returns the persisted state for a user, reporting presence.
func (s *Store) Load(ctx context.Context, userID string) (domactivity.State, bool, error) {
	data, err := s.store.Get(ctx, s.key(userID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return domactivity.State{}, false, nil
		}
		return domactivity.State{}, false, fmt.Errorf("activity load %s: %w", userID, err)
	}

	var st domactivity.State
	if err := json.Unmarshal(data, &st); err != nil {
		return domactivity.State{}, false, fmt.Errorf("activity load %s: %w: %v",
			userID, domain.ErrMalformedState, err)
	}
	return st, true, nil
}

// Save persists the state for a user.
func (s *Store) Save(ctx context.Context, userID string, st domactivity.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("activity save %s encode: %w", userID, err)
	}
	if err := s.store.Set(ctx, s.key(userID), data); err != nil {
		return fmt.Errorf("activity save %s: %w", userID, err)
	}
	return nil
}

// Wipe deletes the enumerated user-data keys for an expired session.
// Best effort per key; the first error is reported after all deletes ran.
func (s *Store) Wipe(ctx context.Context, userID string) error {
	var firstErr error
	for _, kind := range s.wipeKinds {
		key := fmt.Sprintf("%s%s:%s", s.keyPrefix, kind, userID)
		if err := s.store.Del(ctx, key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("wipe %s: %w", key, err)
		}
	}
	return firstErr
}
