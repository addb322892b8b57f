package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/studykite/meterd/internal/db"
)

// mockStore implements the consumer interface for tests.
type mockStore struct {
	getFn     func(ctx context.Context, key string) ([]byte, error)
	setFn     func(ctx context.Context, key string, value []byte) error
	hGetAllFn func(ctx context.Context, key string) (map[string]string, error)
	evalFn    func(ctx context.Context, script string, keys, args []string) ([]byte, error)
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, db.ErrKeyNotFound
}

func (m *mockStore) Set(ctx context.Context, key string, value []byte) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, value)
	}
	return nil
}

func (m *mockStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if m.hGetAllFn != nil {
		return m.hGetAllFn(ctx, key)
	}
	return map[string]string{}, nil
}

func (m *mockStore) Eval(ctx context.Context, script string, keys, args []string) ([]byte, error) {
	if m.evalFn != nil {
		return m.evalFn(ctx, script, keys, args)
	}
	return nil, nil
}

func newTestStore(t *testing.T) (*Store, *mockStore) {
	t.Helper()
	ms := &mockStore{}
	s := New(ms, "test:", 0)
	s.nowFn = func() time.Time {
		return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	}
	return s, ms
}
