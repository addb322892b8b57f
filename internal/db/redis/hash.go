package redis

import (
	"context"

	"github.com/studykite/meterd/internal/db"
)

// HSet sets hash fields on a key.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	partial := s.b().Hset().Key(key).FieldValue()
	for f, v := range fields {
		partial = partial.FieldValue(f, v)
	}
	if err := s.do(ctx, partial.Build()).Error(); err != nil {
		return &db.Error{Op: db.OpHSet, Err: err}
	}
	return nil
}

// HGetAll retrieves all fields of a hash. Returns an empty map for a missing key.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cmd := s.b().Hgetall().Key(key).Build()
	fields, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		return nil, &db.Error{Op: db.OpHGetAll, Err: err}
	}
	return fields, nil
}
