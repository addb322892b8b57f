package redis

import (
	"context"
	"errors"

	"github.com/redis/rueidis"

	"github.com/studykite/meterd/internal/db"
)

// Publish broadcasts a payload on a channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	cmd := s.b().Publish().Channel(channel).Message(string(payload)).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpPublish, Err: err}
	}
	return nil
}

// Subscribe blocks delivering messages from a channel to handler until ctx is
// done. Context cancellation is a normal return, not an error.
func (s *Store) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	cmd := s.b().Subscribe().Channel(channel).Build()
	err := s.client.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
		handler([]byte(msg.Message))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return &db.Error{Op: db.OpSubscribe, Err: err}
	}
	return nil
}
