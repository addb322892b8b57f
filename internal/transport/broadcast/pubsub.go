package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/db"
	"github.com/studykite/meterd/internal/metrics"
)

// PubSubChannel is the primary transport: a native broadcast primitive.
type PubSubChannel struct {
	ps      db.PubSub
	channel string
	origin  string
	logger  *zap.Logger
	nowFn   func() time.Time
}

var _ Channel = (*PubSubChannel)(nil)

// NewPubSub creates a pub/sub backed channel. origin identifies this context;
// its own messages are dropped on receive.
func NewPubSub(ps db.PubSub, channel, origin string, logger *zap.Logger) *PubSubChannel {
	return &PubSubChannel{
		ps:      ps,
		channel: channel,
		origin:  origin,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// Publish broadcasts a payload to all peers.
func (c *PubSubChannel) Publish(ctx context.Context, kind string, payload any) error {
	data, err := marshalEnvelope(c.origin, kind, c.nowFn(), payload)
	if err != nil {
		return err
	}
	if err := c.ps.Publish(ctx, c.channel, data); err != nil {
		return fmt.Errorf("broadcast publish %s: %w", kind, err)
	}
	metrics.BroadcastMessagesTotal.WithLabelValues(kind, "sent").Inc()
	return nil
}

// Subscribe blocks delivering peer envelopes until ctx is done.
func (c *PubSubChannel) Subscribe(ctx context.Context, handler func(Envelope)) error {
	err := c.ps.Subscribe(ctx, c.channel, func(payload []byte) {
		env, ok := c.decode(payload)
		if ok {
			metrics.BroadcastMessagesTotal.WithLabelValues(env.Kind, "received").Inc()
			handler(env)
		}
	})
	if err != nil {
		return fmt.Errorf("broadcast subscribe: %w", err)
	}
	return nil
}

func (c *PubSubChannel) decode(payload []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Warn("Dropping malformed broadcast message", zap.Error(err))
		return Envelope{}, false
	}
	if env.Origin == c.origin {
		return Envelope{}, false
	}
	return env, true
}

func marshalEnvelope(origin, kind string, now time.Time, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("broadcast encode %s payload: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{
		Origin:   origin,
		Kind:     kind,
		SentAtMS: now.UnixMilli(),
		Payload:  body,
	})
	if err != nil {
		return nil, fmt.Errorf("broadcast encode %s: %w", kind, err)
	}
	return data, nil
}
