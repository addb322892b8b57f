package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studykite/meterd/internal/db"
	"github.com/studykite/meterd/internal/metrics"
)

// kvStore is the consumer interface for the polling fallback (ISP).
type kvStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// PollingChannel is the degraded transport used when the broadcast primitive
// is unavailable: peers poll a shared mailbox key holding a short-lived
// write, read it, and promptly clear it. Functionally equivalent to pub/sub
// but higher latency and best effort only.
type PollingChannel struct {
	kv       kvStore
	key      string
	origin   string
	interval time.Duration
	logger   *zap.Logger
	nowFn    func() time.Time

	lastSeenMS int64
}

var _ Channel = (*PollingChannel)(nil)

// NewPolling creates a storage-polling channel.
func NewPolling(kv kvStore, key, origin string, interval time.Duration, logger *zap.Logger) *PollingChannel {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &PollingChannel{
		kv:       kv,
		key:      key,
		origin:   origin,
		interval: interval,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Publish writes the envelope to the shared mailbox key. The TTL bounds how
// long an unread message lingers; peers that poll too late miss it.
func (c *PollingChannel) Publish(ctx context.Context, kind string, payload any) error {
	data, err := marshalEnvelope(c.origin, kind, c.nowFn(), payload)
	if err != nil {
		return err
	}
	ttl := 4 * c.interval
	if err := c.kv.SetWithTTL(ctx, c.key, data, ttl); err != nil {
		return fmt.Errorf("broadcast mailbox write: %w", err)
	}
	metrics.BroadcastMessagesTotal.WithLabelValues(kind, "sent").Inc()
	return nil
}

// Subscribe polls the mailbox until ctx is done.
func (c *PollingChannel) Subscribe(ctx context.Context, handler func(Envelope)) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.poll(ctx, handler)
		}
	}
}

func (c *PollingChannel) poll(ctx context.Context, handler func(Envelope)) {
	data, err := c.kv.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Warn("Broadcast mailbox read failed", zap.Error(err))
		}
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("Dropping malformed mailbox message", zap.Error(err))
		_ = c.kv.Del(ctx, c.key)
		return
	}

	// Clear after reading so peers stop re-delivering it. Racing peers may
	// deliver the same envelope more than once; SentAtMS dedupes locally and
	// the LWW merge rule makes duplicates harmless anyway.
	_ = c.kv.Del(ctx, c.key)

	if env.Origin == c.origin || env.SentAtMS <= c.lastSeenMS {
		return
	}
	c.lastSeenMS = env.SentAtMS
	metrics.BroadcastMessagesTotal.WithLabelValues(env.Kind, "received").Inc()
	handler(env)
}
