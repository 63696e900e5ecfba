package redelivery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// DefaultRedisTTL bounds how long an idle counter survives in Redis
const DefaultRedisTTL = time.Hour

// RedisTracker counts redeliveries in Redis so that several connector
// instances consuming the same destination share one count per message.
// It follows the counting semantics of CountingTracker, including the
// restart after a reject; idle counters expire after TTL.
type RedisTracker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisTracker creates a RedisTracker. Keys are "<prefix>:<messageId>".
func NewRedisTracker(client redis.Cmdable, prefix string, ttl time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "connector:redelivery"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl}
}

// HandleRedelivery implements Tracker
func (t *RedisTracker) HandleRedelivery(ctx context.Context, msg jms.Message, maxRedeliveries int) (Outcome, error) {
	if maxRedeliveries <= 0 {
		return Outcome{Verdict: Accept}, nil
	}

	key := t.prefix + ":" + msg.ID()

	var incr *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to count redelivery: %w", err)
	}

	count := int(incr.Val())
	if count > maxRedeliveries {
		if err := t.client.Del(ctx, key).Err(); err != nil {
			log.Warn().Err(err).Str("messageId", msg.ID()).Msg("Failed to clear redelivery counter")
		}
		log.Warn().
			Str("messageId", msg.ID()).
			Int("count", count).
			Int("max", maxRedeliveries).
			Msg("Maximum redeliveries exceeded")
	}
	return decide("redis", msg.ID(), count, maxRedeliveries)
}
