package redelivery

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// Strategy names accepted in configuration
const (
	StrategyAuto          = "auto"
	StrategyCounting      = "counting"
	StrategyDeliveryCount = "delivery-count"
	StrategyRedis         = "redis"
)

// Options selects and configures a Tracker
type Options struct {
	Strategy string
	// Capacity of the counting tracker's LRU
	Capacity int
	// Redis client for the shared strategy
	Redis    redis.Cmdable
	RedisKey string
	RedisTTL time.Duration
}

// New builds the tracker named by opts.Strategy. The auto strategy uses the
// provider's delivery counter when the factory advertises one.
func New(opts Options, meta jms.Metadata) (Tracker, error) {
	switch opts.Strategy {
	case "", StrategyAuto:
		if meta.DeliveryCount {
			return NewDeliveryCountTracker(), nil
		}
		return NewCountingTracker(opts.Capacity), nil
	case StrategyCounting:
		return NewCountingTracker(opts.Capacity), nil
	case StrategyDeliveryCount:
		return NewDeliveryCountTracker(), nil
	case StrategyRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("redelivery strategy %q requires a redis client", opts.Strategy)
		}
		return NewRedisTracker(opts.Redis, opts.RedisKey, opts.RedisTTL), nil
	default:
		return nil, fmt.Errorf("unknown redelivery strategy %q", opts.Strategy)
	}
}
