package redelivery

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// CountingTracker counts redeliveries per message id in a bounded LRU.
//
// When a message exceeds the maximum its entry is removed, so a further
// redelivery of the same id starts again at 1. Ids evicted from the LRU also
// restart at 1.
type CountingTracker struct {
	mu       sync.Mutex
	capacity int
	cache    *lru.Cache[string, int]
}

// NewCountingTracker creates a tracker remembering up to capacity ids.
// A capacity <= 0 uses DefaultCapacity.
func NewCountingTracker(capacity int) *CountingTracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &CountingTracker{capacity: capacity}
}

// HandleRedelivery implements Tracker
func (t *CountingTracker) HandleRedelivery(_ context.Context, msg jms.Message, maxRedeliveries int) (Outcome, error) {
	return t.Handle(msg.ID(), maxRedeliveries)
}

// Handle records one redelivery of messageID
func (t *CountingTracker) Handle(messageID string, maxRedeliveries int) (Outcome, error) {
	if maxRedeliveries <= 0 {
		return Outcome{Verdict: Accept}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cache == nil {
		cache, err := lru.New[string, int](t.capacity)
		if err != nil {
			return Outcome{}, err
		}
		t.cache = cache
	}

	count, ok := t.cache.Get(messageID)
	if !ok {
		t.cache.Add(messageID, 1)
		log.Debug().Str("messageId", messageID).Msg("First redelivery of message")
		return decide("counting", messageID, 1, maxRedeliveries)
	}

	count++
	if count > maxRedeliveries {
		t.cache.Remove(messageID)
		log.Warn().
			Str("messageId", messageID).
			Int("count", count).
			Int("max", maxRedeliveries).
			Msg("Maximum redeliveries exceeded")
		return decide("counting", messageID, count, maxRedeliveries)
	}

	t.cache.Add(messageID, count)
	return decide("counting", messageID, count, maxRedeliveries)
}

// Len returns the number of tracked ids
func (t *CountingTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cache == nil {
		return 0
	}
	return t.cache.Len()
}

// Contains reports whether messageID is currently tracked
func (t *CountingTracker) Contains(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache != nil && t.cache.Contains(messageID)
}
