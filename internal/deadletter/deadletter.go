// Package deadletter receives messages that exceeded their redelivery
// budget and keeps them for inspection.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/receiver"
	"go.flowcatalyst.tech/connector/internal/redelivery"
)

var ErrNotFound = errors.New("dead letter not found")

// Record is a stored poison message
type Record struct {
	ID            string            `bson:"_id" json:"id"`
	MessageID     string            `bson:"messageId" json:"messageId"`
	Receiver      string            `bson:"receiver" json:"receiver"`
	Destination   string            `bson:"destination,omitempty" json:"destination,omitempty"`
	CorrelationID string            `bson:"correlationId,omitempty" json:"correlationId,omitempty"`
	Body          []byte            `bson:"body" json:"body"`
	Properties    map[string]string `bson:"properties,omitempty" json:"properties,omitempty"`
	DeliveryCount int               `bson:"deliveryCount" json:"deliveryCount"`
	Cause         string            `bson:"cause" json:"cause"`
	RecordedAt    time.Time         `bson:"recordedAt" json:"recordedAt"`
}

// NewRecord captures msg as seen by the receiver. The id is stable per
// receiver and message, so recording the same message twice overwrites.
func NewRecord(receiverKey string, msg jms.Message, cause error, now time.Time) *Record {
	r := &Record{
		ID:            receiverKey + "/" + msg.ID(),
		MessageID:     msg.ID(),
		Receiver:      receiverKey,
		CorrelationID: msg.CorrelationID(),
		Body:          msg.Body(),
		Properties:    msg.Properties(),
		DeliveryCount: msg.DeliveryCount(),
		RecordedAt:    now,
	}
	if d := msg.Destination(); d != nil {
		r.Destination = d.Name()
	}
	var tooMany *redelivery.TooManyRedeliveriesError
	if errors.As(cause, &tooMany) && tooMany.Count > r.DeliveryCount {
		r.DeliveryCount = tooMany.Count
	}
	if cause != nil {
		r.Cause = cause.Error()
	}
	return r
}

// Store persists dead letters
type Store interface {
	Save(ctx context.Context, r *Record) error
	// List returns the newest records first; an empty receiver lists all
	List(ctx context.Context, receiver string, limit int) ([]*Record, error)
	Delete(ctx context.Context, id string) error
}

// Handler records poison messages in a store
type Handler struct {
	store Store
	sink  string
	now   func() time.Time
}

var _ receiver.PoisonHandler = (*Handler)(nil)

// NewHandler creates a poison handler writing to store. sink labels the
// metrics.
func NewHandler(sink string, store Store) *Handler {
	return &Handler{store: store, sink: sink, now: time.Now}
}

// HandlePoison implements receiver.PoisonHandler
func (h *Handler) HandlePoison(ctx context.Context, receiverKey string, msg jms.Message, cause error) error {
	r := NewRecord(receiverKey, msg, cause, h.now())
	if err := h.store.Save(ctx, r); err != nil {
		metrics.DeadLetterMessages.WithLabelValues(h.sink, "failed").Inc()
		return fmt.Errorf("failed to save dead letter %s: %w", r.ID, err)
	}
	metrics.DeadLetterMessages.WithLabelValues(h.sink, "stored").Inc()
	log.Warn().
		Str("receiver", receiverKey).
		Str("messageId", r.MessageID).
		Int("deliveryCount", r.DeliveryCount).
		Str("sink", h.sink).
		Msg("Poison message dead-lettered")
	return nil
}

// LogHandler only logs poison messages
type LogHandler struct{}

// HandlePoison implements receiver.PoisonHandler
func (LogHandler) HandlePoison(_ context.Context, receiverKey string, msg jms.Message, cause error) error {
	metrics.DeadLetterMessages.WithLabelValues("log", "stored").Inc()
	log.Error().
		Err(cause).
		Str("receiver", receiverKey).
		Str("messageId", msg.ID()).
		Str("correlationId", msg.CorrelationID()).
		Int("bodyBytes", len(msg.Body())).
		Msg("Poison message discarded")
	return nil
}

// MemoryStore keeps the newest records in memory, up to a capacity
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	records  map[string]*Record
}

// NewMemoryStore creates a store holding at most capacity records
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryStore{capacity: capacity, records: make(map[string]*Record)}
}

func (s *MemoryStore) Save(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
	if len(s.records) > s.capacity {
		oldest := ""
		for id, rec := range s.records {
			if oldest == "" || rec.RecordedAt.Before(s.records[oldest].RecordedAt) {
				oldest = id
			}
		}
		delete(s.records, oldest)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, receiverKey string, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		if receiverKey == "" || r.Receiver == receiverKey {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.records, id)
	return nil
}
