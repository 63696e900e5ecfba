// Package warning keeps a bounded in-memory list of operational warnings
// raised by the connector: escalated connection failures, exhausted
// reconnects and dead-lettered messages.
package warning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/receiver"
)

// DefaultCapacity is the number of warnings kept when none is given
const DefaultCapacity = 1000

// Categories
const (
	CategoryConnection = "CONNECTION"
	CategoryReconnect  = "RECONNECT"
	CategoryPoison     = "POISON_MESSAGE"
)

// Severities
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Warning is one recorded event
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Source       string    `json:"source"`
	Timestamp    time.Time `json:"timestamp"`
	Acknowledged bool      `json:"acknowledged"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Severity       string
	Category       string
	Unacknowledged bool
}

func (f Filter) match(w *Warning) bool {
	if f.Severity != "" && !strings.EqualFold(f.Severity, w.Severity) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(f.Category, w.Category) {
		return false
	}
	return !f.Unacknowledged || !w.Acknowledged
}

// Store holds warnings, dropping the oldest beyond its capacity
type Store struct {
	mu       sync.RWMutex
	capacity int
	warnings map[string]*Warning
	now      func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, warnings: make(map[string]*Warning), now: time.Now}
}

// Add records a warning and returns it
func (s *Store) Add(category, severity, message, source string) *Warning {
	w := &Warning{
		ID:        uuid.NewString(),
		Category:  category,
		Severity:  severity,
		Message:   message,
		Source:    source,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	if len(s.warnings) >= s.capacity {
		s.evictOldest()
	}
	s.warnings[w.ID] = w
	s.mu.Unlock()

	log.Info().
		Str("severity", severity).
		Str("category", category).
		Str("source", source).
		Str("message", message).
		Msg("Warning recorded")
	return w
}

func (s *Store) evictOldest() {
	var oldest *Warning
	for _, w := range s.warnings {
		if oldest == nil || w.Timestamp.Before(oldest.Timestamp) {
			oldest = w
		}
	}
	if oldest != nil {
		delete(s.warnings, oldest.ID)
	}
}

// List returns matching warnings, newest first. The returned values are
// copies.
func (s *Store) List(f Filter) []Warning {
	s.mu.RLock()
	out := make([]Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		if f.match(w) {
			out = append(out, *w)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Acknowledge marks a warning; false when the id is unknown
func (s *Store) Acknowledge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.warnings[id]
	if !ok {
		return false
	}
	w.Acknowledged = true
	return true
}

// Clear removes every warning and returns how many there were
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.warnings)
	s.warnings = make(map[string]*Warning)
	return n
}

// ClearOlderThan removes warnings older than age
func (s *Store) ClearOlderThan(age time.Duration) int {
	threshold := s.now().Add(-age)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, w := range s.warnings {
		if w.Timestamp.Before(threshold) {
			delete(s.warnings, id)
			n++
		}
	}
	return n
}

// Escalation records each escalated connection failure before passing it
// to next, which may be nil
func (s *Store) Escalation(next connector.EscalationHandler) connector.EscalationHandler {
	return connector.EscalationFunc(func(ctx context.Context, c *connector.Connector, err error) {
		s.Add(CategoryConnection, SeverityWarning, fmt.Sprintf("connection failure: %v", err), c.Name())
		if next != nil {
			next.HandleConnectionFailure(ctx, c, err)
		}
	})
}

// Poison records each dead-lettered message before passing it to next
func (s *Store) Poison(next receiver.PoisonHandler) receiver.PoisonHandler {
	return poisonRecorder{store: s, next: next}
}

type poisonRecorder struct {
	store *Store
	next  receiver.PoisonHandler
}

func (p poisonRecorder) HandlePoison(ctx context.Context, receiverKey string, msg jms.Message, cause error) error {
	p.store.Add(CategoryPoison, SeverityWarning, fmt.Sprintf("message %s dead-lettered: %v", msg.ID(), cause), receiverKey)
	return p.next.HandlePoison(ctx, receiverKey, msg, cause)
}
