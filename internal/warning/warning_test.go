package warning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/provider/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestStore(capacity int) *Store {
	s := NewStore(capacity)
	c := &clock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s
}

func TestAddAndList(t *testing.T) {
	s := newTestStore(10)
	s.Add(CategoryConnection, SeverityWarning, "lost", "orders")
	crit := s.Add(CategoryReconnect, SeverityCritical, "gave up", "orders")
	s.Add(CategoryPoison, SeverityWarning, "m-1", "orders-in")

	all := s.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, CategoryPoison, all[0].Category, "newest first")

	got := s.List(Filter{Severity: "critical"})
	require.Len(t, got, 1)
	assert.Equal(t, crit.ID, got[0].ID)

	assert.Len(t, s.List(Filter{Category: CategoryPoison}), 1)
}

func TestCapacityDropsOldest(t *testing.T) {
	s := newTestStore(2)
	first := s.Add(CategoryConnection, SeverityWarning, "1", "c")
	s.Add(CategoryConnection, SeverityWarning, "2", "c")
	s.Add(CategoryConnection, SeverityWarning, "3", "c")

	all := s.List(Filter{})
	require.Len(t, all, 2)
	for _, w := range all {
		assert.NotEqual(t, first.ID, w.ID)
	}
}

func TestAcknowledge(t *testing.T) {
	s := newTestStore(10)
	w := s.Add(CategoryConnection, SeverityWarning, "lost", "orders")
	s.Add(CategoryConnection, SeverityWarning, "lost again", "orders")

	assert.True(t, s.Acknowledge(w.ID))
	assert.False(t, s.Acknowledge("missing"))
	assert.Len(t, s.List(Filter{Unacknowledged: true}), 1)

	listed := s.List(Filter{})
	listed[0].Acknowledged = false
	assert.Len(t, s.List(Filter{Unacknowledged: true}), 1, "List returns copies")
}

func TestClear(t *testing.T) {
	s := newTestStore(10)
	s.Add(CategoryConnection, SeverityWarning, "old", "c")
	s.Add(CategoryConnection, SeverityWarning, "newer", "c")
	// the clock ticks a second per call: adds at 1s and 2s, clear at 3s
	assert.Equal(t, 1, s.ClearOlderThan(1500*time.Millisecond))
	assert.Equal(t, 1, s.Clear())
	assert.Empty(t, s.List(Filter{}))
}

func TestEscalationRecordsAndDelegates(t *testing.T) {
	s := newTestStore(10)
	cfg := connector.DefaultConfig()
	cfg.Name = "orders"
	c := connector.New(cfg, connector.DirectSource{})

	var delegated error
	h := s.Escalation(connector.EscalationFunc(func(_ context.Context, _ *connector.Connector, err error) {
		delegated = err
	}))
	cause := errors.New("socket closed")
	h.HandleConnectionFailure(context.Background(), c, cause)

	assert.Equal(t, cause, delegated)
	got := s.List(Filter{Category: CategoryConnection})
	require.Len(t, got, 1)
	assert.Equal(t, "orders", got[0].Source)
	assert.Contains(t, got[0].Message, "socket closed")

	s.Escalation(nil).HandleConnectionFailure(context.Background(), c, cause)
	assert.Len(t, s.List(Filter{}), 2)
}

type msg struct{}

func (msg) ID() string                    { return "m-7" }
func (msg) Body() []byte                  { return nil }
func (msg) Properties() map[string]string { return nil }
func (msg) CorrelationID() string         { return "" }
func (msg) ReplyTo() jms.Destination      { return nil }
func (msg) Destination() jms.Destination  { return memory.Queue("orders") }
func (msg) Redelivered() bool             { return true }
func (msg) DeliveryCount() int            { return 4 }
func (msg) Acknowledge() error            { return nil }

type countingPoison struct{ n int }

func (p *countingPoison) HandlePoison(context.Context, string, jms.Message, error) error {
	p.n++
	return nil
}

func TestPoisonRecordsAndDelegates(t *testing.T) {
	s := newTestStore(10)
	next := &countingPoison{}
	require.NoError(t, s.Poison(next).HandlePoison(context.Background(), "orders-in", msg{}, errors.New("too many redeliveries")))

	assert.Equal(t, 1, next.n)
	got := s.List(Filter{Category: CategoryPoison})
	require.Len(t, got, 1)
	assert.Equal(t, "orders-in", got[0].Source)
	assert.Contains(t, got[0].Message, "m-7")
}
