// Package memory is an in-process provider. It backs the connector's
// embedded mode and gives tests a broker with fault hooks.
//
// Queues deliver each message to one consumer; topics copy each message to
// every subscription. Sends on a transacted session are held until commit.
// Message priority is not honoured: delivery is FIFO per destination.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// Hooks let tests inject provider faults. Each hook runs before the
// operation it names; a non-nil error aborts the operation.
type Hooks struct {
	CreateConnection func() error
	CreateSession    func(transacted bool, mode jms.AckMode) error
	CreateConsumer   func(dest jms.Destination) error
	SetListener      func(c *Consumer, attach bool) error
	StartConnection  func(c *Connection) error
}

// Broker holds destinations shared by all connections of its factories
type Broker struct {
	name string

	mu      sync.Mutex
	queues  map[string]*buffer
	topics  map[string]*topic
	durable map[string]*subscription
	conns   map[*Connection]struct{}
	hooks   Hooks
}

// NewBroker creates an empty broker
func NewBroker(name string) *Broker {
	return &Broker{
		name:    name,
		queues:  make(map[string]*buffer),
		topics:  make(map[string]*topic),
		durable: make(map[string]*subscription),
		conns:   make(map[*Connection]struct{}),
	}
}

var (
	namedMu sync.Mutex
	named   = make(map[string]*Broker)
)

// Named returns the process-wide broker registered under name, creating it
// on first use.
func Named(name string) *Broker {
	namedMu.Lock()
	defer namedMu.Unlock()
	b, ok := named[name]
	if !ok {
		b = NewBroker(name)
		named[name] = b
	}
	return b
}

// SetHooks replaces the fault hooks
func (b *Broker) SetHooks(h Hooks) {
	b.mu.Lock()
	b.hooks = h
	b.mu.Unlock()
}

func (b *Broker) getHooks() Hooks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hooks
}

// Fail simulates a lost broker: every open connection is marked broken and
// its exception listener is called with err on the caller's goroutine.
func (b *Broker) Fail(err error) {
	b.mu.Lock()
	conns := make([]*Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	log.Warn().Err(err).Str("broker", b.name).Int("connections", len(conns)).Msg("Simulating broker failure")
	for _, c := range conns {
		c.fail(err)
	}
}

// Depth returns the number of messages waiting on a queue
func (b *Broker) Depth(queue string) int {
	return b.queue(queue).len()
}

// Connections returns the number of open connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) queue(name string) *buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newBuffer()
		b.queues[name] = q
	}
	return q
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) deleteQueue(name string) {
	b.mu.Lock()
	delete(b.queues, name)
	b.mu.Unlock()
}

func (b *Broker) register(c *Connection) {
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) unregister(c *Connection) {
	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
}

func (b *Broker) clientIDInUse(id string, except *Connection) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if c != except && c.ClientID() == id {
			return true
		}
	}
	return false
}

// durableSubscription returns the durable subscription for key, creating it
func (b *Broker) durableSubscription(key string, t *topic, selector string) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.durable[key]
	if !ok || sub.selector != selector {
		if ok {
			t.remove(sub)
		}
		sub = &subscription{buf: newBuffer(), selector: selector}
		b.durable[key] = sub
		t.add(sub)
	}
	return sub
}

// topic fans messages out to its subscriptions
type topic struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	buf      *buffer
	selector string
	noLocal  bool
	owner    *Connection
}

func (t *topic) add(s *subscription) {
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
}

func (t *topic) remove(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

func (t *topic) publish(env *envelope, from *Connection) {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if s.noLocal && s.owner == from {
			continue
		}
		s.buf.push(env.copy())
	}
}

// envelope is a stored message plus its delivery bookkeeping
type envelope struct {
	id            string
	body          []byte
	props         map[string]string
	correlationID string
	replyTo       jms.Destination
	dest          jms.Destination
	expires       time.Time
	deliveries    int
}

func (e *envelope) copy() *envelope {
	c := *e
	c.props = make(map[string]string, len(e.props))
	for k, v := range e.props {
		c.props[k] = v
	}
	return &c
}

func (e *envelope) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// buffer is a FIFO of envelopes with blocking take
type buffer struct {
	mu     sync.Mutex
	items  []*envelope
	signal chan struct{}
}

func newBuffer() *buffer {
	return &buffer{signal: make(chan struct{})}
}

func (b *buffer) push(env *envelope) {
	b.mu.Lock()
	b.items = append(b.items, env)
	b.notifyLocked()
	b.mu.Unlock()
}

// pushFront returns envelopes to the head of the buffer in their original order
func (b *buffer) pushFront(envs ...*envelope) {
	if len(envs) == 0 {
		return
	}
	b.mu.Lock()
	b.items = append(append(make([]*envelope, 0, len(envs)+len(b.items)), envs...), b.items...)
	b.notifyLocked()
	b.mu.Unlock()
}

func (b *buffer) notifyLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// take removes and returns the first envelope accepted by match, blocking
// until one arrives or ctx is done.
func (b *buffer) take(ctx context.Context, match func(*envelope) bool) (*envelope, error) {
	for {
		b.mu.Lock()
		now := time.Now()
		kept := b.items[:0]
		var found *envelope
		for _, env := range b.items {
			switch {
			case env.expired(now):
				// dropped
			case found == nil && (match == nil || match(env)):
				found = env
			default:
				kept = append(kept, env)
			}
		}
		for i := len(kept); i < len(b.items); i++ {
			b.items[i] = nil
		}
		b.items = kept
		signal := b.signal
		b.mu.Unlock()

		if found != nil {
			return found, nil
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
