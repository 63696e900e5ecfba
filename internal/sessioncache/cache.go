// Package sessioncache reuses provider sessions and producers across calls
// that share a transaction or a caller-chosen key, and fans provider
// exceptions out to the components that own sessions from the cache.
package sessioncache

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

// ErrExceptionInProgress is returned to an owner asking for a session while
// it is still handling a provider exception. Callers should retry later.
var ErrExceptionInProgress error = exceptionInProgress{}

type exceptionInProgress struct{}

func (exceptionInProgress) Error() string   { return "session cache: provider exception in progress" }
func (exceptionInProgress) Temporary() bool { return true }

// Owner is notified when the provider reports an exception
type Owner interface {
	OnException(err error)
}

// Closer receives resources to close off the caller's goroutine
type Closer interface {
	Enqueue(r io.Closer)
}

type keyCtx struct{}

// WithKey returns a context whose sessions are cached under key when no
// transaction is active.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyCtx{}, key)
}

type sessionKey struct {
	key        string
	fromTx     bool
	transacted bool
	mode       jms.AckMode
}

type producerKey struct {
	session jms.Session
	dest    string
	kind    jms.DestinationKind
}

// Cache holds sessions and producers of one connection
type Cache struct {
	conn   jms.Connection
	closer Closer

	mu        sync.Mutex
	closed    bool
	sessions  map[sessionKey]*cachedSession
	producers map[producerKey]*cachedProducer
	owners    map[Owner]*Handle
	order     []*Handle
}

// New creates a cache over conn
func New(conn jms.Connection, closer Closer) *Cache {
	return &Cache{
		conn:      conn,
		closer:    closer,
		sessions:  make(map[sessionKey]*cachedSession),
		producers: make(map[producerKey]*cachedProducer),
		owners:    make(map[Owner]*Handle),
	}
}

// Connection returns the wrapped connection
func (c *Cache) Connection() jms.Connection { return c.conn }

// Session returns the session cached for the context key, creating it on a
// miss. Without a key the session is created uncached and the caller owns it.
//
// A session cached under a caller key is leased: it is handed to one caller
// at a time and the next caller for the key blocks until the holder closes
// it, or until its own ctx is done. Transaction-scoped sessions are not
// leased, a transaction runs on a single goroutine.
func (c *Cache) Session(ctx context.Context, transacted bool, mode jms.AckMode) (jms.Session, error) {
	key, ok := keyFor(ctx, transacted, mode)
	if !ok {
		metrics.SessionCacheLookups.WithLabelValues("session", "uncached").Inc()
		return c.conn.CreateSession(ctx, transacted, mode)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, jms.ErrClosed
	}
	if s, ok := c.sessions[key]; ok {
		c.mu.Unlock()
		metrics.SessionCacheLookups.WithLabelValues("session", "hit").Inc()
		return s.acquire(ctx)
	}
	c.mu.Unlock()

	metrics.SessionCacheLookups.WithLabelValues("session", "miss").Inc()
	raw, err := c.conn.CreateSession(ctx, transacted, mode)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.closer.Enqueue(raw)
		return nil, jms.ErrClosed
	}
	s, ok := c.sessions[key]
	if ok {
		// lost a race with another caller using the same key
		c.closer.Enqueue(raw)
	} else {
		s = &cachedSession{Session: raw, cache: c, key: key, lease: make(chan struct{}, 1)}
		c.sessions[key] = s
	}
	c.mu.Unlock()
	return s.acquire(ctx)
}

// Producer returns the producer cached for (session, dest)
func (c *Cache) Producer(session jms.Session, dest jms.Destination) (jms.MessageProducer, error) {
	raw := unwrap(session)
	key := producerKey{session: raw}
	if dest != nil {
		key.dest, key.kind = dest.Name(), dest.Kind()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, jms.ErrClosed
	}
	if p, ok := c.producers[key]; ok {
		c.mu.Unlock()
		metrics.SessionCacheLookups.WithLabelValues("producer", "hit").Inc()
		return p, nil
	}
	c.mu.Unlock()

	metrics.SessionCacheLookups.WithLabelValues("producer", "miss").Inc()
	rawProducer, err := raw.CreateProducer(dest)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.producers[key]; ok {
		c.closer.Enqueue(rawProducer)
		return p, nil
	}
	p := &cachedProducer{MessageProducer: rawProducer}
	c.producers[key] = p
	return p, nil
}

// Len returns the number of cached sessions
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Register adds owner to the exception fan-out. Registering the same owner
// again returns the existing handle.
func (c *Cache) Register(owner Owner) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.owners[owner]; ok {
		return h
	}
	h := &Handle{cache: c, owner: owner}
	c.owners[owner] = h
	c.order = append(c.order, h)
	return h
}

// Unregister removes owner from the exception fan-out
func (c *Cache) Unregister(owner Owner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.owners[owner]
	if !ok {
		return
	}
	delete(c.owners, owner)
	for i, o := range c.order {
		if o == h {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// OnException makes the cache usable as a connection exception listener
func (c *Cache) OnException(err error) {
	c.OnProviderException(err)
}

// OnProviderException marks every owner as handling, resets the cache and
// then notifies the owners, in that order. An owner asking for a session
// from inside its OnException sees ErrExceptionInProgress.
func (c *Cache) OnProviderException(err error) {
	c.mu.Lock()
	owners := append([]*Handle(nil), c.order...)
	c.mu.Unlock()

	for _, h := range owners {
		h.mu.Lock()
		h.handling = true
		h.mu.Unlock()
	}

	c.Reset()

	log.Warn().Err(err).Int("owners", len(owners)).Msg("Provider exception, session cache reset")
	for _, h := range owners {
		h.owner.OnException(err)
	}
}

// Reset drops every cached session and producer, closing them through the
// deferred closer.
func (c *Cache) Reset() {
	c.mu.Lock()
	producers := c.producers
	sessions := c.sessions
	c.producers = make(map[producerKey]*cachedProducer)
	c.sessions = make(map[sessionKey]*cachedSession)
	c.mu.Unlock()

	for _, p := range producers {
		c.closer.Enqueue(p.MessageProducer)
	}
	for _, s := range sessions {
		c.closer.Enqueue(s.Session)
	}
	metrics.SessionCacheResets.Inc()
}

// Close resets the cache and refuses further lookups
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.Reset()
	return nil
}

// release evicts a transaction-scoped session once its transaction closes it
func (c *Cache) release(s *cachedSession) {
	c.mu.Lock()
	if cur, ok := c.sessions[s.key]; !ok || cur != s {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, s.key)
	var producers []*cachedProducer
	for k, p := range c.producers {
		if k.session == s.Session {
			producers = append(producers, p)
			delete(c.producers, k)
		}
	}
	c.mu.Unlock()

	for _, p := range producers {
		c.closer.Enqueue(p.MessageProducer)
	}
	c.closer.Enqueue(s.Session)
}

func keyFor(ctx context.Context, transacted bool, mode jms.AckMode) (sessionKey, bool) {
	if tx, ok := transaction.FromContext(ctx); ok {
		return sessionKey{key: tx.ID(), fromTx: true, transacted: transacted, mode: mode}, true
	}
	if key, ok := ctx.Value(keyCtx{}).(string); ok && key != "" {
		return sessionKey{key: key, transacted: transacted, mode: mode}, true
	}
	return sessionKey{}, false
}

func unwrap(s jms.Session) jms.Session {
	for {
		u, ok := s.(interface{ Unwrap() jms.Session })
		if !ok {
			return s
		}
		s = u.Unwrap()
	}
}

// Handle is an owner's view of the cache
type Handle struct {
	cache *Cache
	owner Owner

	mu       sync.Mutex
	handling bool
}

// Session fails fast with ErrExceptionInProgress while the owner is
// handling a provider exception.
func (h *Handle) Session(ctx context.Context, transacted bool, mode jms.AckMode) (jms.Session, error) {
	if h.Handling() {
		return nil, ErrExceptionInProgress
	}
	return h.cache.Session(ctx, transacted, mode)
}

// Handling reports whether the owner is handling an exception
func (h *Handle) Handling() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handling
}

// Resume clears the handling flag once the owner has recovered
func (h *Handle) Resume() {
	h.mu.Lock()
	h.handling = false
	h.mu.Unlock()
}

// cachedSession stays in the cache when closed, unless it is scoped to a
// transaction, in which case closing evicts it.
type cachedSession struct {
	jms.Session
	cache *Cache
	key   sessionKey
	// lease holds a token while a caller uses a keyed session
	lease chan struct{}
}

func (s *cachedSession) acquire(ctx context.Context) (jms.Session, error) {
	if s.key.fromTx {
		return s, nil
	}
	select {
	case s.lease <- struct{}{}:
		return &leasedSession{cachedSession: s}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for cached session %q: %w", s.key.key, ctx.Err())
	}
}

func (s *cachedSession) Close() error {
	if s.key.fromTx {
		s.cache.release(s)
	}
	return nil
}

func (s *cachedSession) Unwrap() jms.Session { return s.Session }

// leasedSession is one caller's hold on a keyed session. Closing it gives the
// session back to the next caller; closing twice is a no-op.
type leasedSession struct {
	*cachedSession
	once sync.Once
}

func (l *leasedSession) Close() error {
	l.once.Do(func() { <-l.lease })
	return nil
}

func (l *leasedSession) Unwrap() jms.Session { return l.cachedSession }

type cachedProducer struct {
	jms.MessageProducer
}

func (p *cachedProducer) Close() error { return nil }
