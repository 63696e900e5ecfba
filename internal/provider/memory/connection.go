package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

var (
	ErrClientIDInUse    = errors.New("memory: client id already in use")
	ErrClientIDFixed    = errors.New("memory: client id can only be set before first use")
	ErrNotTransacted    = errors.New("memory: session is not transacted")
	ErrListenerAttached = errors.New("memory: consumer has a message listener")
	ErrNeedClientID     = errors.New("memory: durable subscriptions require a client id")
)

// Factory creates connections to a Broker
type Factory struct {
	broker *Broker

	mu    sync.Mutex
	props map[string]string
}

// NewFactory creates a factory for broker
func NewFactory(broker *Broker) *Factory {
	return &Factory{broker: broker, props: map[string]string{}}
}

// Broker returns the broker behind the factory
func (f *Factory) Broker() *Broker { return f.broker }

// Metadata implements jms.ConnectionFactory
func (f *Factory) Metadata() jms.Metadata {
	return jms.Metadata{Provider: "memory", DeliveryCount: true}
}

// Configure stores connection factory properties. The memory provider
// understands clientID as a default client id for new connections.
func (f *Factory) Configure(props map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range props {
		f.props[k] = v
	}
	return nil
}

// Property returns a configured property
func (f *Factory) Property(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props[name]
}

// CreateConnection implements jms.ConnectionFactory
func (f *Factory) CreateConnection(ctx context.Context, username, password string) (jms.Connection, error) {
	return f.create(ctx, false)
}

// CreateXAConnection implements jms.XAConnectionFactory
func (f *Factory) CreateXAConnection(ctx context.Context, username, password string) (jms.Connection, error) {
	return f.create(ctx, true)
}

func (f *Factory) create(ctx context.Context, xa bool) (jms.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if hook := f.broker.getHooks().CreateConnection; hook != nil {
		if err := hook(); err != nil {
			return nil, jms.NewProviderError("create connection", err, true)
		}
	}
	c := &Connection{
		broker:   f.broker,
		xa:       xa,
		id:       uuid.NewString(),
		clientID: f.Property("clientID"),
		gate:     make(chan struct{}),
	}
	f.broker.register(c)
	log.Debug().Str("broker", f.broker.name).Str("connection", c.id).Bool("xa", xa).Msg("Memory connection opened")
	return c, nil
}

// Connection is a connection to a Broker
type Connection struct {
	broker *Broker
	xa     bool
	id     string

	mu        sync.Mutex
	clientID  string
	used      bool
	started   bool
	closed    bool
	broken    error
	gate      chan struct{}
	listener  jms.ExceptionListener
	sessions  map[*Session]struct{}
	temporary []string
}

// CreateSession implements jms.Connection
func (c *Connection) CreateSession(ctx context.Context, transacted bool, mode jms.AckMode) (jms.Session, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if hook := c.broker.getHooks().CreateSession; hook != nil {
		if err := hook(transacted, mode); err != nil {
			return nil, jms.NewProviderError("create session", err, true)
		}
	}
	if transacted {
		mode = jms.SessionTransacted
	}
	s := &Session{conn: c, transacted: transacted, mode: mode}

	c.mu.Lock()
	c.used = true
	if c.sessions == nil {
		c.sessions = make(map[*Session]struct{})
	}
	c.sessions[s] = struct{}{}
	c.mu.Unlock()

	if c.xa {
		return &XASession{Session: s}, nil
	}
	return s, nil
}

// Start implements jms.Connection
func (c *Connection) Start() error {
	if err := c.usable(); err != nil {
		return err
	}
	if hook := c.broker.getHooks().StartConnection; hook != nil {
		if err := hook(c); err != nil {
			return jms.NewProviderError("start", err, true)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = true
	if !c.started {
		c.started = true
		close(c.gate)
	}
	return nil
}

// Stop implements jms.Connection
func (c *Connection) Stop() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.started = false
		c.gate = make(chan struct{})
	}
	return nil
}

// Started reports whether delivery is running
func (c *Connection) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Close implements jms.Connection. Closing twice is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if !c.started {
		// release anything waiting on the start gate
		close(c.gate)
	}
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	temporary := c.temporary
	c.temporary = nil
	c.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	for _, name := range temporary {
		c.broker.deleteQueue(name)
	}
	c.broker.unregister(c)
	log.Debug().Str("broker", c.broker.name).Str("connection", c.id).Msg("Memory connection closed")
	return nil
}

// ClientID implements jms.Connection
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID implements jms.Connection
func (c *Connection) SetClientID(id string) error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.broker.clientIDInUse(id, c) {
		return fmt.Errorf("%w: %s", ErrClientIDInUse, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return ErrClientIDFixed
	}
	c.clientID = id
	return nil
}

// SetExceptionListener implements jms.Connection
func (c *Connection) SetExceptionListener(l jms.ExceptionListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// ExceptionListener returns the registered exception listener
func (c *Connection) ExceptionListener() jms.ExceptionListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// Closed reports whether Close has been called
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return jms.ErrClosed
	}
	if c.broken != nil {
		return jms.NewProviderError("connection", fmt.Errorf("%w: %v", jms.ErrConnectionLost, c.broken), true)
	}
	return nil
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.closed || c.broken != nil {
		c.mu.Unlock()
		return
	}
	c.broken = err
	l := c.listener
	c.mu.Unlock()

	if l != nil {
		l.OnException(jms.NewProviderError("connection", fmt.Errorf("%w: %v", jms.ErrConnectionLost, err), true))
	}
}

// awaitStarted blocks until the connection is started or ctx is done
func (c *Connection) awaitStarted(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return jms.ErrClosed
		}
		if c.started {
			c.mu.Unlock()
			return nil
		}
		gate := c.gate
		c.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

func (c *Connection) addTemporary(name string) {
	c.mu.Lock()
	c.temporary = append(c.temporary, name)
	c.mu.Unlock()
}
