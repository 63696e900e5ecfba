package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

var (
	ErrClientIDFixed = errors.New("amqp: client id can only be set before first use")
	ErrNeedClientID  = errors.New("amqp: durable subscriptions require a client id")
)

// Factory creates AMQP connections
type Factory struct {
	opts *Options
	dial func(url string, cfg amqp091.Config) (*amqp091.Connection, error)

	mu       sync.Mutex
	clientID string
}

var _ jms.Configurable = (*Factory)(nil)

// NewFactory creates a factory. nil opts uses NewOptions.
func NewFactory(opts *Options) *Factory {
	if opts == nil {
		opts = NewOptions()
	}
	return &Factory{opts: opts, dial: amqp091.DialConfig}
}

// Build creates a factory from connection factory properties
func Build(_ context.Context, props map[string]string) (jms.ConnectionFactory, error) {
	f := NewFactory(nil)
	if err := f.Configure(props); err != nil {
		return nil, err
	}
	return f, nil
}

// Options returns the factory options
func (f *Factory) Options() *Options { return f.opts }

// Metadata implements jms.ConnectionFactory
func (f *Factory) Metadata() jms.Metadata {
	return jms.Metadata{Provider: "amqp", DeliveryCount: f.opts.DeliveryCount}
}

// Configure implements jms.Configurable
func (f *Factory) Configure(props map[string]string) error {
	if err := f.opts.Apply(props); err != nil {
		return err
	}
	if id, ok := props["clientID"]; ok {
		f.mu.Lock()
		f.clientID = id
		f.mu.Unlock()
	}
	return f.opts.Validate()
}

// CreateConnection implements jms.ConnectionFactory
func (f *Factory) CreateConnection(ctx context.Context, username, password string) (jms.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dialURL, err := f.opts.dialURL(username, password)
	if err != nil {
		return nil, err
	}

	timeout := f.opts.DialTimeout
	conn, err := f.dial(dialURL, amqp091.Config{
		TLSClientConfig: f.opts.TLSConfig,
		Heartbeat:       f.opts.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, jms.NewProviderError("dial", err, true)
	}

	f.mu.Lock()
	clientID := f.clientID
	f.mu.Unlock()

	c := &Connection{
		conn:     conn,
		opts:     f.opts,
		clientID: clientID,
		gate:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp091.Error, 1)))

	log.Debug().Str("address", f.opts.Address).Str("vhost", f.opts.Vhost).Msg("AMQP connection opened")
	return c, nil
}

// Connection is one AMQP broker connection
type Connection struct {
	conn *amqp091.Connection
	opts *Options

	mu       sync.Mutex
	clientID string
	used     bool
	started  bool
	gate     chan struct{}
	listener jms.ExceptionListener
	closing  bool
	closed   chan struct{}
}

// watch reports an unrequested close to the exception listener
func (c *Connection) watch(notify <-chan *amqp091.Error) {
	amqpErr, ok := <-notify
	c.mu.Lock()
	closing := c.closing
	l := c.listener
	c.mu.Unlock()
	defer close(c.closed)

	if closing || !ok || amqpErr == nil {
		return
	}
	err := jms.NewProviderError("connection", fmt.Errorf("%w: %s", jms.ErrConnectionLost, amqpErr.Error()), true)
	log.Warn().Int("code", amqpErr.Code).Str("reason", amqpErr.Reason).Bool("server", amqpErr.Server).Msg("AMQP connection closed by broker")
	if l != nil {
		l.OnException(err)
	}
}

// CreateSession implements jms.Connection. Each session owns a channel.
func (c *Connection) CreateSession(ctx context.Context, transacted bool, mode jms.AckMode) (jms.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.markUsed()

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, jms.NewProviderError("open channel", err, c.conn.IsClosed())
	}
	if c.opts.Prefetch > 0 {
		if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, jms.NewProviderError("set qos", err, false)
		}
	}
	if transacted {
		if err := ch.Tx(); err != nil {
			_ = ch.Close()
			return nil, jms.NewProviderError("select tx", err, false)
		}
		mode = jms.SessionTransacted
	}
	return newSession(c, ch, transacted, mode), nil
}

// Start implements jms.Connection
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = true
	if !c.started {
		c.started = true
		close(c.gate)
	}
	return nil
}

// Stop implements jms.Connection. Deliveries already prefetched wait in
// their consumers until the connection is started again.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.started = false
		c.gate = make(chan struct{})
	}
	return nil
}

// Close implements jms.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return jms.NewProviderError("close connection", err, false)
	}
	return nil
}

// ClientID implements jms.Connection. AMQP has no client id; it prefixes
// durable subscription queue names.
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID implements jms.Connection
func (c *Connection) SetClientID(id string) error {
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

func (c *Connection) markUsed() {
	c.mu.Lock()
	c.used = true
	c.mu.Unlock()
}

// awaitStarted blocks until the connection is started
func (c *Connection) awaitStarted(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-c.closed:
		return jms.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
