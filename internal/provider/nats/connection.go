package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

var (
	ErrClientIDFixed = errors.New("nats: client id can only be set before first use")
	ErrNeedClientID  = errors.New("nats: durable subscriptions require a client id")
)

// Factory creates NATS connections
type Factory struct {
	opts *Options

	mu       sync.Mutex
	clientID string
}

var _ jms.Configurable = (*Factory)(nil)

// NewFactory creates a factory. nil opts uses NewOptions.
func NewFactory(opts *Options) *Factory {
	if opts == nil {
		opts = NewOptions()
	}
	return &Factory{opts: opts}
}

// Build creates a factory from connection factory properties
func Build(_ context.Context, props map[string]string) (jms.ConnectionFactory, error) {
	f := NewFactory(nil)
	if err := f.Configure(props); err != nil {
		return nil, err
	}
	return f, nil
}

// Metadata implements jms.ConnectionFactory
func (f *Factory) Metadata() jms.Metadata {
	return jms.Metadata{Provider: "nats", DeliveryCount: true}
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

	f.mu.Lock()
	c := &Connection{
		opts:     f.opts,
		clientID: f.clientID,
		gate:     make(chan struct{}),
		streams:  map[string]bool{},
	}
	f.mu.Unlock()

	if username == "" {
		username, password = f.opts.Username, f.opts.Password
	}
	options := []natsgo.Option{
		natsgo.Name(f.opts.Name),
		natsgo.Timeout(f.opts.ConnectTimeout),
		natsgo.ClosedHandler(c.onClosed),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
	}
	if f.opts.ReconnectAttempts > 0 {
		options = append(options, natsgo.MaxReconnects(f.opts.ReconnectAttempts))
	} else {
		options = append(options, natsgo.NoReconnect())
	}
	if username != "" {
		options = append(options, natsgo.UserInfo(username, password))
	}
	if f.opts.Token != "" {
		options = append(options, natsgo.Token(f.opts.Token))
	}

	nc, err := natsgo.Connect(f.opts.URL, options...)
	if err != nil {
		return nil, jms.NewProviderError("connect", err, true)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, jms.NewProviderError("jetstream", err, false)
	}
	c.nc, c.js = nc, js

	log.Debug().Str("url", nc.ConnectedUrlRedacted()).Msg("NATS connection opened")
	return c, nil
}

// Connection is one NATS client connection
type Connection struct {
	opts *Options
	nc   *natsgo.Conn
	js   jetstream.JetStream

	mu       sync.Mutex
	clientID string
	used     bool
	started  bool
	closing  bool
	gate     chan struct{}
	listener jms.ExceptionListener
	streams  map[string]bool
}

func (c *Connection) onClosed(nc *natsgo.Conn) {
	c.mu.Lock()
	closing := c.closing
	l := c.listener
	c.mu.Unlock()
	if closing {
		return
	}

	cause := nc.LastError()
	if cause == nil {
		cause = natsgo.ErrConnectionClosed
	}
	log.Warn().Err(cause).Msg("NATS connection closed unexpectedly")
	if l != nil {
		l.OnException(jms.NewProviderError("connection", fmt.Errorf("%w: %v", jms.ErrConnectionLost, cause), true))
	}
}

// CreateSession implements jms.Connection
func (c *Connection) CreateSession(ctx context.Context, transacted bool, mode jms.AckMode) (jms.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.nc.IsClosed() {
		return nil, jms.NewProviderError("create session", jms.ErrConnectionLost, true)
	}
	c.mu.Lock()
	c.used = true
	c.mu.Unlock()
	if transacted {
		mode = jms.SessionTransacted
	}
	return &Session{conn: c, transacted: transacted, mode: mode}, nil
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

// Stop implements jms.Connection
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

	if err := c.nc.Drain(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		c.nc.Close()
	}
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

func (c *Connection) awaitStarted(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureStream creates or updates the queue or topic stream once per
// connection
func (c *Connection) ensureStream(ctx context.Context, topic bool) (string, error) {
	cfg := jetstream.StreamConfig{
		Name:      c.opts.QueueStream,
		Subjects:  []string{c.opts.SubjectPrefix + ".queue.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   c.opts.Storage,
		Replicas:  c.opts.Replicas,
	}
	if topic {
		cfg.Name = c.opts.TopicStream
		cfg.Subjects = []string{c.opts.SubjectPrefix + ".topic.>"}
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = c.opts.TopicRetention
	}

	c.mu.Lock()
	done := c.streams[cfg.Name]
	c.mu.Unlock()
	if done {
		return cfg.Name, nil
	}
	if _, err := c.js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return "", jms.NewProviderError("create stream", err, c.nc.IsClosed())
	}
	c.mu.Lock()
	c.streams[cfg.Name] = true
	c.mu.Unlock()
	return cfg.Name, nil
}

// lost maps client errors caused by a dead connection to a transient fault
func (c *Connection) lost(op string, err error) error {
	if c.nc.IsClosed() || errors.Is(err, natsgo.ErrConnectionClosed) {
		return jms.NewProviderError(op, fmt.Errorf("%w: %v", jms.ErrConnectionLost, err), true)
	}
	return jms.NewProviderError(op, err, false)
}
