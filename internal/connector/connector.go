// Package connector owns the provider connection and the receivers built on
// it. It moves through Disconnected, Connected and Started, debounces
// connection faults reported by receivers, and hands escalations to a
// reconnection policy.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/closer"
	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/redelivery"
	"go.flowcatalyst.tech/connector/internal/sessioncache"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

var (
	ErrNoFactory        = errors.New("connector: no connection factory configured")
	ErrDisposed         = errors.New("connector: disposed")
	ErrNotConnected     = errors.New("connector: not connected")
	ErrReceiverExists   = errors.New("connector: receiver already registered")
	ErrReceiverNotFound = errors.New("connector: receiver not registered")
)

// State is the lifecycle state of a connector
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateStarted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateStarted:
		return "started"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Receiver is a consumer of one endpoint whose lifecycle follows the connector
type Receiver interface {
	Key() string
	Connect(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Dispose()
	// MultiConsumer is true when the receiver's consumers share the
	// connection's exception listener rather than reporting individually
	MultiConsumer() bool
	Concurrency() int
}

// EscalationHandler is told when enough receivers reported a connection
// fault for the connector to be considered broken.
type EscalationHandler interface {
	HandleConnectionFailure(ctx context.Context, c *Connector, err error)
}

// EscalationFunc adapts a function to EscalationHandler
type EscalationFunc func(ctx context.Context, c *Connector, err error)

func (f EscalationFunc) HandleConnectionFailure(ctx context.Context, c *Connector, err error) {
	f(ctx, c, err)
}

// PreProcessor may replace a message as soon as it arrives
type PreProcessor func(msg jms.Message, session jms.Session) (jms.Message, error)

// Config holds connector settings
type Config struct {
	Name string
	// AckMode of non-transacted sessions
	AckMode  jms.AckMode
	ClientID string
	// Durable makes every topic subscription durable
	Durable            bool
	NoLocal            bool
	PersistentDelivery bool
	// HonorQoSHeaders lets message properties override send QoS
	HonorQoSHeaders bool
	CacheSessions   bool
	// EagerConsumer creates polling consumers at connect instead of first poll
	EagerConsumer     bool
	Username          string
	Password          string
	FactoryProperties map[string]string
	// EmbeddedMode skips the connection exception listener
	EmbeddedMode  bool
	MaxRedelivery int
	// DisableTemporaryReplyTo stops the dispatcher creating temporary
	// destinations for synchronous replies
	DisableTemporaryReplyTo bool
	StartOnConnect          bool
	// NumberOfConsumers is the per-receiver concurrency used when a
	// receiver does not report its own
	NumberOfConsumers int
	// DisconnectGrace bounds how long Disconnect waits for deferred closes
	DisconnectGrace time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Name:              "connector",
		AckMode:           jms.AutoAcknowledge,
		CacheSessions:     true,
		EagerConsumer:     true,
		MaxRedelivery:     0,
		NumberOfConsumers: 4,
		DisconnectGrace:   5 * time.Second,
	}
}

// Connector manages one provider connection
type Connector struct {
	cfg        *Config
	source     FactorySource
	txManager  *transaction.Manager
	topics     endpoint.TopicResolver
	escalation EscalationHandler
	preProcess PreProcessor
	tracker    redelivery.Tracker

	// lifecycle serialises Connect, Start, Stop, Disconnect and Dispose
	lifecycle sync.Mutex

	mu          sync.RWMutex
	state       State
	started     bool
	factory     jms.ConnectionFactory
	ownsFactory bool
	conn        jms.Connection
	closer      *closer.DeferredCloser
	cache       *sessioncache.Cache
	cacheHandle *sessioncache.Handle
	receivers   map[string]Receiver

	disconnecting atomic.Bool
	reported      atomic.Int32
}

// New creates a disconnected connector
func New(cfg *Config, source FactorySource) *Connector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.AckMode == 0 {
		cfg.AckMode = jms.AutoAcknowledge
	}
	c := &Connector{
		cfg:       cfg,
		source:    source,
		topics:    endpoint.DefaultTopicResolver{},
		receivers: make(map[string]Receiver),
	}
	c.setState(StateDisconnected)
	return c
}

// WithTransactionManager enables XA decoration of XA-capable factories
func (c *Connector) WithTransactionManager(m *transaction.Manager) *Connector {
	c.txManager = m
	return c
}

// WithTopicResolver replaces the default topic resolver
func (c *Connector) WithTopicResolver(r endpoint.TopicResolver) *Connector {
	if r != nil {
		c.topics = r
	}
	return c
}

// WithEscalation sets the handler run when the fault debounce trips
func (c *Connector) WithEscalation(h EscalationHandler) *Connector {
	c.escalation = h
	return c
}

// WithPreProcessor sets the message pre-processing hook
func (c *Connector) WithPreProcessor(p PreProcessor) *Connector {
	c.preProcess = p
	return c
}

// WithRedeliveryTracker sets the tracker shared by receivers. Without one
// the tracker is chosen from the factory metadata on first connect.
func (c *Connector) WithRedeliveryTracker(t redelivery.Tracker) *Connector {
	c.tracker = t
	return c
}

func (c *Connector) Name() string                             { return c.cfg.Name }
func (c *Connector) Config() *Config                          { return c.cfg }
func (c *Connector) TopicResolver() endpoint.TopicResolver    { return c.topics }
func (c *Connector) TransactionManager() *transaction.Manager { return c.txManager }

// State returns the current lifecycle state
func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connection returns the live connection, nil when disconnected
func (c *Connector) Connection() jms.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Closer returns the deferred closer of the current connect cycle
func (c *Connector) Closer() *closer.DeferredCloser {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closer
}

// SessionCache returns the session cache, nil when caching is off or the
// connector is disconnected.
func (c *Connector) SessionCache() *sessioncache.Cache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache
}

// RedeliveryTracker returns the tracker receivers use
func (c *Connector) RedeliveryTracker() redelivery.Tracker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker
}

// Metadata describes the provider of the current factory
func (c *Connector) Metadata() jms.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.factory == nil {
		return jms.Metadata{}
	}
	return c.factory.Metadata()
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.ConnectorState.WithLabelValues(c.cfg.Name).Set(float64(s))
}

// Connect creates the connection and connects registered receivers.
// Connecting a connected connector is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.connect(ctx)
}

func (c *Connector) connect(ctx context.Context) error {
	switch c.State() {
	case StateDisposed:
		return ErrDisposed
	case StateConnected, StateStarted:
		return nil
	}

	factory, err := c.resolveFactory(ctx)
	if err != nil {
		return err
	}

	conn, err := factory.CreateConnection(ctx, c.cfg.Username, c.cfg.Password)
	if err != nil {
		c.closeFactory()
		return fmt.Errorf("failed to create connection: %w", err)
	}

	if c.cfg.ClientID != "" && conn.ClientID() != c.cfg.ClientID {
		if err := conn.SetClientID(c.cfg.ClientID); err != nil {
			_ = conn.Close()
			c.closeFactory()
			return fmt.Errorf("failed to set client id %q: %w", c.cfg.ClientID, err)
		}
	}

	dc := closer.New(c.cfg.Name)
	dc.Start()

	var cache *sessioncache.Cache
	var handle *sessioncache.Handle
	if c.cfg.CacheSessions {
		cache = sessioncache.New(conn, dc)
		handle = cache.Register(connectionListener{c: c})
	}

	if !c.cfg.EmbeddedMode {
		if cache != nil {
			conn.SetExceptionListener(cache)
		} else {
			conn.SetExceptionListener(connectionListener{c: c})
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.closer = dc
	c.cache = cache
	c.cacheHandle = handle
	if c.tracker == nil {
		if t, err := redelivery.New(redelivery.Options{}, factory.Metadata()); err == nil {
			c.tracker = t
		}
	}
	c.mu.Unlock()
	c.reported.Store(0)
	c.setState(StateConnected)

	log.Info().
		Str("connector", c.cfg.Name).
		Str("provider", factory.Metadata().Provider).
		Str("clientId", conn.ClientID()).
		Bool("cacheSessions", c.cfg.CacheSessions).
		Msg("Connector connected")

	for _, r := range c.receiverList() {
		if err := r.Connect(ctx); err != nil {
			c.disconnect(ctx)
			return fmt.Errorf("failed to connect receiver %s: %w", r.Key(), err)
		}
	}

	if c.startedFlag() || c.cfg.StartOnConnect {
		if err := c.start(ctx); err != nil {
			log.Error().Err(err).Str("connector", c.cfg.Name).Msg("Failed to start connection after connect")
			c.disconnect(ctx)
			return err
		}
	}
	return nil
}

// resolveFactory gets the factory once per connect cycle, applies
// factory properties and adds XA decoration.
func (c *Connector) resolveFactory(ctx context.Context) (jms.ConnectionFactory, error) {
	c.mu.RLock()
	factory := c.factory
	c.mu.RUnlock()
	if factory != nil {
		return factory, nil
	}
	if c.source == nil {
		return nil, ErrNoFactory
	}

	factory, err := c.source.Factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain connection factory: %w", err)
	}

	if len(c.cfg.FactoryProperties) > 0 {
		if cf, ok := factory.(jms.Configurable); ok {
			if err := cf.Configure(c.cfg.FactoryProperties); err != nil {
				log.Warn().Err(err).Str("connector", c.cfg.Name).Msg("Failed to apply connection factory properties")
			}
		} else {
			log.Warn().Str("connector", c.cfg.Name).Msg("Connection factory does not accept properties, ignoring them")
		}
	}

	if c.txManager != nil {
		if xa, ok := factory.(jms.XAConnectionFactory); ok {
			factory = xaFactory{inner: xa}
		}
	}

	// factories handed in directly belong to the caller
	_, direct := c.source.(DirectSource)

	c.mu.Lock()
	c.factory = factory
	c.ownsFactory = !direct
	c.mu.Unlock()
	return factory, nil
}

// closeFactory closes a factory that holds resources and forgets it
func (c *Connector) closeFactory() {
	c.mu.Lock()
	factory, owned := c.factory, c.ownsFactory
	c.factory = nil
	c.mu.Unlock()

	if fc, ok := factory.(io.Closer); ok && owned {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Str("connector", c.cfg.Name).Msg("Failed to close connection factory")
		}
	}
}

// Start starts delivery. A disconnected connector connects first.
func (c *Connector) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateDisposed:
		return ErrDisposed
	case StateStarted:
		return nil
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	if c.State() == StateDisconnected {
		// connect starts delivery because the started flag is set
		return c.connect(ctx)
	}
	return c.start(ctx)
}

func (c *Connector) start(ctx context.Context) error {
	conn := c.Connection()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Start(); err != nil {
		return fmt.Errorf("failed to start connection: %w", err)
	}
	for _, r := range c.receiverList() {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("failed to start receiver %s: %w", r.Key(), err)
		}
	}
	c.setState(StateStarted)
	log.Info().Str("connector", c.cfg.Name).Int("receivers", len(c.receiverList())).Msg("Connector started")
	return nil
}

// Stop pauses delivery and stops receivers. Errors from individual
// receivers are logged and every receiver is visited.
func (c *Connector) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return c.stop(ctx)
}

func (c *Connector) stop(ctx context.Context) error {
	if c.State() != StateStarted {
		return nil
	}
	for _, r := range c.receiverList() {
		if err := r.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("receiver", r.Key()).Msg("Failed to stop receiver")
		}
	}
	var err error
	if conn := c.Connection(); conn != nil {
		if err = conn.Stop(); err != nil {
			err = fmt.Errorf("failed to stop connection: %w", err)
		}
	}
	c.setState(StateConnected)
	log.Info().Str("connector", c.cfg.Name).Msg("Connector stopped")
	return err
}

// Disconnect stops delivery, disconnects receivers and closes the
// connection. The started flag survives so that a later Connect resumes
// delivery.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.disconnect(ctx)
	return nil
}

func (c *Connector) disconnect(ctx context.Context) {
	state := c.State()
	if state == StateDisconnected || state == StateDisposed {
		return
	}

	c.disconnecting.Store(true)
	defer c.disconnecting.Store(false)

	if err := c.stop(ctx); err != nil {
		log.Warn().Err(err).Str("connector", c.cfg.Name).Msg("Failed to stop connector while disconnecting")
	}
	for _, r := range c.receiverList() {
		if err := r.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Str("receiver", r.Key()).Msg("Failed to disconnect receiver")
		}
	}

	c.mu.Lock()
	conn, dc, cache := c.conn, c.closer, c.cache
	c.conn, c.cache, c.cacheHandle = nil, nil, nil
	c.mu.Unlock()

	if conn != nil && !c.cfg.EmbeddedMode {
		conn.SetExceptionListener(nil)
	}
	if cache != nil {
		_ = cache.Close()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("connector", c.cfg.Name).Msg("Failed to close connection")
		}
	}
	if dc != nil && !dc.WaitForEmptyQueueOrTimeout(c.cfg.DisconnectGrace) {
		log.Warn().
			Str("connector", c.cfg.Name).
			Int("pending", dc.Len()).
			Dur("grace", c.cfg.DisconnectGrace).
			Msg("Deferred closes still pending after disconnect grace period")
	}
	c.closeFactory()

	c.setState(StateDisconnected)
	log.Info().Str("connector", c.cfg.Name).Msg("Connector disconnected")
}

// Dispose disposes receivers, disconnects and closes the factory source.
// A disposed connector cannot be reused.
func (c *Connector) Dispose(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.State() == StateDisposed {
		return
	}

	c.disconnect(ctx)
	for _, r := range c.receiverList() {
		r.Dispose()
	}
	c.mu.Lock()
	c.receivers = make(map[string]Receiver)
	c.mu.Unlock()

	if c.source != nil {
		if err := c.source.Close(); err != nil {
			log.Warn().Err(err).Str("connector", c.cfg.Name).Msg("Failed to close factory source")
		}
	}
	c.setState(StateDisposed)
}

// Register adds a receiver and brings it to the connector's state
func (c *Connector) Register(ctx context.Context, r Receiver) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() == StateDisposed {
		return ErrDisposed
	}
	c.mu.Lock()
	if _, ok := c.receivers[r.Key()]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReceiverExists, r.Key())
	}
	c.receivers[r.Key()] = r
	c.mu.Unlock()

	state := c.State()
	if state == StateConnected || state == StateStarted {
		if err := r.Connect(ctx); err != nil {
			c.removeReceiver(r.Key())
			return fmt.Errorf("failed to connect receiver %s: %w", r.Key(), err)
		}
	}
	if state == StateStarted {
		if err := r.Start(ctx); err != nil {
			_ = r.Disconnect(ctx)
			c.removeReceiver(r.Key())
			return fmt.Errorf("failed to start receiver %s: %w", r.Key(), err)
		}
	}
	return nil
}

// Unregister stops, disconnects and disposes the receiver under key
func (c *Connector) Unregister(ctx context.Context, key string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	r, ok := c.Receiver(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReceiverNotFound, key)
	}
	c.removeReceiver(key)
	if err := r.Stop(ctx); err != nil {
		log.Warn().Err(err).Str("receiver", key).Msg("Failed to stop receiver")
	}
	if err := r.Disconnect(ctx); err != nil {
		log.Warn().Err(err).Str("receiver", key).Msg("Failed to disconnect receiver")
	}
	r.Dispose()
	return nil
}

// Receiver returns the receiver registered under key
func (c *Connector) Receiver(key string) (Receiver, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.receivers[key]
	return r, ok
}

// Receivers returns the registered receivers ordered by key
func (c *Connector) Receivers() []Receiver {
	return c.receiverList()
}

func (c *Connector) receiverList() []Receiver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Receiver, 0, len(c.receivers))
	for _, r := range c.receivers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (c *Connector) removeReceiver(key string) {
	c.mu.Lock()
	delete(c.receivers, key)
	c.mu.Unlock()
}

func (c *Connector) startedFlag() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}
