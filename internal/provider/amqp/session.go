package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

var (
	ErrListenerAttached = errors.New("amqp: consumer has a message listener")
	ErrSelector         = fmt.Errorf("%w: amqp has no message selectors", jms.ErrNotSupported)
)

type destination struct {
	name string
	kind jms.DestinationKind
}

func (d destination) Name() string              { return d.name }
func (d destination) Kind() jms.DestinationKind { return d.kind }

// Queue returns a queue destination
func Queue(name string) jms.Destination { return destination{name: name, kind: jms.KindQueue} }

// Topic returns a topic destination
func Topic(name string) jms.Destination { return destination{name: name, kind: jms.KindTopic} }

type temporaryDestination struct {
	destination
	session *Session
}

func (d temporaryDestination) Delete() error {
	if d.kind != jms.KindTemporaryQueue {
		return nil
	}
	if _, err := d.session.ch.QueueDelete(d.name, false, false, false); err != nil {
		return jms.NewProviderError("delete temporary queue", err, false)
	}
	return nil
}

// Session wraps one channel. Deliveries are acknowledged by the session
// according to its mode; transacted and client-ack sessions remember the
// last delivery tag handed out and settle everything up to it.
type Session struct {
	conn       *Connection
	ch         *amqp091.Channel
	transacted bool
	mode       jms.AckMode

	mu       sync.Mutex
	closed   bool
	lastTag  uint64
	declared map[string]bool
}

func newSession(c *Connection, ch *amqp091.Channel, transacted bool, mode jms.AckMode) *Session {
	return &Session{conn: c, ch: ch, transacted: transacted, mode: mode, declared: map[string]bool{}}
}

// CreateConsumer implements jms.Session
func (s *Session) CreateConsumer(dest jms.Destination, selector string, noLocal bool) (jms.MessageConsumer, error) {
	if selector != "" {
		return nil, ErrSelector
	}
	if err := s.usable(); err != nil {
		return nil, err
	}

	var queue string
	switch dest.Kind() {
	case jms.KindQueue:
		if err := s.declareQueue(dest.Name()); err != nil {
			return nil, err
		}
		queue = dest.Name()
	case jms.KindTemporaryQueue:
		queue = dest.Name()
	default:
		// a private queue per subscriber
		q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return nil, jms.NewProviderError("declare subscriber queue", err, false)
		}
		if err := s.bind(q.Name, dest.Name()); err != nil {
			return nil, err
		}
		queue = q.Name
	}
	return s.consume(dest, queue, noLocal)
}

// CreateDurableSubscriber implements jms.Session. The subscription is a
// durable queue named after the client id and subscription name.
func (s *Session) CreateDurableSubscriber(topic jms.Destination, name, selector string, noLocal bool) (jms.MessageConsumer, error) {
	if selector != "" {
		return nil, ErrSelector
	}
	if err := s.usable(); err != nil {
		return nil, err
	}
	clientID := s.conn.ClientID()
	if clientID == "" {
		return nil, ErrNeedClientID
	}

	queue := clientID + "." + name
	if _, err := s.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, jms.NewProviderError("declare durable subscription", err, false)
	}
	if err := s.bind(queue, topic.Name()); err != nil {
		return nil, err
	}
	return s.consume(topic, queue, noLocal)
}

func (s *Session) consume(dest jms.Destination, queue string, noLocal bool) (*Consumer, error) {
	tag := "jms-" + uuid.NewString()
	deliveries, err := s.ch.Consume(queue, tag, false, false, noLocal, false, nil)
	if err != nil {
		return nil, jms.NewProviderError("consume", err, false)
	}
	return &Consumer{session: s, dest: dest, tag: tag, deliveries: deliveries}, nil
}

func (s *Session) declareQueue(name string) error {
	s.mu.Lock()
	done := s.declared["queue:"+name]
	s.mu.Unlock()
	if done {
		return nil
	}
	if _, err := s.ch.QueueDeclare(name, s.conn.opts.DurableQueues, false, false, false, nil); err != nil {
		return jms.NewProviderError("declare queue", err, false)
	}
	s.mu.Lock()
	s.declared["queue:"+name] = true
	s.mu.Unlock()
	return nil
}

// declareExchange declares the topic exchange unless it is a broker default
func (s *Session) declareExchange() error {
	exchange := s.conn.opts.TopicExchange
	if exchange == "" || exchange == DefaultTopicExchange {
		return nil
	}
	s.mu.Lock()
	done := s.declared["exchange:"+exchange]
	s.mu.Unlock()
	if done {
		return nil
	}
	if err := s.ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return jms.NewProviderError("declare exchange", err, false)
	}
	s.mu.Lock()
	s.declared["exchange:"+exchange] = true
	s.mu.Unlock()
	return nil
}

func (s *Session) bind(queue, topic string) error {
	if err := s.declareExchange(); err != nil {
		return err
	}
	if err := s.ch.QueueBind(queue, topic, s.conn.opts.TopicExchange, false, nil); err != nil {
		return jms.NewProviderError("bind subscriber queue", err, false)
	}
	return nil
}

// CreateProducer implements jms.Session
func (s *Session) CreateProducer(dest jms.Destination) (jms.MessageProducer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if dest.Kind().IsTopic() {
		if err := s.declareExchange(); err != nil {
			return nil, err
		}
	}
	return &Producer{session: s, dest: dest}, nil
}

// Queue implements jms.Session
func (s *Session) Queue(name string) (jms.Destination, error) { return Queue(name), nil }

// Topic implements jms.Session
func (s *Session) Topic(name string) (jms.Destination, error) { return Topic(name), nil }

// CreateTemporaryQueue implements jms.Session with a server-named
// exclusive queue.
func (s *Session) CreateTemporaryQueue() (jms.TemporaryDestination, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, jms.NewProviderError("declare temporary queue", err, false)
	}
	return temporaryDestination{destination: destination{name: q.Name, kind: jms.KindTemporaryQueue}, session: s}, nil
}

// CreateTemporaryTopic implements jms.Session with a unique routing key
func (s *Session) CreateTemporaryTopic() (jms.TemporaryDestination, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return temporaryDestination{destination: destination{name: "tmp." + uuid.NewString(), kind: jms.KindTemporaryTopic}, session: s}, nil
}

// Commit implements jms.Session: acknowledge what was received, then
// commit the channel transaction including any publishes.
func (s *Session) Commit() error {
	if !s.transacted {
		return jms.NewProviderError("commit", errors.New("session is not transacted"), false)
	}
	if err := s.usable(); err != nil {
		return err
	}
	if tag := s.takeLastTag(); tag > 0 {
		if err := s.ch.Ack(tag, true); err != nil {
			return jms.NewProviderError("ack", err, s.conn.conn.IsClosed())
		}
	}
	if err := s.ch.TxCommit(); err != nil {
		return jms.NewProviderError("commit", err, s.conn.conn.IsClosed())
	}
	return nil
}

// Rollback implements jms.Session. Publishes are discarded and received
// messages requeued for redelivery.
func (s *Session) Rollback() error {
	if !s.transacted {
		return jms.NewProviderError("rollback", errors.New("session is not transacted"), false)
	}
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.ch.TxRollback(); err != nil {
		return jms.NewProviderError("rollback", err, s.conn.conn.IsClosed())
	}
	tag := s.takeLastTag()
	if tag == 0 {
		return nil
	}
	// the requeue is itself transactional
	if err := s.ch.Nack(tag, true, true); err != nil {
		return jms.NewProviderError("requeue", err, s.conn.conn.IsClosed())
	}
	if err := s.ch.TxCommit(); err != nil {
		return jms.NewProviderError("requeue", err, s.conn.conn.IsClosed())
	}
	return nil
}

// Recover implements jms.Session
func (s *Session) Recover() error {
	if s.transacted {
		return jms.NewProviderError("recover", errors.New("session is transacted"), false)
	}
	if err := s.usable(); err != nil {
		return err
	}
	if tag := s.takeLastTag(); tag > 0 {
		if err := s.ch.Nack(tag, true, true); err != nil {
			return jms.NewProviderError("recover", err, s.conn.conn.IsClosed())
		}
	}
	return nil
}

// Transacted implements jms.Session
func (s *Session) Transacted() bool { return s.transacted }

// AcknowledgeMode implements jms.Session
func (s *Session) AcknowledgeMode() jms.AckMode { return s.mode }

// Close implements jms.Session. Unsettled deliveries return to their
// queues when the channel closes.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		return jms.NewProviderError("close channel", err, false)
	}
	return nil
}

func (s *Session) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.ch.IsClosed() {
		return jms.ErrClosed
	}
	return nil
}

// deliver wraps d and records it for settlement
func (s *Session) deliver(d amqp091.Delivery) *Message {
	s.mu.Lock()
	if d.DeliveryTag > s.lastTag {
		s.lastTag = d.DeliveryTag
	}
	s.mu.Unlock()
	return &Message{d: d, session: s, countDeliveries: s.conn.opts.DeliveryCount}
}

// settleAuto acknowledges a message of an auto or dups-ok session
func (s *Session) settleAuto(m *Message) {
	if s.transacted || s.mode == jms.ClientAcknowledge {
		return
	}
	s.mu.Lock()
	if s.lastTag == m.d.DeliveryTag {
		s.lastTag = 0
	}
	s.mu.Unlock()
	if err := s.ch.Ack(m.d.DeliveryTag, false); err != nil {
		log.Warn().Err(err).Uint64("tag", m.d.DeliveryTag).Msg("Failed to acknowledge AMQP delivery")
	}
}

func (s *Session) acknowledge() error {
	if s.transacted || s.mode != jms.ClientAcknowledge {
		return nil
	}
	if tag := s.takeLastTag(); tag > 0 {
		if err := s.ch.Ack(tag, true); err != nil {
			return jms.NewProviderError("acknowledge", err, s.conn.conn.IsClosed())
		}
	}
	return nil
}

func (s *Session) takeLastTag() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := s.lastTag
	s.lastTag = 0
	return tag
}

// Consumer reads deliveries of one basic.consume
type Consumer struct {
	session    *Session
	dest       jms.Destination
	tag        string
	deliveries <-chan amqp091.Delivery

	mu       sync.Mutex
	closed   bool
	listener jms.MessageListener
	cancel   context.CancelFunc
}

// Receive implements jms.MessageConsumer
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (jms.Message, error) {
	c.mu.Lock()
	closed, listening := c.closed, c.listener != nil
	c.mu.Unlock()
	if closed {
		return nil, jms.ErrClosed
	}
	if listening {
		return nil, ErrListenerAttached
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	d, err := c.next(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	msg := c.session.deliver(d)
	c.session.settleAuto(msg)
	return msg, nil
}

func (c *Consumer) next(ctx context.Context) (amqp091.Delivery, error) {
	if err := c.session.conn.awaitStarted(ctx); err != nil {
		return amqp091.Delivery{}, err
	}
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return d, jms.NewProviderError("receive", jms.ErrConnectionLost, true)
		}
		return d, nil
	case <-ctx.Done():
		return amqp091.Delivery{}, ctx.Err()
	}
}

// SetMessageListener implements jms.MessageConsumer
func (c *Consumer) SetMessageListener(l jms.MessageListener) error {
	if err := c.session.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return jms.ErrClosed
	}
	c.listener = l
	if l == nil {
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		return nil
	}
	if c.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.pump(ctx)
	}
	return nil
}

func (c *Consumer) pump(ctx context.Context) {
	for {
		d, err := c.next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Debug().Err(err).Str("destination", c.dest.Name()).Msg("AMQP listener stopped")
			}
			return
		}
		c.mu.Lock()
		l := c.listener
		c.mu.Unlock()
		if l == nil {
			// detached while waiting, the delivery goes back
			_ = c.session.ch.Nack(d.DeliveryTag, false, true)
			return
		}
		msg := c.session.deliver(d)
		l.OnMessage(msg)
		c.session.settleAuto(msg)
	}
}

// Close implements jms.MessageConsumer
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.listener = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if c.session.ch.IsClosed() {
		return nil
	}
	if err := c.session.ch.Cancel(c.tag, false); err != nil {
		return jms.NewProviderError("cancel consumer", err, false)
	}
	return nil
}

// Producer publishes to a queue through the default exchange or to a
// topic through the topic exchange.
type Producer struct {
	session *Session
	dest    jms.Destination

	mu     sync.Mutex
	closed bool
}

// Send implements jms.MessageProducer
func (p *Producer) Send(ctx context.Context, msg *jms.Outbound, opts jms.SendOptions) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return jms.ErrClosed
	}
	if err := p.session.usable(); err != nil {
		return err
	}

	exchange, key := route(p.dest, p.session.conn.opts.TopicExchange)
	err := p.session.ch.PublishWithContext(ctx, exchange, key, false, false, toPublishing(msg, opts, time.Now()))
	if err != nil {
		return jms.NewProviderError("publish", err, p.session.conn.conn.IsClosed())
	}
	return nil
}

// Destination implements jms.MessageProducer
func (p *Producer) Destination() jms.Destination { return p.dest }

// Close implements jms.MessageProducer
func (p *Producer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// route returns the exchange and routing key for dest
func route(dest jms.Destination, topicExchange string) (string, string) {
	if dest.Kind().IsTopic() {
		return topicExchange, dest.Name()
	}
	return "", dest.Name()
}
