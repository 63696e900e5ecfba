package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

var (
	ErrListenerAttached = errors.New("nats: consumer has a message listener")
	ErrSelector         = fmt.Errorf("%w: nats has no message selectors", jms.ErrNotSupported)
)

// listenerWait bounds each pull of a listening consumer so it notices
// being detached
const listenerWait = time.Second

// pending is a send held by a transacted session
type pending struct {
	dest jms.Destination
	msg  *natsgo.Msg
}

// Session holds the unsettled messages of a transacted or client-ack
// session and the sends of a transacted one.
type Session struct {
	conn       *Connection
	transacted bool
	mode       jms.AckMode

	mu        sync.Mutex
	closed    bool
	unsettled []*Message
	sends     []pending
	consumers []*Consumer
}

// CreateConsumer implements jms.Session
func (s *Session) CreateConsumer(dest jms.Destination, selector string, noLocal bool) (jms.MessageConsumer, error) {
	if selector != "" {
		return nil, ErrSelector
	}
	if err := s.usable(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.conn.opts.ConnectTimeout)
	defer cancel()

	switch dest.Kind() {
	case jms.KindQueue:
		stream, err := s.conn.ensureStream(ctx, false)
		if err != nil {
			return nil, err
		}
		return s.pullConsumer(ctx, dest, stream, jetstream.ConsumerConfig{
			Durable:       consumerName(dest.Name()),
			FilterSubject: s.conn.opts.queueSubject(dest.Name()),
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
	case jms.KindTopic:
		return s.subscribe(dest, s.conn.opts.topicSubject(dest.Name()))
	default:
		return s.subscribe(dest, dest.Name())
	}
}

// CreateDurableSubscriber implements jms.Session with a durable consumer
// on the topic stream named after the client id and subscription name.
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
	ctx, cancel := context.WithTimeout(context.Background(), s.conn.opts.ConnectTimeout)
	defer cancel()

	stream, err := s.conn.ensureStream(ctx, true)
	if err != nil {
		return nil, err
	}
	return s.pullConsumer(ctx, topic, stream, jetstream.ConsumerConfig{
		Durable:       consumerName(clientID, name),
		FilterSubject: s.conn.opts.topicSubject(topic.Name()),
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
}

func (s *Session) pullConsumer(ctx context.Context, dest jms.Destination, stream string, cfg jetstream.ConsumerConfig) (*Consumer, error) {
	cfg.AckPolicy = jetstream.AckExplicitPolicy
	cfg.AckWait = s.conn.opts.AckWait
	cfg.MaxDeliver = -1
	cons, err := s.conn.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, s.conn.lost("create consumer", err)
	}
	return s.track(&Consumer{session: s, dest: dest, pull: cons}), nil
}

func (s *Session) subscribe(dest jms.Destination, subject string) (*Consumer, error) {
	sub, err := s.conn.nc.SubscribeSync(subject)
	if err != nil {
		return nil, s.conn.lost("subscribe", err)
	}
	return s.track(&Consumer{session: s, dest: dest, sub: sub}), nil
}

func (s *Session) track(c *Consumer) *Consumer {
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c
}

// CreateProducer implements jms.Session
func (s *Session) CreateProducer(dest jms.Destination) (jms.MessageProducer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if dest.Kind() == jms.KindQueue || dest.Kind() == jms.KindTopic {
		ctx, cancel := context.WithTimeout(context.Background(), s.conn.opts.ConnectTimeout)
		defer cancel()
		if _, err := s.conn.ensureStream(ctx, dest.Kind() == jms.KindTopic); err != nil {
			return nil, err
		}
	}
	return &Producer{session: s, dest: dest}, nil
}

// Queue implements jms.Session
func (s *Session) Queue(name string) (jms.Destination, error) { return Queue(name), nil }

// Topic implements jms.Session
func (s *Session) Topic(name string) (jms.Destination, error) { return Topic(name), nil }

// CreateTemporaryQueue implements jms.Session with an inbox subject
func (s *Session) CreateTemporaryQueue() (jms.TemporaryDestination, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return temporary(s.conn.nc.NewInbox(), jms.KindTemporaryQueue), nil
}

// CreateTemporaryTopic implements jms.Session with an inbox subject
func (s *Session) CreateTemporaryTopic() (jms.TemporaryDestination, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return temporary(s.conn.nc.NewInbox(), jms.KindTemporaryTopic), nil
}

// Commit implements jms.Session: publish the held sends, then acknowledge
// the received messages.
func (s *Session) Commit() error {
	if !s.transacted {
		return jms.NewProviderError("commit", errors.New("session is not transacted"), false)
	}
	if err := s.usable(); err != nil {
		return err
	}
	s.mu.Lock()
	sends, received := s.sends, s.unsettled
	s.sends, s.unsettled = nil, nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.conn.opts.ConnectTimeout)
	defer cancel()
	for i, p := range sends {
		if err := s.publish(ctx, p.dest, p.msg); err != nil {
			// what was published stays published; requeue the input
			nakAll(received)
			return fmt.Errorf("failed to commit send %d of %d: %w", i+1, len(sends), err)
		}
	}
	return ackAll(received)
}

// Rollback implements jms.Session: drop the held sends and return the
// received messages for redelivery.
func (s *Session) Rollback() error {
	if !s.transacted {
		return jms.NewProviderError("rollback", errors.New("session is not transacted"), false)
	}
	s.mu.Lock()
	received := s.unsettled
	s.sends, s.unsettled = nil, nil
	s.mu.Unlock()
	return nakAll(received)
}

// Recover implements jms.Session
func (s *Session) Recover() error {
	if s.transacted {
		return jms.NewProviderError("recover", errors.New("session is transacted"), false)
	}
	s.mu.Lock()
	received := s.unsettled
	s.unsettled = nil
	s.mu.Unlock()
	return nakAll(received)
}

// Transacted implements jms.Session
func (s *Session) Transacted() bool { return s.transacted }

// AcknowledgeMode implements jms.Session
func (s *Session) AcknowledgeMode() jms.AckMode { return s.mode }

// Close implements jms.Session. Unsettled messages are returned and held
// sends dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := s.consumers
	received := s.unsettled
	s.consumers, s.unsettled, s.sends = nil, nil, nil
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	if !s.conn.nc.IsClosed() {
		errs = append(errs, nakAll(received))
	}
	return errors.Join(errs...)
}

func (s *Session) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return jms.ErrClosed
	}
	if s.conn.nc.IsClosed() {
		return jms.NewProviderError("session", jms.ErrConnectionLost, true)
	}
	return nil
}

// hold records m for settlement by commit, rollback or acknowledge
func (s *Session) hold(m *Message) {
	if !s.transacted && s.mode != jms.ClientAcknowledge {
		return
	}
	s.mu.Lock()
	s.unsettled = append(s.unsettled, m)
	s.mu.Unlock()
}

// settleAuto acknowledges m in auto and dups-ok sessions
func (s *Session) settleAuto(m *Message) {
	if s.transacted || s.mode == jms.ClientAcknowledge {
		return
	}
	if err := m.ack(); err != nil {
		log.Warn().Err(err).Str("subject", m.subject).Msg("Failed to acknowledge NATS message")
	}
}

func (s *Session) acknowledge() error {
	if s.transacted || s.mode != jms.ClientAcknowledge {
		return nil
	}
	s.mu.Lock()
	received := s.unsettled
	s.unsettled = nil
	s.mu.Unlock()
	return ackAll(received)
}

func (s *Session) send(ctx context.Context, dest jms.Destination, msg *natsgo.Msg) error {
	if s.transacted {
		s.mu.Lock()
		s.sends = append(s.sends, pending{dest: dest, msg: msg})
		s.mu.Unlock()
		return nil
	}
	return s.publish(ctx, dest, msg)
}

func (s *Session) publish(ctx context.Context, dest jms.Destination, msg *natsgo.Msg) error {
	switch dest.Kind() {
	case jms.KindQueue, jms.KindTopic:
		var opts []jetstream.PublishOpt
		if id := msg.Header.Get(HeaderMessageID); id != "" {
			opts = append(opts, jetstream.WithMsgID(id))
		}
		if _, err := s.conn.js.PublishMsg(ctx, msg, opts...); err != nil {
			return s.conn.lost("publish", err)
		}
	default:
		if err := s.conn.nc.PublishMsg(msg); err != nil {
			return s.conn.lost("publish", err)
		}
	}
	return nil
}

func ackAll(msgs []*Message) error {
	var errs []error
	for _, m := range msgs {
		errs = append(errs, m.ack())
	}
	return errors.Join(errs...)
}

func nakAll(msgs []*Message) error {
	var errs []error
	for _, m := range msgs {
		errs = append(errs, m.nak())
	}
	return errors.Join(errs...)
}

// Consumer reads a pull consumer or a plain subscription
type Consumer struct {
	session *Session
	dest    jms.Destination
	pull    jetstream.Consumer
	sub     *natsgo.Subscription

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
	if err := c.session.usable(); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		m, err := c.next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, err
		}
		if m == nil {
			continue
		}
		c.session.hold(m)
		c.session.settleAuto(m)
		return m, nil
	}
}

// next waits for one message. A nil message with a nil error means the
// pull window closed empty or the message had expired.
func (c *Consumer) next(ctx context.Context) (*Message, error) {
	if err := c.session.conn.awaitStarted(ctx); err != nil {
		return nil, err
	}
	if c.sub != nil {
		nm, err := c.sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.session.conn.lost("receive", err)
		}
		return c.wrap(fromCore(nm))
	}

	wait := listenerWait
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
		if wait <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	batch, err := c.pull.Fetch(1, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, c.session.conn.lost("fetch", err)
	}
	var got *Message
	for jm := range batch.Messages() {
		got = fromJetStream(jm)
	}
	if err := batch.Error(); err != nil && got == nil && !errors.Is(err, natsgo.ErrTimeout) {
		return nil, c.session.conn.lost("fetch", err)
	}
	if got == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return c.wrap(got)
}

// wrap binds m to the session, dropping messages past their expiry
func (c *Consumer) wrap(m *Message) (*Message, error) {
	m.session = c.session
	if m.expired(time.Now()) {
		_ = m.ack()
		log.Debug().Str("subject", m.subject).Msg("Dropped expired NATS message")
		return nil, nil
	}
	return m, nil
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
	for ctx.Err() == nil {
		m, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Debug().Err(err).Str("destination", c.dest.Name()).Msg("NATS listener stopped")
			return
		}
		if m == nil {
			continue
		}
		c.mu.Lock()
		l := c.listener
		c.mu.Unlock()
		if l == nil || ctx.Err() != nil {
			_ = m.nak()
			return
		}
		c.session.hold(m)
		l.OnMessage(m)
		c.session.settleAuto(m)
	}
}

// Close implements jms.MessageConsumer. The durable consumer stays on the
// server for the next session.
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

	if c.sub != nil && !c.session.conn.nc.IsClosed() {
		if err := c.sub.Unsubscribe(); err != nil && !errors.Is(err, natsgo.ErrBadSubscription) {
			return jms.NewProviderError("unsubscribe", err, false)
		}
	}
	return nil
}

// Producer sends to one destination
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
	subject := p.subject()
	return p.session.send(ctx, p.dest, toNATS(subject, msg, opts, time.Now()))
}

func (p *Producer) subject() string {
	switch p.dest.Kind() {
	case jms.KindQueue:
		return p.session.conn.opts.queueSubject(p.dest.Name())
	case jms.KindTopic:
		return p.session.conn.opts.topicSubject(p.dest.Name())
	}
	return p.dest.Name()
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
