package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// destination is the memory implementation of jms.Destination
type destination struct {
	name string
	kind jms.DestinationKind
}

func (d destination) Name() string              { return d.name }
func (d destination) Kind() jms.DestinationKind { return d.kind }

// Queue returns a queue destination without a session
func Queue(name string) jms.Destination { return destination{name: name, kind: jms.KindQueue} }

// Topic returns a topic destination without a session
func Topic(name string) jms.Destination { return destination{name: name, kind: jms.KindTopic} }

type temporaryDestination struct {
	destination
	conn *Connection
}

func (d temporaryDestination) Delete() error {
	d.conn.broker.deleteQueue(d.name)
	return nil
}

// delivery is a message handed to a consumer and not yet settled
type delivery struct {
	env    *envelope
	source *buffer
}

// Session is a memory session. Like JMS sessions it must be used from one
// goroutine at a time, though settlement methods are lock-protected because
// listener pumps deliver on their own goroutines.
type Session struct {
	conn       *Connection
	transacted bool
	mode       jms.AckMode

	mu        sync.Mutex
	closed    bool
	unacked   []delivery
	pending   []func()
	consumers []*Consumer
	commits   int
	rollbacks int
}

// CreateConsumer implements jms.Session
func (s *Session) CreateConsumer(dest jms.Destination, selector string, noLocal bool) (jms.MessageConsumer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if hook := s.conn.broker.getHooks().CreateConsumer; hook != nil {
		if err := hook(dest); err != nil {
			return nil, jms.NewProviderError("create consumer", err, true)
		}
	}

	c := &Consumer{session: s, dest: dest, selector: selector}
	if dest.Kind().IsTopic() {
		t := s.conn.broker.topic(dest.Name())
		sub := &subscription{buf: newBuffer(), selector: selector, noLocal: noLocal, owner: s.conn}
		t.add(sub)
		c.source = sub.buf
		c.detach = func() { t.remove(sub) }
	} else {
		c.source = s.conn.broker.queue(dest.Name())
	}
	s.track(c)
	return c, nil
}

// CreateDurableSubscriber implements jms.Session
func (s *Session) CreateDurableSubscriber(topic jms.Destination, name, selector string, noLocal bool) (jms.MessageConsumer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	clientID := s.conn.ClientID()
	if clientID == "" {
		return nil, ErrNeedClientID
	}
	if hook := s.conn.broker.getHooks().CreateConsumer; hook != nil {
		if err := hook(topic); err != nil {
			return nil, jms.NewProviderError("create durable subscriber", err, true)
		}
	}
	t := s.conn.broker.topic(topic.Name())
	sub := s.conn.broker.durableSubscription(clientID+"/"+name, t, selector)
	c := &Consumer{session: s, dest: topic, selector: selector, source: sub.buf}
	s.track(c)
	return c, nil
}

// CreateProducer implements jms.Session. A nil destination makes an
// anonymous producer that cannot send.
func (s *Session) CreateProducer(dest jms.Destination) (jms.MessageProducer, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return &Producer{session: s, dest: dest}, nil
}

// Queue implements jms.Session
func (s *Session) Queue(name string) (jms.Destination, error) { return Queue(name), nil }

// Topic implements jms.Session
func (s *Session) Topic(name string) (jms.Destination, error) { return Topic(name), nil }

// CreateTemporaryQueue implements jms.Session
func (s *Session) CreateTemporaryQueue() (jms.TemporaryDestination, error) {
	return s.temporary(jms.KindTemporaryQueue)
}

// CreateTemporaryTopic implements jms.Session
func (s *Session) CreateTemporaryTopic() (jms.TemporaryDestination, error) {
	return s.temporary(jms.KindTemporaryTopic)
}

func (s *Session) temporary(kind jms.DestinationKind) (jms.TemporaryDestination, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	name := "temp." + uuid.NewString()
	s.conn.addTemporary(name)
	return temporaryDestination{destination: destination{name: name, kind: kind}, conn: s.conn}, nil
}

// Commit implements jms.Session: held sends are published and consumed
// messages are discarded.
func (s *Session) Commit() error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.transacted {
		return ErrNotTransacted
	}
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.unacked = nil
	s.commits++
	s.mu.Unlock()

	for _, send := range pending {
		send()
	}
	return nil
}

// Rollback implements jms.Session: held sends are dropped and consumed
// messages return to their destinations.
func (s *Session) Rollback() error {
	if err := s.usable(); err != nil {
		return err
	}
	if !s.transacted {
		return ErrNotTransacted
	}
	s.mu.Lock()
	s.pending = nil
	s.rollbacks++
	s.mu.Unlock()
	s.requeue()
	return nil
}

// Recover implements jms.Session
func (s *Session) Recover() error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.transacted {
		return jms.ErrNotSupported
	}
	s.requeue()
	return nil
}

// Transacted implements jms.Session
func (s *Session) Transacted() bool { return s.transacted }

// AcknowledgeMode implements jms.Session
func (s *Session) AcknowledgeMode() jms.AckMode { return s.mode }

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Commits returns the number of successful commits
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Rollbacks returns the number of rollbacks
func (s *Session) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// Close implements jms.Session. Unsettled messages are redelivered.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := s.consumers
	s.consumers = nil
	s.pending = nil
	s.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	s.requeue()
	s.conn.removeSession(s)
	return nil
}

func (s *Session) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return jms.ErrClosed
	}
	return s.conn.usable()
}

func (s *Session) track(c *Consumer) {
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
}

// deliver records env as delivered and builds the message handed out
func (s *Session) deliver(env *envelope, source *buffer) *Message {
	env.deliveries++
	msg := &Message{env: env, session: s, deliveries: env.deliveries}
	if s.mode != jms.AutoAcknowledge && s.mode != jms.DupsOKAcknowledge {
		s.mu.Lock()
		s.unacked = append(s.unacked, delivery{env: env, source: source})
		s.mu.Unlock()
	}
	return msg
}

// acknowledge settles every message delivered so far, matching JMS
// client-acknowledge semantics.
func (s *Session) acknowledge() error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.mode != jms.ClientAcknowledge {
		return nil
	}
	s.mu.Lock()
	s.unacked = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) requeue() {
	s.mu.Lock()
	unacked := s.unacked
	s.unacked = nil
	s.mu.Unlock()

	bySource := make(map[*buffer][]*envelope)
	var order []*buffer
	for _, d := range unacked {
		if _, ok := bySource[d.source]; !ok {
			order = append(order, d.source)
		}
		bySource[d.source] = append(bySource[d.source], d.env)
	}
	for _, b := range order {
		b.pushFront(bySource[b]...)
	}
}

// send publishes now, or at commit on a transacted session
func (s *Session) send(env *envelope) {
	publish := func() {
		if env.dest.Kind().IsTopic() {
			s.conn.broker.topic(env.dest.Name()).publish(env, s.conn)
			return
		}
		s.conn.broker.queue(env.dest.Name()).push(env)
	}
	if !s.transacted {
		publish()
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, publish)
	s.mu.Unlock()
}

// XASession is a session created from an XA connection
type XASession struct {
	*Session
}

// XAResource implements jms.XASession. Prepare always votes yes; commit and
// rollback settle the underlying session.
func (s *XASession) XAResource() jms.XAResource { return xaResource{s: s.Session} }

type xaResource struct{ s *Session }

func (r xaResource) Start(string) error   { return nil }
func (r xaResource) End(string) error     { return nil }
func (r xaResource) Prepare(string) error { return r.s.usable() }

func (r xaResource) Commit(string) error {
	if !r.s.transacted {
		return r.s.acknowledge()
	}
	return r.s.Commit()
}

func (r xaResource) Rollback(string) error {
	if !r.s.transacted {
		r.s.requeue()
		return nil
	}
	return r.s.Rollback()
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
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.session.usable(); err != nil {
		return err
	}
	if p.dest == nil {
		return jms.ErrNoDestination
	}

	id := msg.ID
	if id == "" {
		id = "ID:" + uuid.NewString()
	}
	props := make(map[string]string, len(msg.Properties)+2)
	for k, v := range msg.Properties {
		props[k] = v
	}
	if opts.DeliveryMode != 0 {
		props[jms.PropertyDeliveryMode] = strconv.Itoa(int(opts.DeliveryMode))
	}
	if opts.Priority != 0 {
		props[jms.PropertyPriority] = strconv.Itoa(opts.Priority)
	}
	env := &envelope{
		id:            id,
		body:          append([]byte(nil), msg.Body...),
		props:         props,
		correlationID: msg.CorrelationID,
		replyTo:       msg.ReplyTo,
		dest:          p.dest,
	}
	if opts.TimeToLive > 0 {
		env.expires = time.Now().Add(opts.TimeToLive)
	}
	p.session.send(env)
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

// Message is a delivered message
type Message struct {
	env        *envelope
	session    *Session
	deliveries int
}

func (m *Message) ID() string                    { return m.env.id }
func (m *Message) Body() []byte                  { return m.env.body }
func (m *Message) CorrelationID() string         { return m.env.correlationID }
func (m *Message) ReplyTo() jms.Destination      { return m.env.replyTo }
func (m *Message) Destination() jms.Destination  { return m.env.dest }
func (m *Message) Redelivered() bool             { return m.deliveries > 1 }
func (m *Message) DeliveryCount() int            { return m.deliveries }
func (m *Message) Acknowledge() error            { return m.session.acknowledge() }
func (m *Message) Properties() map[string]string { return m.env.props }
