package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// callTimeout bounds settlement calls made outside a caller's context
const callTimeout = 10 * time.Second

var (
	ErrListenerAttached = errors.New("sqs: consumer has a message listener")
	ErrNoTopics         = fmt.Errorf("%w: sqs has no topics", jms.ErrNotSupported)
	ErrSelector         = fmt.Errorf("%w: sqs has no message selectors", jms.ErrNotSupported)
)

type destination struct {
	name string
	kind jms.DestinationKind
}

func (d destination) Name() string              { return d.name }
func (d destination) Kind() jms.DestinationKind { return d.kind }

// Queue returns a queue destination
func Queue(name string) jms.Destination { return destination{name: name, kind: jms.KindQueue} }

type temporaryQueue struct {
	destination
	conn *Connection
	url  string
}

func (q temporaryQueue) Delete() error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if _, err := q.conn.api.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(q.url)}); err != nil {
		return classify("delete temporary queue", err)
	}
	q.conn.removeTemporary(q.name, q.url)
	return nil
}

type outgoing struct {
	url   string
	entry types.SendMessageBatchRequestEntry
}

// Session tracks unsettled messages and, when transacted, held sends
type Session struct {
	conn       *Connection
	transacted bool
	mode       jms.AckMode

	mu        sync.Mutex
	closed    bool
	unsettled []*Message
	sends     []outgoing
	consumers []*Consumer
}

// CreateConsumer implements jms.Session
func (s *Session) CreateConsumer(dest jms.Destination, selector string, noLocal bool) (jms.MessageConsumer, error) {
	if selector != "" {
		return nil, ErrSelector
	}
	if dest.Kind().IsTopic() {
		return nil, ErrNoTopics
	}
	if err := s.usable(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	url, err := s.conn.queueURL(ctx, dest.Name())
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		session:        s,
		dest:           dest,
		url:            url,
		pendingDeletes: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.consumers = append(s.consumers, c)
	s.mu.Unlock()
	return c, nil
}

// CreateDurableSubscriber implements jms.Session
func (s *Session) CreateDurableSubscriber(jms.Destination, string, string, bool) (jms.MessageConsumer, error) {
	return nil, ErrNoTopics
}

// CreateProducer implements jms.Session
func (s *Session) CreateProducer(dest jms.Destination) (jms.MessageProducer, error) {
	if dest.Kind().IsTopic() {
		return nil, ErrNoTopics
	}
	if err := s.usable(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	url, err := s.conn.queueURL(ctx, dest.Name())
	if err != nil {
		return nil, err
	}
	return &Producer{session: s, dest: dest, url: url}, nil
}

// Queue implements jms.Session
func (s *Session) Queue(name string) (jms.Destination, error) { return Queue(name), nil }

// Topic implements jms.Session
func (s *Session) Topic(string) (jms.Destination, error) { return nil, ErrNoTopics }

// CreateTemporaryQueue implements jms.Session. The queue is deleted with
// its connection.
func (s *Session) CreateTemporaryQueue() (jms.TemporaryDestination, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	name := "tmp-" + uuid.NewString()
	url, err := s.conn.createQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	s.conn.addTemporary(name, url)
	return temporaryQueue{destination: destination{name: name, kind: jms.KindTemporaryQueue}, conn: s.conn, url: url}, nil
}

// CreateTemporaryTopic implements jms.Session
func (s *Session) CreateTemporaryTopic() (jms.TemporaryDestination, error) {
	return nil, ErrNoTopics
}

// Commit implements jms.Session: send the held messages in batches, then
// delete the received ones.
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

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := s.sendBatches(ctx, sends); err != nil {
		s.redeliver(received)
		return err
	}
	return s.ackAll(received)
}

// Rollback implements jms.Session
func (s *Session) Rollback() error {
	if !s.transacted {
		return jms.NewProviderError("rollback", errors.New("session is not transacted"), false)
	}
	s.mu.Lock()
	received := s.unsettled
	s.sends, s.unsettled = nil, nil
	s.mu.Unlock()
	return s.redeliver(received)
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
	return s.redeliver(received)
}

// Transacted implements jms.Session
func (s *Session) Transacted() bool { return s.transacted }

// AcknowledgeMode implements jms.Session
func (s *Session) AcknowledgeMode() jms.AckMode { return s.mode }

// Close implements jms.Session. Unsettled messages become visible again.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers, received := s.consumers, s.unsettled
	s.consumers, s.unsettled, s.sends = nil, nil, nil
	s.mu.Unlock()

	var errs []error
	for _, c := range consumers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.redeliver(received))
	return errors.Join(errs...)
}

func (s *Session) usable() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.conn.isClosed() {
		return jms.ErrClosed
	}
	return nil
}

func (s *Session) hold(m *Message) {
	if !s.transacted && s.mode != jms.ClientAcknowledge {
		return
	}
	s.mu.Lock()
	s.unsettled = append(s.unsettled, m)
	s.mu.Unlock()
}

func (s *Session) settleAuto(m *Message) {
	if s.transacted || s.mode == jms.ClientAcknowledge {
		return
	}
	if err := m.delete(); err != nil {
		log.Warn().Err(err).Str("sqsMessageId", m.sqsID()).Msg("Failed to delete SQS message")
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
	return s.ackAll(received)
}

func (s *Session) ackAll(msgs []*Message) error {
	var errs []error
	for _, m := range msgs {
		errs = append(errs, m.delete())
	}
	return errors.Join(errs...)
}

func (s *Session) redeliver(msgs []*Message) error {
	delay := s.conn.opts.redeliverySeconds()
	var errs []error
	for _, m := range msgs {
		errs = append(errs, m.changeVisibility(delay))
	}
	return errors.Join(errs...)
}

func (s *Session) send(ctx context.Context, url string, entry types.SendMessageBatchRequestEntry) error {
	if s.transacted {
		s.mu.Lock()
		entry.Id = aws.String(strconv.Itoa(len(s.sends)))
		s.sends = append(s.sends, outgoing{url: url, entry: entry})
		s.mu.Unlock()
		return nil
	}
	_, err := s.conn.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(url),
		MessageBody:            entry.MessageBody,
		MessageAttributes:      entry.MessageAttributes,
		MessageGroupId:         entry.MessageGroupId,
		MessageDeduplicationId: entry.MessageDeduplicationId,
	})
	if err != nil {
		return classify("send", err)
	}
	return nil
}

// sendBatches sends held messages per queue, at most MaxBatchSize a call
func (s *Session) sendBatches(ctx context.Context, sends []outgoing) error {
	byQueue := map[string][]types.SendMessageBatchRequestEntry{}
	var order []string
	for _, o := range sends {
		if _, ok := byQueue[o.url]; !ok {
			order = append(order, o.url)
		}
		byQueue[o.url] = append(byQueue[o.url], o.entry)
	}

	for _, url := range order {
		entries := byQueue[url]
		for i := 0; i < len(entries); i += MaxBatchSize {
			end := min(i+MaxBatchSize, len(entries))
			result, err := s.conn.api.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
				QueueUrl: aws.String(url),
				Entries:  entries[i:end],
			})
			if err != nil {
				return classify("send batch", err)
			}
			if len(result.Failed) > 0 {
				log.Error().
					Int("failed", len(result.Failed)).
					Int("successful", len(result.Successful)).
					Str("queueUrl", url).
					Msg("Some held messages failed to send on commit")
				return jms.NewProviderError("send batch", fmt.Errorf("failed to send %d messages", len(result.Failed)), false)
			}
		}
	}
	return nil
}

// Consumer long-polls one queue. A poll may return a batch; messages not
// yet handed out stay buffered and are released on Close.
type Consumer struct {
	session *Session
	dest    jms.Destination
	url     string

	mu       sync.Mutex
	closed   bool
	buffer   []types.Message
	listener jms.MessageListener
	cancel   context.CancelFunc

	// SQS ids of messages processed whose delete failed on a stale receipt
	// handle; they are deleted when they come back
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.Mutex
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
	m, err := c.next(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	c.session.hold(m)
	c.session.settleAuto(m)
	return m, nil
}

// next returns the next live message, polling until ctx is done
func (c *Consumer) next(ctx context.Context) (*Message, error) {
	if err := c.session.conn.awaitStarted(ctx); err != nil {
		return nil, err
	}
	for {
		if m := c.pop(); m != nil {
			return m, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.poll(ctx); err != nil {
			return nil, err
		}
	}
}

func (c *Consumer) pop() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for len(c.buffer) > 0 {
		raw := c.buffer[0]
		c.buffer = c.buffer[1:]
		m := &Message{msg: raw, consumer: c}
		if m.expired(now) {
			go func() {
				if err := m.delete(); err != nil {
					log.Debug().Err(err).Msg("Failed to delete expired SQS message")
				}
			}()
			continue
		}
		return m
	}
	return nil
}

func (c *Consumer) poll(ctx context.Context) error {
	opts := c.session.conn.opts
	wait := opts.WaitTimeSeconds
	if deadline, ok := ctx.Deadline(); ok {
		// round down so the poll returns before the deadline
		if left := int32(time.Until(deadline) / time.Second); left < wait {
			wait = left
		}
	}

	result, err := c.session.conn.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.url),
		MaxNumberOfMessages:   opts.MaxNumberOfMessages,
		WaitTimeSeconds:       wait,
		VisibilityTimeout:     opts.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
		AttributeNames:        []types.QueueAttributeName{"All"},
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify("receive", err)
	}
	if len(result.Messages) == 0 && wait == 0 {
		// short poll on an empty queue, do not spin
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	for _, raw := range result.Messages {
		id := aws.ToString(raw.MessageId)
		c.pendingDeletesMu.Lock()
		_, pending := c.pendingDeletes[id]
		c.pendingDeletesMu.Unlock()
		if pending {
			log.Info().Str("sqsMessageId", id).Msg("SQS message was previously processed, deleting now")
			m := &Message{msg: raw, consumer: c}
			if err := m.delete(); err == nil {
				c.pendingDeletesMu.Lock()
				delete(c.pendingDeletes, id)
				c.pendingDeletesMu.Unlock()
			}
			continue
		}
		c.mu.Lock()
		c.buffer = append(c.buffer, raw)
		c.mu.Unlock()
	}
	return nil
}

func (c *Consumer) markForDeletion(id string) {
	c.pendingDeletesMu.Lock()
	c.pendingDeletes[id] = struct{}{}
	c.pendingDeletesMu.Unlock()
	log.Info().Str("sqsMessageId", id).Msg("SQS message marked for deletion on next poll")
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

// pump delivers to the listener. Repeated transient receive failures are
// reported to the connection's exception listener.
func (c *Consumer) pump(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		m, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Error().Err(err).Str("queue", c.dest.Name()).Int("failures", failures).Msg("Error polling SQS messages")
			if jms.IsTransient(err) && failures >= c.session.conn.opts.FailureThreshold {
				c.session.conn.report(err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		failures = 0

		c.mu.Lock()
		l := c.listener
		c.mu.Unlock()
		if l == nil {
			_ = m.changeVisibility(0)
			return
		}
		c.session.hold(m)
		l.OnMessage(m)
		c.session.settleAuto(m)
	}
}

// Close implements jms.MessageConsumer. Buffered messages are made
// visible again.
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
	buffered := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	var errs []error
	for _, raw := range buffered {
		m := &Message{msg: raw, consumer: c}
		errs = append(errs, m.changeVisibility(0))
	}
	return errors.Join(errs...)
}

// Producer sends to one queue
type Producer struct {
	session *Session
	dest    jms.Destination
	url     string

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
	return p.session.send(ctx, p.url, toEntry(p.dest.Name(), msg, opts, time.Now()))
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
