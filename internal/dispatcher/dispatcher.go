// Package dispatcher sends messages to an endpoint through a connector.
//
// Sends inside a transaction use the session bound to it. Other sends go
// through the connector's session cache, keyed by endpoint, so repeated
// dispatches reuse one session and producer. The cache leases that session
// to one sender at a time, a send and its commit never interleave with
// another goroutine's. Request/reply waits on the
// message's reply-to destination, or on a temporary queue created for the
// request.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/sessioncache"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

var (
	// ErrNoReplyTo is returned by Reply when the request carries no reply-to
	ErrNoReplyTo = errors.New("request has no reply-to destination")
	// ErrReplyTimeout is returned by Request when no reply arrived in time
	ErrReplyTimeout = errors.New("no reply received before timeout")
)

// DefaultReplyTimeout bounds Request when the caller passes no timeout
const DefaultReplyTimeout = 30 * time.Second

// Dispatcher sends to one endpoint
type Dispatcher struct {
	conn   *connector.Connector
	ep     endpoint.Endpoint
	tracer trace.Tracer
}

// New creates a dispatcher for ep
func New(conn *connector.Connector, ep endpoint.Endpoint) *Dispatcher {
	return &Dispatcher{
		conn:   conn,
		ep:     ep,
		tracer: otel.Tracer("go.flowcatalyst.tech/connector/dispatcher"),
	}
}

// WithTracer replaces the tracer
func (d *Dispatcher) WithTracer(t trace.Tracer) *Dispatcher {
	d.tracer = t
	return d
}

// Endpoint returns the target endpoint
func (d *Dispatcher) Endpoint() endpoint.Endpoint { return d.ep }

// SendOptions returns the QoS for msg: connector defaults, message
// properties when the connector honours QoS headers.
func (d *Dispatcher) SendOptions(msg *jms.Outbound) jms.SendOptions {
	cfg := d.conn.Config()
	opts := jms.SendOptions{DeliveryMode: jms.NonPersistent, Priority: jms.DefaultPriority}
	if cfg.PersistentDelivery {
		opts.DeliveryMode = jms.Persistent
	}
	if cfg.HonorQoSHeaders {
		opts = jms.QoSFromProperties(msg.Properties, opts)
	}
	return opts
}

// Dispatch sends msg without waiting for a reply
func (d *Dispatcher) Dispatch(ctx context.Context, msg *jms.Outbound) error {
	ctx, span := d.startSpan(ctx, "send", msg)
	defer span.End()

	err := d.send(ctx, msg)
	d.record(span, err)
	return err
}

func (d *Dispatcher) send(ctx context.Context, msg *jms.Outbound) error {
	if tx, ok := transaction.FromContext(ctx); ok {
		return d.sendInTransaction(ctx, tx, msg)
	}

	session, err := d.conn.GetSession(sessioncache.WithKey(ctx, "dispatch~"+d.ep.Key()), d.ep)
	if err != nil {
		return err
	}
	// closing a cached session returns it to the cache for the next sender
	defer d.conn.CloseQuietly(session)

	producer, release, err := d.producer(session)
	if err != nil {
		return err
	}
	defer release()

	if err := producer.Send(ctx, msg, d.SendOptions(msg)); err != nil {
		return fmt.Errorf("failed to send to %s: %w", d.ep.Address, err)
	}
	if session.Transacted() {
		if err := session.Commit(); err != nil {
			return fmt.Errorf("failed to commit send to %s: %w", d.ep.Address, err)
		}
	}
	return nil
}

// sendInTransaction sends on the transaction's session; the transaction
// commits or rolls the send back.
func (d *Dispatcher) sendInTransaction(ctx context.Context, tx transaction.Transaction, msg *jms.Outbound) error {
	session, err := d.conn.GetSession(ctx, d.ep)
	if err != nil {
		return err
	}
	producer, release, err := d.producer(session)
	if err != nil {
		return err
	}
	defer release()

	log.Debug().Str("endpoint", d.ep.String()).Str("tx", tx.ID()).Msg("Sending inside transaction")
	if err := producer.Send(ctx, msg, d.SendOptions(msg)); err != nil {
		return fmt.Errorf("failed to send to %s: %w", d.ep.Address, err)
	}
	return nil
}

// producer returns a producer for the endpoint on session and the function
// that releases it. Cached producers are kept.
func (d *Dispatcher) producer(session jms.Session) (jms.MessageProducer, func(), error) {
	dest, err := d.conn.CreateDestination(session, d.ep)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve destination %s: %w", d.ep.Address, err)
	}
	if cache := d.conn.SessionCache(); cache != nil {
		p, err := cache.Producer(session, dest)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	}
	p, err := session.CreateProducer(dest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create producer for %s: %w", d.ep.Address, err)
	}
	return p, func() { d.conn.CloseQuietly(p) }, nil
}

// Request sends msg and waits up to timeout for the reply. Inside a
// transaction the send would not be visible before commit, so Request
// only sends and returns a nil reply. It also returns a nil reply when msg
// has no reply-to and temporary destinations are disabled.
func (d *Dispatcher) Request(ctx context.Context, msg *jms.Outbound, timeout time.Duration) (jms.Message, error) {
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	if _, ok := transaction.FromContext(ctx); ok {
		log.Debug().Str("endpoint", d.ep.String()).Msg("Request inside transaction, not waiting for reply")
		return nil, d.Dispatch(ctx, msg)
	}
	if msg.ReplyTo == nil && d.conn.Config().DisableTemporaryReplyTo {
		log.Debug().Str("endpoint", d.ep.String()).Msg("No reply-to and temporary destinations disabled, not waiting for reply")
		return nil, d.Dispatch(ctx, msg)
	}

	ctx, span := d.startSpan(ctx, "request", msg)
	defer span.End()

	reply, err := d.request(ctx, msg, timeout)
	d.record(span, err)
	return reply, err
}

func (d *Dispatcher) request(ctx context.Context, msg *jms.Outbound, timeout time.Duration) (jms.Message, error) {
	// a private session: its temporary queue and consumer live for this request only
	session, err := d.conn.CreateSession(ctx, false, jms.AutoAcknowledge)
	if err != nil {
		return nil, err
	}
	defer d.conn.CloseQuietly(session)

	out := *msg
	if out.CorrelationID == "" {
		out.CorrelationID = uuid.NewString()
	}

	var (
		replyTo  = out.ReplyTo
		selector string
	)
	if replyTo == nil {
		temp, err := session.CreateTemporaryQueue()
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary reply queue: %w", err)
		}
		defer d.conn.DeleteTemporaryQuietly(temp)
		replyTo = temp
		out.ReplyTo = temp
	} else {
		selector = fmt.Sprintf("JMSCorrelationID = '%s'", out.CorrelationID)
	}

	// subscribe before sending so a fast reply on a topic is not missed
	consumer, err := session.CreateConsumer(replyTo, selector, false)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply consumer on %s: %w", replyTo.Name(), err)
	}
	defer d.conn.CloseQuietly(consumer)

	dest, err := d.conn.CreateDestination(session, d.ep)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination %s: %w", d.ep.Address, err)
	}
	producer, err := session.CreateProducer(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer for %s: %w", d.ep.Address, err)
	}
	defer d.conn.CloseQuietly(producer)

	if err := producer.Send(ctx, &out, d.SendOptions(&out)); err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", d.ep.Address, err)
	}

	log.Debug().
		Str("endpoint", d.ep.String()).
		Str("replyTo", replyTo.Name()).
		Str("correlationId", out.CorrelationID).
		Dur("timeout", timeout).
		Msg("Waiting for reply")

	reply, err := consumer.Receive(ctx, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to receive reply on %s: %w", replyTo.Name(), err)
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: %s after %s", ErrReplyTimeout, replyTo.Name(), timeout)
	}
	return reply, nil
}

// Reply sends msg to the reply-to destination of request, correlated to it
func Reply(ctx context.Context, conn *connector.Connector, request jms.Message, msg *jms.Outbound) error {
	replyTo := request.ReplyTo()
	if replyTo == nil {
		return ErrNoReplyTo
	}
	ep := endpoint.Queue("reply", replyTo.Name())
	if replyTo.Kind().IsTopic() {
		ep = endpoint.Topic("reply", replyTo.Name())
	}

	out := *msg
	if out.CorrelationID == "" {
		out.CorrelationID = request.CorrelationID()
	}
	if out.CorrelationID == "" {
		out.CorrelationID = request.ID()
	}

	// temporary destinations cannot be looked up by name, send to the original
	if _, ok := replyTo.(jms.TemporaryDestination); ok {
		return replyToTemporary(ctx, conn, replyTo, &out)
	}
	return New(conn, ep).Dispatch(ctx, &out)
}

func replyToTemporary(ctx context.Context, conn *connector.Connector, dest jms.Destination, msg *jms.Outbound) error {
	session, err := conn.GetSession(ctx, endpoint.Queue("reply", dest.Name()))
	if err != nil {
		return err
	}
	_, inTx := transaction.FromContext(ctx)
	if !inTx {
		defer conn.CloseQuietly(session)
	}

	producer, err := session.CreateProducer(dest)
	if err != nil {
		return fmt.Errorf("failed to create reply producer: %w", err)
	}
	defer conn.CloseQuietly(producer)

	if err := producer.Send(ctx, msg, jms.SendOptions{DeliveryMode: jms.NonPersistent, Priority: jms.DefaultPriority}); err != nil {
		metrics.DispatcherMessagesSent.WithLabelValues(dest.Name(), "error").Inc()
		return fmt.Errorf("failed to send reply to %s: %w", dest.Name(), err)
	}
	metrics.DispatcherMessagesSent.WithLabelValues(dest.Name(), "success").Inc()
	return nil
}

func (d *Dispatcher) startSpan(ctx context.Context, op string, msg *jms.Outbound) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, op+" "+d.ep.Address,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", d.ep.Address),
			attribute.Bool("messaging.destination.topic", d.conn.TopicResolver().IsTopic(d.ep)),
			attribute.String("messaging.message.correlation_id", msg.CorrelationID),
			attribute.Int("messaging.message.body.size", len(msg.Body)),
		),
	)
}

func (d *Dispatcher) record(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.DispatcherMessagesSent.WithLabelValues(d.ep.Address, "error").Inc()
		log.Warn().Err(err).Str("endpoint", d.ep.String()).Msg("Dispatch failed")
		return
	}
	metrics.DispatcherMessagesSent.WithLabelValues(d.ep.Address, "success").Inc()
}
