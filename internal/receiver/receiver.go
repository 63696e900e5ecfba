// Package receiver consumes endpoints through a connector. ConsumerPool
// attaches listeners to a set of consumers; PollingReceiver runs explicit
// receive loops, each inside its own transaction.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/redelivery"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

// Handler processes one received message. A returned error rolls back the
// message's transaction so the provider redelivers it.
type Handler interface {
	Handle(ctx context.Context, msg jms.Message) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg jms.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg jms.Message) error { return f(ctx, msg) }

// PoisonHandler receives messages that exceeded their redelivery budget.
// The message is consumed after the handler returns, whatever it returns.
type PoisonHandler interface {
	HandlePoison(ctx context.Context, receiver string, msg jms.Message, cause error) error
}

type subUnitState int

const (
	unitDisconnected subUnitState = iota
	unitConnected
	unitStarted
)

// Options configure a receiver
type Options struct {
	// Concurrency is the number of consumers or poll loops; topics always get one
	Concurrency int
	// RateLimit caps messages per second across the receiver, 0 is unlimited
	RateLimit float64
	RateBurst int
	Poison    PoisonHandler
	Tracer    trace.Tracer

	// PollTimeout bounds each receive of a PollingReceiver
	PollTimeout time.Duration
	// ReuseConsumer keeps a poll loop's session and consumer across polls
	ReuseConsumer bool
	// IdleBackoff is the pause after a failed poll
	IdleBackoff time.Duration
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		Concurrency: 1,
		PollTimeout: time.Second,
		IdleBackoff: 500 * time.Millisecond,
	}
}

// core is the message path shared by both receiver kinds
type core struct {
	conn    *connector.Connector
	ep      endpoint.Endpoint
	handler Handler
	opts    Options
	limiter *rate.Limiter
	tracer  trace.Tracer
	txm     *transaction.Manager
}

func newCore(conn *connector.Connector, ep endpoint.Endpoint, handler Handler, opts Options) core {
	c := core{conn: conn, ep: ep, handler: handler, opts: opts, tracer: opts.Tracer}
	if c.tracer == nil {
		c.tracer = otel.Tracer("go.flowcatalyst.tech/connector/receiver")
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	c.txm = conn.TransactionManager()
	if c.txm == nil {
		c.txm = transaction.NewManager(ep.Transaction.Timeout)
	}
	return c
}

func (c *core) key() string { return c.ep.Key() }

func (c *core) count() int {
	if c.conn.TopicResolver().IsTopic(c.ep) {
		return 1
	}
	if c.opts.Concurrency < 1 {
		return 1
	}
	return c.opts.Concurrency
}

func (c *core) ackMode() jms.AckMode {
	if c.ep.Transaction.Begins() && c.ep.Transaction.Kind == transaction.KindClientAck {
		return jms.ClientAcknowledge
	}
	return c.conn.Config().AckMode
}

// screen runs the pre-processing hook and the redelivery check. It returns
// a nil message when the message must not reach the handler; poison is true
// when that is because its redelivery budget is spent.
func (c *core) screen(ctx context.Context, session jms.Session, msg jms.Message) (out jms.Message, poison bool, err error) {
	msg, err = c.conn.PreProcessMessage(msg, session)
	if err != nil {
		return nil, false, fmt.Errorf("failed to pre-process message: %w", err)
	}
	if msg == nil {
		return nil, false, nil
	}

	max := c.conn.Config().MaxRedelivery
	tracker := c.conn.RedeliveryTracker()
	if !msg.Redelivered() || max <= 0 || tracker == nil {
		return msg, false, nil
	}

	outcome, err := tracker.HandleRedelivery(ctx, msg, max)
	if outcome.Accepted() {
		if err != nil {
			log.Warn().Err(err).Str("receiver", c.key()).Str("messageId", msg.ID()).Msg("Redelivery tracker failed, dispatching anyway")
		}
		return msg, false, nil
	}

	var tooMany *redelivery.TooManyRedeliveriesError
	if !errors.As(err, &tooMany) {
		tooMany = &redelivery.TooManyRedeliveriesError{MessageID: msg.ID(), Count: outcome.Count, Max: max}
	}
	log.Warn().
		Str("receiver", c.key()).
		Str("messageId", msg.ID()).
		Int("count", tooMany.Count).
		Int("max", max).
		Msg("Message exceeded maximum redeliveries")
	c.poison(ctx, msg, tooMany)
	return nil, true, nil
}

func (c *core) poison(ctx context.Context, msg jms.Message, cause error) {
	metrics.ReceiverMessagesProcessed.WithLabelValues(c.key(), "poison").Inc()
	if c.opts.Poison == nil {
		log.Error().Err(cause).Str("receiver", c.key()).Str("messageId", msg.ID()).Msg("Discarding poison message, no poison handler configured")
		return
	}
	if err := c.opts.Poison.HandlePoison(ctx, c.key(), msg, cause); err != nil {
		log.Error().Err(err).Str("receiver", c.key()).Str("messageId", msg.ID()).Msg("Poison handler failed, message discarded")
	}
}

// handle runs the handler under a span, after waiting for the rate limiter
func (c *core) handle(ctx context.Context, msg jms.Message) error {
	ctx, span := c.tracer.Start(ctx, "receive "+c.ep.Address,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.ep.Address),
			attribute.String("messaging.message.id", msg.ID()),
			attribute.Bool("messaging.redelivered", msg.Redelivered()),
			attribute.String("connector.receiver", c.key()),
		),
	)
	defer span.End()

	if c.limiter != nil {
		if !c.limiter.Allow() {
			metrics.ReceiverRateLimitWaits.WithLabelValues(c.key()).Inc()
			if err := c.limiter.Wait(ctx); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "rate limit wait aborted")
				return fmt.Errorf("rate limit wait aborted: %w", err)
			}
		}
	}

	start := time.Now()
	err := c.invoke(ctx, msg)
	metrics.ReceiverProcessingDuration.WithLabelValues(c.key()).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ReceiverMessagesProcessed.WithLabelValues(c.key(), "failed").Inc()
		return err
	}
	metrics.ReceiverMessagesProcessed.WithLabelValues(c.key(), "success").Inc()
	return nil
}

// invoke calls the handler, turning a panic into an error
func (c *core) invoke(ctx context.Context, msg jms.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler.Handle(ctx, msg)
}

// bind attaches the session, and for client-ack the message, to tx
func (c *core) bind(tx transaction.Transaction, session jms.Session, msg jms.Message) error {
	if !tx.HasResource(c.conn.Connection()) {
		if err := tx.BindResource(c.conn.Connection(), transaction.Reusable(session)); err != nil {
			return fmt.Errorf("failed to bind session to transaction: %w", err)
		}
	}
	if tx.Kind() == transaction.KindClientAck && msg != nil {
		if err := tx.BindResource(transaction.MessageKey{}, msg); err != nil {
			return fmt.Errorf("failed to bind message to transaction: %w", err)
		}
	}
	return nil
}

// complete commits or rolls back tx depending on the handler result
func (c *core) complete(tx transaction.Transaction, handlerErr error) {
	defer c.txm.Done(tx)
	if handlerErr != nil {
		if err := tx.Rollback(); err != nil {
			log.Error().Err(err).Str("receiver", c.key()).Str("tx", tx.ID()).Msg("Failed to roll back transaction")
		}
		return
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Str("receiver", c.key()).Str("tx", tx.ID()).Msg("Failed to commit transaction")
	}
}

// settle finishes a message handled outside a transaction
func (c *core) settle(session jms.Session, msg jms.Message, handlerErr error) {
	switch {
	case session.Transacted():
		var err error
		if handlerErr != nil {
			err = session.Rollback()
		} else {
			err = session.Commit()
		}
		if err != nil {
			log.Error().Err(err).Str("receiver", c.key()).Msg("Failed to settle transacted session")
		}
	case session.AcknowledgeMode() == jms.ClientAcknowledge:
		var err error
		if handlerErr != nil {
			err = session.Recover()
		} else {
			err = msg.Acknowledge()
		}
		if err != nil {
			log.Error().Err(err).Str("receiver", c.key()).Msg("Failed to settle client-ack session")
		}
	}
}
