package connector

import (
	"context"
	"fmt"
	"io"
	"reflect"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

// SessionFromTransaction returns the session bound to the active
// transaction for this connector's connection, if any.
func (c *Connector) SessionFromTransaction(ctx context.Context) jms.Session {
	tx, ok := transaction.FromContext(ctx)
	if !ok {
		return nil
	}
	conn := c.Connection()
	if conn == nil || !tx.HasResource(conn) {
		return nil
	}
	s, _ := tx.Resource(conn).(jms.Session)
	return s
}

// GetSession returns the session for work on ep. A session already bound to
// the active transaction wins; otherwise a new session is created and bound
// to the active transaction when there is one. If binding fails the session
// is closed and the bind error returned.
func (c *Connector) GetSession(ctx context.Context, ep endpoint.Endpoint) (jms.Session, error) {
	if s := c.SessionFromTransaction(ctx); s != nil {
		log.Debug().Str("endpoint", ep.String()).Msg("Using session bound to transaction")
		return s, nil
	}

	transacted := ep.Transaction.IsTransacted()
	mode := c.cfg.AckMode
	if ep.Transaction.Begins() && ep.Transaction.Kind == transaction.KindClientAck {
		mode = jms.ClientAcknowledge
	}

	log.Debug().
		Str("endpoint", ep.String()).
		Bool("topic", c.topics.IsTopic(ep)).
		Bool("transacted", transacted).
		Str("ackMode", mode.String()).
		Msg("Creating session")

	session, err := c.CreateSession(ctx, transacted, mode)
	if err != nil {
		return nil, err
	}

	if tx, ok := transaction.FromContext(ctx); ok {
		if err := tx.BindResource(c.Connection(), session); err != nil {
			c.CloseQuietly(session)
			return nil, fmt.Errorf("could not bind session to transaction %s: %w", tx.ID(), err)
		}
	}
	return session, nil
}

// CreateSession creates a session, through the session cache when caching
// is on.
func (c *Connector) CreateSession(ctx context.Context, transacted bool, mode jms.AckMode) (jms.Session, error) {
	c.mu.RLock()
	conn, handle := c.conn, c.cacheHandle
	c.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}
	if transacted {
		mode = jms.SessionTransacted
	}

	var (
		s   jms.Session
		err error
	)
	if handle != nil {
		s, err = handle.Session(ctx, transacted, mode)
	} else {
		s, err = conn.CreateSession(ctx, transacted, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// CreateDestination resolves ep to a queue or topic on session
func (c *Connector) CreateDestination(session jms.Session, ep endpoint.Endpoint) (jms.Destination, error) {
	if c.topics.IsTopic(ep) {
		return session.Topic(ep.Address)
	}
	return session.Queue(ep.Address)
}

// DurableName returns the subscription name used for durable topic
// consumers of ep.
func (c *Connector) DurableName(ep endpoint.Endpoint) string {
	if ep.DurableName != "" {
		return ep.DurableName
	}
	return fmt.Sprintf("connector.%s.%s", c.cfg.Name, ep.Address)
}

// CreateConsumer creates the consumer for ep on session. Topic endpoints
// get a durable subscription when the endpoint or the connector asks for one.
func (c *Connector) CreateConsumer(session jms.Session, ep endpoint.Endpoint) (jms.MessageConsumer, error) {
	dest, err := c.CreateDestination(session, ep)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination %s: %w", ep.Address, err)
	}

	noLocal := c.cfg.NoLocal
	if ep.NoLocal != nil {
		noLocal = *ep.NoLocal
	}

	var consumer jms.MessageConsumer
	if c.topics.IsTopic(ep) && (ep.Durable || c.cfg.Durable) {
		consumer, err = session.CreateDurableSubscriber(dest, c.DurableName(ep), ep.Selector, noLocal)
	} else {
		consumer, err = session.CreateConsumer(dest, ep.Selector, noLocal)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", ep.Address, err)
	}
	return consumer, nil
}

// PreProcessMessage runs the pre-processing hook on a message as soon as it
// arrives.
func (c *Connector) PreProcessMessage(msg jms.Message, session jms.Session) (jms.Message, error) {
	if c.preProcess == nil {
		return msg, nil
	}
	return c.preProcess(msg, session)
}

// Close closes a session, consumer or producer. Nil is ignored.
func (c *Connector) Close(r io.Closer) error {
	if isNil(r) {
		return nil
	}
	return r.Close()
}

// CloseQuietly closes r and logs a failure instead of returning it
func (c *Connector) CloseQuietly(r io.Closer) {
	if err := c.Close(r); err != nil {
		log.Warn().Err(err).Str("connector", c.cfg.Name).Str("resource", fmt.Sprintf("%T", r)).Msg("Failed to close resource")
	}
}

// DeleteTemporary deletes a temporary queue or topic. Nil is ignored.
func (c *Connector) DeleteTemporary(d jms.TemporaryDestination) error {
	if isNil(d) {
		return nil
	}
	return d.Delete()
}

// DeleteTemporaryQuietly deletes d and logs a failure instead of returning it
func (c *Connector) DeleteTemporaryQuietly(d jms.TemporaryDestination) {
	if err := c.DeleteTemporary(d); err != nil {
		log.Warn().Err(err).Str("destination", d.Name()).Msg("Failed to delete temporary destination")
	}
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
