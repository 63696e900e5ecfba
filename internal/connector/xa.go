package connector

import (
	"context"
	"fmt"

	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

type enlister interface {
	Enlist(r jms.XAResource) error
}

// xaFactory creates XA connections whose sessions join the XA transaction
// carried by the creating context.
type xaFactory struct {
	inner jms.XAConnectionFactory
}

func (f xaFactory) CreateConnection(ctx context.Context, username, password string) (jms.Connection, error) {
	conn, err := f.inner.CreateXAConnection(ctx, username, password)
	if err != nil {
		return nil, err
	}
	return &xaConnection{Connection: conn}, nil
}

func (f xaFactory) Metadata() jms.Metadata { return f.inner.Metadata() }

// Close closes the wrapped factory when it holds resources
func (f xaFactory) Close() error {
	if c, ok := f.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

type xaConnection struct {
	jms.Connection
}

func (c *xaConnection) CreateSession(ctx context.Context, transacted bool, mode jms.AckMode) (jms.Session, error) {
	s, err := c.Connection.CreateSession(ctx, transacted, mode)
	if err != nil {
		return nil, err
	}
	tx, ok := transaction.FromContext(ctx)
	if !ok || tx.Kind() != transaction.KindXA {
		return s, nil
	}
	xs, ok := s.(jms.XASession)
	if !ok {
		return s, nil
	}
	e, ok := tx.(enlister)
	if !ok {
		return s, nil
	}
	if err := e.Enlist(xs.XAResource()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enlist session in transaction %s: %w", tx.ID(), err)
	}
	return s, nil
}
