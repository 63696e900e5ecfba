package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// XATransaction drives enlisted XA resources through two-phase commit
type XATransaction struct {
	base

	xaMu     sync.Mutex
	enlisted []jms.XAResource
}

// NewXATransaction begins an XA transaction
func NewXATransaction(timeout time.Duration) *XATransaction {
	return &XATransaction{base: newBase(KindXA, timeout)}
}

// BindResource binds any resource; XA sessions are enlisted as they are bound
func (t *XATransaction) BindResource(key, resource any) error {
	if err := t.bind(key, resource); err != nil {
		return err
	}
	if xs, ok := asXASession(resource); ok {
		return t.Enlist(xs.XAResource())
	}
	return nil
}

// Enlist starts the transaction branch on r
func (t *XATransaction) Enlist(r jms.XAResource) error {
	t.xaMu.Lock()
	defer t.xaMu.Unlock()
	for _, e := range t.enlisted {
		if e == r {
			return nil
		}
	}
	if err := r.Start(t.id); err != nil {
		return fmt.Errorf("failed to enlist XA resource: %w", err)
	}
	t.enlisted = append(t.enlisted, r)
	return nil
}

// Commit prepares every enlisted resource and commits them all, or rolls
// them all back if any prepare fails.
func (t *XATransaction) Commit() error {
	resources, rollbackOnly, err := t.finish(StatusCommitted)
	if err != nil {
		return err
	}
	defer t.closeResources(resources)

	enlisted := t.snapshot()
	for _, r := range enlisted {
		if err := r.End(t.id); err != nil {
			log.Warn().Err(err).Str("tx", t.id).Msg("Failed to end XA branch")
		}
	}

	if rollbackOnly {
		t.setStatus(StatusRolledBack)
		return errors.Join(ErrRolledBack, t.rollbackAll(enlisted))
	}

	for _, r := range enlisted {
		if err := r.Prepare(t.id); err != nil {
			t.setStatus(StatusRolledBack)
			return errors.Join(fmt.Errorf("failed to prepare XA branch: %w", err), t.rollbackAll(enlisted))
		}
	}

	var errs []error
	for _, r := range enlisted {
		if err := r.Commit(t.id); err != nil {
			errs = append(errs, fmt.Errorf("failed to commit XA branch: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Rollback rolls back every enlisted resource
func (t *XATransaction) Rollback() error {
	resources, _, err := t.finish(StatusRolledBack)
	if err != nil {
		return err
	}
	defer t.closeResources(resources)

	enlisted := t.snapshot()
	for _, r := range enlisted {
		if err := r.End(t.id); err != nil {
			log.Warn().Err(err).Str("tx", t.id).Msg("Failed to end XA branch")
		}
	}
	return t.rollbackAll(enlisted)
}

func (t *XATransaction) snapshot() []jms.XAResource {
	t.xaMu.Lock()
	defer t.xaMu.Unlock()
	return append([]jms.XAResource(nil), t.enlisted...)
}

func (t *XATransaction) rollbackAll(enlisted []jms.XAResource) error {
	var errs []error
	for _, r := range enlisted {
		if err := r.Rollback(t.id); err != nil {
			errs = append(errs, fmt.Errorf("failed to roll back XA branch: %w", err))
		}
	}
	return errors.Join(errs...)
}

func asXASession(resource any) (jms.XASession, bool) {
	for {
		if xs, ok := resource.(jms.XASession); ok {
			return xs, true
		}
		u, ok := resource.(interface{ Unwrap() jms.Session })
		if !ok {
			return nil, false
		}
		resource = u.Unwrap()
	}
}

// Manager begins transactions. A connector configured with a Manager wraps
// XA-capable connection factories so their sessions join XA transactions.
type Manager struct {
	DefaultTimeout time.Duration

	mu     sync.Mutex
	active int
}

// NewManager creates a transaction manager
func NewManager(defaultTimeout time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Manager{DefaultTimeout: defaultTimeout}
}

// Begin starts a transaction of the given kind and returns a context
// carrying it. A zero timeout uses the manager default.
func (m *Manager) Begin(ctx context.Context, kind Kind, timeout time.Duration) (context.Context, Transaction, error) {
	if timeout <= 0 {
		timeout = m.DefaultTimeout
	}

	var tx Transaction
	switch kind {
	case KindJMS:
		tx = NewJMSTransaction(timeout)
	case KindClientAck:
		tx = NewClientAckTransaction(timeout)
	case KindXA:
		tx = NewXATransaction(timeout)
	default:
		return ctx, nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	m.mu.Lock()
	m.active++
	m.mu.Unlock()

	log.Debug().Str("tx", tx.ID()).Str("kind", kind.String()).Dur("timeout", timeout).Msg("Transaction begun")
	return WithTransaction(ctx, tx), tx, nil
}

// Done records the completion of a transaction begun by m
func (m *Manager) Done(tx Transaction) {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	m.mu.Unlock()
}

// Active returns the number of transactions begun and not yet done
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
