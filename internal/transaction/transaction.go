// Package transaction carries the active transaction through a
// context.Context and implements the JMS-local, client-acknowledge and XA
// transaction kinds the connector binds sessions to.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotActive       = errors.New("transaction is not active")
	ErrAlreadyBound    = errors.New("a resource is already bound for this key")
	ErrIllegalResource = errors.New("resource cannot be bound to this transaction kind")
	ErrNotTransacted   = errors.New("session is not transacted")
	ErrRolledBack      = errors.New("transaction was marked rollback-only and has been rolled back")
	ErrNoActiveSession = errors.New("no session bound to transaction")
	ErrUnknownKind     = errors.New("unknown transaction kind")
)

// Kind identifies how a transaction completes
type Kind int

const (
	// KindJMS commits and rolls back a transacted session
	KindJMS Kind = iota
	// KindClientAck acknowledges the bound message on commit
	KindClientAck
	// KindXA coordinates enlisted XA resources with two-phase commit
	KindXA
)

func (k Kind) String() string {
	switch k {
	case KindJMS:
		return "jms"
	case KindClientAck:
		return "client-ack"
	case KindXA:
		return "xa"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration value to a Kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "jms", "local":
		return KindJMS, nil
	case "client-ack", "client_ack":
		return KindClientAck, nil
	case "xa":
		return KindXA, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Status is the completion state of a transaction
type Status int

const (
	StatusActive Status = iota
	StatusCommitted
	StatusRolledBack
)

// Transaction is the accessor surface the connector works against
type Transaction interface {
	ID() string
	Kind() Kind
	Timeout() time.Duration
	Status() Status
	BindResource(key, resource any) error
	HasResource(key any) bool
	Resource(key any) any
	SetRollbackOnly()
	IsRollbackOnly() bool
	Commit() error
	Rollback() error
}

type ctxKey struct{}

// WithTransaction returns a context carrying tx
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// FromContext returns the active transaction carried by ctx, if any
func FromContext(ctx context.Context) (Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(ctxKey{}).(Transaction)
	if !ok || tx == nil || tx.Status() != StatusActive {
		return nil, false
	}
	return tx, true
}

// base holds the bookkeeping shared by all kinds
type base struct {
	id      string
	kind    Kind
	timeout time.Duration

	mu           sync.Mutex
	resources    map[any]any
	order        []any
	status       Status
	rollbackOnly bool
}

func newBase(kind Kind, timeout time.Duration) base {
	return base{
		id:        uuid.NewString(),
		kind:      kind,
		timeout:   timeout,
		resources: make(map[any]any),
	}
}

func (b *base) ID() string             { return b.id }
func (b *base) Kind() Kind             { return b.kind }
func (b *base) Timeout() time.Duration { return b.timeout }

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) HasResource(key any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.resources[key]
	return ok
}

func (b *base) Resource(key any) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resources[key]
}

func (b *base) SetRollbackOnly() {
	b.mu.Lock()
	b.rollbackOnly = true
	b.mu.Unlock()
	log.Debug().Str("tx", b.id).Msg("Transaction marked rollback-only")
}

func (b *base) IsRollbackOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rollbackOnly
}

// bind stores resource under key; caller holds no lock
func (b *base) bind(key, resource any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusActive {
		return ErrNotActive
	}
	if _, ok := b.resources[key]; ok {
		return ErrAlreadyBound
	}
	b.resources[key] = resource
	b.order = append(b.order, key)
	return nil
}

// finish moves the transaction out of the active state exactly once and
// returns the bound resources in bind order.
func (b *base) finish(status Status) ([]any, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusActive {
		return nil, false, ErrNotActive
	}
	b.status = status
	out := make([]any, 0, len(b.order))
	for _, k := range b.order {
		out = append(out, b.resources[k])
	}
	return out, b.rollbackOnly, nil
}

// closeResources closes every bound resource that is an io.Closer
func (b *base) closeResources(resources []any) {
	for _, r := range resources {
		c, ok := r.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("tx", b.id).Msg("Failed to close transaction resource")
		}
	}
}
