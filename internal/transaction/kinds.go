package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// MessageKey is the bind key of the message in a client-ack transaction
type MessageKey struct{}

// JMSTransaction commits the transacted session bound under a connection key
type JMSTransaction struct {
	base
}

// NewJMSTransaction begins a local JMS transaction
func NewJMSTransaction(timeout time.Duration) *JMSTransaction {
	return &JMSTransaction{base: newBase(KindJMS, timeout)}
}

// BindResource accepts exactly connection → transacted session pairs
func (t *JMSTransaction) BindResource(key, resource any) error {
	if _, ok := key.(jms.Connection); !ok {
		return fmt.Errorf("%w: key %T is not a connection", ErrIllegalResource, key)
	}
	session, ok := resource.(jms.Session)
	if !ok {
		return fmt.Errorf("%w: resource %T is not a session", ErrIllegalResource, resource)
	}
	if !session.Transacted() {
		return ErrNotTransacted
	}
	return t.bind(key, resource)
}

// Commit commits every bound session, or rolls back when rollback-only
func (t *JMSTransaction) Commit() error {
	resources, rollbackOnly, err := t.finish(StatusCommitted)
	if err != nil {
		return err
	}
	defer t.closeResources(resources)

	if rollbackOnly {
		t.setStatus(StatusRolledBack)
		if err := rollbackSessions(resources); err != nil {
			return errors.Join(ErrRolledBack, err)
		}
		return ErrRolledBack
	}

	var errs []error
	for _, r := range resources {
		if s, ok := r.(jms.Session); ok {
			if err := s.Commit(); err != nil {
				errs = append(errs, fmt.Errorf("failed to commit session: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// Rollback rolls back every bound session
func (t *JMSTransaction) Rollback() error {
	resources, _, err := t.finish(StatusRolledBack)
	if err != nil {
		return err
	}
	defer t.closeResources(resources)
	return rollbackSessions(resources)
}

// ClientAckTransaction acknowledges the bound message on commit and
// recovers the session on rollback.
type ClientAckTransaction struct {
	base
}

// NewClientAckTransaction begins a client-acknowledge transaction
func NewClientAckTransaction(timeout time.Duration) *ClientAckTransaction {
	return &ClientAckTransaction{base: newBase(KindClientAck, timeout)}
}

// BindResource accepts connection → session and MessageKey → message
func (t *ClientAckTransaction) BindResource(key, resource any) error {
	switch key.(type) {
	case jms.Connection:
		if _, ok := resource.(jms.Session); !ok {
			return fmt.Errorf("%w: resource %T is not a session", ErrIllegalResource, resource)
		}
	case MessageKey:
		if _, ok := resource.(jms.Message); !ok {
			return fmt.Errorf("%w: resource %T is not a message", ErrIllegalResource, resource)
		}
	default:
		return fmt.Errorf("%w: key %T", ErrIllegalResource, key)
	}
	return t.bind(key, resource)
}

// Commit acknowledges the bound message
func (t *ClientAckTransaction) Commit() error {
	resources, rollbackOnly, err := t.finish(StatusCommitted)
	if err != nil {
		return err
	}
	defer t.closeResources(resources)

	if rollbackOnly {
		t.setStatus(StatusRolledBack)
		return errors.Join(ErrRolledBack, recoverSessions(resources))
	}

	for _, r := range resources {
		if m, ok := r.(jms.Message); ok {
			if err := m.Acknowledge(); err != nil {
				return fmt.Errorf("failed to acknowledge message: %w", err)
			}
			return nil
		}
	}
	return ErrNoActiveSession
}

// Rollback recovers the bound session so unacknowledged messages are redelivered
func (t *ClientAckTransaction) Rollback() error {
	resources, _, err := t.finish(StatusRolledBack)
	if err != nil {
		return err
	}
	defer t.closeResources(resources)
	return recoverSessions(resources)
}

func (b *base) setStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func rollbackSessions(resources []any) error {
	var errs []error
	for _, r := range resources {
		if s, ok := r.(jms.Session); ok {
			if err := s.Rollback(); err != nil {
				errs = append(errs, fmt.Errorf("failed to roll back session: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

func recoverSessions(resources []any) error {
	var errs []error
	for _, r := range resources {
		if s, ok := r.(jms.Session); ok {
			if err := s.Recover(); err != nil {
				errs = append(errs, fmt.Errorf("failed to recover session: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// Reusable wraps a session so that closing it through a transaction is a
// no-op. Receivers bind their long-lived sessions this way.
func Reusable(s jms.Session) jms.Session {
	if r, ok := s.(*reusableSession); ok {
		return r
	}
	return &reusableSession{Session: s}
}

type reusableSession struct {
	jms.Session
}

func (s *reusableSession) Close() error {
	log.Debug().Msg("Ignoring close of reusable session")
	return nil
}

// Unwrap returns the underlying session
func (s *reusableSession) Unwrap() jms.Session { return s.Session }
