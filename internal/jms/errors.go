package jms

import (
	"errors"
	"fmt"
)

var (
	ErrClosed         = errors.New("jms: resource closed")
	ErrNotSupported   = errors.New("jms: operation not supported by provider")
	ErrConnectionLost = errors.New("jms: connection lost")
	ErrNoDestination  = errors.New("jms: destination not found")
)

// ProviderError wraps a fault raised by the provider library
type ProviderError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("jms %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed
func (e *ProviderError) Temporary() bool { return e.Transient }

// NewProviderError builds a ProviderError
func NewProviderError(op string, err error, transient bool) *ProviderError {
	return &ProviderError{Op: op, Err: err, Transient: transient}
}

// IsTransient reports whether err, or anything it wraps, is marked temporary
func IsTransient(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return errors.Is(err, ErrConnectionLost)
}
