// Package jms defines the provider SPI the connector is written against.
//
// The interfaces mirror the JMS object model (connection factory, connection,
// session, consumer, producer) so that AMQP, NATS, SQS and the in-memory
// broker can be driven through one lifecycle. Sessions are single-goroutine
// objects; connections are safe for concurrent use.
package jms

import (
	"context"
	"time"
)

// AckMode is the acknowledgement mode of a non-transacted session
type AckMode int

const (
	AutoAcknowledge AckMode = iota + 1
	ClientAcknowledge
	DupsOKAcknowledge
	SessionTransacted
)

func (m AckMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups-ok"
	case SessionTransacted:
		return "transacted"
	default:
		return "unknown"
	}
}

// ParseAckMode maps a configuration value to an AckMode
func ParseAckMode(s string) (AckMode, bool) {
	switch s {
	case "", "auto", "AUTO_ACKNOWLEDGE":
		return AutoAcknowledge, true
	case "client", "CLIENT_ACKNOWLEDGE":
		return ClientAcknowledge, true
	case "dups-ok", "DUPS_OK_ACKNOWLEDGE":
		return DupsOKAcknowledge, true
	case "transacted", "SESSION_TRANSACTED":
		return SessionTransacted, true
	}
	return 0, false
}

// Metadata describes provider capabilities
type Metadata struct {
	Provider string
	// DeliveryCount is true when messages carry a native delivery counter
	DeliveryCount bool
}

// ConnectionFactory creates provider connections
type ConnectionFactory interface {
	CreateConnection(ctx context.Context, username, password string) (Connection, error)
	Metadata() Metadata
}

// XAConnectionFactory is implemented by factories able to take part in
// distributed transactions.
type XAConnectionFactory interface {
	ConnectionFactory
	CreateXAConnection(ctx context.Context, username, password string) (Connection, error)
}

// Configurable factories accept free-form connection factory properties
type Configurable interface {
	Configure(props map[string]string) error
}

// ExceptionListener receives asynchronous connection faults
type ExceptionListener interface {
	OnException(err error)
}

// ExceptionListenerFunc adapts a function to ExceptionListener
type ExceptionListenerFunc func(err error)

// OnException calls f(err)
func (f ExceptionListenerFunc) OnException(err error) { f(err) }

// Connection is a single provider-level channel
type Connection interface {
	CreateSession(ctx context.Context, transacted bool, mode AckMode) (Session, error)
	// Start begins (or resumes) delivery to message listeners
	Start() error
	// Stop pauses delivery without tearing the connection down
	Stop() error
	Close() error
	ClientID() string
	SetClientID(id string) error
	// SetExceptionListener registers the fault callback; nil removes it
	SetExceptionListener(l ExceptionListener)
}

// Session is a single-goroutine context for producing and consuming
type Session interface {
	CreateConsumer(dest Destination, selector string, noLocal bool) (MessageConsumer, error)
	CreateDurableSubscriber(topic Destination, name, selector string, noLocal bool) (MessageConsumer, error)
	CreateProducer(dest Destination) (MessageProducer, error)
	Queue(name string) (Destination, error)
	Topic(name string) (Destination, error)
	CreateTemporaryQueue() (TemporaryDestination, error)
	CreateTemporaryTopic() (TemporaryDestination, error)
	Commit() error
	Rollback() error
	// Recover redelivers all unacknowledged messages of a client-ack session
	Recover() error
	Transacted() bool
	AcknowledgeMode() AckMode
	Close() error
}

// XAResource is the two-phase-commit handle of an XA session
type XAResource interface {
	Start(xid string) error
	End(xid string) error
	Prepare(xid string) error
	Commit(xid string) error
	Rollback(xid string) error
}

// XASession is a session created from an XA connection
type XASession interface {
	Session
	XAResource() XAResource
}

// MessageListener receives asynchronously delivered messages
type MessageListener interface {
	OnMessage(msg Message)
}

// MessageListenerFunc adapts a function to MessageListener
type MessageListenerFunc func(msg Message)

// OnMessage calls f(msg)
func (f MessageListenerFunc) OnMessage(msg Message) { f(msg) }

// MessageConsumer receives from one destination
type MessageConsumer interface {
	// Receive blocks for at most timeout; a nil message means nothing arrived
	Receive(ctx context.Context, timeout time.Duration) (Message, error)
	// SetMessageListener attaches a listener; nil detaches the current one
	SetMessageListener(l MessageListener) error
	Close() error
}

// MessageProducer sends to one destination
type MessageProducer interface {
	Send(ctx context.Context, msg *Outbound, opts SendOptions) error
	Destination() Destination
	Close() error
}
