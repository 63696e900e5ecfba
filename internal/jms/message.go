package jms

import (
	"strconv"
	"time"
)

// DestinationKind distinguishes queues from topics
type DestinationKind int

const (
	KindQueue DestinationKind = iota
	KindTopic
	KindTemporaryQueue
	KindTemporaryTopic
)

// IsTopic reports whether the kind has publish/subscribe semantics
func (k DestinationKind) IsTopic() bool {
	return k == KindTopic || k == KindTemporaryTopic
}

// Destination is a named queue or topic
type Destination interface {
	Name() string
	Kind() DestinationKind
}

// TemporaryDestination lives as long as its connection
type TemporaryDestination interface {
	Destination
	Delete() error
}

// Message is a received message
type Message interface {
	ID() string
	Body() []byte
	Properties() map[string]string
	CorrelationID() string
	ReplyTo() Destination
	Destination() Destination
	// Redelivered is the provider's redelivery flag
	Redelivered() bool
	// DeliveryCount is the provider delivery counter, 0 when unsupported
	DeliveryCount() int
	Acknowledge() error
}

// Outbound is a message to be sent
type Outbound struct {
	ID            string
	Body          []byte
	Properties    map[string]string
	CorrelationID string
	ReplyTo       Destination
}

// DeliveryMode controls persistence of sent messages
type DeliveryMode int

const (
	NonPersistent DeliveryMode = 1
	Persistent    DeliveryMode = 2
)

// DefaultPriority is the JMS default message priority
const DefaultPriority = 4

// SendOptions are the per-send QoS settings
type SendOptions struct {
	DeliveryMode DeliveryMode
	Priority     int
	TimeToLive   time.Duration
}

// Well-known message property names
const (
	PropertyDeliveryMode = "JMSDeliveryMode"
	PropertyPriority     = "JMSPriority"
	PropertyTimeToLive   = "JMSExpiration"
	PropertyDeliveryCnt  = "JMSXDeliveryCount"
)

// QoSFromProperties overrides opts with QoS values carried in message
// properties. Malformed values are ignored.
func QoSFromProperties(props map[string]string, opts SendOptions) SendOptions {
	if v, ok := props[PropertyDeliveryMode]; ok {
		if n, err := strconv.Atoi(v); err == nil && (n == int(Persistent) || n == int(NonPersistent)) {
			opts.DeliveryMode = DeliveryMode(n)
		}
	}
	if v, ok := props[PropertyPriority]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 9 {
			opts.Priority = n
		}
	}
	if v, ok := props[PropertyTimeToLive]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			opts.TimeToLive = time.Duration(n) * time.Millisecond
		}
	}
	return opts
}
