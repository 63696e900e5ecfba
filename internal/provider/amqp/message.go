package amqp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"go.flowcatalyst.tech/connector/internal/jms"
)

const (
	// HeaderDeliveryCount is set by quorum queues on redelivery
	HeaderDeliveryCount = "x-delivery-count"

	topicReplyPrefix = "topic:"
)

// Message is a received AMQP delivery
type Message struct {
	d               amqp091.Delivery
	session         *Session
	countDeliveries bool
}

func (m *Message) ID() string            { return m.d.MessageId }
func (m *Message) Body() []byte          { return m.d.Body }
func (m *Message) CorrelationID() string { return m.d.CorrelationId }
func (m *Message) Redelivered() bool     { return m.d.Redelivered }
func (m *Message) Acknowledge() error    { return m.session.acknowledge() }

// ReplyTo decodes the reply-to address
func (m *Message) ReplyTo() jms.Destination {
	return decodeReplyTo(m.d.ReplyTo)
}

// Destination returns the queue or topic the message was sent to
func (m *Message) Destination() jms.Destination {
	if m.d.Exchange == "" {
		return Queue(m.d.RoutingKey)
	}
	return Topic(m.d.RoutingKey)
}

// DeliveryCount reads the quorum queue counter, which counts earlier
// deliveries. It is 0 when counting is disabled.
func (m *Message) DeliveryCount() int {
	if !m.countDeliveries {
		return 0
	}
	return deliveryCount(m.d.Headers)
}

// Properties returns the headers plus the native QoS fields
func (m *Message) Properties() map[string]string {
	return fromDelivery(m.d)
}

func deliveryCount(headers amqp091.Table) int {
	switch v := headers[HeaderDeliveryCount].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	return 1
}

// toPublishing maps an outbound message onto AMQP properties. Well-known
// property names map to native fields, everything else becomes a header.
func toPublishing(msg *jms.Outbound, opts jms.SendOptions, now time.Time) amqp091.Publishing {
	p := amqp091.Publishing{
		Body:          msg.Body,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       encodeReplyTo(msg.ReplyTo),
		Timestamp:     now,
		DeliveryMode:  amqp091.Transient,
		Priority:      uint8(clampPriority(opts.Priority)),
	}
	if p.MessageId == "" {
		p.MessageId = uuid.NewString()
	}
	if opts.DeliveryMode == jms.Persistent {
		p.DeliveryMode = amqp091.Persistent
	}
	if opts.TimeToLive > 0 {
		p.Expiration = strconv.FormatInt(opts.TimeToLive.Milliseconds(), 10)
	}

	for k, v := range msg.Properties {
		switch k {
		case "content-type":
			p.ContentType = v
		case "content-encoding":
			p.ContentEncoding = v
		case "type":
			p.Type = v
		case "app-id":
			p.AppId = v
		case jms.PropertyDeliveryMode, jms.PropertyPriority, jms.PropertyTimeToLive:
			// carried natively
		default:
			if p.Headers == nil {
				p.Headers = amqp091.Table{}
			}
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(d amqp091.Delivery) map[string]string {
	props := make(map[string]string, len(d.Headers)+4)
	for k, v := range d.Headers {
		props[k] = fmt.Sprint(v)
	}
	if d.ContentType != "" {
		props["content-type"] = d.ContentType
	}
	if d.ContentEncoding != "" {
		props["content-encoding"] = d.ContentEncoding
	}
	if d.Type != "" {
		props["type"] = d.Type
	}
	if d.AppId != "" {
		props["app-id"] = d.AppId
	}

	mode := jms.NonPersistent
	if d.DeliveryMode == amqp091.Persistent {
		mode = jms.Persistent
	}
	props[jms.PropertyDeliveryMode] = strconv.Itoa(int(mode))
	props[jms.PropertyPriority] = strconv.Itoa(int(d.Priority))
	if d.Expiration != "" {
		props[jms.PropertyTimeToLive] = d.Expiration
	}
	return props
}

func clampPriority(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 9:
		return 9
	}
	return p
}

func encodeReplyTo(dest jms.Destination) string {
	if dest == nil {
		return ""
	}
	if dest.Kind().IsTopic() {
		return topicReplyPrefix + dest.Name()
	}
	return dest.Name()
}

func decodeReplyTo(s string) jms.Destination {
	switch {
	case s == "":
		return nil
	case strings.HasPrefix(s, topicReplyPrefix):
		return Topic(strings.TrimPrefix(s, topicReplyPrefix))
	}
	return Queue(s)
}
