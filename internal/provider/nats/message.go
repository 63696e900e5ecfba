package nats

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// Header names carrying message fields NATS has no native slot for
const (
	HeaderMessageID     = "Nats-Msg-Id"
	HeaderCorrelationID = "Jms-Correlation-Id"
	HeaderReplyTo       = "Jms-Reply-To"
	HeaderExpires       = "Jms-Expires"
)

type destination struct {
	name string
	kind jms.DestinationKind
}

func (d destination) Name() string              { return d.name }
func (d destination) Kind() jms.DestinationKind { return d.kind }

// Queue returns a queue destination
func Queue(name string) jms.Destination { return destination{name: name, kind: jms.KindQueue} }

// Topic returns a topic destination
func Topic(name string) jms.Destination { return destination{name: name, kind: jms.KindTopic} }

// temporaryDestination is an inbox subject; it goes away with its
// subscriptions, so Delete has nothing to do.
type temporaryDestination struct{ destination }

func (temporaryDestination) Delete() error { return nil }

func temporary(name string, kind jms.DestinationKind) temporaryDestination {
	return temporaryDestination{destination{name: name, kind: kind}}
}

// Message is a received NATS message. JetStream messages are settled with
// Ack and Nak, plain subscription messages need no settlement.
type Message struct {
	subject   string
	data      []byte
	header    natsgo.Header
	js        jetstream.Msg
	delivered int
	session   *Session
}

func fromJetStream(m jetstream.Msg) *Message {
	msg := &Message{subject: m.Subject(), data: m.Data(), header: m.Headers(), js: m, delivered: 1}
	if meta, err := m.Metadata(); err == nil {
		msg.delivered = int(meta.NumDelivered)
	}
	return msg
}

func fromCore(m *natsgo.Msg) *Message {
	return &Message{subject: m.Subject, data: m.Data, header: m.Header, delivered: 1}
}

func (m *Message) ID() string            { return m.header.Get(HeaderMessageID) }
func (m *Message) Body() []byte          { return m.data }
func (m *Message) CorrelationID() string { return m.header.Get(HeaderCorrelationID) }
func (m *Message) Redelivered() bool     { return m.delivered > 1 }
func (m *Message) DeliveryCount() int    { return m.delivered }

// Acknowledge implements jms.Message for client-ack sessions
func (m *Message) Acknowledge() error {
	if m.session == nil {
		return m.ack()
	}
	return m.session.acknowledge()
}

// ReplyTo decodes the reply-to header
func (m *Message) ReplyTo() jms.Destination {
	return decodeReplyTo(m.header.Get(HeaderReplyTo))
}

// Destination maps the subject back to a queue or topic
func (m *Message) Destination() jms.Destination {
	if m.session != nil {
		prefix := m.session.conn.opts.SubjectPrefix
		if name, ok := strings.CutPrefix(m.subject, prefix+".queue."); ok {
			return Queue(name)
		}
		if name, ok := strings.CutPrefix(m.subject, prefix+".topic."); ok {
			return Topic(name)
		}
	}
	return temporary(m.subject, jms.KindTemporaryQueue)
}

// Properties returns the user headers
func (m *Message) Properties() map[string]string {
	props := make(map[string]string, len(m.header))
	for k, v := range m.header {
		if len(v) == 0 || internalHeader(k) {
			continue
		}
		props[k] = v[0]
	}
	return props
}

func (m *Message) ack() error {
	if m.js == nil {
		return nil
	}
	if err := m.js.Ack(); err != nil {
		return jms.NewProviderError("ack", err, false)
	}
	return nil
}

func (m *Message) nak() error {
	if m.js == nil {
		return nil
	}
	if err := m.js.Nak(); err != nil {
		return jms.NewProviderError("nak", err, false)
	}
	return nil
}

func (m *Message) expired(now time.Time) bool {
	v := m.header.Get(HeaderExpires)
	if v == "" {
		return false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	return err == nil && now.UnixMilli() >= ms
}

func internalHeader(k string) bool {
	switch k {
	case HeaderMessageID, HeaderCorrelationID, HeaderReplyTo, HeaderExpires:
		return true
	}
	return strings.HasPrefix(k, "Nats-")
}

// toNATS builds the wire message. QoS settings travel as properties; NATS
// has no priorities, and expiry is enforced by the receiver.
func toNATS(subject string, msg *jms.Outbound, opts jms.SendOptions, now time.Time) *natsgo.Msg {
	out := natsgo.NewMsg(subject)
	out.Data = msg.Body
	for k, v := range msg.Properties {
		out.Header.Set(k, v)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	out.Header.Set(HeaderMessageID, id)
	if msg.CorrelationID != "" {
		out.Header.Set(HeaderCorrelationID, msg.CorrelationID)
	}
	if r := encodeReplyTo(msg.ReplyTo); r != "" {
		out.Header.Set(HeaderReplyTo, r)
	}

	mode := opts.DeliveryMode
	if mode == 0 {
		mode = jms.NonPersistent
	}
	out.Header.Set(jms.PropertyDeliveryMode, strconv.Itoa(int(mode)))
	out.Header.Set(jms.PropertyPriority, strconv.Itoa(opts.Priority))
	if opts.TimeToLive > 0 {
		out.Header.Set(jms.PropertyTimeToLive, strconv.FormatInt(opts.TimeToLive.Milliseconds(), 10))
		out.Header.Set(HeaderExpires, strconv.FormatInt(now.Add(opts.TimeToLive).UnixMilli(), 10))
	}
	return out
}

func encodeReplyTo(dest jms.Destination) string {
	if dest == nil {
		return ""
	}
	switch dest.Kind() {
	case jms.KindTopic:
		return "topic:" + dest.Name()
	case jms.KindTemporaryQueue, jms.KindTemporaryTopic:
		return "temp:" + dest.Name()
	}
	return "queue:" + dest.Name()
}

func decodeReplyTo(s string) jms.Destination {
	kind, name, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return nil
	}
	switch kind {
	case "queue":
		return Queue(name)
	case "topic":
		return Topic(name)
	case "temp":
		return temporary(name, jms.KindTemporaryQueue)
	}
	return nil
}
