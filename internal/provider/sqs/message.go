package sqs

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// Message attributes carrying JMS header fields
const (
	AttrMessageID     = "JMSMessageID"
	AttrCorrelationID = "JMSCorrelationID"
	AttrReplyTo       = "JMSReplyTo"
	AttrExpires       = "JMSExpires"
	// AttrGroupID selects the message group on FIFO queues
	AttrGroupID = "JMSXGroupID"

	attrReceiveCount = "ApproximateReceiveCount"
	defaultGroupID   = "default"
)

// Message is a received SQS message
type Message struct {
	msg      types.Message
	consumer *Consumer
}

func (m *Message) ID() string {
	if id := m.attr(AttrMessageID); id != "" {
		return id
	}
	return m.sqsID()
}

func (m *Message) Body() []byte                 { return []byte(aws.ToString(m.msg.Body)) }
func (m *Message) CorrelationID() string        { return m.attr(AttrCorrelationID) }
func (m *Message) Destination() jms.Destination { return m.consumer.dest }
func (m *Message) Redelivered() bool            { return m.DeliveryCount() > 1 }

// ReplyTo returns the reply-to queue
func (m *Message) ReplyTo() jms.Destination {
	if name := m.attr(AttrReplyTo); name != "" {
		return Queue(name)
	}
	return nil
}

// DeliveryCount is the approximate receive count kept by SQS
func (m *Message) DeliveryCount() int {
	n, err := strconv.Atoi(m.msg.Attributes[attrReceiveCount])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// Acknowledge implements jms.Message
func (m *Message) Acknowledge() error { return m.consumer.session.acknowledge() }

// Properties returns the user string attributes
func (m *Message) Properties() map[string]string {
	props := make(map[string]string, len(m.msg.MessageAttributes))
	for k, v := range m.msg.MessageAttributes {
		if v.StringValue == nil {
			continue
		}
		switch k {
		case AttrMessageID, AttrCorrelationID, AttrReplyTo, AttrExpires:
			continue
		}
		props[k] = *v.StringValue
	}
	return props
}

func (m *Message) sqsID() string { return aws.ToString(m.msg.MessageId) }

func (m *Message) attr(name string) string {
	if v, ok := m.msg.MessageAttributes[name]; ok {
		return aws.ToString(v.StringValue)
	}
	return ""
}

func (m *Message) expired(now time.Time) bool {
	ms, err := strconv.ParseInt(m.attr(AttrExpires), 10, 64)
	return err == nil && now.UnixMilli() >= ms
}

// delete acknowledges the message. A stale receipt handle means SQS has
// redelivered it; it is deleted when it shows up again.
func (m *Message) delete() error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	_, err := m.consumer.session.conn.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.consumer.url),
		ReceiptHandle: m.msg.ReceiptHandle,
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			m.consumer.markForDeletion(m.sqsID())
			return nil
		}
		return classify("delete message", err)
	}
	log.Debug().Str("sqsMessageId", m.sqsID()).Msg("SQS message deleted")
	return nil
}

// changeVisibility schedules redelivery after seconds
func (m *Message) changeVisibility(seconds int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	_, err := m.consumer.session.conn.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.consumer.url),
		ReceiptHandle:     m.msg.ReceiptHandle,
		VisibilityTimeout: seconds,
	})
	if err != nil {
		if isReceiptHandleExpired(err) {
			log.Debug().Str("sqsMessageId", m.sqsID()).Msg("Receipt handle expired, cannot change visibility")
			return nil
		}
		return classify("change visibility", err)
	}
	return nil
}

// toEntry maps an outbound message onto a batch entry. SQS has no priority
// or delivery mode; they travel as attributes. Expiry is enforced by the
// receiver.
func toEntry(queue string, msg *jms.Outbound, opts jms.SendOptions, now time.Time) types.SendMessageBatchRequestEntry {
	attrs := make(map[string]types.MessageAttributeValue, len(msg.Properties)+5)
	set := func(k, v string) {
		if v == "" {
			return
		}
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	for k, v := range msg.Properties {
		set(k, v)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	set(AttrMessageID, id)
	set(AttrCorrelationID, msg.CorrelationID)
	if msg.ReplyTo != nil {
		set(AttrReplyTo, msg.ReplyTo.Name())
	}
	if opts.DeliveryMode != 0 {
		set(jms.PropertyDeliveryMode, strconv.Itoa(int(opts.DeliveryMode)))
	}
	set(jms.PropertyPriority, strconv.Itoa(opts.Priority))
	if opts.TimeToLive > 0 {
		set(jms.PropertyTimeToLive, strconv.FormatInt(opts.TimeToLive.Milliseconds(), 10))
		set(AttrExpires, strconv.FormatInt(now.Add(opts.TimeToLive).UnixMilli(), 10))
	}

	entry := types.SendMessageBatchRequestEntry{
		Id:                aws.String("0"),
		MessageBody:       aws.String(string(msg.Body)),
		MessageAttributes: attrs,
	}
	if strings.HasSuffix(queue, ".fifo") {
		group := msg.Properties[AttrGroupID]
		if group == "" {
			group = defaultGroupID
		}
		entry.MessageGroupId = aws.String(group)
		entry.MessageDeduplicationId = aws.String(id)
	}
	if len(attrs) > 10 {
		log.Warn().Str("queue", queue).Int("attributes", len(attrs)).Msg("SQS accepts at most 10 message attributes")
	}
	return entry
}
