// Package nats is the NATS provider. Queues are subjects captured by a
// work-queue JetStream stream and consumed through one shared durable pull
// consumer per queue. Topic subscribers are plain NATS subscriptions;
// durable topic subscribers read a limits stream. Temporary destinations
// are inboxes.
//
// JetStream has no transactions, so a transacted session holds its sends
// until Commit and settles received messages with Ack or Nak.
package nats

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Options configure the NATS factory
type Options struct {
	URL            string
	Name           string
	Username       string
	Password       string
	Token          string
	ConnectTimeout time.Duration
	// ReconnectAttempts lets the client ride out short outages. With 0 the
	// connection closes on the first disconnect and the connector reconnects.
	ReconnectAttempts int

	SubjectPrefix  string
	QueueStream    string
	TopicStream    string
	Storage        jetstream.StorageType
	Replicas       int
	TopicRetention time.Duration
	AckWait        time.Duration
}

// NewOptions creates Options with sensible defaults
func NewOptions() *Options {
	return &Options{
		URL:            natsgo.DefaultURL,
		Name:           "connector",
		ConnectTimeout: 5 * time.Second,
		SubjectPrefix:  "jms",
		QueueStream:    "JMS_QUEUES",
		TopicStream:    "JMS_TOPICS",
		Storage:        jetstream.FileStorage,
		Replicas:       1,
		TopicRetention: 24 * time.Hour,
		AckWait:        30 * time.Second,
	}
}

// Apply sets options from connection factory properties
func (o *Options) Apply(props map[string]string) error {
	for key, value := range props {
		var err error
		switch key {
		case "url":
			o.URL = value
		case "name":
			o.Name = value
		case "username":
			o.Username = value
		case "password":
			o.Password = value
		case "token":
			o.Token = value
		case "connectTimeout":
			o.ConnectTimeout, err = time.ParseDuration(value)
		case "reconnectAttempts":
			o.ReconnectAttempts, err = strconv.Atoi(value)
		case "subjectPrefix":
			o.SubjectPrefix = value
		case "queueStream":
			o.QueueStream = value
		case "topicStream":
			o.TopicStream = value
		case "storage":
			switch strings.ToLower(value) {
			case "file":
				o.Storage = jetstream.FileStorage
			case "memory":
				o.Storage = jetstream.MemoryStorage
			default:
				err = fmt.Errorf("unknown storage")
			}
		case "replicas":
			o.Replicas, err = strconv.Atoi(value)
		case "topicRetention":
			o.TopicRetention, err = time.ParseDuration(value)
		case "ackWait":
			o.AckWait, err = time.ParseDuration(value)
		}
		if err != nil {
			return fmt.Errorf("invalid nats property %s=%q: %w", key, value, err)
		}
	}
	return nil
}

// Validate checks the options for errors
func (o *Options) Validate() error {
	if o.URL == "" {
		return fmt.Errorf("nats: url is required")
	}
	if o.SubjectPrefix == "" || strings.ContainsAny(o.SubjectPrefix, "*> ") {
		return fmt.Errorf("nats: invalid subject prefix %q", o.SubjectPrefix)
	}
	if o.QueueStream == o.TopicStream {
		return fmt.Errorf("nats: queue and topic streams must differ")
	}
	return nil
}

func (o *Options) queueSubject(name string) string { return o.SubjectPrefix + ".queue." + name }
func (o *Options) topicSubject(name string) string { return o.SubjectPrefix + ".topic." + name }

// consumerName turns a destination name into a valid durable name
func consumerName(parts ...string) string {
	return nameReplacer.Replace(strings.Join(parts, "_"))
}

var nameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_", "\\", "_")
