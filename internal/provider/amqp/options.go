// Package amqp is the AMQP 0-9-1 provider. A connection is one broker
// connection, a session is one channel. Queues are addressed through the
// default exchange; topics are routing keys on a topic exchange, each
// subscriber consuming its own bound queue.
package amqp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Default values
const (
	DefaultAddress       = "localhost:5672"
	DefaultDialTimeout   = 10 * time.Second
	DefaultHeartbeat     = 30 * time.Second
	DefaultTopicExchange = "amq.topic"
	DefaultPrefetch      = 16
)

var ErrNoAddress = errors.New("amqp: no broker address or url configured")

// Options configure the AMQP factory
type Options struct {
	// URL overrides Address, Username, Password and Vhost
	URL         string
	Address     string
	Username    string
	Password    string
	Vhost       string
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// Prefetch is the per-channel unacknowledged delivery limit
	Prefetch int
	// TopicExchange carries topic destinations
	TopicExchange string
	// DurableQueues declares queues durable
	DurableQueues bool
	// DeliveryCount reports x-delivery-count; only quorum queues send it
	DeliveryCount bool
}

// NewOptions creates Options with sensible defaults
func NewOptions() *Options {
	return &Options{
		Address:       DefaultAddress,
		Username:      "guest",
		Password:      "guest",
		Vhost:         "/",
		DialTimeout:   DefaultDialTimeout,
		Heartbeat:     DefaultHeartbeat,
		Prefetch:      DefaultPrefetch,
		TopicExchange: DefaultTopicExchange,
		DurableQueues: true,
	}
}

// Apply sets options from connection factory properties. Unknown
// properties are ignored.
func (o *Options) Apply(props map[string]string) error {
	for key, value := range props {
		var err error
		switch key {
		case "url":
			o.URL = value
		case "address":
			o.Address = value
		case "username":
			o.Username = value
		case "password":
			o.Password = value
		case "vhost":
			o.Vhost = value
		case "dialTimeout":
			o.DialTimeout, err = time.ParseDuration(value)
		case "heartbeat":
			o.Heartbeat, err = time.ParseDuration(value)
		case "prefetch":
			o.Prefetch, err = strconv.Atoi(value)
		case "topicExchange":
			o.TopicExchange = value
		case "durableQueues":
			o.DurableQueues, err = strconv.ParseBool(value)
		case "deliveryCount":
			o.DeliveryCount, err = strconv.ParseBool(value)
		}
		if err != nil {
			return fmt.Errorf("invalid amqp property %s=%q: %w", key, value, err)
		}
	}
	return nil
}

// Validate checks the options for errors
func (o *Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	return nil
}

// dialURL builds the broker URL. Non-empty username and password replace
// the configured credentials.
func (o *Options) dialURL(username, password string) (string, error) {
	if o.URL != "" {
		if username == "" {
			return o.URL, nil
		}
		u, err := url.Parse(o.URL)
		if err != nil {
			return "", fmt.Errorf("invalid amqp url: %w", err)
		}
		u.User = url.UserPassword(username, password)
		return u.String(), nil
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}
	if username == "" {
		username, password = o.Username, o.Password
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   o.Address,
		Path:   "/" + strings.TrimPrefix(o.Vhost, "/"),
	}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String(), nil
}
