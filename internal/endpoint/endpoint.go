// Package endpoint describes the inbound and outbound destinations a
// connector serves and decides whether an endpoint has topic semantics.
package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.flowcatalyst.tech/connector/internal/transaction"
)

const (
	Scheme      = "jms"
	topicPrefix = "topic:"
	queuePrefix = "queue:"
)

var (
	ErrInvalidScheme = errors.New("endpoint: uri must use the jms scheme")
	ErrNoAddress     = errors.New("endpoint: uri has no destination address")
)

// Endpoint is a parsed destination URI plus its receiver settings
type Endpoint struct {
	URI         string
	Flow        string
	Address     string
	Topic       bool
	Durable     bool
	DurableName string
	Selector    string
	// NoLocal overrides the connector setting when non-nil
	NoLocal     *bool
	Transaction transaction.Config
	Properties  map[string]string
}

// Key identifies the receiver registered for this endpoint
func (e Endpoint) Key() string {
	return e.Flow + "~" + e.Address
}

func (e Endpoint) String() string {
	if e.URI != "" {
		return e.URI
	}
	return e.Key()
}

// Parse reads an endpoint URI:
//
//	jms://orders
//	jms://queue:orders
//	jms://topic:events?durable=true&durableName=audit&selector=region%3D'eu'
//
// Recognised query parameters are durable, durableName, selector, noLocal,
// transaction (none, always-begin, begin-or-join), transactionKind and
// transactionTimeout. Anything else is kept in Properties.
func Parse(flow, raw string) (Endpoint, error) {
	rest, ok := strings.CutPrefix(raw, Scheme+"://")
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidScheme, raw)
	}
	address, rawQuery, _ := strings.Cut(rest, "?")

	ep := Endpoint{URI: raw, Flow: flow, Properties: map[string]string{}}
	switch {
	case strings.HasPrefix(address, topicPrefix):
		ep.Topic = true
		address = strings.TrimPrefix(address, topicPrefix)
	case strings.HasPrefix(address, queuePrefix):
		address = strings.TrimPrefix(address, queuePrefix)
	}
	if address == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrNoAddress, raw)
	}
	ep.Address = address

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse endpoint query %q: %w", raw, err)
	}
	for name, values := range query {
		value := values[len(values)-1]
		switch name {
		case "durable":
			if ep.Durable, err = strconv.ParseBool(value); err != nil {
				return Endpoint{}, fmt.Errorf("invalid durable flag in %q: %w", raw, err)
			}
		case "durableName":
			ep.DurableName = value
		case "selector":
			ep.Selector = value
		case "noLocal":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return Endpoint{}, fmt.Errorf("invalid noLocal flag in %q: %w", raw, err)
			}
			ep.NoLocal = &b
		case "transaction":
			if ep.Transaction.Action, err = transaction.ParseAction(value); err != nil {
				return Endpoint{}, err
			}
		case "transactionKind":
			if ep.Transaction.Kind, err = transaction.ParseKind(value); err != nil {
				return Endpoint{}, err
			}
		case "transactionTimeout":
			if ep.Transaction.Timeout, err = time.ParseDuration(value); err != nil {
				return Endpoint{}, fmt.Errorf("invalid transaction timeout in %q: %w", raw, err)
			}
		default:
			ep.Properties[name] = value
		}
	}
	return ep, nil
}

// MustParse is Parse for static endpoints; it panics on error
func MustParse(flow, raw string) Endpoint {
	ep, err := Parse(flow, raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// Queue builds a queue endpoint without a URI
func Queue(flow, address string) Endpoint {
	return Endpoint{URI: Scheme + "://" + queuePrefix + address, Flow: flow, Address: address}
}

// Topic builds a topic endpoint without a URI
func Topic(flow, address string) Endpoint {
	return Endpoint{URI: Scheme + "://" + topicPrefix + address, Flow: flow, Address: address, Topic: true}
}
