// Package redelivery decides whether a redelivered message may be processed
// again or has exhausted its redelivery budget.
package redelivery

import (
	"context"
	"fmt"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/jms"
)

// DefaultCapacity is the number of message ids the counting tracker remembers
const DefaultCapacity = 256

// Verdict is the tracker's decision for one delivery
type Verdict int

const (
	Accept Verdict = iota
	Reject
)

func (v Verdict) String() string {
	if v == Reject {
		return "reject"
	}
	return "accept"
}

// Outcome is the result of HandleRedelivery
type Outcome struct {
	Verdict Verdict
	Count   int
}

// Accepted reports whether the message may be dispatched
func (o Outcome) Accepted() bool { return o.Verdict == Accept }

// TooManyRedeliveriesError is the terminal per-message failure returned with
// a Reject outcome. It never indicates a connection problem.
type TooManyRedeliveriesError struct {
	MessageID string
	Count     int
	Max       int
}

func (e *TooManyRedeliveriesError) Error() string {
	return fmt.Sprintf("message %s redelivered %d times, maximum is %d", e.MessageID, e.Count, e.Max)
}

// Tracker is implemented by every redelivery strategy.
//
// A Reject outcome is returned together with a *TooManyRedeliveriesError.
// Any other non-nil error means the tracker itself failed.
type Tracker interface {
	HandleRedelivery(ctx context.Context, msg jms.Message, maxRedeliveries int) (Outcome, error)
}

func decide(strategy, messageID string, count, max int) (Outcome, error) {
	if count > max {
		metrics.RedeliveryOutcomes.WithLabelValues(strategy, Reject.String()).Inc()
		return Outcome{Verdict: Reject, Count: count}, &TooManyRedeliveriesError{
			MessageID: messageID,
			Count:     count,
			Max:       max,
		}
	}
	metrics.RedeliveryOutcomes.WithLabelValues(strategy, Accept.String()).Inc()
	return Outcome{Verdict: Accept, Count: count}, nil
}
