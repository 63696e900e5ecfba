package redelivery

import (
	"context"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// DeliveryCountTracker derives the redelivery count from the provider's
// delivery counter. It keeps no state of its own.
type DeliveryCountTracker struct{}

// NewDeliveryCountTracker creates a DeliveryCountTracker
func NewDeliveryCountTracker() *DeliveryCountTracker {
	return &DeliveryCountTracker{}
}

// HandleRedelivery implements Tracker
func (t *DeliveryCountTracker) HandleRedelivery(_ context.Context, msg jms.Message, maxRedeliveries int) (Outcome, error) {
	if maxRedeliveries <= 0 {
		return Outcome{Verdict: Accept}, nil
	}

	deliveries := msg.DeliveryCount()
	if deliveries <= 0 {
		log.Debug().Str("messageId", msg.ID()).Msg("Provider supplied no delivery count, accepting")
		return Outcome{Verdict: Accept}, nil
	}

	count := deliveries - 1
	outcome, err := decide("delivery-count", msg.ID(), count, maxRedeliveries)
	if err != nil {
		log.Warn().
			Str("messageId", msg.ID()).
			Int("count", count).
			Int("max", maxRedeliveries).
			Msg("Maximum redeliveries exceeded")
	}
	return outcome, err
}
