package connector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
)

// OnException records one connection fault report. Once the expected number
// of reporters has reported, the counter is reset and the escalation
// handler runs. Reports that arrive while disconnecting are ignored.
func (c *Connector) OnException(err error) {
	c.report(err)
}

// report counts err toward the next escalation and reports whether it
// escalated.
func (c *Connector) report(err error) bool {
	if c.disconnecting.Load() {
		log.Debug().Err(err).Str("connector", c.cfg.Name).Msg("Ignoring exception reported while disconnecting")
		return false
	}
	metrics.ConnectorExceptionsReported.WithLabelValues(c.cfg.Name).Inc()

	expected := int32(c.ExpectedReporters())
	n := c.reported.Add(1)
	log.Debug().
		Err(err).
		Str("connector", c.cfg.Name).
		Int32("reported", n).
		Int32("expected", expected).
		Msg("Receiver reported connection loss")

	if n < expected {
		return false
	}
	// only the reporter that resets the counter escalates
	if !c.reported.CompareAndSwap(n, 0) {
		return false
	}
	c.escalate(err)
	return true
}

// connectionListener takes the faults the provider connection reports
// itself, directly or through the session cache.
type connectionListener struct {
	c *Connector
}

// OnException counts the connection's report unless poll loops report the
// same fault one by one. The session cache is usable again afterwards
// unless an escalation is about to replace the connection.
func (l connectionListener) OnException(err error) {
	c := l.c
	replacing := false
	if c.pollLoopsReport() {
		log.Debug().Err(err).Str("connector", c.cfg.Name).Msg("Connection fault left to the poll loops to report")
	} else {
		replacing = c.report(err) && c.escalation != nil
	}
	if replacing {
		return
	}
	c.mu.RLock()
	handle := c.cacheHandle
	c.mu.RUnlock()
	if handle != nil {
		handle.Resume()
	}
}

// pollLoopsReport reports whether every registered receiver reports faults
// from its own poll loops, so that ExpectedReporters counts loops only.
func (c *Connector) pollLoopsReport() bool {
	receivers := c.receiverList()
	if len(receivers) == 0 {
		return false
	}
	for _, r := range receivers {
		if r.MultiConsumer() {
			return false
		}
	}
	return true
}

// ExpectedReporters is the number of fault reports that make up one
// connection failure: one when any receiver is multi-consumer, otherwise
// one per receiver poll loop.
func (c *Connector) ExpectedReporters() int {
	receivers := c.receiverList()
	if len(receivers) == 0 {
		return 1
	}
	total := 0
	for _, r := range receivers {
		if r.MultiConsumer() {
			return 1
		}
		n := r.Concurrency()
		if n <= 0 {
			n = c.cfg.NumberOfConsumers
		}
		if n <= 0 {
			n = 1
		}
		total += n
	}
	return total
}

// PendingReports returns the reports counted toward the next escalation
func (c *Connector) PendingReports() int {
	return int(c.reported.Load())
}

func (c *Connector) escalate(err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("connector", c.cfg.Name).
				Str("panic", fmt.Sprint(r)).
				Msg("Escalation handler panicked")
		}
	}()

	metrics.ConnectorEscalations.WithLabelValues(c.cfg.Name).Inc()
	log.Warn().Err(err).Str("connector", c.cfg.Name).Msg("Connection lost, escalating")

	if c.escalation == nil {
		log.Error().Err(err).Str("connector", c.cfg.Name).Msg("No escalation handler configured, connector left as is")
		return
	}
	c.escalation.HandleConnectionFailure(context.Background(), c, err)
}
