// Package reconnect is the retry policy run when a connector escalates a
// connection failure: disconnect, then reconnect with exponential backoff,
// each attempt guarded by a circuit breaker.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/connector"
)

// Config holds retry policy settings
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxAttempts is the number of connect attempts, 0 retries until stopped
	MaxAttempts uint64

	// BreakerFailures consecutive failures open the breaker
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open
	BreakerTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		MaxAttempts:     10,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// ExhaustedFunc is called when every attempt failed
type ExhaustedFunc func(c *connector.Connector, err error)

// Policy implements connector.EscalationHandler. One reconnect runs at a
// time; failures escalated while it runs are dropped.
type Policy struct {
	cfg       *Config
	breaker   *gobreaker.CircuitBreaker
	exhausted ExhaustedFunc

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

var _ connector.EscalationHandler = (*Policy)(nil)

// New creates a policy. name labels the breaker and its metrics.
func New(name string, cfg *Config) *Policy {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Policy{cfg: cfg, ctx: ctx, cancel: cancel}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = DefaultConfig().BreakerFailures
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("name", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Reconnect circuit breaker state changed")

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.ReconnectCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
	return p
}

// OnExhausted sets the callback run when the policy gives up
func (p *Policy) OnExhausted(f ExhaustedFunc) *Policy {
	p.exhausted = f
	return p
}

// BreakerState returns the current circuit breaker state
func (p *Policy) BreakerState() gobreaker.State { return p.breaker.State() }

// Reconnecting reports whether a reconnect is in progress
func (p *Policy) Reconnecting() bool { return p.running.Load() }

// HandleConnectionFailure starts a reconnect of c in the background
func (p *Policy) HandleConnectionFailure(_ context.Context, c *connector.Connector, cause error) {
	if p.ctx.Err() != nil {
		log.Warn().Err(cause).Str("connector", c.Name()).Msg("Reconnect policy stopped, connection failure not handled")
		return
	}
	if !p.running.CompareAndSwap(false, true) {
		log.Debug().Err(cause).Str("connector", c.Name()).Msg("Reconnect already in progress")
		return
	}
	p.wg.Add(1)
	go p.reconnect(c, cause)
}

func (p *Policy) reconnect(c *connector.Connector, cause error) {
	defer p.wg.Done()
	defer p.running.Store(false)

	log.Warn().Err(cause).Str("connector", c.Name()).Msg("Reconnecting connector")
	if err := c.Disconnect(p.ctx); err != nil {
		log.Warn().Err(err).Str("connector", c.Name()).Msg("Disconnect before reconnect failed")
	}

	var attempt uint64
	operation := func() error {
		attempt++
		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, c.Connect(p.ctx)
		})
		switch {
		case err == nil:
			metrics.ReconnectAttempts.WithLabelValues(c.Name(), "success").Inc()
			return nil
		case errors.Is(err, connector.ErrDisposed):
			return backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.ReconnectAttempts.WithLabelValues(c.Name(), "rejected").Inc()
		default:
			metrics.ReconnectAttempts.WithLabelValues(c.Name(), "failed").Inc()
		}
		return err
	}

	err := backoff.RetryNotify(operation, p.backOff(), func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("connector", c.Name()).
			Uint64("attempt", attempt).
			Dur("backoff", wait).
			Msg("Reconnect attempt failed, retrying after backoff")
	})
	if err == nil {
		log.Info().Str("connector", c.Name()).Uint64("attempts", attempt).Str("state", c.State().String()).Msg("Connector reconnected")
		return
	}

	log.Error().Err(err).Str("connector", c.Name()).Uint64("attempts", attempt).Msg("Giving up reconnecting, connector left disconnected")
	if p.exhausted != nil {
		p.exhausted(c, err)
	}
}

func (p *Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	if p.cfg.Multiplier > 0 {
		b.Multiplier = p.cfg.Multiplier
	}
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if p.cfg.MaxAttempts > 0 {
		// WithMaxRetries counts retries after the first attempt
		bo = backoff.WithMaxRetries(bo, p.cfg.MaxAttempts-1)
	}
	return backoff.WithContext(bo, p.ctx)
}

// Wait blocks until no reconnect is running
func (p *Policy) Wait() { p.wg.Wait() }

// Close stops any running reconnect and waits for it to return
func (p *Policy) Close() {
	p.cancel()
	p.wg.Wait()
}
