// Package mediator delivers received messages to an HTTP endpoint
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/dispatcher"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/receiver"
)

// Request headers set from message fields
const (
	HeaderMessageID     = "X-Message-Id"
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderDeliveryCount = "X-Delivery-Count"
	HeaderDestination   = "X-Destination"
	// HeaderPropertyPrefix prefixes every message property
	HeaderPropertyPrefix = "X-Jms-Property-"

	// PropertyStatusCode carries the target's status code on replies
	PropertyStatusCode = "HttpStatusCode"
)

var ErrMediation = errors.New("mediation failed")

// Result classifies a mediation attempt
type Result int

const (
	ResultSuccess Result = iota
	// ResultErrorConfig is a client error; retrying will not help
	ResultErrorConfig
	// ResultErrorProcess is a target-side failure or a not-ready answer
	ResultErrorProcess
	// ResultErrorConnection means the target was unreachable
	ResultErrorConnection
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultErrorConfig:
		return "config"
	case ResultErrorProcess:
		return "process"
	case ResultErrorConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// Outcome is the result of mediating one message
type Outcome struct {
	Result     Result
	StatusCode int
	Body       []byte
	// Delay is the target's requested wait before the next attempt
	Delay *time.Duration
	Error error
}

// Config configures the HTTP mediator
type Config struct {
	// Target receives a POST per message
	Target    string
	AuthToken string
	Headers   map[string]string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries for transient errors
	MaxRetries int

	// BaseBackoff for retry backoff (multiplied by attempt number)
	BaseBackoff time.Duration

	// MaxDelay caps how long a not-ready answer holds the message
	MaxDelay time.Duration

	// Reply sends the response body to the message's reply-to destination
	Reply bool

	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // half-open probe requests
	CircuitBreakerInterval    time.Duration // stats window
	CircuitBreakerRatio       float64       // failure ratio to trip
	CircuitBreakerTimeout     time.Duration // time open before half-open
	CircuitBreakerMinRequests uint32        // min requests before evaluating ratio
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Timeout:                   30 * time.Second,
		MaxRetries:                3,
		BaseBackoff:               time.Second,
		MaxDelay:                  30 * time.Second,
		Reply:                     true,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// HTTPMediator is a receiver.Handler posting each message to a target.
// Failures the target may recover from are returned so the provider
// redelivers; client errors go to the poison handler.
type HTTPMediator struct {
	cfg            *Config
	client         *http.Client
	circuitBreaker *gobreaker.CircuitBreaker

	conn   *connector.Connector
	poison receiver.PoisonHandler
	name   string
}

var _ receiver.Handler = (*HTTPMediator)(nil)

// New creates a mediator. conn is used for replies and may be nil; poison
// receives messages the target rejects and may be nil.
func New(name string, cfg *Config, conn *connector.Connector, poison receiver.PoisonHandler) (*HTTPMediator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Target == "" {
		return nil, errors.New("mediator: target is required")
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}

	m := &HTTPMediator{
		cfg:    cfg,
		conn:   conn,
		poison: poison,
		name:   name,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}

	if cfg.CircuitBreakerEnabled {
		m.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.CircuitBreakerRatio
			},
			IsSuccessful: func(err error) bool {
				// a rejected message says nothing about the target's health
				var oe *outcomeError
				return err == nil || (errors.As(err, &oe) && oe.outcome.Result == ResultErrorConfig)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Info().
					Str("name", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state changed")

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = float64(metrics.CircuitBreakerClosed)
				case gobreaker.StateOpen:
					stateValue = float64(metrics.CircuitBreakerOpen)
					metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = float64(metrics.CircuitBreakerHalfOpen)
				}
				metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}
	return m, nil
}

// Handle implements receiver.Handler
func (m *HTTPMediator) Handle(ctx context.Context, msg jms.Message) error {
	outcome := m.Process(ctx, msg)
	switch outcome.Result {
	case ResultSuccess:
		return m.reply(ctx, msg, outcome)

	case ResultErrorConfig:
		log.Warn().
			Err(outcome.Error).
			Str("messageId", msg.ID()).
			Int("statusCode", outcome.StatusCode).
			Str("target", m.cfg.Target).
			Msg("Target rejected message")
		if m.poison != nil {
			if err := m.poison.HandlePoison(ctx, m.name, msg, outcome.Error); err != nil {
				return fmt.Errorf("failed to dead-letter rejected message: %w", err)
			}
		}
		return nil

	default:
		if outcome.Delay != nil {
			m.wait(ctx, min(*outcome.Delay, m.cfg.MaxDelay))
		}
		return fmt.Errorf("%w (%s): %v", ErrMediation, outcome.Result, outcome.Error)
	}
}

func (m *HTTPMediator) reply(ctx context.Context, msg jms.Message, outcome *Outcome) error {
	if !m.cfg.Reply || m.conn == nil || msg.ReplyTo() == nil {
		return nil
	}
	out := &jms.Outbound{
		Body:       outcome.Body,
		Properties: map[string]string{PropertyStatusCode: strconv.Itoa(outcome.StatusCode)},
	}
	if err := dispatcher.Reply(ctx, m.conn, msg, out); err != nil {
		return fmt.Errorf("failed to reply to %s: %w", msg.ReplyTo().Name(), err)
	}
	return nil
}

// outcomeError carries a failed outcome through the circuit breaker
type outcomeError struct{ outcome *Outcome }

func (e *outcomeError) Error() string {
	if e.outcome.Error != nil {
		return e.outcome.Error.Error()
	}
	return fmt.Sprintf("mediation %s, status %d", e.outcome.Result, e.outcome.StatusCode)
}

// Process mediates msg, retrying transient failures
func (m *HTTPMediator) Process(ctx context.Context, msg jms.Message) *Outcome {
	if m.circuitBreaker == nil {
		return m.executeWithRetry(ctx, msg)
	}

	result, err := m.circuitBreaker.Execute(func() (interface{}, error) {
		outcome := m.executeWithRetry(ctx, msg)
		if outcome.Result != ResultSuccess {
			return outcome, &outcomeError{outcome: outcome}
		}
		return outcome, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		log.Warn().
			Str("messageId", msg.ID()).
			Str("target", m.cfg.Target).
			Msg("Circuit breaker open")
		return &Outcome{Result: ResultErrorConnection, Error: err}
	}
	if outcome, ok := result.(*Outcome); ok {
		return outcome
	}
	var oe *outcomeError
	if errors.As(err, &oe) {
		return oe.outcome
	}
	return &Outcome{Result: ResultErrorProcess, Error: err}
}

func (m *HTTPMediator) executeWithRetry(ctx context.Context, msg jms.Message) *Outcome {
	var last *Outcome
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		last = m.executeOnce(ctx, msg, attempt)
		if !isRetryable(last) {
			return last
		}
		// a not-ready answer is retried through redelivery, not here
		if last.Delay != nil {
			return last
		}
		if attempt < m.cfg.MaxRetries {
			backoff := time.Duration(attempt) * m.cfg.BaseBackoff
			log.Info().
				Str("messageId", msg.ID()).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying after backoff")
			if !m.wait(ctx, backoff) {
				return &Outcome{Result: ResultErrorProcess, Error: ctx.Err()}
			}
		}
	}
	return last
}

// wait sleeps for d unless ctx ends first
func (m *HTTPMediator) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *HTTPMediator) executeOnce(ctx context.Context, msg jms.Message, attempt int) *Outcome {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.Target, bytes.NewReader(msg.Body()))
	if err != nil {
		return &Outcome{Result: ResultErrorConfig, Error: fmt.Errorf("failed to create request: %w", err)}
	}
	m.setHeaders(req, msg)

	log.Debug().
		Str("messageId", msg.ID()).
		Str("target", m.cfg.Target).
		Int("attempt", attempt).
		Msg("Executing HTTP request")

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(m.name).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", http.MethodPost).Inc()
		return handleError(msg, err)
	}
	defer resp.Body.Close()
	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), http.MethodPost).Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	log.Debug().
		Str("messageId", msg.ID()).
		Int("statusCode", resp.StatusCode).
		Int("bodyLen", len(body)).
		Dur("duration", duration).
		Msg("HTTP response received")

	return handleResponse(msg, resp, body)
}

func (m *HTTPMediator) setHeaders(req *http.Request, msg jms.Message) {
	props := msg.Properties()
	contentType := props["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if m.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}

	req.Header.Set(HeaderMessageID, msg.ID())
	if id := msg.CorrelationID(); id != "" {
		req.Header.Set(HeaderCorrelationID, id)
	}
	if n := msg.DeliveryCount(); n > 0 {
		req.Header.Set(HeaderDeliveryCount, strconv.Itoa(n))
	}
	if d := msg.Destination(); d != nil {
		req.Header.Set(HeaderDestination, d.Name())
	}
	for k, v := range props {
		if k == "content-type" {
			continue
		}
		req.Header.Set(HeaderPropertyPrefix+k, v)
	}
	for k, v := range m.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func handleError(msg jms.Message, err error) *Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Str("messageId", msg.ID()).Err(err).Msg("Request timeout")
		return &Outcome{Result: ResultErrorConnection, Error: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Outcome{Result: ResultErrorProcess, Error: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		log.Warn().
			Str("messageId", msg.ID()).
			Err(err).
			Bool("timeout", netErr.Timeout()).
			Msg("Network error")
		return &Outcome{Result: ResultErrorConnection, Error: err}
	}
	s := err.Error()
	if strings.Contains(s, "connection refused") || strings.Contains(s, "no such host") || strings.Contains(s, "dial tcp") {
		return &Outcome{Result: ResultErrorConnection, Error: err}
	}
	return &Outcome{Result: ResultErrorProcess, Error: err}
}

func handleResponse(msg jms.Message, resp *http.Response, body []byte) *Outcome {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		if ack := parseAck(body); ack != nil && !*ack {
			// ack=false means "not ready, try again later"
			log.Info().Str("messageId", msg.ID()).Int("statusCode", status).Msg("Response ack=false, will retry")
			delay := parseDelay(body)
			if delay == nil {
				d := time.Duration(0)
				delay = &d
			}
			return &Outcome{Result: ResultErrorProcess, StatusCode: status, Delay: delay, Error: errors.New("target not ready")}
		}
		return &Outcome{Result: ResultSuccess, StatusCode: status, Body: body}

	case status == http.StatusTooManyRequests:
		return &Outcome{Result: ResultErrorProcess, StatusCode: status, Delay: retryAfter(resp, body), Error: errors.New("target rate limited")}

	case status >= 400 && status < 500:
		return &Outcome{Result: ResultErrorConfig, StatusCode: status, Error: fmt.Errorf("target returned %d", status)}

	default:
		log.Warn().Str("messageId", msg.ID()).Int("statusCode", status).Msg("Server error - will retry")
		return &Outcome{Result: ResultErrorProcess, StatusCode: status, Error: fmt.Errorf("target returned %d", status)}
	}
}

func parseAck(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	return response.Ack
}

// parseDelay reads delaySeconds from a JSON response
func parseDelay(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}
	return nil
}

// retryAfter prefers delaySeconds in the body, then the Retry-After header
func retryAfter(resp *http.Response, body []byte) *time.Duration {
	if delay := parseDelay(body); delay != nil {
		return delay
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	d := 5 * time.Second
	return &d
}

func isRetryable(o *Outcome) bool {
	return o.Result == ResultErrorConnection || o.Result == ResultErrorProcess
}
