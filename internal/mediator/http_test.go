package mediator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/dispatcher"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/provider/memory"
	"go.flowcatalyst.tech/connector/internal/receiver"
)

type testMessage struct {
	id    string
	body  string
	props map[string]string
}

func (m *testMessage) ID() string                    { return m.id }
func (m *testMessage) Body() []byte                  { return []byte(m.body) }
func (m *testMessage) Properties() map[string]string { return m.props }
func (m *testMessage) CorrelationID() string         { return "corr-1" }
func (m *testMessage) ReplyTo() jms.Destination      { return nil }
func (m *testMessage) Destination() jms.Destination  { return memory.Queue("orders") }
func (m *testMessage) Redelivered() bool             { return false }
func (m *testMessage) DeliveryCount() int            { return 2 }
func (m *testMessage) Acknowledge() error            { return nil }

type recordingPoison struct {
	mu     sync.Mutex
	causes []error
}

func (p *recordingPoison) HandlePoison(_ context.Context, _ string, _ jms.Message, cause error) error {
	p.mu.Lock()
	p.causes = append(p.causes, cause)
	p.mu.Unlock()
	return nil
}

func testConfig(target string) *Config {
	cfg := DefaultConfig()
	cfg.Target = target
	cfg.Timeout = 2 * time.Second
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxDelay = 10 * time.Millisecond
	cfg.CircuitBreakerEnabled = false
	return cfg
}

// statusServer answers every request with status and body, counting hits
func statusServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHandleSuccessSendsMessage(t *testing.T) {
	var got *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got, gotBody = r, string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AuthToken = "secret"
	cfg.Headers = map[string]string{"X-Tenant": "acme"}
	m, err := New("orders", cfg, nil, nil)
	require.NoError(t, err)

	msg := &testMessage{id: "m-1", body: `{"n":1}`, props: map[string]string{"content-type": "application/json", "region": "eu"}}
	require.NoError(t, m.Handle(context.Background(), msg))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, `{"n":1}`, gotBody)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
	assert.Equal(t, "m-1", got.Header.Get(HeaderMessageID))
	assert.Equal(t, "corr-1", got.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "2", got.Header.Get(HeaderDeliveryCount))
	assert.Equal(t, "orders", got.Header.Get(HeaderDestination))
	assert.Equal(t, "eu", got.Header.Get(HeaderPropertyPrefix+"region"))
	assert.Equal(t, "acme", got.Header.Get("X-Tenant"))
}

func TestClientErrorGoesToPoisonHandler(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadRequest, "")
	poison := &recordingPoison{}
	m, err := New("orders", testConfig(srv.URL), nil, poison)
	require.NoError(t, err)

	require.NoError(t, m.Handle(context.Background(), &testMessage{id: "m-1"}))
	assert.Equal(t, int32(1), hits.Load(), "client errors are not retried")
	require.Len(t, poison.causes, 1)
	assert.ErrorContains(t, poison.causes[0], "400")
}

func TestServerErrorRetriesThenFails(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadGateway, "")
	m, err := New("orders", testConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	err = m.Handle(context.Background(), &testMessage{id: "m-1"})
	require.ErrorIs(t, err, ErrMediation)
	assert.Equal(t, int32(3), hits.Load())
}

func TestNotReadyIsNotRetriedInline(t *testing.T) {
	srv, hits := statusServer(t, http.StatusOK, `{"ack":false,"delaySeconds":1}`)
	m, err := New("orders", testConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	outcome := m.Process(context.Background(), &testMessage{id: "m-1"})
	assert.Equal(t, ResultErrorProcess, outcome.Result)
	require.NotNil(t, outcome.Delay)
	assert.Equal(t, time.Second, *outcome.Delay)

	start := time.Now()
	require.ErrorIs(t, m.Handle(context.Background(), &testMessage{id: "m-1"}), ErrMediation)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "delay is capped")
	assert.Equal(t, int32(2), hits.Load())
}

func TestRateLimitedUsesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	m, err := New("orders", testConfig(srv.URL), nil, nil)
	require.NoError(t, err)

	outcome := m.Process(context.Background(), &testMessage{id: "m-1"})
	assert.Equal(t, ResultErrorProcess, outcome.Result)
	require.NotNil(t, outcome.Delay)
	assert.Equal(t, 7*time.Second, *outcome.Delay)
}

func TestUnreachableTarget(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK, "")
	target := srv.URL
	srv.Close()

	cfg := testConfig(target)
	cfg.MaxRetries = 1
	m, err := New("orders", cfg, nil, nil)
	require.NoError(t, err)

	outcome := m.Process(context.Background(), &testMessage{id: "m-1"})
	assert.Equal(t, ResultErrorConnection, outcome.Result)
}

func TestCircuitBreakerOpens(t *testing.T) {
	srv, hits := statusServer(t, http.StatusInternalServerError, "")
	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	cfg.CircuitBreakerEnabled = true
	cfg.CircuitBreakerMinRequests = 2
	cfg.CircuitBreakerTimeout = time.Minute
	m, err := New("breaker-opens", cfg, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.Equal(t, ResultErrorProcess, m.Process(context.Background(), &testMessage{id: "m"}).Result)
	}
	outcome := m.Process(context.Background(), &testMessage{id: "m"})
	assert.Equal(t, ResultErrorConnection, outcome.Result)
	assert.True(t, errors.Is(outcome.Error, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), hits.Load())
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	srv, hits := statusServer(t, http.StatusUnprocessableEntity, "")
	cfg := testConfig(srv.URL)
	cfg.CircuitBreakerEnabled = true
	cfg.CircuitBreakerMinRequests = 2
	m, err := New("breaker-rejections", cfg, nil, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Equal(t, ResultErrorConfig, m.Process(context.Background(), &testMessage{id: "m"}).Result)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestNewRequiresTarget(t *testing.T) {
	_, err := New("orders", DefaultConfig(), nil, nil)
	assert.Error(t, err)
}

func TestReplyThroughConnector(t *testing.T) {
	srv, _ := statusServer(t, http.StatusCreated, `{"accepted":true}`)

	cfg := connector.DefaultConfig()
	cfg.Name = "mediator-test"
	cfg.DisconnectGrace = 200 * time.Millisecond
	c := connector.New(cfg, connector.DirectSource{F: memory.NewFactory(memory.NewBroker(t.Name()))})
	t.Cleanup(func() { c.Dispose(context.Background()) })
	require.NoError(t, c.Start(context.Background()))

	m, err := New("orders", testConfig(srv.URL), c, nil)
	require.NoError(t, err)
	pool := receiver.NewConsumerPool(c, endpoint.Queue("orders", "orders"), m, receiver.Options{Concurrency: 1})
	require.NoError(t, c.Register(context.Background(), pool))

	reply, err := dispatcher.New(c, endpoint.Queue("orders", "orders")).Request(context.Background(), &jms.Outbound{Body: []byte("order")}, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, `{"accepted":true}`, string(reply.Body()))
	assert.Equal(t, "201", reply.Properties()[PropertyStatusCode])
}
