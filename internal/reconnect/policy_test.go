package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/provider/memory"
	"go.flowcatalyst.tech/connector/internal/receiver"
)

func fastConfig(attempts uint64) *Config {
	return &Config{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     attempts,
		BreakerFailures: 100,
		BreakerTimeout:  time.Second,
	}
}

func newConnector(t *testing.T, policy *Policy) (*connector.Connector, *memory.Broker) {
	t.Helper()
	broker := memory.NewBroker(t.Name())
	cfg := connector.DefaultConfig()
	cfg.Name = t.Name()
	cfg.DisconnectGrace = 100 * time.Millisecond
	c := connector.New(cfg, connector.DirectSource{F: memory.NewFactory(broker)}).WithEscalation(policy)
	t.Cleanup(func() {
		policy.Close()
		c.Dispose(context.Background())
	})
	return c, broker
}

func TestReconnectAfterBrokerFailure(t *testing.T) {
	policy := New("reconnect-test", fastConfig(10))
	c, broker := newConnector(t, policy)

	var handled atomic.Int32
	pool := receiver.NewConsumerPool(c, endpoint.Queue("orders", "orders"), receiver.HandlerFunc(func(context.Context, jms.Message) error {
		handled.Add(1)
		return nil
	}), receiver.Options{Concurrency: 2})
	require.NoError(t, c.Register(context.Background(), pool))
	require.NoError(t, c.Start(context.Background()))
	first := c.Connection()

	var connects atomic.Int32
	broker.SetHooks(memory.Hooks{
		CreateConnection: func() error {
			if connects.Add(1) <= 2 {
				return errors.New("broker still down")
			}
			return nil
		},
	})
	broker.Fail(errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return !policy.Reconnecting() && c.State() == connector.StateStarted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), connects.Load())
	assert.NotSame(t, first, c.Connection())
	assert.Equal(t, []string{"started", "started"}, pool.States())

	// the reconnected pool consumes again
	p := mustProducer(t, broker)
	require.NoError(t, p.Send(context.Background(), &jms.Outbound{Body: []byte("after")}, jms.SendOptions{}))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReconnectGivesUp(t *testing.T) {
	var exhausted atomic.Value
	policy := New("give-up", fastConfig(3)).OnExhausted(func(_ *connector.Connector, err error) {
		exhausted.Store(err)
	})
	c, broker := newConnector(t, policy)
	require.NoError(t, c.Start(context.Background()))

	var connects atomic.Int32
	broker.SetHooks(memory.Hooks{
		CreateConnection: func() error {
			connects.Add(1)
			return errors.New("broker gone")
		},
	})
	broker.Fail(errors.New("connection reset"))

	require.Eventually(t, func() bool { return exhausted.Load() != nil }, 2*time.Second, 5*time.Millisecond)
	policy.Wait()
	assert.Equal(t, int32(3), connects.Load())
	assert.Equal(t, connector.StateDisconnected, c.State())
}

func TestReconnectStopsOnDisposedConnector(t *testing.T) {
	var exhausted atomic.Value
	policy := New("disposed", fastConfig(10)).OnExhausted(func(_ *connector.Connector, err error) {
		exhausted.Store(err)
	})
	c, _ := newConnector(t, policy)
	c.Dispose(context.Background())

	policy.HandleConnectionFailure(context.Background(), c, errors.New("lost"))
	policy.Wait()

	err, _ := exhausted.Load().(error)
	require.Error(t, err)
	assert.ErrorIs(t, err, connector.ErrDisposed)
}

func TestReconnectIsSingleFlight(t *testing.T) {
	policy := New("single", fastConfig(10))
	c, broker := newConnector(t, policy)
	require.NoError(t, c.Start(context.Background()))

	release := make(chan struct{})
	var connects atomic.Int32
	broker.SetHooks(memory.Hooks{
		CreateConnection: func() error {
			connects.Add(1)
			<-release
			return nil
		},
	})

	policy.HandleConnectionFailure(context.Background(), c, errors.New("first"))
	require.Eventually(t, func() bool { return connects.Load() == 1 }, time.Second, 5*time.Millisecond)
	policy.HandleConnectionFailure(context.Background(), c, errors.New("second"))
	assert.True(t, policy.Reconnecting())

	close(release)
	policy.Wait()
	assert.Equal(t, int32(1), connects.Load())
	assert.Equal(t, connector.StateStarted, c.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := fastConfig(4)
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	policy := New("breaker", cfg)
	c, broker := newConnector(t, policy)

	var connects atomic.Int32
	broker.SetHooks(memory.Hooks{
		CreateConnection: func() error {
			connects.Add(1)
			return errors.New("refused")
		},
	})

	policy.HandleConnectionFailure(context.Background(), c, errors.New("lost"))
	policy.Wait()

	assert.Equal(t, int32(2), connects.Load(), "open breaker rejects the remaining attempts")
	assert.Equal(t, gobreaker.StateOpen, policy.BreakerState())
}

func mustProducer(t *testing.T, broker *memory.Broker) jms.MessageProducer {
	t.Helper()
	conn, err := memory.NewFactory(broker).CreateConnection(context.Background(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	p, err := s.CreateProducer(memory.Queue("orders"))
	require.NoError(t, err)
	return p
}
