package receiver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/provider/memory"
	"go.flowcatalyst.tech/connector/internal/redelivery"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

func newConnector(t *testing.T, mutate func(*connector.Config)) (*connector.Connector, *memory.Broker) {
	t.Helper()
	broker := memory.NewBroker(t.Name())
	cfg := connector.DefaultConfig()
	cfg.Name = "receiver-test"
	cfg.DisconnectGrace = 200 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	c := connector.New(cfg, connector.DirectSource{F: memory.NewFactory(broker)})
	t.Cleanup(func() { c.Dispose(context.Background()) })
	return c, broker
}

func produce(t *testing.T, broker *memory.Broker, dest jms.Destination, bodies ...string) {
	t.Helper()
	conn, err := memory.NewFactory(broker).CreateConnection(context.Background(), "", "")
	require.NoError(t, err)
	defer conn.Close()
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	p, err := s.CreateProducer(dest)
	require.NoError(t, err)
	for _, b := range bodies {
		require.NoError(t, p.Send(context.Background(), &jms.Outbound{Body: []byte(b)}, jms.SendOptions{}))
	}
}

type collector struct {
	mu     sync.Mutex
	bodies []string
}

func (c *collector) add(msg jms.Message) {
	c.mu.Lock()
	c.bodies = append(c.bodies, string(msg.Body()))
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bodies...)
}

type poisonRecorder struct {
	mu    sync.Mutex
	ids   []string
	cause error
}

func (p *poisonRecorder) HandlePoison(_ context.Context, _ string, msg jms.Message, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, msg.ID())
	p.cause = cause
	return nil
}

func (p *poisonRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

func TestPoolTopicUsesSingleConsumer(t *testing.T) {
	c, _ := newConnector(t, func(cfg *connector.Config) { cfg.ClientID = "topic-client" })
	ep := endpoint.MustParse("prices", "jms://topic:prices")

	pool := NewConsumerPool(c, ep, HandlerFunc(func(context.Context, jms.Message) error { return nil }), Options{Concurrency: 4})
	require.NoError(t, c.Register(context.Background(), pool))
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, 1, pool.Concurrency())
	assert.Equal(t, []string{"connected"}, pool.States())
	assert.True(t, pool.MultiConsumer())
}

func TestPoolQueueConcurrency(t *testing.T) {
	c, _ := newConnector(t, nil)
	pool := NewConsumerPool(c, endpoint.Queue("orders", "orders"), HandlerFunc(func(context.Context, jms.Message) error { return nil }), Options{Concurrency: 3})
	require.NoError(t, c.Register(context.Background(), pool))
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, []string{"started", "started", "started"}, pool.States())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []string{"connected", "connected", "connected"}, pool.States())

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Empty(t, pool.States())
}

func TestPoolConnectFailsFast(t *testing.T) {
	c, broker := newConnector(t, nil)
	require.NoError(t, c.Connect(context.Background()))

	var created atomic.Int32
	broker.SetHooks(memory.Hooks{
		CreateConsumer: func(jms.Destination) error {
			if created.Add(1) == 3 {
				return errors.New("no more consumers")
			}
			return nil
		},
	})

	pool := NewConsumerPool(c, endpoint.Queue("orders", "orders"), HandlerFunc(func(context.Context, jms.Message) error { return nil }), Options{Concurrency: 4})
	err := c.Register(context.Background(), pool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer 3 of 4")
	assert.Empty(t, pool.States())
	_, ok := c.Receiver(pool.Key())
	assert.False(t, ok)
}

func TestPoolStopContinuesPastFailingConsumer(t *testing.T) {
	c, broker := newConnector(t, nil)

	var (
		mu       sync.Mutex
		attached []*memory.Consumer
	)
	broker.SetHooks(memory.Hooks{
		SetListener: func(consumer *memory.Consumer, attach bool) error {
			mu.Lock()
			defer mu.Unlock()
			if attach {
				attached = append(attached, consumer)
				return nil
			}
			if len(attached) > 1 && consumer == attached[1] {
				return errors.New("detach refused")
			}
			return nil
		},
	})

	pool := NewConsumerPool(c, endpoint.Queue("orders", "orders"), HandlerFunc(func(context.Context, jms.Message) error { return nil }), Options{Concurrency: 3})
	require.NoError(t, c.Register(context.Background(), pool))
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, pool.Start(context.Background()))

	err := pool.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"connected", "started", "connected"}, pool.States())
}

func TestPoolProcessesInTransaction(t *testing.T) {
	c, broker := newConnector(t, nil)
	got := &collector{}

	ep := endpoint.MustParse("orders", "jms://orders?transaction=always-begin")
	pool := NewConsumerPool(c, ep, HandlerFunc(func(ctx context.Context, msg jms.Message) error {
		if _, ok := transaction.FromContext(ctx); !ok {
			return errors.New("no transaction")
		}
		got.add(msg)
		return nil
	}), Options{Concurrency: 2})
	require.NoError(t, c.Register(context.Background(), pool))
	require.NoError(t, c.Start(context.Background()))

	produce(t, broker, memory.Queue("orders"), "a", "b", "c")

	require.Eventually(t, func() bool { return got.len() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got.all())
	assert.Equal(t, 0, broker.Depth("orders"))
}

func TestPoolPoisonAfterMaxRedeliveries(t *testing.T) {
	c, broker := newConnector(t, func(cfg *connector.Config) { cfg.MaxRedelivery = 2 })
	poison := &poisonRecorder{}

	var attempts atomic.Int32
	ep := endpoint.MustParse("orders", "jms://orders?transaction=always-begin")
	pool := NewConsumerPool(c, ep, HandlerFunc(func(context.Context, jms.Message) error {
		attempts.Add(1)
		return errors.New("cannot process")
	}), Options{Concurrency: 1, Poison: poison})
	require.NoError(t, c.Register(context.Background(), pool))
	require.NoError(t, c.Start(context.Background()))

	produce(t, broker, memory.Queue("orders"), "bad")

	require.Eventually(t, func() bool { return poison.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load(), "first delivery plus two redeliveries")

	var tooMany *redelivery.TooManyRedeliveriesError
	require.ErrorAs(t, poison.cause, &tooMany)
	assert.Equal(t, 2, tooMany.Max)
	assert.Equal(t, 3, tooMany.Count)
	require.Eventually(t, func() bool { return broker.Depth("orders") == 0 }, time.Second, 10*time.Millisecond)
}

func TestPoolClientAckTransaction(t *testing.T) {
	c, broker := newConnector(t, nil)
	got := &collector{}

	var attempts atomic.Int32
	ep := endpoint.MustParse("orders", "jms://orders?transaction=always-begin&transactionKind=client-ack")
	pool := NewConsumerPool(c, ep, HandlerFunc(func(ctx context.Context, msg jms.Message) error {
		tx, _ := transaction.FromContext(ctx)
		if tx == nil || tx.Kind() != transaction.KindClientAck {
			return errors.New("expected client-ack transaction")
		}
		if attempts.Add(1) == 1 {
			return errors.New("first attempt fails")
		}
		got.add(msg)
		return nil
	}), Options{})
	require.NoError(t, c.Register(context.Background(), pool))
	require.NoError(t, c.Start(context.Background()))

	produce(t, broker, memory.Queue("orders"), "x")

	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Equal(t, 0, broker.Depth("orders"))
}

func TestHandlerSessionIsTransactionSession(t *testing.T) {
	c, broker := newConnector(t, nil)

	var (
		attempts atomic.Int32
		mismatch atomic.Bool
	)
	ep := endpoint.MustParse("orders", "jms://orders?transaction=always-begin")
	pool := NewConsumerPool(c, ep, HandlerFunc(func(ctx context.Context, msg jms.Message) error {
		tx, _ := transaction.FromContext(ctx)
		session, err := c.GetSession(ctx, endpoint.Queue("orders", "out"))
		if err != nil {
			return err
		}
		if tx.Resource(c.Connection()) != session {
			mismatch.Store(true)
		}
		p, err := session.CreateProducer(memory.Queue("out"))
		if err != nil {
			return err
		}
		if err := p.Send(ctx, &jms.Outbound{Body: msg.Body()}, jms.SendOptions{}); err != nil {
			return err
		}
		if attempts.Add(1) == 1 {
			return errors.New("roll back the first send")
		}
		return nil
	}), Options{})
	require.NoError(t, c.Register(context.Background(), pool))
	require.NoError(t, c.Start(context.Background()))

	produce(t, broker, memory.Queue("orders"), "reply")

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return broker.Depth("out") == 1 }, time.Second, 10*time.Millisecond)
	assert.False(t, mismatch.Load(), "handler must see the session bound to its transaction")
}

func TestPoolRateLimit(t *testing.T) {
	c, broker := newConnector(t, nil)
	got := &collector{}

	pool := NewConsumerPool(c, endpoint.Queue("orders", "orders"), HandlerFunc(func(_ context.Context, msg jms.Message) error {
		got.add(msg)
		return nil
	}), Options{Concurrency: 1, RateLimit: 20, RateBurst: 1})
	require.NoError(t, c.Register(context.Background(), pool))

	produce(t, broker, memory.Queue("orders"), "1", "2", "3", "4", "5")
	start := time.Now()
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return got.len() == 5 }, 3*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestPollingReceiverProcesses(t *testing.T) {
	c, broker := newConnector(t, nil)
	got := &collector{}

	var failedOnce atomic.Bool
	ep := endpoint.MustParse("work", "jms://work?transaction=always-begin")
	r := NewPollingReceiver(c, ep, HandlerFunc(func(_ context.Context, msg jms.Message) error {
		if string(msg.Body()) == "retry" && failedOnce.CompareAndSwap(false, true) {
			return errors.New("transient handler failure")
		}
		got.add(msg)
		return nil
	}), Options{Concurrency: 2, PollTimeout: 30 * time.Millisecond})
	assert.False(t, r.MultiConsumer())
	assert.Equal(t, 2, r.Concurrency())

	require.NoError(t, c.Register(context.Background(), r))
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, r.Running())

	produce(t, broker, memory.Queue("work"), "one", "retry", "two")

	require.Eventually(t, func() bool { return got.len() == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"one", "retry", "two"}, got.all())
	assert.Equal(t, 0, broker.Depth("work"))

	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, r.Running())
}

func TestPollingReceiverEagerReusedConsumers(t *testing.T) {
	c, broker := newConnector(t, nil)
	got := &collector{}

	var consumers atomic.Int32
	broker.SetHooks(memory.Hooks{
		CreateConsumer: func(jms.Destination) error {
			consumers.Add(1)
			return nil
		},
	})

	r := NewPollingReceiver(c, endpoint.Queue("work", "work"), HandlerFunc(func(_ context.Context, msg jms.Message) error {
		got.add(msg)
		return nil
	}), Options{Concurrency: 3, ReuseConsumer: true, PollTimeout: 20 * time.Millisecond})
	require.NoError(t, c.Register(context.Background(), r))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, int32(3), consumers.Load(), "consumers created at connect")

	require.NoError(t, c.Start(context.Background()))
	produce(t, broker, memory.Queue("work"), "a", "b")
	require.Eventually(t, func() bool { return got.len() == 2 }, 2*time.Second, 10*time.Millisecond)

	// several polls have passed, none created a consumer
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(3), consumers.Load())
}

func TestPollingReceiverReportsConnectionLoss(t *testing.T) {
	var escalations atomic.Int32
	c, broker := newConnector(t, func(cfg *connector.Config) { cfg.CacheSessions = false })
	c.WithEscalation(connector.EscalationFunc(func(context.Context, *connector.Connector, error) {
		escalations.Add(1)
	}))

	r := NewPollingReceiver(c, endpoint.Queue("work", "work"), HandlerFunc(func(context.Context, jms.Message) error { return nil }),
		Options{Concurrency: 2, PollTimeout: 20 * time.Millisecond})
	require.NoError(t, c.Register(context.Background(), r))
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 2, c.ExpectedReporters())

	broker.Fail(errors.New("broker went away"))

	require.Eventually(t, func() bool { return escalations.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), escalations.Load(), "two loops make one escalation")
	assert.Equal(t, 0, c.PendingReports(), "no report is left over for the next fault")
}
