package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/jms"
)

func connect(t *testing.T, b *Broker) *Connection {
	t.Helper()
	conn, err := NewFactory(b).CreateConnection(context.Background(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*Connection)
}

func send(t *testing.T, s jms.Session, dest jms.Destination, body string) {
	t.Helper()
	p, err := s.CreateProducer(dest)
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), &jms.Outbound{Body: []byte(body)}, jms.SendOptions{}))
}

func TestQueueSendReceive(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	require.NoError(t, conn.Start())

	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	send(t, s, Queue("orders"), "one")
	send(t, s, Queue("orders"), "two")
	assert.Equal(t, 2, b.Depth("orders"))

	c, err := s.CreateConsumer(Queue("orders"), "", false)
	require.NoError(t, err)

	msg, err := c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "one", string(msg.Body()))
	assert.False(t, msg.Redelivered())
	assert.Equal(t, 1, msg.DeliveryCount())

	msg, err = c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(msg.Body()))

	msg, err = c.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg, "timeout yields no message")
}

func TestStoppedConnectionDeliversNothing(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	send(t, s, Queue("q"), "x")

	c, err := s.CreateConsumer(Queue("q"), "", false)
	require.NoError(t, err)
	msg, err := c.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)

	require.NoError(t, conn.Start())
	msg, err = c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestTransactedRollbackRedelivers(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	require.NoError(t, conn.Start())

	s, err := conn.CreateSession(context.Background(), true, jms.AutoAcknowledge)
	require.NoError(t, err)
	assert.Equal(t, jms.SessionTransacted, s.AcknowledgeMode())

	send(t, s, Queue("q"), "held")
	assert.Equal(t, 0, b.Depth("q"), "transacted sends wait for commit")
	require.NoError(t, s.Commit())
	assert.Equal(t, 1, b.Depth("q"))

	c, err := s.CreateConsumer(Queue("q"), "", false)
	require.NoError(t, err)

	msg, err := c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Rollback())

	msg, err = c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.True(t, msg.Redelivered())
	assert.Equal(t, 2, msg.DeliveryCount())

	require.NoError(t, s.Commit())
	assert.Equal(t, 0, b.Depth("q"))
}

func TestClientAckRecover(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	require.NoError(t, conn.Start())

	s, err := conn.CreateSession(context.Background(), false, jms.ClientAcknowledge)
	require.NoError(t, err)
	send(t, s, Queue("q"), "a")
	c, err := s.CreateConsumer(Queue("q"), "", false)
	require.NoError(t, err)

	msg, err := c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Recover())
	assert.Equal(t, 1, b.Depth("q"))

	msg, err = c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, msg.Acknowledge())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, b.Depth("q"), "acknowledged messages are not requeued on close")

	assert.ErrorIs(t, s.Commit(), jms.ErrClosed)
}

func TestSessionCloseRequeuesUnsettled(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	require.NoError(t, conn.Start())

	s, err := conn.CreateSession(context.Background(), false, jms.ClientAcknowledge)
	require.NoError(t, err)
	send(t, s, Queue("q"), "a")
	c, err := s.CreateConsumer(Queue("q"), "", false)
	require.NoError(t, err)
	_, err = c.Receive(context.Background(), time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, b.Depth("q"))
}

func TestTopicFanOutAndDurable(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	require.NoError(t, conn.SetClientID("app"))
	require.NoError(t, conn.Start())

	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)

	plain, err := s.CreateConsumer(Topic("events"), "", false)
	require.NoError(t, err)
	durable, err := s.CreateDurableSubscriber(Topic("events"), "audit", "", false)
	require.NoError(t, err)

	send(t, s, Topic("events"), "e1")
	for _, c := range []jms.MessageConsumer{plain, durable} {
		msg, err := c.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "e1", string(msg.Body()))
	}

	require.NoError(t, durable.Close())
	send(t, s, Topic("events"), "e2")

	again, err := s.CreateDurableSubscriber(Topic("events"), "audit", "", false)
	require.NoError(t, err)
	msg, err := again.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg, "durable subscriptions keep messages while inactive")
	assert.Equal(t, "e2", string(msg.Body()))
}

func TestDurableSubscriberNeedsClientID(t *testing.T) {
	conn := connect(t, NewBroker(t.Name()))
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	_, err = s.CreateDurableSubscriber(Topic("events"), "audit", "", false)
	assert.ErrorIs(t, err, ErrNeedClientID)
}

func TestClientIDRules(t *testing.T) {
	b := NewBroker(t.Name())
	first := connect(t, b)
	require.NoError(t, first.SetClientID("dup"))

	second := connect(t, b)
	assert.ErrorIs(t, second.SetClientID("dup"), ErrClientIDInUse)

	_, err := second.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	assert.ErrorIs(t, second.SetClientID("other"), ErrClientIDFixed)
}

func TestListenerDelivery(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	c, err := s.CreateConsumer(Queue("q"), "", false)
	require.NoError(t, err)

	got := make(chan string, 4)
	require.NoError(t, c.SetMessageListener(jms.MessageListenerFunc(func(m jms.Message) {
		got <- string(m.Body())
	})))
	_, err = c.Receive(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrListenerAttached)

	send(t, s, Queue("q"), "1")
	select {
	case <-got:
		t.Fatal("stopped connection must not deliver")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, conn.Start())
	send(t, s, Queue("q"), "2")
	assert.Equal(t, "1", <-got)
	assert.Equal(t, "2", <-got)

	require.NoError(t, c.SetMessageListener(nil))
	assert.False(t, c.(*Consumer).Listening())
}

func TestSelector(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	require.NoError(t, conn.Start())
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)

	p, err := s.CreateProducer(Queue("q"))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), &jms.Outbound{Body: []byte("eu"), Properties: map[string]string{"region": "eu-west"}}, jms.SendOptions{}))
	require.NoError(t, p.Send(context.Background(), &jms.Outbound{Body: []byte("us"), Properties: map[string]string{"region": "us-east"}}, jms.SendOptions{}))

	c, err := s.CreateConsumer(Queue("q"), "region LIKE 'us%'", false)
	require.NoError(t, err)
	msg, err := c.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "us", string(msg.Body()))

	c2, err := s.CreateConsumer(Queue("q"), "region = 'eu-west'", false)
	require.NoError(t, err)
	msg, err = c2.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "eu", string(msg.Body()))
}

func TestTimeToLiveExpires(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	require.NoError(t, conn.Start())
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	p, err := s.CreateProducer(Queue("q"))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), &jms.Outbound{Body: []byte("x")}, jms.SendOptions{TimeToLive: time.Millisecond}))

	time.Sleep(5 * time.Millisecond)
	c, err := s.CreateConsumer(Queue("q"), "", false)
	require.NoError(t, err)
	msg, err := c.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestTemporaryQueueDeletedWithConnection(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	tmp, err := s.CreateTemporaryQueue()
	require.NoError(t, err)
	assert.Equal(t, jms.KindTemporaryQueue, tmp.Kind())

	send(t, s, tmp, "reply")
	assert.Equal(t, 1, b.Depth(tmp.Name()))

	require.NoError(t, conn.Close())
	assert.Equal(t, 0, b.Depth(tmp.Name()))
	assert.Equal(t, 0, b.Connections())
}

func TestFailNotifiesExceptionListener(t *testing.T) {
	b := NewBroker(t.Name())
	conn := connect(t, b)

	var mu sync.Mutex
	var reported []error
	conn.SetExceptionListener(jms.ExceptionListenerFunc(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))

	cause := errors.New("network down")
	b.Fail(cause)
	b.Fail(cause)

	mu.Lock()
	require.Len(t, reported, 1, "a broken connection reports once")
	assert.ErrorIs(t, reported[0], jms.ErrConnectionLost)
	assert.True(t, jms.IsTransient(reported[0]))
	mu.Unlock()

	_, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	assert.ErrorIs(t, err, jms.ErrConnectionLost)
}

func TestHooksInjectFaults(t *testing.T) {
	b := NewBroker(t.Name())
	boom := errors.New("boom")
	b.SetHooks(Hooks{
		CreateConsumer: func(dest jms.Destination) error {
			if dest.Name() == "bad" {
				return boom
			}
			return nil
		},
	})
	conn := connect(t, b)
	s, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)

	_, err = s.CreateConsumer(Queue("bad"), "", false)
	assert.ErrorIs(t, err, boom)
	_, err = s.CreateConsumer(Queue("good"), "", false)
	assert.NoError(t, err)

	b.SetHooks(Hooks{CreateConnection: func() error { return boom }})
	_, err = NewFactory(b).CreateConnection(context.Background(), "", "")
	assert.ErrorIs(t, err, boom)
}

func TestXASessionSettlesThroughResource(t *testing.T) {
	b := NewBroker(t.Name())
	f := NewFactory(b)
	conn, err := f.CreateXAConnection(context.Background(), "", "")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Start())

	s, err := conn.CreateSession(context.Background(), true, jms.SessionTransacted)
	require.NoError(t, err)
	xs, ok := s.(jms.XASession)
	require.True(t, ok)

	send(t, s, Queue("q"), "x")
	res := xs.XAResource()
	require.NoError(t, res.Start("tx"))
	require.NoError(t, res.End("tx"))
	require.NoError(t, res.Prepare("tx"))
	require.NoError(t, res.Commit("tx"))
	assert.Equal(t, 1, b.Depth("q"))
}

func TestNamedBrokerIsShared(t *testing.T) {
	assert.Same(t, Named("shared-"+t.Name()), Named("shared-"+t.Name()))
	assert.NotSame(t, Named("a-"+t.Name()), Named("b-"+t.Name()))
}
