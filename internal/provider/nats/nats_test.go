package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/jms"
)

func runServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "nats server not ready")
	t.Cleanup(ns.Shutdown)
	return ns
}

func connect(t *testing.T, ns *server.Server, props map[string]string) jms.Connection {
	t.Helper()
	f := NewFactory(nil)
	all := map[string]string{"url": ns.ClientURL(), "storage": "memory"}
	for k, v := range props {
		all[k] = v
	}
	require.NoError(t, f.Configure(all))
	conn, err := f.CreateConnection(context.Background(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func session(t *testing.T, conn jms.Connection, transacted bool, mode jms.AckMode) jms.Session {
	t.Helper()
	s, err := conn.CreateSession(context.Background(), transacted, mode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func send(t *testing.T, s jms.Session, dest jms.Destination, body string) {
	t.Helper()
	p, err := s.CreateProducer(dest)
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), &jms.Outbound{Body: []byte(body)}, jms.SendOptions{Priority: jms.DefaultPriority}))
}

func TestQueueCompetingConsumers(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	require.NoError(t, conn.Start())

	s1 := session(t, conn, false, jms.AutoAcknowledge)
	s2 := session(t, conn, false, jms.AutoAcknowledge)
	c1, err := s1.CreateConsumer(Queue("orders"), "", false)
	require.NoError(t, err)
	c2, err := s2.CreateConsumer(Queue("orders"), "", false)
	require.NoError(t, err)

	send(t, s1, Queue("orders"), "one")
	send(t, s1, Queue("orders"), "two")

	m1, err := c1.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, m1)
	m2, err := c2.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.ElementsMatch(t, []string{"one", "two"}, []string{string(m1.Body()), string(m2.Body())})
	assert.Equal(t, Queue("orders"), m1.Destination())
	assert.Equal(t, 1, m1.DeliveryCount())

	none, err := c1.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestStoppedConnectionDeliversNothing(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	s := session(t, conn, false, jms.AutoAcknowledge)
	c, err := s.CreateConsumer(Queue("idle"), "", false)
	require.NoError(t, err)
	send(t, s, Queue("idle"), "waiting")

	none, err := c.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, conn.Start())
	msg, err := c.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
}

func TestTransactedSession(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	require.NoError(t, conn.Start())
	s := session(t, conn, true, jms.SessionTransacted)
	assert.Equal(t, jms.SessionTransacted, s.AcknowledgeMode())

	c, err := s.CreateConsumer(Queue("tx"), "", false)
	require.NoError(t, err)
	send(t, s, Queue("tx"), "held")

	none, err := c.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none, "send is held until commit")
	require.NoError(t, s.Commit())

	msg, err := c.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.False(t, msg.Redelivered())
	require.NoError(t, s.Rollback())

	again, err := c.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.True(t, again.Redelivered())
	assert.Equal(t, 2, again.DeliveryCount())
	require.NoError(t, s.Commit())

	gone, err := c.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestTransactedRollbackDropsSends(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	require.NoError(t, conn.Start())
	s := session(t, conn, true, jms.SessionTransacted)
	c, err := s.CreateConsumer(Queue("drop"), "", false)
	require.NoError(t, err)

	send(t, s, Queue("drop"), "never")
	require.NoError(t, s.Rollback())
	require.NoError(t, s.Commit())

	none, err := c.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClientAckRecover(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	require.NoError(t, conn.Start())
	s := session(t, conn, false, jms.ClientAcknowledge)
	c, err := s.CreateConsumer(Queue("client"), "", false)
	require.NoError(t, err)
	send(t, s, Queue("client"), "ack me")

	msg, err := c.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, s.Recover())

	again, err := c.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.True(t, again.Redelivered())
	require.NoError(t, again.Acknowledge())

	none, err := c.Receive(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestTopicFanOut(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	require.NoError(t, conn.Start())
	s1 := session(t, conn, false, jms.AutoAcknowledge)
	s2 := session(t, conn, false, jms.AutoAcknowledge)

	a, err := s1.CreateConsumer(Topic("news"), "", false)
	require.NoError(t, err)
	b, err := s2.CreateConsumer(Topic("news"), "", false)
	require.NoError(t, err)
	send(t, s1, Topic("news"), "extra")

	for _, c := range []jms.MessageConsumer{a, b} {
		msg, err := c.Receive(context.Background(), 2*time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "extra", string(msg.Body()))
		assert.Equal(t, Topic("news"), msg.Destination())
	}
}

func TestDurableSubscriber(t *testing.T) {
	ns := runServer(t)

	anonymous := connect(t, ns, nil)
	_, err := session(t, anonymous, false, jms.AutoAcknowledge).CreateDurableSubscriber(Topic("news"), "sub", "", false)
	require.ErrorIs(t, err, ErrNeedClientID)

	conn := connect(t, ns, map[string]string{"clientID": "app"})
	require.NoError(t, conn.Start())
	s := session(t, conn, false, jms.AutoAcknowledge)
	sub, err := s.CreateDurableSubscriber(Topic("news"), "sub", "", false)
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	// published while the subscriber is away
	send(t, s, Topic("news"), "kept")

	sub, err = s.CreateDurableSubscriber(Topic("news"), "sub", "", false)
	require.NoError(t, err)
	msg, err := sub.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "kept", string(msg.Body()))
}

func TestListenerAndTemporaryReply(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	require.NoError(t, conn.Start())
	srv := session(t, conn, false, jms.AutoAcknowledge)
	client := session(t, conn, false, jms.AutoAcknowledge)

	requests, err := srv.CreateConsumer(Queue("echo"), "", false)
	require.NoError(t, err)
	replies := session(t, conn, false, jms.AutoAcknowledge)
	require.NoError(t, requests.SetMessageListener(jms.MessageListenerFunc(func(msg jms.Message) {
		p, err := replies.CreateProducer(msg.ReplyTo())
		if err != nil {
			return
		}
		_ = p.Send(context.Background(), &jms.Outbound{Body: msg.Body(), CorrelationID: msg.ID()}, jms.SendOptions{})
	})))

	temp, err := client.CreateTemporaryQueue()
	require.NoError(t, err)
	replyConsumer, err := client.CreateConsumer(temp, "", false)
	require.NoError(t, err)

	p, err := client.CreateProducer(Queue("echo"))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), &jms.Outbound{ID: "req-1", Body: []byte("ping"), ReplyTo: temp}, jms.SendOptions{}))

	reply, err := replyConsumer.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "ping", string(reply.Body()))
	assert.Equal(t, "req-1", reply.CorrelationID())
	assert.NoError(t, temp.Delete())
}

func TestExpiredMessageDropped(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	require.NoError(t, conn.Start())
	s := session(t, conn, false, jms.AutoAcknowledge)
	c, err := s.CreateConsumer(Queue("ttl"), "", false)
	require.NoError(t, err)

	p, err := s.CreateProducer(Queue("ttl"))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), &jms.Outbound{Body: []byte("stale")}, jms.SendOptions{TimeToLive: time.Millisecond}))
	time.Sleep(10 * time.Millisecond)
	send(t, s, Queue("ttl"), "fresh")

	msg, err := c.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "fresh", string(msg.Body()))
}

func TestServerShutdownReported(t *testing.T) {
	ns := runServer(t)
	conn := connect(t, ns, nil)

	reported := make(chan error, 1)
	conn.SetExceptionListener(jms.ExceptionListenerFunc(func(err error) { reported <- err }))
	ns.Shutdown()

	select {
	case err := <-reported:
		assert.True(t, jms.IsTransient(err))
		assert.True(t, errors.Is(err, jms.ErrConnectionLost))
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss not reported")
	}

	_, err := conn.CreateSession(context.Background(), false, jms.AutoAcknowledge)
	assert.True(t, jms.IsTransient(err))
}

func TestSelectorsUnsupported(t *testing.T) {
	conn := connect(t, runServer(t), nil)
	_, err := session(t, conn, false, jms.AutoAcknowledge).CreateConsumer(Queue("q"), "JMSCorrelationID = 'x'", false)
	assert.ErrorIs(t, err, jms.ErrNotSupported)
}

func TestToNATS(t *testing.T) {
	now := time.UnixMilli(1_000)
	m := toNATS("jms.queue.orders", &jms.Outbound{
		ID:            "m-1",
		Body:          []byte("x"),
		CorrelationID: "c-1",
		ReplyTo:       temporary("_INBOX.abc", jms.KindTemporaryQueue),
		Properties:    map[string]string{"tenant": "acme"},
	}, jms.SendOptions{DeliveryMode: jms.Persistent, Priority: 6, TimeToLive: 2 * time.Second}, now)

	assert.Equal(t, "jms.queue.orders", m.Subject)
	assert.Equal(t, "m-1", m.Header.Get(HeaderMessageID))
	assert.Equal(t, "c-1", m.Header.Get(HeaderCorrelationID))
	assert.Equal(t, "temp:_INBOX.abc", m.Header.Get(HeaderReplyTo))
	assert.Equal(t, "3000", m.Header.Get(HeaderExpires))
	assert.Equal(t, "2", m.Header.Get(jms.PropertyDeliveryMode))
	assert.Equal(t, "6", m.Header.Get(jms.PropertyPriority))

	in := &Message{header: m.Header}
	assert.Equal(t, map[string]string{
		"tenant":                 "acme",
		jms.PropertyDeliveryMode: "2",
		jms.PropertyPriority:     "6",
		jms.PropertyTimeToLive:   "2000",
	}, in.Properties())
	assert.True(t, in.expired(now.Add(2*time.Second)))
	assert.False(t, in.expired(now))

	replyTo := in.ReplyTo()
	_, isTemp := replyTo.(jms.TemporaryDestination)
	assert.True(t, isTemp)
	assert.Equal(t, "_INBOX.abc", replyTo.Name())
}

func TestOptions(t *testing.T) {
	o := NewOptions()
	require.NoError(t, o.Apply(map[string]string{"storage": "memory", "ackWait": "5s", "subjectPrefix": "app"}))
	assert.Equal(t, 5*time.Second, o.AckWait)
	assert.Equal(t, "app.queue.a.b", o.queueSubject("a.b"))
	assert.Equal(t, "a_b", consumerName("a.b"))
	assert.Equal(t, "client_sub_x", consumerName("client", "sub.x"))

	assert.Error(t, o.Apply(map[string]string{"storage": "tape"}))
	o.SubjectPrefix = "bad.>"
	assert.Error(t, o.Validate())
}
