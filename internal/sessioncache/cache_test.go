package sessioncache

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/provider/memory"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

type recordingCloser struct {
	mu     sync.Mutex
	closed []io.Closer
}

func (r *recordingCloser) Enqueue(c io.Closer) {
	r.mu.Lock()
	r.closed = append(r.closed, c)
	r.mu.Unlock()
	_ = c.Close()
}

func (r *recordingCloser) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func newCache(t *testing.T) (*Cache, *recordingCloser) {
	t.Helper()
	conn, err := memory.NewFactory(memory.NewBroker(t.Name())).CreateConnection(context.Background(), "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	rc := &recordingCloser{}
	return New(conn, rc), rc
}

func TestUncachedWithoutKey(t *testing.T) {
	cache, _ := newCache(t)

	a, err := cache.Session(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	b, err := cache.Session(context.Background(), false, jms.AutoAcknowledge)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 0, cache.Len())
}

func TestCachedByKey(t *testing.T) {
	cache, rc := newCache(t)
	ctx := WithKey(context.Background(), "dispatcher")

	a, err := cache.Session(ctx, false, jms.AutoAcknowledge)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := cache.Session(ctx, false, jms.AutoAcknowledge)
	require.NoError(t, err)
	assert.Same(t, unwrap(a), unwrap(b), "closing returns the session to the cache")
	assert.Equal(t, 0, rc.count())

	c, err := cache.Session(ctx, true, jms.SessionTransacted)
	require.NoError(t, err)
	assert.NotSame(t, unwrap(a), unwrap(c), "transacted and non-transacted sessions are cached apart")
	assert.Equal(t, 2, cache.Len())
}

func TestKeyedSessionIsLeasedToOneCaller(t *testing.T) {
	cache, _ := newCache(t)
	ctx := WithKey(context.Background(), "dispatch~orders")

	held, err := cache.Session(ctx, true, jms.SessionTransacted)
	require.NoError(t, err)

	got := make(chan jms.Session, 1)
	go func() {
		s, err := cache.Session(ctx, true, jms.SessionTransacted)
		if err == nil {
			got <- s
		}
	}()

	select {
	case <-got:
		t.Fatal("second caller got the session while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, held.Close())
	require.NoError(t, held.Close(), "closing twice does not release the next holder")

	var next jms.Session
	select {
	case next = <-got:
	case <-time.After(time.Second):
		t.Fatal("session not handed over after close")
	}
	assert.Same(t, unwrap(held), unwrap(next))
	assert.Equal(t, 1, cache.Len())

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = cache.Session(waitCtx, true, jms.SessionTransacted)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "still held by the second caller")

	require.NoError(t, next.Close())
	s, err := cache.Session(ctx, true, jms.SessionTransacted)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestTransactionScopedSessionEvictedOnClose(t *testing.T) {
	cache, rc := newCache(t)
	tx := transaction.NewJMSTransaction(time.Second)
	ctx := transaction.WithTransaction(context.Background(), tx)

	a, err := cache.Session(ctx, true, jms.SessionTransacted)
	require.NoError(t, err)
	b, err := cache.Session(ctx, true, jms.SessionTransacted)
	require.NoError(t, err)
	assert.Same(t, a, b)

	p, err := cache.Producer(a, memory.Queue("out"))
	require.NoError(t, err)
	require.NoError(t, p.Close())

	require.NoError(t, tx.BindResource(cache.Connection(), a))
	require.NoError(t, tx.Commit())

	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 2, rc.count(), "session and its producer are closed")
}

func TestProducerCachedPerDestination(t *testing.T) {
	cache, _ := newCache(t)
	s, err := cache.Session(WithKey(context.Background(), "k"), false, jms.AutoAcknowledge)
	require.NoError(t, err)

	p1, err := cache.Producer(s, memory.Queue("a"))
	require.NoError(t, err)
	require.NoError(t, p1.Close())
	p2, err := cache.Producer(s, memory.Queue("a"))
	require.NoError(t, err)
	p3, err := cache.Producer(s, memory.Topic("a"))
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.NotSame(t, p1, p3)
	require.NoError(t, p2.Send(context.Background(), &jms.Outbound{Body: []byte("x")}, jms.SendOptions{}))
}

type orderOwner struct {
	cache  *Cache
	handle *Handle
	seen   struct {
		cacheLen int
		err      error
		calls    int
	}
}

func (o *orderOwner) OnException(err error) {
	o.seen.calls++
	o.seen.cacheLen = o.cache.Len()
	_, o.seen.err = o.handle.Session(WithKey(context.Background(), "k"), false, jms.AutoAcknowledge)
}

func TestProviderExceptionOrdering(t *testing.T) {
	cache, rc := newCache(t)
	_, err := cache.Session(WithKey(context.Background(), "k"), false, jms.AutoAcknowledge)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	owner := &orderOwner{cache: cache}
	owner.handle = cache.Register(owner)

	cause := errors.New("connection reset")
	cache.OnProviderException(cause)

	assert.Equal(t, 1, owner.seen.calls)
	assert.Equal(t, 0, owner.seen.cacheLen, "cache is reset before owners are notified")
	assert.ErrorIs(t, owner.seen.err, ErrExceptionInProgress)
	assert.True(t, jms.IsTransient(owner.seen.err))
	assert.Equal(t, 1, rc.count())

	assert.True(t, owner.handle.Handling())
	owner.handle.Resume()
	assert.False(t, owner.handle.Handling())
	_, err = owner.handle.Session(WithKey(context.Background(), "k"), false, jms.AutoAcknowledge)
	assert.NoError(t, err)
}

func TestRegisterIsIdempotent(t *testing.T) {
	cache, _ := newCache(t)
	owner := &countingOwner{}

	h1 := cache.Register(owner)
	h2 := cache.Register(owner)
	assert.Same(t, h1, h2)

	cache.OnException(errors.New("x"))
	assert.Equal(t, 1, owner.calls, "registered twice, notified once")

	cache.Unregister(owner)
	cache.OnException(errors.New("y"))
	assert.Equal(t, 1, owner.calls)
}

type countingOwner struct{ calls int }

func (o *countingOwner) OnException(error) { o.calls++ }

func TestCloseRefusesLookups(t *testing.T) {
	cache, rc := newCache(t)
	_, err := cache.Session(WithKey(context.Background(), "k"), false, jms.AutoAcknowledge)
	require.NoError(t, err)

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())
	assert.Equal(t, 1, rc.count())

	_, err = cache.Session(WithKey(context.Background(), "k"), false, jms.AutoAcknowledge)
	assert.ErrorIs(t, err, jms.ErrClosed)
}
