// Package closer closes provider resources off the caller's critical path.
//
// A single drainer goroutine pops resources in FIFO order and closes them.
// Close failures are logged and never returned to whoever enqueued the
// resource. The queue is unbounded: Enqueue never blocks, so a producer that
// outpaces the drainer grows memory rather than stalling.
package closer

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
)

// DeferredCloser drains a queue of io.Closers on a background goroutine
type DeferredCloser struct {
	name string

	mu        sync.Mutex
	queue     []io.Closer
	terminate bool
	exited    bool
	emptySeen chan struct{}

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a closer; call Start to launch the drainer
func New(name string) *DeferredCloser {
	return &DeferredCloser{
		name:      name,
		emptySeen: make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the drainer goroutine. Subsequent calls are no-ops.
func (c *DeferredCloser) Start() {
	c.once.Do(func() {
		go c.run()
	})
}

// Enqueue schedules r to be closed
func (c *DeferredCloser) Enqueue(r io.Closer) {
	if r == nil {
		return
	}

	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		// The drainer is gone; keep the exactly-once guarantee anyway.
		go c.closeOne(r)
		return
	}
	c.queue = append(c.queue, r)
	depth := len(c.queue)
	c.mu.Unlock()

	metrics.DeferredCloseQueueDepth.WithLabelValues(c.name).Set(float64(depth))
	c.signal()
}

// Len returns the number of resources waiting to be closed
func (c *DeferredCloser) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Interrupt wakes a blocked drainer. The drainer treats the wake-up as an
// empty cycle and re-checks the terminate flag.
func (c *DeferredCloser) Interrupt() {
	c.signal()
}

// WaitOnNextEmptyPoll blocks until the drainer observes an empty queue or
// the timeout elapses. It returns false on timeout. An empty observation
// says nothing about the queue staying empty afterwards.
func (c *DeferredCloser) WaitOnNextEmptyPoll(timeout time.Duration) bool {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return true
	}
	seen := c.emptySeen
	c.mu.Unlock()

	c.signal()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-seen:
		return true
	case <-timer.C:
		return false
	}
}

// WaitForEmptyQueueOrTimeout requests termination and waits for the drainer
// to finish the backlog and exit. It returns false when the timeout elapsed
// first; shutdown should proceed regardless.
func (c *DeferredCloser) WaitForEmptyQueueOrTimeout(timeout time.Duration) bool {
	c.mu.Lock()
	c.terminate = true
	c.mu.Unlock()

	c.signal()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return true
	case <-timer.C:
		log.Warn().
			Str("closer", c.name).
			Int("pending", c.Len()).
			Dur("timeout", timeout).
			Msg("Deferred closer did not drain before timeout")
		return false
	}
}

// Done is closed once the drainer has exited
func (c *DeferredCloser) Done() <-chan struct{} {
	return c.done
}

func (c *DeferredCloser) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *DeferredCloser) run() {
	log.Debug().Str("closer", c.name).Msg("Deferred closer started")
	defer func() {
		c.mu.Lock()
		c.exited = true
		c.mu.Unlock()
		close(c.done)
		log.Debug().Str("closer", c.name).Msg("Deferred closer exited")
	}()

	for {
		r, ok := c.poll()
		if ok {
			c.closeOne(r)
			continue
		}

		// deciding to stop and refusing the queue happen under one lock, so
		// an Enqueue racing the exit closes its resource itself
		c.mu.Lock()
		stop := c.terminate && len(c.queue) == 0
		if stop {
			c.exited = true
		}
		c.mu.Unlock()
		if stop {
			return
		}

		<-c.wake
	}
}

// poll pops the head of the queue. An empty poll releases everyone waiting
// in WaitOnNextEmptyPoll.
func (c *DeferredCloser) poll() (io.Closer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		close(c.emptySeen)
		c.emptySeen = make(chan struct{})
		return nil, false
	}

	r := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	metrics.DeferredCloseQueueDepth.WithLabelValues(c.name).Set(float64(len(c.queue)))
	return r, true
}

func (c *DeferredCloser) closeOne(r io.Closer) {
	defer func() {
		if p := recover(); p != nil {
			metrics.DeferredCloses.WithLabelValues(c.name, "failed").Inc()
			log.Error().Str("closer", c.name).Interface("panic", p).Msg("Panic while closing resource")
		}
	}()

	if err := r.Close(); err != nil {
		metrics.DeferredCloses.WithLabelValues(c.name, "failed").Inc()
		log.Warn().Err(err).Str("closer", c.name).Msg("Failed to close resource")
		return
	}
	metrics.DeferredCloses.WithLabelValues(c.name, "closed").Inc()
}
