package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// Consumer receives from a queue buffer or a topic subscription
type Consumer struct {
	session  *Session
	dest     jms.Destination
	selector string
	source   *buffer
	detach   func()

	mu       sync.Mutex
	closed   bool
	listener jms.MessageListener
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// Destination returns the consumed destination
func (c *Consumer) Destination() jms.Destination { return c.dest }

// Listening reports whether a message listener is attached
func (c *Consumer) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener != nil
}

// Receive implements jms.MessageConsumer. A stopped connection delivers
// nothing, so Receive waits out its timeout.
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (jms.Message, error) {
	c.mu.Lock()
	closed, listening := c.closed, c.listener != nil
	c.mu.Unlock()
	if closed {
		return nil, jms.ErrClosed
	}
	if listening {
		return nil, ErrListenerAttached
	}
	if err := c.session.usable(); err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env, err := c.next(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return c.session.deliver(env, c.source), nil
}

// SetMessageListener implements jms.MessageConsumer. Detaching does not
// wait for an in-flight delivery, so a listener may detach itself.
func (c *Consumer) SetMessageListener(l jms.MessageListener) error {
	if err := c.session.usable(); err != nil {
		return err
	}
	if hook := c.session.conn.broker.getHooks().SetListener; hook != nil {
		if err := hook(c, l != nil); err != nil {
			return jms.NewProviderError("set message listener", err, true)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return jms.ErrClosed
	}
	c.listener = l
	if l == nil {
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
		return nil
	}
	if c.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.pumpDone = make(chan struct{})
		go c.pump(ctx, c.pumpDone)
	}
	return nil
}

// Close implements jms.MessageConsumer
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.listener = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if c.detach != nil {
		c.detach()
	}
	return nil
}

func (c *Consumer) currentListener() jms.MessageListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Consumer) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		env, err := c.next(ctx)
		if err != nil {
			return
		}
		l := c.currentListener()
		if l == nil || ctx.Err() != nil {
			c.source.pushFront(env)
			return
		}
		msg := c.session.deliver(env, c.source)
		if !c.dispatch(l, msg) && c.session.mode == jms.AutoAcknowledge {
			// a panicking listener leaves the message unconsumed
			c.source.pushFront(env)
		}
	}
}

func (c *Consumer) dispatch(l jms.MessageListener, msg *Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("message", msg.ID()).Msg("Message listener panicked")
			ok = false
		}
	}()
	l.OnMessage(msg)
	return true
}

func (c *Consumer) next(ctx context.Context) (*envelope, error) {
	if err := c.session.conn.awaitStarted(ctx); err != nil {
		return nil, err
	}
	return c.source.take(ctx, c.match)
}

// match applies the selector. Selectors are restricted to
// "name = 'value'" equality and "name LIKE 'pattern'" with % wildcards.
func (c *Consumer) match(env *envelope) bool {
	if c.selector == "" {
		return true
	}
	name, op, value, ok := parseSelector(c.selector)
	if !ok {
		return false
	}
	got, present := env.props[name]
	if name == "JMSCorrelationID" {
		got, present = env.correlationID, true
	}
	if !present {
		return false
	}
	if op == "=" {
		return got == value
	}
	return likePattern(value).MatchString(got)
}
