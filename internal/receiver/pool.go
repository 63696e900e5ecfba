package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
)

var errPoolStopped = errors.New("worker pool stopped")

// subUnit owns one session and one consumer. Neither is shared.
type subUnit struct {
	id       int
	state    subUnitState
	session  jms.Session
	consumer jms.MessageConsumer
}

// ConsumerPool consumes an endpoint with a set of listener-driven
// consumers. Messages are handed to the pool's workers; the delivering
// consumer waits for its message to finish so provider order is kept per
// consumer.
type ConsumerPool struct {
	core

	mu      sync.Mutex
	units   []*subUnit
	workers *workerPool
}

var _ connector.Receiver = (*ConsumerPool)(nil)

// NewConsumerPool creates a pool for ep on conn
func NewConsumerPool(conn *connector.Connector, ep endpoint.Endpoint, handler Handler, opts Options) *ConsumerPool {
	return &ConsumerPool{core: newCore(conn, ep, handler, opts)}
}

// Key implements connector.Receiver
func (p *ConsumerPool) Key() string { return p.key() }

// MultiConsumer implements connector.Receiver
func (p *ConsumerPool) MultiConsumer() bool { return true }

// Concurrency implements connector.Receiver
func (p *ConsumerPool) Concurrency() int { return p.count() }

// Connect creates every sub-unit. If one fails the ones already created are
// closed and the error returned.
func (p *ConsumerPool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.units) > 0 {
		return nil
	}

	n := p.count()
	units := make([]*subUnit, 0, n)
	for i := 0; i < n; i++ {
		u, err := p.connectUnit(ctx, i)
		if err != nil {
			for _, done := range units {
				p.closeUnit(done)
			}
			return fmt.Errorf("failed to connect consumer %d of %d: %w", i+1, n, err)
		}
		units = append(units, u)
	}

	p.units = units
	p.workers = newWorkerPool(n)
	metrics.ReceiverSubUnits.WithLabelValues(p.key()).Set(float64(n))

	log.Info().
		Str("receiver", p.key()).
		Int("consumers", n).
		Bool("topic", p.conn.TopicResolver().IsTopic(p.ep)).
		Msg("Consumer pool connected")
	return nil
}

func (p *ConsumerPool) connectUnit(ctx context.Context, id int) (*subUnit, error) {
	session, err := p.conn.CreateSession(ctx, p.ep.Transaction.IsTransacted(), p.ackMode())
	if err != nil {
		return nil, err
	}
	consumer, err := p.conn.CreateConsumer(session, p.ep)
	if err != nil {
		p.conn.CloseQuietly(session)
		return nil, err
	}
	return &subUnit{id: id, state: unitConnected, session: session, consumer: consumer}, nil
}

// Start attaches a listener to every connected sub-unit
func (p *ConsumerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.units == nil {
		return fmt.Errorf("receiver %s: %w", p.key(), connector.ErrNotConnected)
	}
	for _, u := range p.units {
		if u.state == unitStarted {
			continue
		}
		unit := u
		listener := jms.MessageListenerFunc(func(msg jms.Message) { p.onMessage(unit, msg) })
		if err := u.consumer.SetMessageListener(listener); err != nil {
			return fmt.Errorf("failed to start consumer %d of %s: %w", u.id, p.key(), err)
		}
		u.state = unitStarted
	}
	log.Debug().Str("receiver", p.key()).Msg("Consumer pool started")
	return nil
}

// Stop detaches every listener. A sub-unit that fails to stop is logged and
// the remaining sub-units are still stopped.
func (p *ConsumerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, u := range p.units {
		if u.state != unitStarted {
			continue
		}
		if err := u.consumer.SetMessageListener(nil); err != nil {
			log.Warn().Err(err).Str("receiver", p.key()).Int("consumer", u.id).Msg("Failed to stop consumer")
			errs = append(errs, err)
			continue
		}
		u.state = unitConnected
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to stop %d consumer(s) of %s: %w", len(errs), p.key(), errors.Join(errs...))
	}
	return nil
}

// Disconnect closes every consumer and session and empties the pool
func (p *ConsumerPool) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	units, workers := p.units, p.workers
	p.units, p.workers = nil, nil
	p.mu.Unlock()

	if workers != nil {
		workers.stop()
	}
	for _, u := range units {
		p.closeUnit(u)
	}
	metrics.ReceiverSubUnits.WithLabelValues(p.key()).Set(0)
	if len(units) > 0 {
		log.Info().Str("receiver", p.key()).Msg("Consumer pool disconnected")
	}
	return nil
}

// Dispose implements connector.Receiver
func (p *ConsumerPool) Dispose() {
	_ = p.Disconnect(context.Background())
}

// States returns each sub-unit's state name, in sub-unit order
func (p *ConsumerPool) States() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.units))
	for i, u := range p.units {
		out[i] = u.state.String()
	}
	return out
}

func (p *ConsumerPool) closeUnit(u *subUnit) {
	p.conn.CloseQuietly(u.consumer)
	p.conn.CloseQuietly(u.session)
	u.state = unitDisconnected
}

func (p *ConsumerPool) onMessage(u *subUnit, msg jms.Message) {
	ctx := context.Background()

	screened, poisoned, err := p.screen(ctx, u.session, msg)
	if err != nil {
		log.Error().Err(err).Str("receiver", p.key()).Str("messageId", msg.ID()).Msg("Message rejected before dispatch")
		p.settle(u.session, msg, err)
		return
	}
	if screened == nil {
		if poisoned {
			log.Debug().Str("receiver", p.key()).Str("messageId", msg.ID()).Msg("Poison message consumed")
		}
		p.settle(u.session, msg, nil)
		return
	}

	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	if workers == nil {
		p.settle(u.session, msg, errPoolStopped)
		return
	}

	if err := workers.submit(func() { p.process(ctx, u.session, screened) }); err != nil {
		log.Warn().Str("receiver", p.key()).Str("messageId", msg.ID()).Msg("Pool stopped before message could be processed")
	}
}

// process handles one message on session, inside a transaction when the
// endpoint asks for one.
func (p *ConsumerPool) process(ctx context.Context, session jms.Session, msg jms.Message) {
	metrics.ReceiverActiveWorkers.WithLabelValues(p.key()).Inc()
	defer metrics.ReceiverActiveWorkers.WithLabelValues(p.key()).Dec()

	if !p.ep.Transaction.Begins() {
		p.settle(session, msg, p.handle(ctx, msg))
		return
	}

	ctx, tx, err := p.txm.Begin(ctx, p.ep.Transaction.Kind, p.ep.Transaction.Timeout)
	if err != nil {
		log.Error().Err(err).Str("receiver", p.key()).Msg("Failed to begin transaction")
		p.settle(session, msg, err)
		return
	}
	if err := p.bind(tx, session, msg); err != nil {
		log.Error().Err(err).Str("receiver", p.key()).Str("tx", tx.ID()).Msg("Failed to bind transaction resources")
		p.complete(tx, err)
		return
	}
	p.complete(tx, p.handle(ctx, msg))
}

func (s subUnitState) String() string {
	switch s {
	case unitConnected:
		return "connected"
	case unitStarted:
		return "started"
	default:
		return "disconnected"
	}
}

// workerPool runs submitted jobs on a fixed set of goroutines
type workerPool struct {
	jobs chan func()
	quit chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newWorkerPool(n int) *workerPool {
	w := &workerPool{jobs: make(chan func()), quit: make(chan struct{})}
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		go w.run()
	}
	return w
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.quit:
			return
		}
	}
}

// submit hands job to a worker and waits for it to finish
func (w *workerPool) submit(job func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		job()
	}
	select {
	case w.jobs <- wrapped:
	case <-w.quit:
		return errPoolStopped
	}
	<-done
	return nil
}

func (w *workerPool) stop() {
	w.once.Do(func() { close(w.quit) })
	w.wg.Wait()
}
