package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/common/metrics"
	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/endpoint"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

// pollContext is the state one poll loop carries between polls. It is only
// touched by its own loop, or by lifecycle calls while the loop is stopped.
type pollContext struct {
	id       int
	session  jms.Session
	consumer jms.MessageConsumer
}

func (pc *pollContext) ready() bool { return pc.session != nil && pc.consumer != nil }

// PollingReceiver consumes an endpoint with explicit receive loops. Each
// poll runs in its own transaction when the endpoint asks for one, so a
// handler failure rolls the receive back.
type PollingReceiver struct {
	core

	mu       sync.Mutex
	contexts []*pollContext
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	running  bool
}

var _ connector.Receiver = (*PollingReceiver)(nil)

// NewPollingReceiver creates a polling receiver for ep on conn
func NewPollingReceiver(conn *connector.Connector, ep endpoint.Endpoint, handler Handler, opts Options) *PollingReceiver {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultOptions().PollTimeout
	}
	if opts.IdleBackoff <= 0 {
		opts.IdleBackoff = DefaultOptions().IdleBackoff
	}
	return &PollingReceiver{core: newCore(conn, ep, handler, opts)}
}

// Key implements connector.Receiver
func (r *PollingReceiver) Key() string { return r.key() }

// MultiConsumer implements connector.Receiver. Every poll loop reports a
// connection fault on its own.
func (r *PollingReceiver) MultiConsumer() bool { return false }

// Concurrency implements connector.Receiver
func (r *PollingReceiver) Concurrency() int { return r.count() }

// Connect prepares one poll context per loop. Reused consumers are created
// here when the connector is configured for eager consumers.
func (r *PollingReceiver) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contexts != nil {
		return nil
	}
	n := r.count()
	contexts := make([]*pollContext, n)
	for i := range contexts {
		contexts[i] = &pollContext{id: i}
	}

	if r.opts.ReuseConsumer && r.conn.Config().EagerConsumer {
		for _, pc := range contexts {
			if err := r.open(ctx, pc); err != nil {
				for _, done := range contexts {
					r.release(done)
				}
				return fmt.Errorf("failed to create consumer %d of %s: %w", pc.id, r.key(), err)
			}
		}
	}

	r.contexts = contexts
	metrics.ReceiverSubUnits.WithLabelValues(r.key()).Set(float64(n))
	log.Info().
		Str("receiver", r.key()).
		Int("loops", n).
		Bool("reuseConsumer", r.opts.ReuseConsumer).
		Msg("Polling receiver connected")
	return nil
}

// Start launches the poll loops
func (r *PollingReceiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.contexts == nil {
		return fmt.Errorf("receiver %s: %w", r.key(), connector.ErrNotConnected)
	}
	if r.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.running = true
	for _, pc := range r.contexts {
		r.loops.Add(1)
		go r.run(loopCtx, pc)
	}
	log.Debug().Str("receiver", r.key()).Msg("Polling receiver started")
	return nil
}

// Stop cancels the poll loops and waits for in-flight polls to finish
func (r *PollingReceiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("receiver %s did not stop: %w", r.key(), ctx.Err())
	}
}

// Disconnect stops the loops and closes every reused session and consumer
func (r *PollingReceiver) Disconnect(ctx context.Context) error {
	if err := r.Stop(ctx); err != nil {
		log.Warn().Err(err).Str("receiver", r.key()).Msg("Poll loops still running at disconnect")
	}

	r.mu.Lock()
	contexts := r.contexts
	r.contexts = nil
	r.mu.Unlock()

	for _, pc := range contexts {
		r.release(pc)
	}
	metrics.ReceiverSubUnits.WithLabelValues(r.key()).Set(0)
	return nil
}

// Dispose implements connector.Receiver
func (r *PollingReceiver) Dispose() {
	_ = r.Disconnect(context.Background())
}

// Running reports whether the poll loops are active
func (r *PollingReceiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *PollingReceiver) open(ctx context.Context, pc *pollContext) error {
	session, err := r.conn.CreateSession(ctx, r.ep.Transaction.IsTransacted(), r.ackMode())
	if err != nil {
		return err
	}
	consumer, err := r.conn.CreateConsumer(session, r.ep)
	if err != nil {
		r.conn.CloseQuietly(session)
		return err
	}
	pc.session, pc.consumer = session, consumer
	return nil
}

func (r *PollingReceiver) release(pc *pollContext) {
	r.conn.CloseQuietly(pc.consumer)
	r.conn.CloseQuietly(pc.session)
	pc.session, pc.consumer = nil, nil
}

// run polls until ctx is cancelled or the connection is lost. A lost
// connection is reported after the loop has exited so that the escalation
// handler may stop this receiver.
func (r *PollingReceiver) run(ctx context.Context, pc *pollContext) {
	fault := r.loop(ctx, pc)
	r.loops.Done()
	if fault != nil {
		log.Warn().Err(fault).Str("receiver", r.key()).Int("loop", pc.id).Msg("Poll loop lost its connection")
		r.conn.OnException(fault)
	}
}

func (r *PollingReceiver) loop(ctx context.Context, pc *pollContext) error {
	for ctx.Err() == nil {
		err := r.poll(ctx, pc)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if isConnectionFault(err) {
			r.release(pc)
			return err
		}
		log.Error().Err(err).Str("receiver", r.key()).Int("loop", pc.id).Msg("Poll failed")
		select {
		case <-ctx.Done():
		case <-time.After(r.opts.IdleBackoff):
		}
	}
	return nil
}

func isConnectionFault(err error) bool {
	return jms.IsTransient(err) || errors.Is(err, jms.ErrConnectionLost)
}

// poll performs one receive and, if a message arrived, its dispatch
func (r *PollingReceiver) poll(ctx context.Context, pc *pollContext) error {
	var tx transaction.Transaction
	if r.ep.Transaction.Begins() {
		txCtx, t, err := r.txm.Begin(ctx, r.ep.Transaction.Kind, r.ep.Transaction.Timeout)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		ctx, tx = txCtx, t
		defer r.txm.Done(tx)
	}

	session, consumer, cleanup, err := r.acquire(ctx, pc, tx)
	if err != nil {
		rollbackQuietly(tx)
		return err
	}
	defer cleanup()

	timeout := r.opts.PollTimeout
	if tx != nil && tx.Timeout() > 0 && tx.Timeout() < timeout {
		timeout = tx.Timeout()
	}

	msg, err := consumer.Receive(ctx, timeout)
	if err != nil {
		rollbackQuietly(tx)
		return fmt.Errorf("failed to receive: %w", err)
	}
	if msg == nil {
		// an empty poll releases its transaction
		rollbackQuietly(tx)
		return nil
	}

	if tx != nil {
		if err := r.bind(tx, session, msg); err != nil {
			r.finish(tx, err)
			return err
		}
	}

	screened, _, err := r.screen(ctx, session, msg)
	if err == nil && screened != nil {
		err = r.handle(ctx, screened)
	}

	if tx != nil {
		r.finish(tx, err)
	} else {
		r.settle(session, msg, err)
	}
	return nil
}

// acquire returns the session and consumer for one poll. Reused ones come
// from the poll context; otherwise a session is taken through the connector
// and a consumer created for this poll only.
func (r *PollingReceiver) acquire(ctx context.Context, pc *pollContext, tx transaction.Transaction) (jms.Session, jms.MessageConsumer, func(), error) {
	if r.opts.ReuseConsumer {
		if !pc.ready() {
			if err := r.open(context.Background(), pc); err != nil {
				return nil, nil, nil, err
			}
		}
		return pc.session, pc.consumer, func() {}, nil
	}

	session, err := r.conn.GetSession(ctx, r.ep)
	if err != nil {
		return nil, nil, nil, err
	}
	consumer, err := r.conn.CreateConsumer(session, r.ep)
	if err != nil {
		if tx == nil {
			r.conn.CloseQuietly(session)
		}
		return nil, nil, nil, err
	}
	cleanup := func() {
		r.conn.CloseQuietly(consumer)
		// a transaction closes the sessions bound to it
		if tx == nil {
			r.conn.CloseQuietly(session)
		}
	}
	return session, consumer, cleanup, nil
}

// finish completes tx without recording it with the manager
func (r *PollingReceiver) finish(tx transaction.Transaction, handlerErr error) {
	if handlerErr != nil {
		if err := tx.Rollback(); err != nil {
			log.Error().Err(err).Str("receiver", r.key()).Str("tx", tx.ID()).Msg("Failed to roll back transaction")
		}
		return
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Str("receiver", r.key()).Str("tx", tx.ID()).Msg("Failed to commit transaction")
	}
}

func rollbackQuietly(tx transaction.Transaction) {
	if tx == nil || tx.Status() != transaction.StatusActive {
		return
	}
	if err := tx.Rollback(); err != nil {
		log.Debug().Err(err).Str("tx", tx.ID()).Msg("Rollback of unused transaction failed")
	}
}
