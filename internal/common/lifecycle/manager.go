// Package lifecycle orders the connector process shutdown
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase orders shutdown hooks. Hooks in one phase run in parallel.
type Phase int

const (
	// PhaseHTTP stops the admin server
	PhaseHTTP Phase = iota
	// PhaseDelivery stops receivers so no new messages are taken
	PhaseDelivery
	// PhaseConnector disconnects and disposes connectors
	PhaseConnector
	// PhaseStores closes dead letter stores, redelivery trackers and directories
	PhaseStores
	// PhaseFinal runs last
	PhaseFinal
)

func (p Phase) String() string {
	switch p {
	case PhaseHTTP:
		return "http"
	case PhaseDelivery:
		return "delivery"
	case PhaseConnector:
		return "connector"
	case PhaseStores:
		return "stores"
	case PhaseFinal:
		return "final"
	default:
		return fmt.Sprintf("phase-%d", int(p))
	}
}

// Hook is called during shutdown
type Hook struct {
	Name     string
	Phase    Phase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager runs shutdown hooks phase by phase
type Manager struct {
	mu      sync.Mutex
	hooks   []Hook
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

func NewManager() *Manager {
	return &Manager{timeout: 30 * time.Second, done: make(chan struct{})}
}

// SetTimeout bounds the whole shutdown
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
}

// Register adds a hook. A zero timeout becomes ten seconds.
func (m *Manager) Register(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// OnPhase is shorthand for Register
func (m *Manager) OnPhase(phase Phase, name string, shutdown func(ctx context.Context) error) {
	m.Register(Hook{Name: name, Phase: phase, Shutdown: shutdown})
}

// WaitForSignal blocks until SIGINT, SIGTERM, Shutdown or ctx is done
func (m *Manager) WaitForSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.done:
		log.Info().Msg("Shutdown triggered programmatically")
	case <-ctx.Done():
		log.Info().Msg("Shutdown triggered by context")
	}
}

// Shutdown releases WaitForSignal. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.done) })
}

// Execute runs every phase in order and joins the hook errors.
// A phase that overruns the overall timeout aborts the remaining phases.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := append([]Hook(nil), m.hooks...)
	timeout := m.timeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	byPhase := make(map[Phase][]Hook)
	for _, h := range hooks {
		byPhase[h.Phase] = append(byPhase[h.Phase], h)
	}
	phases := make([]Phase, 0, len(byPhase))
	for p := range byPhase {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, phase := range phases {
		log.Info().Stringer("phase", phase).Int("hooks", len(byPhase[phase])).Msg("Executing shutdown phase")

		var wg sync.WaitGroup
		for _, h := range byPhase[phase] {
			wg.Add(1)
			go func(h Hook) {
				defer wg.Done()
				if err := runHook(ctx, h); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(h)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Stringer("phase", phase).Msg("Shutdown timeout reached, skipping remaining phases")
			errs = append(errs, ctx.Err())
			break
		}
	}

	if len(errs) == 0 {
		log.Info().Msg("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

func runHook(parent context.Context, h Hook) error {
	ctx, cancel := context.WithTimeout(parent, h.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Shutdown(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", h.Name).Msg("Shutdown hook failed")
			return fmt.Errorf("%s: %w", h.Name, err)
		}
		log.Debug().Str("hook", h.Name).Msg("Shutdown hook completed")
		return nil
	case <-ctx.Done():
		log.Warn().Str("hook", h.Name).Msg("Shutdown hook timed out")
		return fmt.Errorf("%s: %w", h.Name, ctx.Err())
	}
}

// Run waits for a signal then executes the shutdown
func (m *Manager) Run(ctx context.Context) error {
	m.WaitForSignal(ctx)
	return m.Execute()
}
