// Package health checks the connector and the stores it depends on
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/connector"
)

// Checker checks one dependency
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// ConnectorChecker reports a connector that is not delivering messages
type ConnectorChecker struct {
	Connector *connector.Connector
	// RequireStarted treats a connected but stopped connector as unhealthy
	RequireStarted bool
}

func (c ConnectorChecker) Check(context.Context) error {
	switch state := c.Connector.State(); state {
	case connector.StateStarted:
		return nil
	case connector.StateConnected:
		if c.RequireStarted {
			return fmt.Errorf("connector %s is connected but not started", c.Connector.Name())
		}
		return nil
	default:
		return fmt.Errorf("connector %s is %s", c.Connector.Name(), state)
	}
}

// Result is the outcome of one check run
type Result struct {
	Healthy   bool              `json:"healthy"`
	CheckedAt time.Time         `json:"checkedAt"`
	Checks    map[string]string `json:"checks"`
	Issues    []string          `json:"issues,omitempty"`
}

// Service runs named checks and keeps the last result
type Service struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	timeout  time.Duration
	last     Result

	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	available atomic.Bool
}

// NewService creates a service whose checks each get timeout
func NewService(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{checkers: make(map[string]Checker), timeout: timeout}
}

// Register adds or replaces a named check
func (s *Service) Register(name string, c Checker) {
	s.mu.Lock()
	s.checkers[name] = c
	s.mu.Unlock()
}

// Check runs every check. A check that fails or outlives the timeout makes
// the result unhealthy.
func (s *Service) Check(ctx context.Context) Result {
	s.mu.RLock()
	names := make([]string, 0, len(s.checkers))
	for name := range s.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]Checker, len(s.checkers))
	for k, v := range s.checkers {
		checkers[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	s.attempts.Add(1)
	result := Result{Healthy: true, CheckedAt: time.Now(), Checks: make(map[string]string, len(names))}
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := checkers[name].Check(cctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("check", name).Msg("Health check failed")
			result.Healthy = false
			result.Checks[name] = "DOWN"
			result.Issues = append(result.Issues, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		result.Checks[name] = "UP"
	}

	if result.Healthy {
		s.successes.Add(1)
	} else {
		s.failures.Add(1)
	}
	s.available.Store(result.Healthy)

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
	return result
}

// IsAvailable reports the outcome of the last check
func (s *Service) IsAvailable() bool { return s.available.Load() }

// Last returns the last result
func (s *Service) Last() Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Metrics returns check counters
func (s *Service) Metrics() (attempts, successes, failures int64) {
	return s.attempts.Load(), s.successes.Load(), s.failures.Load()
}
