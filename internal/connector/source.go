package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/directory"
	"go.flowcatalyst.tech/connector/internal/jms"
	"go.flowcatalyst.tech/connector/internal/provider"
	"go.flowcatalyst.tech/connector/internal/transaction"
)

// FactorySource yields the connection factory for a connect cycle
type FactorySource interface {
	Factory(ctx context.Context) (jms.ConnectionFactory, error)
	Close() error
}

// DirectSource hands out a factory configured in code or configuration
type DirectSource struct {
	F jms.ConnectionFactory
}

func (s DirectSource) Factory(context.Context) (jms.ConnectionFactory, error) {
	if s.F == nil {
		return nil, ErrNoFactory
	}
	return s.F, nil
}

func (s DirectSource) Close() error { return nil }

// DirectorySource looks a descriptor up by name and builds the factory
// through the provider registry.
type DirectorySource struct {
	dir      directory.Directory
	registry *provider.Registry
	name     string

	mu sync.Mutex
}

// NewDirectorySource creates a source resolving name in dir
func NewDirectorySource(dir directory.Directory, registry *provider.Registry, name string) *DirectorySource {
	return &DirectorySource{dir: dir, registry: registry, name: name}
}

// Factory resolves the descriptor. On a communication failure the active
// transaction is marked rollback-only, the directory is re-initialised and
// the lookup retried once; a second failure is returned.
func (s *DirectorySource) Factory(ctx context.Context) (jms.ConnectionFactory, error) {
	d, err := s.lookup(ctx)
	if err != nil {
		return nil, err
	}
	return s.registry.Build(ctx, d.Provider, d.Properties)
}

func (s *DirectorySource) lookup(ctx context.Context) (directory.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.dir.Lookup(ctx, s.name)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, directory.ErrCommunication) {
		return directory.Descriptor{}, fmt.Errorf("failed to look up connection factory %q: %w", s.name, err)
	}

	log.Warn().Err(err).Str("name", s.name).Msg("Directory communication error, re-initialising")
	if tx, ok := transaction.FromContext(ctx); ok {
		tx.SetRollbackOnly()
	}
	if err := s.dir.Reinit(ctx); err != nil {
		return directory.Descriptor{}, fmt.Errorf("failed to re-initialise directory: %w", err)
	}
	d, err = s.dir.Lookup(ctx, s.name)
	if err != nil {
		return directory.Descriptor{}, fmt.Errorf("failed to look up connection factory %q after re-initialising: %w", s.name, err)
	}
	return d, nil
}

// Close releases the directory
func (s *DirectorySource) Close() error {
	return s.dir.Close()
}
