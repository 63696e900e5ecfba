// Package gcpsm resolves connection factory descriptors stored as JSON
// secrets in Google Cloud Secret Manager
package gcpsm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.flowcatalyst.tech/connector/internal/directory"
)

// Config holds the Secret Manager directory settings
type Config struct {
	Project string `toml:"project"`
	// Version is the secret version to read, "latest" by default
	Version string `toml:"version"`
	Prefix  string `toml:"prefix"`
}

// API is the part of the Secret Manager client the directory uses
type API interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Directory looks descriptors up in Secret Manager
type Directory struct {
	cfg       Config
	newClient func(ctx context.Context) (API, error)

	mu     sync.RWMutex
	client API
}

var _ directory.Directory = (*Directory)(nil)

// New creates a directory using application default credentials
func New(ctx context.Context, cfg Config) (*Directory, error) {
	if cfg.Project == "" {
		return nil, errors.New("gcpsm: project is required")
	}
	d := newDirectory(cfg, func(ctx context.Context) (API, error) {
		c, err := secretmanager.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create secret manager client: %w", err)
		}
		return c, nil
	})
	if err := d.Reinit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func newDirectory(cfg Config, newClient func(context.Context) (API, error)) *Directory {
	if cfg.Version == "" {
		cfg.Version = "latest"
	}
	return &Directory{cfg: cfg, newClient: newClient}
}

func (d *Directory) secretName(name string) string {
	return fmt.Sprintf("projects/%s/secrets/%s%s/versions/%s", d.cfg.Project, d.cfg.Prefix, name, d.cfg.Version)
}

// Lookup implements directory.Directory
func (d *Directory) Lookup(ctx context.Context, name string) (directory.Descriptor, error) {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()
	if client == nil {
		return directory.Descriptor{}, directory.Communication("access secret", errors.New("client not initialised"))
	}

	secret := d.secretName(name)
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: secret})
	if err != nil {
		return directory.Descriptor{}, classify(secret, err)
	}
	return directory.ParseDescriptor(resp.GetPayload().GetData())
}

// Reinit implements directory.Directory. The old client is closed once the
// new one exists.
func (d *Directory) Reinit(ctx context.Context) error {
	client, err := d.newClient(ctx)
	if err != nil {
		return directory.Communication("create client", err)
	}
	d.mu.Lock()
	old := d.client
	d.client = client
	d.mu.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close previous secret manager client")
		}
	}
	return nil
}

// Close implements directory.Directory
func (d *Directory) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func classify(secret string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", directory.ErrNotFound, secret)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return directory.Communication("access "+secret, err)
	case codes.Canceled:
		return err
	default:
		return fmt.Errorf("failed to access secret %s: %w", secret, err)
	}
}
