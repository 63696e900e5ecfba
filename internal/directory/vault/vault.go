// Package vault resolves connection factory descriptors stored in a Vault
// KV v2 engine. Each name is a secret path whose data holds a provider key
// and the factory properties.
package vault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/directory"
)

// Config holds the Vault directory settings
type Config struct {
	Address string `toml:"address"`
	Token   string `toml:"token"`
	Mount   string `toml:"mount"`
	// Prefix is prepended to every looked-up name
	Prefix string `toml:"prefix"`
}

// DefaultConfig returns a config using the KV engine mounted at "secret"
func DefaultConfig() Config {
	return Config{Mount: "secret"}
}

// Directory looks descriptors up in Vault
type Directory struct {
	cfg Config

	mu     sync.RWMutex
	client *api.Client
}

var _ directory.Directory = (*Directory)(nil)

// New creates a Vault directory. Empty Address and Token fall back to
// VAULT_ADDR and VAULT_TOKEN.
func New(cfg Config) (*Directory, error) {
	d := &Directory{cfg: cfg}
	client, err := d.newClient()
	if err != nil {
		return nil, err
	}
	d.client = client
	return d, nil
}

func (d *Directory) newClient() (*api.Client, error) {
	vc := api.DefaultConfig()
	if vc.Error != nil {
		return nil, fmt.Errorf("failed to read vault environment: %w", vc.Error)
	}
	if d.cfg.Address != "" {
		vc.Address = d.cfg.Address
	}
	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if d.cfg.Token != "" {
		client.SetToken(d.cfg.Token)
	}
	return client, nil
}

// Lookup implements directory.Directory
func (d *Directory) Lookup(ctx context.Context, name string) (directory.Descriptor, error) {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()

	path := d.cfg.Prefix + name
	secret, err := client.KVv2(d.cfg.Mount).Get(ctx, path)
	if err != nil {
		return directory.Descriptor{}, classify(path, err)
	}
	desc, err := directory.FromMap(secret.Data)
	if err != nil {
		return directory.Descriptor{}, fmt.Errorf("vault secret %s: %w", path, err)
	}
	return desc, nil
}

// Reinit implements directory.Directory by rebuilding the client, which
// picks up a rotated token from the environment
func (d *Directory) Reinit(ctx context.Context) error {
	client, err := d.newClient()
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	log.Info().Str("address", client.Address()).Msg("Vault directory client re-initialised")
	return nil
}

// Close implements directory.Directory
func (d *Directory) Close() error { return nil }

func classify(path string, err error) error {
	if errors.Is(err, api.ErrSecretNotFound) {
		return fmt.Errorf("%w: %s", directory.ErrNotFound, path)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var resp *api.ResponseError
	if errors.As(err, &resp) {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", directory.ErrNotFound, path)
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return directory.Communication("vault read "+path, err)
		default:
			return fmt.Errorf("failed to read vault secret %s: %w", path, err)
		}
	}
	// transport failure
	return directory.Communication("vault read "+path, err)
}
