// Package awssm resolves connection factory descriptors stored as JSON
// secrets in AWS Secrets Manager
package awssm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/directory"
)

// Config holds the Secrets Manager directory settings
type Config struct {
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
	// Prefix is prepended to every looked-up name
	Prefix string `toml:"prefix"`
}

// API is the part of the Secrets Manager client the directory uses
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Directory looks descriptors up in Secrets Manager
type Directory struct {
	cfg       Config
	newClient func(ctx context.Context) (API, error)

	mu     sync.RWMutex
	client API
}

var _ directory.Directory = (*Directory)(nil)

// New creates a directory using the AWS default credential chain
func New(ctx context.Context, cfg Config) (*Directory, error) {
	d := &Directory{cfg: cfg}
	d.newClient = d.loadClient
	if err := d.Reinit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// NewWithClient creates a directory around an existing client. Reinit
// keeps the client.
func NewWithClient(cfg Config, client API) *Directory {
	return &Directory{
		cfg:       cfg,
		client:    client,
		newClient: func(context.Context) (API, error) { return client, nil },
	}
}

func (d *Directory) loadClient(ctx context.Context) (API, error) {
	var opts []func(*config.LoadOptions) error
	if d.cfg.Region != "" {
		opts = append(opts, config.WithRegion(d.cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	var clientOpts []func(*secretsmanager.Options)
	if d.cfg.Endpoint != "" {
		endpoint := d.cfg.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return secretsmanager.NewFromConfig(awsCfg, clientOpts...), nil
}

// Lookup implements directory.Directory
func (d *Directory) Lookup(ctx context.Context, name string) (directory.Descriptor, error) {
	d.mu.RLock()
	client := d.client
	d.mu.RUnlock()

	id := d.cfg.Prefix + name
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return directory.Descriptor{}, classify(id, err)
	}
	if out.SecretString == nil {
		return directory.Descriptor{}, fmt.Errorf("%w: secret %s has no string value", directory.ErrInvalid, id)
	}
	return directory.ParseDescriptor([]byte(*out.SecretString))
}

// Reinit implements directory.Directory by reloading the AWS configuration
func (d *Directory) Reinit(ctx context.Context) error {
	client, err := d.newClient(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	log.Debug().Str("region", d.cfg.Region).Msg("Secrets Manager directory client initialised")
	return nil
}

// Close implements directory.Directory
func (d *Directory) Close() error { return nil }

func classify(id string, err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", directory.ErrNotFound, id)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorFault() != smithy.FaultServer {
		return fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	return directory.Communication("get secret "+id, err)
}
