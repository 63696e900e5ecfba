package sqs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// API is the subset of the SQS client the provider uses
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
}

// Factory creates SQS connections
type Factory struct {
	opts *Options

	// client is shared by all connections when set
	client API
}

var _ jms.Configurable = (*Factory)(nil)

// NewFactory creates a factory that builds a client from the AWS default
// configuration chain. nil opts uses NewOptions.
func NewFactory(opts *Options) *Factory {
	if opts == nil {
		opts = NewOptions()
	}
	return &Factory{opts: opts}
}

// NewFactoryWithClient creates a factory around an existing client
func NewFactoryWithClient(opts *Options, client API) *Factory {
	f := NewFactory(opts)
	f.client = client
	return f
}

// Build creates a factory from connection factory properties
func Build(_ context.Context, props map[string]string) (jms.ConnectionFactory, error) {
	f := NewFactory(nil)
	if err := f.Configure(props); err != nil {
		return nil, err
	}
	return f, nil
}

// Metadata implements jms.ConnectionFactory
func (f *Factory) Metadata() jms.Metadata {
	return jms.Metadata{Provider: "sqs", DeliveryCount: true}
}

// Configure implements jms.Configurable
func (f *Factory) Configure(props map[string]string) error {
	if err := f.opts.Apply(props); err != nil {
		return err
	}
	return f.opts.Validate()
}

// CreateConnection implements jms.ConnectionFactory. Non-empty username
// and password are used as static access keys.
func (f *Factory) CreateConnection(ctx context.Context, username, password string) (jms.Connection, error) {
	client := f.client
	if client == nil {
		var err error
		client, err = f.newClient(ctx, username, password)
		if err != nil {
			return nil, err
		}
	}
	return &Connection{
		api:  client,
		opts: f.opts,
		gate: make(chan struct{}),
		urls: map[string]string{},
	}, nil
}

func (f *Factory) newClient(ctx context.Context, username, password string) (API, error) {
	if username == "" {
		username, password = f.opts.AccessKeyID, f.opts.SecretAccessKey
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(f.opts.Region)}
	if username != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(username, password, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*sqs.Options)
	if f.opts.Endpoint != "" {
		endpoint := f.opts.Endpoint
		clientOpts = append(clientOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return sqs.NewFromConfig(awsCfg, clientOpts...), nil
}

// Connection holds an SQS client. SQS is connectionless, so faults surface
// as failing calls rather than a broken connection.
type Connection struct {
	api  API
	opts *Options

	mu        sync.Mutex
	clientID  string
	used      bool
	started   bool
	closed    bool
	gate      chan struct{}
	listener  jms.ExceptionListener
	urls      map[string]string
	temporary []string
}

// CreateSession implements jms.Connection
func (c *Connection) CreateSession(ctx context.Context, transacted bool, mode jms.AckMode) (jms.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, jms.ErrClosed
	}
	c.used = true
	if transacted {
		mode = jms.SessionTransacted
	}
	return &Session{conn: c, transacted: transacted, mode: mode}, nil
}

// Start implements jms.Connection
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.used = true
	if !c.started {
		c.started = true
		close(c.gate)
	}
	return nil
}

// Stop implements jms.Connection
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.started = false
		c.gate = make(chan struct{})
	}
	return nil
}

// Close implements jms.Connection and deletes the temporary queues
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	temporary := c.temporary
	c.temporary = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	var errs []error
	for _, url := range temporary {
		if _, err := c.api.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)}); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete temporary queue %s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

// ClientID implements jms.Connection
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID implements jms.Connection
func (c *Connection) SetClientID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return errors.New("sqs: client id can only be set before first use")
	}
	c.clientID = id
	return nil
}

// SetExceptionListener implements jms.Connection
func (c *Connection) SetExceptionListener(l jms.ExceptionListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Connection) report(err error) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.OnException(err)
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) awaitStarted(ctx context.Context) error {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// queueURL resolves and caches the URL of a named queue
func (c *Connection) queueURL(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	url, ok := c.urls[name]
	c.mu.Unlock()
	if ok {
		return url, nil
	}

	out, err := c.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	var missing *types.QueueDoesNotExist
	switch {
	case err == nil:
		url = aws.ToString(out.QueueUrl)
	case errors.As(err, &missing) && c.opts.AutoCreate:
		if url, err = c.createQueue(ctx, name); err != nil {
			return "", err
		}
	case errors.As(err, &missing):
		return "", fmt.Errorf("%w: %s", jms.ErrNoDestination, name)
	default:
		return "", classify("get queue url", err)
	}

	c.mu.Lock()
	c.urls[name] = url
	c.mu.Unlock()
	return url, nil
}

func (c *Connection) createQueue(ctx context.Context, name string) (string, error) {
	input := &sqs.CreateQueueInput{QueueName: aws.String(name)}
	if strings.HasSuffix(name, ".fifo") {
		input.Attributes = map[string]string{
			string(types.QueueAttributeNameFifoQueue):                 "true",
			string(types.QueueAttributeNameContentBasedDeduplication): "false",
		}
	}
	out, err := c.api.CreateQueue(ctx, input)
	if err != nil {
		return "", classify("create queue", err)
	}
	log.Info().Str("queue", name).Msg("SQS queue created")
	return aws.ToString(out.QueueUrl), nil
}

func (c *Connection) addTemporary(name, url string) {
	c.mu.Lock()
	c.temporary = append(c.temporary, url)
	c.urls[name] = url
	c.mu.Unlock()
}

func (c *Connection) removeTemporary(name, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.urls, name)
	for i, u := range c.temporary {
		if u == url {
			c.temporary = append(c.temporary[:i], c.temporary[i+1:]...)
			return
		}
	}
}

// classify marks service errors permanent, except throttling, and
// transport errors transient
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		transient := apiErr.ErrorFault() == smithy.FaultServer ||
			strings.Contains(apiErr.ErrorCode(), "Throttl") ||
			apiErr.ErrorCode() == "RequestThrottled"
		return jms.NewProviderError(op, err, transient)
	}
	return jms.NewProviderError(op, fmt.Errorf("%w: %v", jms.ErrConnectionLost, err), true)
}

// isReceiptHandleExpired reports whether err is caused by a stale receipt
// handle, i.e. the message was redelivered meanwhile
func isReceiptHandleExpired(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "ReceiptHandleIsInvalid") || strings.Contains(s, "receipt handle has expired")
}
