// Package sqs is the Amazon SQS provider. SQS has queues only: topics,
// temporary topics and selectors are not supported. A receive makes the
// message invisible; acknowledging deletes it and rolling back resets its
// visibility so it is redelivered. Sends of a transacted session are held
// and batched on commit.
package sqs

import (
	"fmt"
	"strconv"
	"time"
)

// Visibility timeout limits
const (
	DefaultVisibilitySeconds = 120
	MaxVisibilitySeconds     = 43200 // 12 hours, the SQS maximum
	MaxWaitTimeSeconds       = 20
	MaxBatchSize             = 10
)

// Options configure the SQS factory
type Options struct {
	Region string
	// Endpoint overrides the service endpoint, for LocalStack
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	WaitTimeSeconds     int32
	VisibilityTimeout   int32
	MaxNumberOfMessages int32
	// RedeliveryDelay is the visibility set on rollback and recover
	RedeliveryDelay time.Duration
	// AutoCreate creates missing queues on first use
	AutoCreate bool
	// FailureThreshold consecutive receive failures of a listening consumer
	// are reported to the connection's exception listener
	FailureThreshold int
}

// NewOptions creates Options with sensible defaults
func NewOptions() *Options {
	return &Options{
		Region:              "us-east-1",
		WaitTimeSeconds:     MaxWaitTimeSeconds,
		VisibilityTimeout:   DefaultVisibilitySeconds,
		MaxNumberOfMessages: MaxBatchSize,
		FailureThreshold:    3,
	}
}

// Apply sets options from connection factory properties
func (o *Options) Apply(props map[string]string) error {
	for key, value := range props {
		var err error
		switch key {
		case "region":
			o.Region = value
		case "endpoint":
			o.Endpoint = value
		case "accessKeyId":
			o.AccessKeyID = value
		case "secretAccessKey":
			o.SecretAccessKey = value
		case "waitTimeSeconds":
			o.WaitTimeSeconds, err = parseInt32(value)
		case "visibilityTimeout":
			o.VisibilityTimeout, err = parseInt32(value)
		case "maxNumberOfMessages":
			o.MaxNumberOfMessages, err = parseInt32(value)
		case "redeliveryDelay":
			o.RedeliveryDelay, err = time.ParseDuration(value)
		case "autoCreate":
			o.AutoCreate, err = strconv.ParseBool(value)
		case "failureThreshold":
			o.FailureThreshold, err = strconv.Atoi(value)
		}
		if err != nil {
			return fmt.Errorf("invalid sqs property %s=%q: %w", key, value, err)
		}
	}
	return nil
}

// Validate checks the options for errors
func (o *Options) Validate() error {
	if o.Region == "" {
		return fmt.Errorf("sqs: region is required")
	}
	if o.WaitTimeSeconds < 0 || o.WaitTimeSeconds > MaxWaitTimeSeconds {
		return fmt.Errorf("sqs: waitTimeSeconds must be between 0 and %d", MaxWaitTimeSeconds)
	}
	if o.MaxNumberOfMessages < 1 || o.MaxNumberOfMessages > MaxBatchSize {
		return fmt.Errorf("sqs: maxNumberOfMessages must be between 1 and %d", MaxBatchSize)
	}
	if o.VisibilityTimeout < 0 || o.VisibilityTimeout > MaxVisibilitySeconds {
		return fmt.Errorf("sqs: visibilityTimeout must be between 0 and %d", MaxVisibilitySeconds)
	}
	return nil
}

func (o *Options) redeliverySeconds() int32 {
	s := int32(o.RedeliveryDelay.Seconds())
	if s > MaxVisibilitySeconds {
		s = MaxVisibilitySeconds
	}
	return s
}

func parseInt32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 10, 32)
	return int32(n), err
}
