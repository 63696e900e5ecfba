package memory

import (
	"context"

	"go.flowcatalyst.tech/connector/internal/jms"
)

// DefaultBrokerName is used when the broker property is not set
const DefaultBrokerName = "default"

// Build creates a factory for the named process-wide broker given by the
// broker property. All properties are applied to the factory.
func Build(ctx context.Context, props map[string]string) (jms.ConnectionFactory, error) {
	name := props["broker"]
	if name == "" {
		name = DefaultBrokerName
	}
	f := NewFactory(Named(name))
	if err := f.Configure(props); err != nil {
		return nil, err
	}
	return f, nil
}
