package awssm

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/directory"
)

type fakeSecrets struct {
	values map[string]string
	err    error
	calls  []string
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	id := aws.ToString(in.SecretId)
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[id]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestLookup(t *testing.T) {
	api := &fakeSecrets{values: map[string]string{
		"connector/orders": `{"provider":"sqs","properties":{"region":"eu-west-1"}}`,
	}}
	d := NewWithClient(Config{Prefix: "connector/"}, api)

	desc, err := d.Lookup(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, directory.Descriptor{Provider: "sqs", Properties: map[string]string{"region": "eu-west-1"}}, desc)
	assert.Equal(t, []string{"connector/orders"}, api.calls)
}

func TestLookupErrors(t *testing.T) {
	tests := []struct {
		name          string
		values        map[string]string
		err           error
		want          error
		communication bool
	}{
		{name: "missing", want: directory.ErrNotFound},
		{name: "invalid json", values: map[string]string{"orders": "{"}, want: directory.ErrInvalid},
		{name: "no provider", values: map[string]string{"orders": `{"properties":{}}`}, want: directory.ErrInvalid},
		{name: "server fault", err: &smithy.GenericAPIError{Code: "InternalServiceError", Fault: smithy.FaultServer}, communication: true},
		{name: "transport", err: errors.New("dial tcp: i/o timeout"), communication: true},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewWithClient(Config{}, &fakeSecrets{values: tt.values, err: tt.err})
			_, err := d.Lookup(context.Background(), "orders")
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, tt.communication, errors.Is(err, directory.ErrCommunication))
		})
	}
}

func TestReinitKeepsInjectedClient(t *testing.T) {
	api := &fakeSecrets{values: map[string]string{"orders": `{"provider":"memory"}`}}
	d := NewWithClient(Config{}, api)
	require.NoError(t, d.Reinit(context.Background()))

	desc, err := d.Lookup(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "memory", desc.Provider)
}
