package vault

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/directory"
)

// kvServer serves KV v2 reads for one secret and fails with status for
// every other path
func kvServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/secret/data/jms/orders" {
			_, _ = w.Write([]byte(`{"data":{"data":{"provider":"amqp","url":"amqp://mq:5672/","prefetch":32},"metadata":{"version":1}}}`))
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"errors":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDirectory(t *testing.T, addr string) *Directory {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.Token = "test-token"
	cfg.Prefix = "jms/"
	d, err := New(cfg)
	require.NoError(t, err)
	d.client.SetMaxRetries(0)
	return d
}

func TestLookup(t *testing.T) {
	d := newDirectory(t, kvServer(t, http.StatusNotFound).URL)

	desc, err := d.Lookup(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "amqp", desc.Provider)
	assert.Equal(t, map[string]string{"url": "amqp://mq:5672/", "prefetch": "32"}, desc.Properties)
}

func TestLookupNotFound(t *testing.T) {
	d := newDirectory(t, kvServer(t, http.StatusNotFound).URL)

	_, err := d.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, directory.ErrNotFound)
	assert.NotErrorIs(t, err, directory.ErrCommunication)
}

func TestLookupServerErrorIsCommunication(t *testing.T) {
	d := newDirectory(t, kvServer(t, http.StatusServiceUnavailable).URL)

	_, err := d.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, directory.ErrCommunication)
}

func TestLookupForbiddenIsFinal(t *testing.T) {
	d := newDirectory(t, kvServer(t, http.StatusForbidden).URL)

	_, err := d.Lookup(context.Background(), "missing")
	require.Error(t, err)
	assert.NotErrorIs(t, err, directory.ErrCommunication)
}

func TestUnreachableThenReinit(t *testing.T) {
	srv := kvServer(t, http.StatusNotFound)
	d := newDirectory(t, "http://127.0.0.1:1")

	_, err := d.Lookup(context.Background(), "orders")
	assert.ErrorIs(t, err, directory.ErrCommunication)

	d.cfg.Address = srv.URL
	require.NoError(t, d.Reinit(context.Background()))
	d.client.SetMaxRetries(0)
	desc, err := d.Lookup(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "amqp", desc.Provider)
}
