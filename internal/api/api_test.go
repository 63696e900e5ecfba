package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/deadletter"
	"go.flowcatalyst.tech/connector/internal/health"
	"go.flowcatalyst.tech/connector/internal/provider/memory"
	"go.flowcatalyst.tech/connector/internal/warning"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	conn    *connector.Connector
	store   *deadletter.MemoryStore
	warns   *warning.Store
	auth    *Authenticator
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := connector.DefaultConfig()
	cfg.Name = "api-test"
	cfg.DisconnectGrace = 100 * time.Millisecond
	conn := connector.New(cfg, connector.DirectSource{F: memory.NewFactory(memory.NewBroker(t.Name()))})
	t.Cleanup(func() { conn.Dispose(context.Background()) })

	auth, err := NewAuthenticator(testSecret, "connector")
	require.NoError(t, err)

	live := health.NewService(time.Second)
	live.Register("connector", health.ConnectorChecker{Connector: conn})
	ready := health.NewService(time.Second)
	ready.Register("connector", health.ConnectorChecker{Connector: conn, RequireStarted: true})

	store := deadletter.NewMemoryStore(10)
	warns := warning.NewStore(10)
	return &fixture{
		conn:  conn,
		store: store,
		warns: warns,
		auth:  auth,
		handler: NewRouter(RouterConfig{
			Connector:   NewConnectorHandler(conn, nil),
			DeadLetters: NewDeadLetterHandler(store),
			Warnings:    NewWarningHandler(warns),
			Health:      NewHealthHandler(live, ready),
			Auth:        auth,
		}),
	}
}

func (f *fixture) token(t *testing.T, scopes ...string) string {
	t.Helper()
	tok, err := f.auth.Issue("ops", scopes, time.Minute)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthFollowsConnectorState(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusServiceUnavailable, f.do("GET", "/q/health/live", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do("GET", "/q/health/ready", "").Code)

	require.NoError(t, f.conn.Connect(context.Background()))
	assert.Equal(t, http.StatusOK, f.do("GET", "/q/health/live", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do("GET", "/q/health/ready", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do("GET", "/q/health", "").Code)

	require.NoError(t, f.conn.Start(context.Background()))
	rec := f.do("GET", "/q/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]health.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["ready"].Healthy)
	assert.Equal(t, "UP", body["ready"].Checks["connector"])
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do("GET", "/api/connector", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do("GET", "/api/connector", "garbage").Code)

	other, err := NewAuthenticator(strings.Repeat("x", 32), "connector")
	require.NoError(t, err)
	forged, err := other.Issue("ops", []string{ScopeAdmin}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do("GET", "/api/connector", forged).Code)

	read := f.token(t, ScopeRead)
	assert.Equal(t, http.StatusOK, f.do("GET", "/api/connector", read).Code)
	assert.Equal(t, http.StatusForbidden, f.do("POST", "/api/connector/start", read).Code)
}

func TestStatusAndControl(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, ScopeAdmin)

	rec := f.do("POST", "/api/connector/start", admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, connector.StateStarted, f.conn.State())

	rec = f.do("GET", "/api/connector", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "api-test", status.Name)
	assert.Equal(t, "started", status.State)
	assert.Equal(t, "memory", status.Provider)
	assert.False(t, status.Reconnecting)
	assert.Empty(t, status.Receivers)

	rec = f.do("POST", "/api/connector/stop", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, connector.StateConnected, f.conn.State())

	assert.Equal(t, http.StatusConflict, f.do("POST", "/api/connector/reconnect", admin).Code, "no policy configured")

	f.conn.Dispose(context.Background())
	assert.Equal(t, http.StatusConflict, f.do("POST", "/api/connector/start", admin).Code)
}

func TestErrorResponsesCarryCodeAndRequestID(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, ScopeAdmin)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		status int
		code   ErrorCode
	}{
		{name: "no token", method: "GET", path: "/api/connector", status: http.StatusUnauthorized, code: CodeUnauthenticated},
		{name: "read token on admin route", method: "POST", path: "/api/connector/stop", token: f.token(t, ScopeRead), status: http.StatusForbidden, code: CodeMissingScope},
		{name: "no reconnect policy", method: "POST", path: "/api/connector/reconnect", token: admin, status: http.StatusConflict, code: CodeNoReconnectPolicy},
		{name: "unknown dead letter", method: "DELETE", path: "/api/dead-letters/missing", token: admin, status: http.StatusNotFound, code: CodeNotFound},
		{name: "bad limit", method: "GET", path: "/api/dead-letters?limit=0", token: admin, status: http.StatusBadRequest, code: CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.token)
			require.Equal(t, tt.status, rec.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Message)
			assert.NotEmpty(t, body.RequestID)
		})
	}
}

func TestDeadLetters(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	for i, id := range []string{"m-1", "m-2"} {
		require.NoError(t, f.store.Save(context.Background(), &deadletter.Record{
			ID:         "orders/" + id,
			MessageID:  id,
			Receiver:   "orders",
			RecordedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}
	read := f.token(t, ScopeRead)
	admin := f.token(t, ScopeAdmin)

	rec := f.do("GET", "/api/dead-letters?receiver=orders&limit=1", read)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []deadletter.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "m-2", records[0].MessageID)

	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/api/dead-letters?limit=0", read).Code)
	assert.Equal(t, http.StatusForbidden, f.do("DELETE", "/api/dead-letters/orders%2Fm-1", read).Code)

	assert.Equal(t, http.StatusNoContent, f.do("DELETE", "/api/dead-letters/orders%2Fm-1", admin).Code)
	assert.Equal(t, http.StatusNotFound, f.do("DELETE", "/api/dead-letters/orders%2Fm-1", admin).Code)
}

func TestWarnings(t *testing.T) {
	f := newFixture(t)
	w := f.warns.Add(warning.CategoryConnection, warning.SeverityWarning, "connection lost", "api-test")
	f.warns.Add(warning.CategoryReconnect, warning.SeverityCritical, "gave up", "api-test")
	read := f.token(t, ScopeRead)
	admin := f.token(t, ScopeAdmin)

	rec := f.do("GET", "/api/warnings?severity=critical", read)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []warning.Warning
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "gave up", got[0].Message)

	assert.Equal(t, http.StatusBadRequest, f.do("GET", "/api/warnings?unacknowledged=perhaps", read).Code)
	assert.Equal(t, http.StatusForbidden, f.do("POST", "/api/warnings/"+w.ID+"/acknowledge", read).Code)
	assert.Equal(t, http.StatusNoContent, f.do("POST", "/api/warnings/"+w.ID+"/acknowledge", admin).Code)
	assert.Equal(t, http.StatusNotFound, f.do("POST", "/api/warnings/nope/acknowledge", admin).Code)
	assert.Len(t, f.warns.List(warning.Filter{Unacknowledged: true}), 1)

	rec = f.do("DELETE", "/api/warnings", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":2}`, rec.Body.String())
}

func TestRouterWithoutAuthHasNoAPI(t *testing.T) {
	h := NewRouter(RouterConfig{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/connector", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticatorRejectsShortSecret(t *testing.T) {
	_, err := NewAuthenticator("short", "")
	assert.Error(t, err)
}
