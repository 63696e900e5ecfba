// Package api serves the connector's admin and health HTTP surface
package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/connector"
	"go.flowcatalyst.tech/connector/internal/deadletter"
	"go.flowcatalyst.tech/connector/internal/health"
	"go.flowcatalyst.tech/connector/internal/reconnect"
	"go.flowcatalyst.tech/connector/internal/warning"
)

// ReceiverDTO describes a registered receiver
type ReceiverDTO struct {
	Key           string   `json:"key"`
	Concurrency   int      `json:"concurrency"`
	MultiConsumer bool     `json:"multiConsumer"`
	Running       *bool    `json:"running,omitempty"`
	SubUnits      []string `json:"subUnits,omitempty"`
}

// StatusDTO describes the connector
type StatusDTO struct {
	Name              string        `json:"name"`
	State             string        `json:"state"`
	Provider          string        `json:"provider,omitempty"`
	Reconnecting      bool          `json:"reconnecting"`
	ReconnectBreaker  string        `json:"reconnectBreaker,omitempty"`
	ExpectedReporters int           `json:"expectedReporters"`
	PendingReports    int           `json:"pendingReports"`
	Receivers         []ReceiverDTO `json:"receivers"`
}

// ConnectorHandler serves connector status and control
type ConnectorHandler struct {
	conn   *connector.Connector
	policy *reconnect.Policy
}

// NewConnectorHandler creates a handler. policy may be nil.
func NewConnectorHandler(conn *connector.Connector, policy *reconnect.Policy) *ConnectorHandler {
	return &ConnectorHandler{conn: conn, policy: policy}
}

// Status handles GET /api/connector
func (h *ConnectorHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := StatusDTO{
		Name:              h.conn.Name(),
		State:             h.conn.State().String(),
		ExpectedReporters: h.conn.ExpectedReporters(),
		PendingReports:    h.conn.PendingReports(),
		Receivers:         make([]ReceiverDTO, 0),
	}
	status.Provider = h.conn.Metadata().Provider
	if h.policy != nil {
		status.Reconnecting = h.policy.Reconnecting()
		status.ReconnectBreaker = h.policy.BreakerState().String()
	}
	for _, rc := range h.conn.Receivers() {
		dto := ReceiverDTO{Key: rc.Key(), Concurrency: rc.Concurrency(), MultiConsumer: rc.MultiConsumer()}
		if s, ok := rc.(interface{ States() []string }); ok {
			dto.SubUnits = s.States()
		}
		if s, ok := rc.(interface{ Running() bool }); ok {
			running := s.Running()
			dto.Running = &running
		}
		status.Receivers = append(status.Receivers, dto)
	}
	WriteJSON(w, http.StatusOK, status)
}

// Start handles POST /api/connector/start
func (h *ConnectorHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "start", h.conn.Start)
}

// Stop handles POST /api/connector/stop
func (h *ConnectorHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "stop", h.conn.Stop)
}

// Reconnect handles POST /api/connector/reconnect
func (h *ConnectorHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	if h.policy == nil {
		WriteError(w, r, CodeNoReconnectPolicy, "no reconnect policy configured")
		return
	}
	if h.policy.Reconnecting() {
		WriteError(w, r, CodeReconnectInProgress, "reconnect already in progress")
		return
	}
	h.policy.HandleConnectionFailure(r.Context(), h.conn, errors.New("reconnect requested through admin API"))
	h.audit(r, "reconnect")
	WriteJSON(w, http.StatusAccepted, map[string]string{"state": h.conn.State().String()})
}

func (h *ConnectorHandler) control(w http.ResponseWriter, r *http.Request, op string, f func(context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := f(ctx); err != nil {
		code := controlCode(err)
		if code == CodeControlFailed {
			log.Error().Err(err).Str("connector", h.conn.Name()).Str("op", op).Msg("Admin operation failed")
		}
		WriteErrorWithDetails(w, r, code, "failed to "+op+" connector", err.Error())
		return
	}
	h.audit(r, op)
	WriteJSON(w, http.StatusOK, map[string]string{"state": h.conn.State().String()})
}

func (h *ConnectorHandler) audit(r *http.Request, op string) {
	subject := ""
	if claims, ok := ClaimsFrom(r.Context()); ok {
		subject = claims.Subject
	}
	log.Info().Str("connector", h.conn.Name()).Str("op", op).Str("subject", subject).Msg("Admin operation")
}

// DeadLetterHandler serves stored dead letters
type DeadLetterHandler struct {
	store deadletter.Store
}

// NewDeadLetterHandler creates a handler over store
func NewDeadLetterHandler(store deadletter.Store) *DeadLetterHandler {
	return &DeadLetterHandler{store: store}
}

// List handles GET /api/dead-letters?receiver=&limit=
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			WriteError(w, r, CodeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	records, err := h.store.List(r.Context(), r.URL.Query().Get("receiver"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list dead letters")
		WriteError(w, r, CodeStoreUnavailable, "failed to list dead letters")
		return
	}
	WriteJSON(w, http.StatusOK, records)
}

// Delete handles DELETE /api/dead-letters/{id}
func (h *DeadLetterHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, CodeInvalidRequest, "invalid id")
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, deadletter.ErrNotFound) {
			WriteError(w, r, CodeNotFound, "dead letter not found")
			return
		}
		log.Error().Err(err).Str("id", id).Msg("Failed to delete dead letter")
		WriteError(w, r, CodeStoreUnavailable, "failed to delete dead letter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthHandler serves the health endpoints
type HealthHandler struct {
	live  *health.Service
	ready *health.Service
}

// NewHealthHandler creates a handler. Liveness fails only on live checks,
// readiness on ready checks.
func NewHealthHandler(live, ready *health.Service) *HealthHandler {
	return &HealthHandler{live: live, ready: ready}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	live := h.live.Check(r.Context())
	ready := h.ready.Check(r.Context())
	status := http.StatusOK
	if !live.Healthy || !ready.Healthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]health.Result{"live": live, "ready": ready})
}

func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.live.Check(r.Context()))
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	writeResult(w, h.ready.Check(r.Context()))
}

func writeResult(w http.ResponseWriter, result health.Result) {
	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, result)
}

// WarningHandler serves recorded warnings
type WarningHandler struct {
	store *warning.Store
}

func NewWarningHandler(store *warning.Store) *WarningHandler {
	return &WarningHandler{store: store}
}

// List handles GET /api/warnings?severity=&category=&unacknowledged=
func (h *WarningHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := warning.Filter{Severity: q.Get("severity"), Category: q.Get("category")}
	if s := q.Get("unacknowledged"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			WriteError(w, r, CodeInvalidRequest, "unacknowledged must be a boolean")
			return
		}
		f.Unacknowledged = b
	}
	WriteJSON(w, http.StatusOK, h.store.List(f))
}

// Acknowledge handles POST /api/warnings/{id}/acknowledge
func (h *WarningHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	if !h.store.Acknowledge(chi.URLParam(r, "id")) {
		WriteError(w, r, CodeNotFound, "warning not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear handles DELETE /api/warnings?olderThan=24h
func (h *WarningHandler) Clear(w http.ResponseWriter, r *http.Request) {
	var n int
	if s := r.URL.Query().Get("olderThan"); s != "" {
		age, err := time.ParseDuration(s)
		if err != nil || age <= 0 {
			WriteError(w, r, CodeInvalidRequest, "olderThan must be a positive duration")
			return
		}
		n = h.store.ClearOlderThan(age)
	} else {
		n = h.store.Clear()
	}
	WriteJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
