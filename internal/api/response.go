package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/connector/internal/connector"
)

// ErrorCode tells admin clients why a request failed
type ErrorCode string

const (
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	CodeUnauthenticated     ErrorCode = "UNAUTHENTICATED"
	CodeMissingScope        ErrorCode = "MISSING_SCOPE"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeConnectorDisposed   ErrorCode = "CONNECTOR_DISPOSED"
	CodeNoReconnectPolicy   ErrorCode = "NO_RECONNECT_POLICY"
	CodeReconnectInProgress ErrorCode = "RECONNECT_IN_PROGRESS"
	CodeControlFailed       ErrorCode = "CONTROL_FAILED"
	CodeStoreUnavailable    ErrorCode = "STORE_UNAVAILABLE"
)

// Status returns the HTTP status answered with the code
func (c ErrorCode) Status() int {
	switch c {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeMissingScope:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConnectorDisposed, CodeNoReconnectPolicy, CodeReconnectInProgress:
		return http.StatusConflict
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the body of every failed admin request
type ErrorResponse struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// WriteError answers r with code and message, tagged with the request id
func WriteError(w http.ResponseWriter, r *http.Request, code ErrorCode, message string) {
	WriteErrorWithDetails(w, r, code, message, "")
}

// WriteErrorWithDetails is WriteError with the underlying failure attached
func WriteErrorWithDetails(w http.ResponseWriter, r *http.Request, code ErrorCode, message, details string) {
	WriteJSON(w, code.Status(), ErrorResponse{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// controlCode maps a failed start or stop to its error code
func controlCode(err error) ErrorCode {
	if errors.Is(err, connector.ErrDisposed) {
		return CodeConnectorDisposed
	}
	return CodeControlFailed
}
