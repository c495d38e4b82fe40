package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/models"
	"device-trust-service/internal/service"
	"device-trust-service/internal/util"

	"go.uber.org/zap"
)

// OperatorHeader names the caller on audited operations. Authentication is
// terminated upstream; this service trusts the header.
const OperatorHeader = "X-Operator-ID"

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodyBytes = 1 << 20
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta represents pagination metadata
type Meta struct {
	Total    int64 `json:"total,omitempty"`
	PageSize int   `json:"page_size,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// responder carries the JSON helpers every handler shares.
type responder struct {
	logger *zap.Logger
}

func (h responder) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h responder) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	level := h.logger.Warn
	if statusCode >= http.StatusInternalServerError {
		level = h.logger.Error
	}
	level("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// fail maps a service error onto its status code and responds.
func (h responder) fail(w http.ResponseWriter, err error, message string) {
	h.respondWithError(w, statusCode(err), err, message)
}

func (h responder) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

// statusCode determines the appropriate HTTP status code for an error
func statusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDeviceNotFound),
		errors.Is(err, service.ErrThreatNotFound),
		errors.Is(err, service.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDeviceAlreadyExists),
		errors.Is(err, service.ErrStatusConflict),
		errors.Is(err, service.ErrKeyAlreadyInjected),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrThreatAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidToken),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrInvalidTokenType),
		errors.Is(err, service.ErrTokenAlreadyUsed):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrTokenDeviceMismatch),
		errors.Is(err, service.ErrDeviceNotActive),
		errors.Is(err, service.ErrAmountExceedsLimit):
		return http.StatusForbidden
	case errors.Is(err, service.ErrDeviceNotEligible),
		errors.Is(err, service.ErrKeyNotInjected),
		errors.Is(err, service.ErrKeyBudgetExhausted),
		errors.Is(err, service.ErrScoreTooLow),
		errors.Is(err, service.ErrKSNMismatch):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrInvalidScore):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrTokenRegistry):
		return http.StatusServiceUnavailable
	case errors.Is(err, audit.ErrQueryUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func operator(r *http.Request) string {
	if op := strings.TrimSpace(r.Header.Get(OperatorHeader)); op != "" {
		return util.SanitizeText(op, 128)
	}
	return "anonymous"
}

// parseLimit reads ?limit=, defaulting when absent.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxLimit {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return limit, nil
}

// reasonRequest is the body of the transitions that take a free-text reason.
type reasonRequest struct {
	Reason string `json:"reason"`
}
