package handler

import (
	"net/http"

	"device-trust-service/internal/audit"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type AuditHandler struct {
	responder
	recorder *audit.Recorder
}

func NewAuditHandler(recorder *audit.Recorder, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		responder: responder{logger: logger},
		recorder:  recorder,
	}
}

func (h *AuditHandler) RegisterRoutes(router chi.Router) {
	router.Get("/audit", h.Query)
}

// Query returns audit events newest first, filtered by device_id and operation.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	events, err := h.recorder.Query(r.Context(), audit.Query{
		DeviceID:  r.URL.Query().Get("device_id"),
		Operation: r.URL.Query().Get("operation"),
		Limit:     limit,
	})
	if err != nil {
		h.fail(w, err, "Failed to query audit log")
		return
	}
	response := successResponse(events, "Audit events retrieved successfully")
	response.Meta = &Meta{Total: int64(len(events)), PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, response)
}
