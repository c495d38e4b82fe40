package handler

import (
	"net/http"

	"device-trust-service/internal/models"
	"device-trust-service/internal/search"
	"device-trust-service/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ThreatHandler serves threat reporting, resolution and analytics.
type ThreatHandler struct {
	responder
	threats *service.ThreatService
}

func NewThreatHandler(threats *service.ThreatService, logger *zap.Logger) *ThreatHandler {
	return &ThreatHandler{
		responder: responder{logger: logger},
		threats:   threats,
	}
}

func (h *ThreatHandler) RegisterRoutes(router chi.Router) {
	router.Route("/threats", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/stats", h.Statistics)
		r.Get("/search", h.Search)
		r.Post("/report", h.Report)
		r.Post("/bulk-resolve", h.BulkResolve)
		r.Get("/device/{deviceID}/active", h.Active)
		r.Get("/{threatID}", h.Get)
		r.Post("/{threatID}/resolve", h.Resolve)
	})
}

type reportThreatResponse struct {
	Threat *models.ThreatEvent `json:"threat"`
	Action models.Action       `json:"action"`
}

// Report handles a threat the terminal detected itself
// @Summary Report threat
// @Tags threats
// @Accept json
// @Produce json
// @Param request body service.ReportThreatRequest true "Threat report"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Router /threats/report [post]
func (h *ThreatHandler) Report(w http.ResponseWriter, r *http.Request) {
	var req service.ReportThreatRequest
	if !h.decode(w, r, &req) {
		return
	}
	threat, action, err := h.threats.ReportThreat(r.Context(), &req)
	if err != nil {
		h.fail(w, err, "Failed to report threat")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(
		reportThreatResponse{Threat: threat, Action: action}, "Threat reported"))
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *ThreatHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}
	threat, err := h.threats.ResolveThreat(r.Context(), chi.URLParam(r, "threatID"), operator(r), req.Notes)
	if err != nil {
		h.fail(w, err, "Failed to resolve threat")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(threat, "Threat resolved"))
}

type bulkResolveRequest struct {
	ThreatIDs []string `json:"threat_ids"`
	Notes     string   `json:"notes"`
}

func (h *ThreatHandler) BulkResolve(w http.ResponseWriter, r *http.Request) {
	var req bulkResolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.threats.BulkResolve(r.Context(), req.ThreatIDs, operator(r), req.Notes)
	if err != nil {
		h.fail(w, err, "Failed to resolve threats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Bulk resolve completed"))
}

func (h *ThreatHandler) Get(w http.ResponseWriter, r *http.Request) {
	threat, err := h.threats.Get(r.Context(), chi.URLParam(r, "threatID"))
	if err != nil {
		h.fail(w, err, "Failed to get threat")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(threat, "Threat retrieved successfully"))
}

// List filters by device_id, status, severity and threat_type.
func (h *ThreatHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	q := r.URL.Query()
	filter := models.ThreatFilter{
		DeviceID: q.Get("device_id"),
		Status:   models.ThreatStatus(q.Get("status")),
		Limit:    limit,
	}
	if raw := q.Get("severity"); raw != "" {
		if filter.Severity, err = models.ParseSeverity(raw); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid severity")
			return
		}
	}
	if raw := q.Get("threat_type"); raw != "" {
		if filter.ThreatType, err = models.ParseThreatType(raw); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid threat type")
			return
		}
	}

	threats, err := h.threats.ListThreats(r.Context(), filter)
	if err != nil {
		h.fail(w, err, "Failed to list threats")
		return
	}
	response := successResponse(threats, "Threats retrieved successfully")
	response.Meta = &Meta{Total: int64(len(threats)), PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, response)
}

func (h *ThreatHandler) Active(w http.ResponseWriter, r *http.Request) {
	threats, err := h.threats.ActiveThreats(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.fail(w, err, "Failed to list active threats")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(threats, "Active threats retrieved successfully"))
}

func (h *ThreatHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.threats.Statistics(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to get threat statistics")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Threat statistics retrieved successfully"))
}

// Search runs a free-text query, ?q=, over threat descriptions and notes.
func (h *ThreatHandler) Search(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	q := r.URL.Query()
	result, err := h.threats.SearchThreats(r.Context(), search.ThreatQuery{
		Text:     q.Get("q"),
		DeviceID: q.Get("device_id"),
		Severity: models.Severity(q.Get("severity")),
		Status:   models.ThreatStatus(q.Get("status")),
		Limit:    limit,
	})
	if err != nil {
		h.fail(w, err, "Failed to search threats")
		return
	}
	response := successResponse(result.Threats, "Threat search completed")
	response.Meta = &Meta{Total: result.Total, PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, response)
}
