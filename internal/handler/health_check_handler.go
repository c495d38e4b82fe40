package handler

import (
	"net/http"
	"time"

	"device-trust-service/internal/service"
	"device-trust-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HealthCheckHandler is the intake for terminal integrity reports.
type HealthCheckHandler struct {
	responder
	health *service.HealthCheckService
}

func NewHealthCheckHandler(health *service.HealthCheckService, logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		responder: responder{logger: logger},
		health:    health,
	}
}

func (h *HealthCheckHandler) RegisterRoutes(router chi.Router) {
	router.Route("/health-checks", func(r chi.Router) {
		r.Post("/", h.Submit)
		r.Post("/initial/{deviceID}", h.InitialCheck)
		r.Get("/device/{deviceID}", h.List)
		r.Get("/device/{deviceID}/overview", h.Overview)
	})
}

// Submit handles a signed health report from a terminal
// @Summary Submit health check
// @Description Score the report, record threats, apply responses and optionally issue a transaction token
// @Tags health
// @Accept json
// @Produce json
// @Param request body service.HealthCheckRequest true "Health report"
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 412 {object} Response
// @Router /health-checks [post]
func (h *HealthCheckHandler) Submit(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.HealthCheckRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.health.Submit(r.Context(), &req)
	if err != nil {
		h.fail(w, err, "Failed to process health check")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Health check processed"))
	h.logger.Debug("Health check via HTTP",
		util.DeviceID(req.DeviceID),
		util.Int("security_score", result.Check.SecurityScore),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *HealthCheckHandler) InitialCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.health.InitialCheck(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.fail(w, err, "Failed to run initial health check")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Initial health check processed"))
}

func (h *HealthCheckHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}

	checks, total, err := h.health.List(r.Context(), chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		h.fail(w, err, "Failed to list health checks")
		return
	}
	response := successResponse(checks, "Health checks retrieved successfully")
	response.Meta = &Meta{Total: total, PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, response)
}

func (h *HealthCheckHandler) Overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.health.Overview(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.fail(w, err, "Failed to build health overview")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(overview, "Health overview retrieved successfully"))
}
