package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/service"
	"device-trust-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// DeviceHandler handles HTTP requests for device registration and lifecycle
type DeviceHandler struct {
	responder
	devices *service.DeviceService
}

func NewDeviceHandler(devices *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		responder: responder{logger: logger},
		devices:   devices,
	}
}

// RegisterRoutes registers all device routes
func (h *DeviceHandler) RegisterRoutes(router chi.Router) {
	router.Route("/devices", func(r chi.Router) {
		r.Post("/", h.Register)
		r.Get("/", h.List)
		r.Get("/stats", h.Statistics)

		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", h.Get)

			// Lifecycle
			r.Post("/approve", h.Approve)
			r.Post("/reject", h.Reject)
			r.Post("/suspend", h.Suspend)
			r.Post("/resume", h.Resume)
			r.Post("/revoke", h.Revoke)
		})
	})
}

// Register handles device registration
// @Summary Register a terminal
// @Description Register a new terminal in PENDING status with its public key
// @Tags devices
// @Accept json
// @Produce json
// @Param request body service.RegisterDeviceRequest true "Registration request"
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /devices [post]
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.RegisterDeviceRequest
	if !h.decode(w, r, &req) {
		return
	}

	device, err := h.devices.Register(r.Context(), &req, operator(r))
	if err != nil {
		h.fail(w, err, "Failed to register device")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(device, "Device registered successfully"))
	h.logger.Info("Device registered via HTTP",
		util.DeviceID(device.ID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Register"),
	)
}

// Get handles device retrieval by ID
// @Summary Get device by ID
// @Tags devices
// @Produce json
// @Param deviceID path string true "Device ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /devices/{deviceID} [get]
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	device, err := h.devices.Get(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.fail(w, err, "Failed to get device")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(device, "Device retrieved successfully"))
}

// List handles device listing, optionally filtered by status and merchant
// @Summary List devices
// @Tags devices
// @Produce json
// @Param status query string false "Device status"
// @Param merchant_id query string false "Merchant ID"
// @Param limit query int false "Page size (1-1000)"
// @Success 200 {object} Response
// @Router /devices [get]
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	filter := repository.DeviceFilter{
		MerchantID: r.URL.Query().Get("merchant_id"),
		Limit:      limit,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseDeviceStatus(raw)
		if err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid status")
			return
		}
		filter.Status = status
	}

	devices, err := h.devices.List(r.Context(), filter)
	if err != nil {
		h.fail(w, err, "Failed to list devices")
		return
	}
	response := successResponse(devices, "Devices retrieved successfully")
	response.Meta = &Meta{Total: int64(len(devices)), PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, response)
}

func (h *DeviceHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.devices.Statistics(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to get device statistics")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Device statistics retrieved successfully"))
}

// Approve moves a PENDING device to ACTIVE
// @Summary Approve device
// @Tags devices
// @Produce json
// @Param deviceID path string true "Device ID"
// @Success 200 {object} Response
// @Failure 409 {object} Response
// @Router /devices/{deviceID}/approve [post]
func (h *DeviceHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "approve", func(ctx context.Context, id, op, _ string) (*models.Device, error) {
		return h.devices.Approve(ctx, id, op)
	})
}

func (h *DeviceHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reject", h.devices.Reject)
}

func (h *DeviceHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "suspend", h.devices.Suspend)
}

func (h *DeviceHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resume", func(ctx context.Context, id, op, _ string) (*models.Device, error) {
		return h.devices.Resume(ctx, id, op)
	})
}

func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "revoke", h.devices.Revoke)
}

type transitionFunc func(ctx context.Context, deviceID, operator, reason string) (*models.Device, error)

// transition runs one lifecycle command. The body is optional and only
// carries a reason.
func (h *DeviceHandler) transition(w http.ResponseWriter, r *http.Request, verb string, fn transitionFunc) {
	var req reasonRequest
	if r.ContentLength > 0 && !h.decode(w, r, &req) {
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	device, err := fn(r.Context(), deviceID, operator(r), req.Reason)
	if err != nil {
		h.fail(w, err, fmt.Sprintf("Failed to %s device", verb))
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(device, fmt.Sprintf("Device %s succeeded", verb)))
}
