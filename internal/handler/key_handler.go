package handler

import (
	"net/http"

	"device-trust-service/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// KeyHandler exposes DUKPT provisioning and PIN encryption.
type KeyHandler struct {
	responder
	keys *service.KeyService
}

func NewKeyHandler(keys *service.KeyService, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{
		responder: responder{logger: logger},
		keys:      keys,
	}
}

func (h *KeyHandler) RegisterRoutes(router chi.Router) {
	router.Route("/keys", func(r chi.Router) {
		r.Get("/update-required", h.DevicesNeedingUpdate)
		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/status", h.Status)
			r.Post("/inject", h.Inject)
			r.Post("/update", h.Update)
			r.Post("/pin", h.EncryptPIN)
		})
	})
}

// Inject handles initial key provisioning
// @Summary Inject IPEK
// @Description Derive the device IPEK and return it wrapped to the device public key
// @Tags keys
// @Produce json
// @Param deviceID path string true "Device ID"
// @Success 201 {object} Response
// @Failure 409 {object} Response
// @Router /keys/{deviceID}/inject [post]
func (h *KeyHandler) Inject(w http.ResponseWriter, r *http.Request) {
	injection, err := h.keys.InjectKey(r.Context(), chi.URLParam(r, "deviceID"), operator(r))
	if err != nil {
		h.fail(w, err, "Failed to inject key")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(injection, "Key injected successfully"))
}

func (h *KeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	injection, err := h.keys.UpdateKey(r.Context(), chi.URLParam(r, "deviceID"), operator(r))
	if err != nil {
		h.fail(w, err, "Failed to update key")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(injection, "Key updated successfully"))
}

type encryptPINRequest struct {
	PIN string `json:"pin"`
}

// EncryptPIN spends one unit of the device key budget.
func (h *KeyHandler) EncryptPIN(w http.ResponseWriter, r *http.Request) {
	var req encryptPINRequest
	if !h.decode(w, r, &req) {
		return
	}
	encrypted, err := h.keys.EncryptPIN(r.Context(), chi.URLParam(r, "deviceID"), req.PIN, operator(r))
	if err != nil {
		h.fail(w, err, "Failed to encrypt PIN")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(encrypted, "PIN encrypted successfully"))
}

func (h *KeyHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.keys.KeyStatus(r.Context(), chi.URLParam(r, "deviceID"))
	if err != nil {
		h.fail(w, err, "Failed to get key status")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Key status retrieved successfully"))
}

func (h *KeyHandler) DevicesNeedingUpdate(w http.ResponseWriter, r *http.Request) {
	ids, err := h.keys.DevicesNeedingKeyUpdate(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to list devices needing key update")
		return
	}
	response := successResponse(ids, "Devices needing key update retrieved successfully")
	response.Meta = &Meta{Total: int64(len(ids))}
	h.respondWithJSON(w, http.StatusOK, response)
}
