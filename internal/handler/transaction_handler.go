package handler

import (
	"net/http"
	"time"

	"device-trust-service/internal/service"
	"device-trust-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// TransactionHandler settles payments and exposes token verification.
type TransactionHandler struct {
	responder
	transactions *service.TransactionService
	tokens       *service.TokenService
}

func NewTransactionHandler(transactions *service.TransactionService, tokens *service.TokenService, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{
		responder:    responder{logger: logger},
		transactions: transactions,
		tokens:       tokens,
	}
}

func (h *TransactionHandler) RegisterRoutes(router chi.Router) {
	router.Route("/transactions", func(r chi.Router) {
		r.Post("/", h.Process)
		r.Get("/device/{deviceID}", h.ListByDevice)
		r.Get("/{transactionID}", h.Get)
	})
	router.Post("/tokens/verify", h.VerifyToken)
}

// Process handles a payment authorization
// @Summary Process transaction
// @Description Verify the transaction token, authorize and consume it on approval
// @Tags transactions
// @Accept json
// @Produce json
// @Param request body service.ProcessTransactionRequest true "Transaction"
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Failure 412 {object} Response
// @Router /transactions [post]
func (h *TransactionHandler) Process(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.ProcessTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.transactions.Process(r.Context(), &req, operator(r))
	if err != nil {
		h.fail(w, err, "Failed to process transaction")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Transaction processed"))
	h.logger.Info("Transaction processed via HTTP",
		util.DeviceID(req.DeviceID),
		util.String("status", string(result.Transaction.Status)),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.transactions.Get(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		h.fail(w, err, "Failed to get transaction")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(tx, "Transaction retrieved successfully"))
}

func (h *TransactionHandler) ListByDevice(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	txs, err := h.transactions.ListByDevice(r.Context(), chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		h.fail(w, err, "Failed to list transactions")
		return
	}
	response := successResponse(txs, "Transactions retrieved successfully")
	response.Meta = &Meta{Total: int64(len(txs)), PageSize: limit}
	h.respondWithJSON(w, http.StatusOK, response)
}

type verifyTokenRequest struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
}

type verifyTokenResponse struct {
	Valid         bool      `json:"valid"`
	TokenID       string    `json:"token_id"`
	SecurityScore int       `json:"security_score"`
	MaxAmount     int64     `json:"max_amount"`
	ExpiresAt     time.Time `json:"expires_at"`
	ExpiringSoon  bool      `json:"expiring_soon"`
}

// VerifyToken checks a token without consuming it.
func (h *TransactionHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	claims, err := h.tokens.VerifyToken(r.Context(), req.Token, req.DeviceID)
	if err != nil {
		h.fail(w, err, "Token rejected")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(verifyTokenResponse{
		Valid:         true,
		TokenID:       claims.ID,
		SecurityScore: claims.SecurityScore,
		MaxAmount:     claims.MaxAmount,
		ExpiresAt:     claims.ExpiresAt.Time,
		ExpiringSoon:  h.tokens.ExpiringSoon(claims),
	}, "Token valid"))
}
