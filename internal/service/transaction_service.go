package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/events"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/util"

	"go.uber.org/zap"
)

type ProcessTransactionRequest struct {
	DeviceID          string `json:"device_id"`
	Token             string `json:"token"`
	TransactionType   string `json:"transaction_type"`
	Amount            int64  `json:"amount"`
	Currency          string `json:"currency"`
	KSN               string `json:"ksn"`
	EncryptedPINBlock string `json:"encrypted_pin_block,omitempty"`
	CardNumberMasked  string `json:"card_number_masked,omitempty"`
}

type TransactionResult struct {
	Transaction       *models.Transaction `json:"transaction"`
	TokenExpiringSoon bool                `json:"token_expiring_soon"`
}

// authorizationRates is the simulated approval rate per transaction type.
var authorizationRates = map[models.TransactionType]float64{
	models.TransactionPayment: 0.95,
	models.TransactionPreAuth: 0.98,
	models.TransactionRefund:  0.99,
	models.TransactionVoid:    0.99,
	models.TransactionCapture: 0.97,
}

var declineCodes = []struct {
	code    string
	message string
}{
	{"05", "Do not honor"},
	{"14", "Invalid card number"},
	{"51", "Insufficient funds"},
	{"54", "Expired card"},
	{"61", "Exceeds withdrawal amount limit"},
}

// TransactionService settles a transaction against a transaction token.
// The token is consumed only by an approved authorization.
type TransactionService struct {
	devices      *DeviceService
	tokens       *TokenService
	transactions repository.TransactionRepository
	deviceRepo   repository.DeviceRepository
	recorder     *audit.Recorder
	events       events.Publisher
	logger       *zap.Logger
	now          func() time.Time
}

func NewTransactionService(
	devices *DeviceService,
	tokens *TokenService,
	transactions repository.TransactionRepository,
	deviceRepo repository.DeviceRepository,
	recorder *audit.Recorder,
	publisher events.Publisher,
	logger *zap.Logger,
) *TransactionService {
	return &TransactionService{
		devices:      devices,
		tokens:       tokens,
		transactions: transactions,
		deviceRepo:   deviceRepo,
		recorder:     recorder,
		events:       publisher,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *TransactionService) Process(ctx context.Context, req *ProcessTransactionRequest, operator string) (*TransactionResult, error) {
	startTime := time.Now()

	txType, err := validateTransactionRequest(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	claims, err := s.tokens.VerifyToken(ctx, req.Token, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if req.Amount > claims.MaxAmount {
		return nil, fmt.Errorf("%w: %d > %d", ErrAmountExceedsLimit, req.Amount, claims.MaxAmount)
	}

	device, err := s.devices.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if device.Status != models.DeviceStatusActive {
		return nil, fmt.Errorf("%w: device is %s", ErrDeviceNotActive, device.Status)
	}
	if !strings.EqualFold(req.KSN, device.CurrentKSN) {
		return nil, ErrKSNMismatch
	}
	if !device.KeyProvisioned() {
		return nil, ErrKeyNotInjected
	}
	if device.KeyRemainingCount <= 0 {
		return nil, ErrKeyBudgetExhausted
	}

	tx := models.NewTransaction(device.ID, txType, req.Amount, strings.ToUpper(req.Currency), device.CurrentKSN, s.now().UTC())
	tx.EncryptedPINBlock = req.EncryptedPINBlock
	tx.CardNumberMasked = req.CardNumberMasked
	tx.TokenID = claims.ID
	authorize(tx)

	var replayed bool
	if tx.Status == models.TransactionApproved {
		if err := s.tokens.MarkTokenUsed(ctx, claims, tx.ID); err != nil {
			if !errors.Is(err, ErrTokenAlreadyUsed) {
				return nil, err
			}
			replayed = true
			tx.Status = models.TransactionVoided
			tx.AuthorizationCode = ""
			tx.ResponseMessage = "Token already used; authorization voided"
		}
	}

	if err := s.transactions.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to persist transaction: %w", err)
	}

	if tx.Status == models.TransactionApproved {
		if _, err := s.deviceRepo.DecrementKeyCount(ctx, device.ID); err != nil {
			s.logger.Error("Failed to decrement key count after approval",
				util.DeviceID(device.ID), util.String("transaction_id", tx.ID), util.ErrorField(err))
		}
	}

	details := fmt.Sprintf("Transaction %s: type=%s amount=%d %s status=%s", tx.ID, tx.Type, tx.Amount, tx.Currency, tx.Status)
	if tx.Status == models.TransactionApproved {
		s.recorder.Success(ctx, models.OpTransactionProcessing, operator, device.ID, details)
	} else {
		s.recorder.Failure(ctx, models.OpTransactionProcessing, operator, device.ID, details)
	}
	publishEvent(ctx, s.events, s.logger, s.now, events.TopicPayment, events.TransactionProcessed, device.ID, tx)

	s.logger.Info("Transaction processed",
		util.DeviceID(device.ID),
		util.String("transaction_id", tx.ID),
		util.String("status", string(tx.Status)),
		util.Int64("amount", tx.Amount),
		util.Duration("duration", time.Since(startTime)),
	)

	if replayed {
		return nil, ErrTokenAlreadyUsed
	}
	return &TransactionResult{Transaction: tx, TokenExpiringSoon: s.tokens.ExpiringSoon(claims)}, nil
}

func (s *TransactionService) Get(ctx context.Context, id string) (*models.Transaction, error) {
	tx, err := s.transactions.FindByID(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrTransactionNotFound, "transaction")
	}
	return tx, nil
}

func (s *TransactionService) ListByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	txs, err := s.transactions.ListByDevice(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// authorize stands in for the card network. The outcome is derived from
// the amount so it is reproducible.
func authorize(tx *models.Transaction) {
	factor := float64(tx.Amount%100) / 100.0
	if factor < authorizationRates[tx.Type] {
		tx.Status = models.TransactionApproved
		tx.AuthorizationCode = authorizationCode()
		tx.ResponseCode = "00"
		tx.ResponseMessage = "Transaction approved"
		return
	}
	decline := declineCodes[tx.Amount%int64(len(declineCodes))]
	tx.Status = models.TransactionDeclined
	tx.ResponseCode = decline.code
	tx.ResponseMessage = decline.message
}

func authorizationCode() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return "000000"
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

func validateTransactionRequest(req *ProcessTransactionRequest) (models.TransactionType, error) {
	if req == nil {
		return "", errors.New("request body is required")
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return "", errors.New("device id is required")
	}
	if strings.TrimSpace(req.Token) == "" {
		return "", errors.New("token is required")
	}
	if req.Amount <= 0 {
		return "", errors.New("amount must be positive")
	}
	if len(req.Currency) != 3 {
		return "", errors.New("currency must be a 3-letter code")
	}
	if strings.TrimSpace(req.KSN) == "" {
		return "", errors.New("ksn is required")
	}
	return models.ParseTransactionType(req.TransactionType)
}
