package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TransactionType string

const (
	TransactionPayment TransactionType = "PAYMENT"
	TransactionRefund  TransactionType = "REFUND"
	TransactionVoid    TransactionType = "VOID"
	TransactionPreAuth TransactionType = "PREAUTH"
	TransactionCapture TransactionType = "CAPTURE"
)

func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(s) {
	case TransactionPayment, TransactionRefund, TransactionVoid, TransactionPreAuth, TransactionCapture:
		return TransactionType(s), nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionApproved TransactionStatus = "APPROVED"
	TransactionDeclined TransactionStatus = "DECLINED"
	TransactionFailed   TransactionStatus = "FAILED"
	TransactionVoided   TransactionStatus = "VOIDED"
)

// Transaction amounts are in minor units.
type Transaction struct {
	ID                string            `json:"id"`
	DeviceID          string            `json:"device_id"`
	Type              TransactionType   `json:"transaction_type"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	KSN               string            `json:"ksn"`
	EncryptedPINBlock string            `json:"encrypted_pin_block,omitempty"`
	CardNumberMasked  string            `json:"card_number_masked,omitempty"`
	AuthorizationCode string            `json:"authorization_code,omitempty"`
	ResponseCode      string            `json:"response_code,omitempty"`
	ResponseMessage   string            `json:"response_message,omitempty"`
	TokenID           string            `json:"token_id"`
	CreatedAt         time.Time         `json:"created_at"`
}

func NewTransaction(deviceID string, typ TransactionType, amount int64, currency, ksn string, now time.Time) *Transaction {
	return &Transaction{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Type:      typ,
		Amount:    amount,
		Currency:  currency,
		Status:    TransactionPending,
		KSN:       ksn,
		CreatedAt: now,
	}
}
