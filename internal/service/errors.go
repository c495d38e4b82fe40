package service

import (
	"errors"
	"fmt"

	"device-trust-service/internal/repository"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceAlreadyExists = errors.New("device already exists")
	ErrStatusConflict      = errors.New("device status changed concurrently")
	ErrDeviceNotActive     = errors.New("device is not active")
	ErrDeviceNotEligible   = errors.New("device status does not allow this operation")

	ErrThreatNotFound = errors.New("threat not found")
	ErrInvalidScore   = errors.New("security score must be between 0 and 100")

	ErrKeyAlreadyInjected = errors.New("key already injected")
	ErrKeyNotInjected     = errors.New("key must be injected first")
	ErrKeyBudgetExhausted = errors.New("key usage budget exhausted")

	ErrScoreTooLow         = errors.New("security score too low for transaction token")
	ErrInvalidToken        = errors.New("invalid transaction token")
	ErrTokenExpired        = errors.New("transaction token expired")
	ErrTokenDeviceMismatch = errors.New("token was issued to another device")
	ErrInvalidTokenType    = errors.New("invalid token type")
	ErrTokenAlreadyUsed    = errors.New("token already used")
	ErrTokenRegistry       = errors.New("token registry unavailable")

	ErrAmountExceedsLimit  = errors.New("amount exceeds token limit")
	ErrKSNMismatch         = errors.New("ksn does not match device")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// notFound maps a repository miss onto the service-level sentinel and wraps
// anything else as a persistence failure.
func notFound(err error, sentinel error, what string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return sentinel
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
