package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-trust-service/internal/events"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository/memory"
)

func paymentRequest(d *models.Device, token string, amount int64) *ProcessTransactionRequest {
	return &ProcessTransactionRequest{
		DeviceID:         d.ID,
		Token:            token,
		TransactionType:  string(models.TransactionPayment),
		Amount:           amount,
		Currency:         "usd",
		KSN:              d.CurrentKSN,
		CardNumberMasked: "411111******1111",
	}
}

func TestProcess_Approved(t *testing.T) {
	f := newFixture(t)
	svc := f.services.TransactionService()
	d := f.provisionedDevice(t)
	token := f.issueToken(t, d.ID, 100)

	req := paymentRequest(d, token.Token, 1050)
	req.KSN = strings.ToLower(d.CurrentKSN)
	result, err := svc.Process(f.ctx, req, "pos")
	require.NoError(t, err)

	tx := result.Transaction
	assert.Equal(t, models.TransactionApproved, tx.Status)
	assert.Equal(t, "00", tx.ResponseCode)
	assert.Len(t, tx.AuthorizationCode, 6)
	assert.Equal(t, "USD", tx.Currency)
	assert.Equal(t, d.CurrentKSN, tx.KSN)
	assert.False(t, result.TokenExpiringSoon)

	assert.Equal(t, 999, f.reload(t, d.ID).KeyRemainingCount)
	usage, ok := f.registry.Usage(tx.TokenID)
	require.True(t, ok)
	assert.Equal(t, tx.ID, usage.TransactionID)

	stored, err := svc.Get(f.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, stored.ID)

	assert.Contains(t, f.sink.Operations(d.ID), models.OpTransactionProcessing)
	assert.Equal(t, []string{events.TransactionProcessed}, f.publisher.Types(events.TopicPayment))

	_, err = svc.Process(f.ctx, paymentRequest(d, token.Token, 1050), "pos")
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
}

func TestProcess_DeclineLeavesTokenUnused(t *testing.T) {
	f := newFixture(t)
	svc := f.services.TransactionService()
	d := f.provisionedDevice(t)
	token := f.issueToken(t, d.ID, 100)

	result, err := svc.Process(f.ctx, paymentRequest(d, token.Token, 99), "pos")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionDeclined, result.Transaction.Status)
	assert.Equal(t, "61", result.Transaction.ResponseCode)
	assert.Empty(t, result.Transaction.AuthorizationCode)
	assert.Equal(t, 1000, f.reload(t, d.ID).KeyRemainingCount)

	_, used := f.registry.Usage(result.Transaction.TokenID)
	assert.False(t, used)

	retry, err := svc.Process(f.ctx, paymentRequest(d, token.Token, 1000), "pos")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionApproved, retry.Transaction.Status)

	history, err := svc.ListByDevice(f.ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestProcess_Rejections(t *testing.T) {
	f := newFixture(t)
	svc := f.services.TransactionService()
	d := f.provisionedDevice(t)
	unprovisioned := f.activeDevice(t)

	tests := []struct {
		name    string
		req     func(t *testing.T) *ProcessTransactionRequest
		wantErr error
	}{
		{"missing token", func(t *testing.T) *ProcessTransactionRequest {
			return paymentRequest(d, "", 100)
		}, ErrInvalidInput},
		{"non-positive amount", func(t *testing.T) *ProcessTransactionRequest {
			return paymentRequest(d, f.issueToken(t, d.ID, 100).Token, 0)
		}, ErrInvalidInput},
		{"bad currency", func(t *testing.T) *ProcessTransactionRequest {
			req := paymentRequest(d, f.issueToken(t, d.ID, 100).Token, 100)
			req.Currency = "US"
			return req
		}, ErrInvalidInput},
		{"unknown type", func(t *testing.T) *ProcessTransactionRequest {
			req := paymentRequest(d, f.issueToken(t, d.ID, 100).Token, 100)
			req.TransactionType = "CASHBACK"
			return req
		}, ErrInvalidInput},
		{"amount above token limit", func(t *testing.T) *ProcessTransactionRequest {
			return paymentRequest(d, f.issueToken(t, d.ID, 65).Token, 150_000)
		}, ErrAmountExceedsLimit},
		{"stale KSN", func(t *testing.T) *ProcessTransactionRequest {
			req := paymentRequest(d, f.issueToken(t, d.ID, 100).Token, 100)
			req.KSN = "FFFF0000000000000001"
			return req
		}, ErrKSNMismatch},
		{"no key injected", func(t *testing.T) *ProcessTransactionRequest {
			return paymentRequest(unprovisioned, f.issueToken(t, unprovisioned.ID, 100).Token, 100)
		}, ErrKeyNotInjected},
		{"token for another device", func(t *testing.T) *ProcessTransactionRequest {
			return paymentRequest(d, f.issueToken(t, unprovisioned.ID, 100).Token, 100)
		}, ErrTokenDeviceMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Process(f.ctx, tt.req(t), "pos")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	history, err := svc.ListByDevice(f.ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestProcess_SuspendedAfterIssuance(t *testing.T) {
	f := newFixture(t)
	d := f.provisionedDevice(t)
	token := f.issueToken(t, d.ID, 100)
	_, err := f.services.DeviceService().Suspend(f.ctx, d.ID, "admin", "hold")
	require.NoError(t, err)

	_, err = f.services.TransactionService().Process(f.ctx, paymentRequest(d, token.Token, 100), "pos")
	assert.ErrorIs(t, err, ErrDeviceNotActive)
}

// blindRegistry never reports a token as used, so two settlements can both
// pass verification and race on MarkUsed.
type blindRegistry struct {
	*memory.TokenRegistry
}

func (blindRegistry) IsUsed(context.Context, string) (bool, error) { return false, nil }

func TestProcess_LostMarkRaceVoidsAuthorization(t *testing.T) {
	f := newFixture(t, func(deps *Dependencies) {
		deps.Tokens = blindRegistry{TokenRegistry: deps.Tokens.(*memory.TokenRegistry)}
	})
	svc := f.services.TransactionService()
	d := f.provisionedDevice(t)
	token := f.issueToken(t, d.ID, 100)

	first, err := svc.Process(f.ctx, paymentRequest(d, token.Token, 1050), "pos")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionApproved, first.Transaction.Status)

	_, err = svc.Process(f.ctx, paymentRequest(d, token.Token, 1050), "pos")
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)

	history, err := svc.ListByDevice(f.ctx, d.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	var statuses []models.TransactionStatus
	for _, tx := range history {
		statuses = append(statuses, tx.Status)
	}
	assert.ElementsMatch(t, []models.TransactionStatus{models.TransactionApproved, models.TransactionVoided}, statuses)
	assert.Equal(t, 999, f.reload(t, d.ID).KeyRemainingCount)
}
