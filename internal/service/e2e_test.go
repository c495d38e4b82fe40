package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/models"
)

// TestTerminalLifecycle walks one terminal from registration through a
// compromise and back to trading.
func TestTerminalLifecycle(t *testing.T) {
	f := newFixture(t)
	devices := f.services.DeviceService()
	health := f.services.HealthCheckService()
	keys := f.services.KeyService()
	threats := f.services.ThreatService()
	payments := f.services.TransactionService()

	// Onboarding.
	d, err := devices.Register(f.ctx, f.registerRequest(t), "onboarding")
	require.NoError(t, err)
	_, err = devices.Approve(f.ctx, d.ID, "admin")
	require.NoError(t, err)
	_, err = keys.InjectKey(f.ctx, d.ID, "admin")
	require.NoError(t, err)

	// A clean check earns a token, which settles a PIN payment.
	check, err := health.Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID, RequestToken: true})
	require.NoError(t, err)
	require.NotNil(t, check.Token)
	assert.Equal(t, int64(1_000_000), check.Token.MaxAmount)

	pin, err := keys.EncryptPIN(f.ctx, d.ID, "2468", "pos")
	require.NoError(t, err)
	req := paymentRequest(f.reload(t, d.ID), check.Token.Token, 2520)
	req.EncryptedPINBlock = pin.EncryptedPINBlock
	paid, err := payments.Process(f.ctx, req, "pos")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionApproved, paid.Transaction.Status)
	assert.Equal(t, 998, f.reload(t, d.ID).KeyRemainingCount)

	// Root is detected: suspended on the spot, no token.
	check, err = health.Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID, RootDetection: true, RequestToken: true})
	require.NoError(t, err)
	assert.Equal(t, 70, check.Check.SecurityScore)
	assert.Equal(t, models.DeviceStatusSuspended, check.DeviceStatus)
	assert.Nil(t, check.Token)

	// Worse again while suspended: stays suspended, more threats on file.
	check, err = health.Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID, RootDetection: true, TamperingDetection: true})
	require.NoError(t, err)
	assert.Equal(t, 50, check.Check.SecurityScore)
	assert.Equal(t, models.DeviceStatusSuspended, check.DeviceStatus)
	assert.False(t, check.AutoRecovered)

	_, err = keys.EncryptPIN(f.ctx, d.ID, "2468", "pos")
	assert.ErrorIs(t, err, ErrDeviceNotActive)

	// An analyst clears the threats; the next good score brings it back.
	active, err := threats.ActiveThreats(f.ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, active, 3)
	ids := make([]string, len(active))
	for i, threat := range active {
		ids[i] = threat.ID
	}
	resolved, err := threats.BulkResolve(f.ctx, ids, "analyst", "device reflashed")
	require.NoError(t, err)
	assert.Equal(t, 3, resolved.Resolved)

	// A sub-90 Submit would record fresh threats first and block recovery,
	// so the 65-point re-check goes straight to the recovery rule.
	recovered, err := threats.CheckAutoRecovery(f.ctx, d.ID, 65)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, models.DeviceStatusActive, f.reload(t, d.ID).Status)

	check, err = health.Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID, RequestToken: true})
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, check.DeviceStatus)
	require.NotNil(t, check.Token)

	// Every step is on the audit trail.
	trail, err := f.services.Recorder().Query(f.ctx, audit.Query{DeviceID: d.ID})
	require.NoError(t, err)
	ops := make(map[string]int)
	for _, e := range trail {
		ops[e.Operation]++
	}
	assert.Equal(t, 1, ops[models.OpDeviceRegistered])
	assert.Equal(t, 1, ops[models.OpKeyInjection])
	assert.Equal(t, 1, ops[models.OpPINEncryption])
	assert.Equal(t, 1, ops[models.OpTransactionProcessing])
	assert.Equal(t, 1, ops[models.OpDeviceSuspendByThreat])
	assert.Equal(t, 3, ops[models.OpThreatResolved])
	assert.Equal(t, 1, ops[models.OpDeviceAutoRecovered])
	assert.Equal(t, 4, ops[models.OpHealthCheckSubmitted])
	assert.Equal(t, 2, ops[models.OpTokenIssued])

	// Revocation is final.
	_, err = devices.Revoke(f.ctx, d.ID, "admin", "decommissioned")
	require.NoError(t, err)
	_, err = health.Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID})
	assert.ErrorIs(t, err, ErrDeviceNotEligible)
}
