package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-trust-service/internal/encryption"
	"device-trust-service/internal/models"
)

func TestHealthCheckRequest_Signals(t *testing.T) {
	tests := []struct {
		name string
		req  HealthCheckRequest
		want models.Signals
	}{
		{"clean", HealthCheckRequest{}, models.HealthySignals()},
		{"root", HealthCheckRequest{RootDetection: true}, models.Signals{
			RootDetected: true, BootloaderLocked: true, SystemIntegrity: true, AppIntegrity: true, TeeIntact: true,
		}},
		{"emulator breaks tee", HealthCheckRequest{EmulatorDetection: true}, models.Signals{
			BootloaderLocked: true, SystemIntegrity: true, AppIntegrity: true,
		}},
		{"debugger breaks app", HealthCheckRequest{DebuggerDetection: true}, models.Signals{
			BootloaderLocked: true, SystemIntegrity: true, TeeIntact: true,
		}},
		{"hook breaks app", HealthCheckRequest{HookDetection: true}, models.Signals{
			BootloaderLocked: true, SystemIntegrity: true, TeeIntact: true,
		}},
		{"tampering breaks system", HealthCheckRequest{TamperingDetection: true}, models.Signals{
			BootloaderLocked: true, AppIntegrity: true, TeeIntact: true,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Signals())
		})
	}
}

func TestHealthCheckRequest_SignedPayload(t *testing.T) {
	req := HealthCheckRequest{DeviceID: "d-1", RootDetection: true, HookDetection: true}
	assert.Equal(t, "d-1:true:false:false:true:false", string(req.SignedPayload()))
}

// =============================================================================
// Submit
// =============================================================================

func TestSubmit_CleanCheckIssuesToken(t *testing.T) {
	f := newFixture(t)
	d := f.activeDevice(t)

	result, err := f.services.HealthCheckService().Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID, RequestToken: true})
	require.NoError(t, err)

	assert.Equal(t, 100, result.Check.SecurityScore)
	assert.Equal(t, "Device security status good", result.Check.RecommendedAction)
	assert.Empty(t, result.Threats)
	assert.Equal(t, models.DeviceStatusActive, result.DeviceStatus)
	assert.False(t, result.AutoRecovered)
	require.NotNil(t, result.Token)
	assert.Equal(t, int64(1_000_000), result.Token.MaxAmount)
	assert.Equal(t, result.Check.ID, result.Token.HealthCheckID)

	assert.Equal(t, []string{
		models.OpDeviceRegistered,
		models.OpDeviceApproved,
		models.OpHealthCheckSubmitted,
		models.OpTokenIssued,
	}, f.sink.Operations(d.ID))
}

func TestSubmit_RootSuspendsAndWithholdsToken(t *testing.T) {
	f := newFixture(t)
	d := f.activeDevice(t)

	result, err := f.services.HealthCheckService().Submit(f.ctx, &HealthCheckRequest{
		DeviceID:      d.ID,
		RootDetection: true,
		RequestToken:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, 70, result.Check.SecurityScore)
	assert.Equal(t, string(models.ThreatRootDetection), result.Check.Details)
	require.Len(t, result.Threats, 1)
	assert.Equal(t, models.SeverityHigh, result.Threats[0].Severity)
	assert.Equal(t, models.DeviceStatusSuspended, result.DeviceStatus)
	assert.Nil(t, result.Token)
	assert.Equal(t, 70, f.reload(t, d.ID).SecurityScore)
}

func TestSubmit_Signature(t *testing.T) {
	f := newFixture(t)
	svc := f.services.HealthCheckService()
	d := f.activeDevice(t)

	t.Run("valid signature accepted", func(t *testing.T) {
		req := &HealthCheckRequest{DeviceID: d.ID}
		req.Signature = sign(t, req.SignedPayload())
		_, err := svc.Submit(f.ctx, req)
		require.NoError(t, err)
	})

	t.Run("signature over other flags rejected", func(t *testing.T) {
		signed := &HealthCheckRequest{DeviceID: d.ID}
		req := &HealthCheckRequest{DeviceID: d.ID, RootDetection: true, Signature: sign(t, signed.SignedPayload())}
		_, err := svc.Submit(f.ctx, req)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.ErrorIs(t, err, encryption.ErrInvalidSignature)
		assert.Equal(t, models.DeviceStatusActive, f.reload(t, d.ID).Status)
	})

	_, total, err := svc.List(f.ctx, d.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestSubmit_Eligibility(t *testing.T) {
	f := newFixture(t)
	svc := f.services.HealthCheckService()

	pending := f.pendingDevice(t)
	_, err := svc.Submit(f.ctx, &HealthCheckRequest{DeviceID: pending.ID})
	assert.ErrorIs(t, err, ErrDeviceNotEligible)

	_, err = svc.Submit(f.ctx, &HealthCheckRequest{DeviceID: "missing"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = svc.Submit(f.ctx, &HealthCheckRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmit_SuspendedDeviceRecovers(t *testing.T) {
	f := newFixture(t)
	d := f.activeDevice(t)
	_, err := f.services.DeviceService().Suspend(f.ctx, d.ID, "admin", "routine")
	require.NoError(t, err)

	result, err := f.services.HealthCheckService().Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID, RequestToken: true})
	require.NoError(t, err)

	assert.True(t, result.AutoRecovered)
	assert.Equal(t, models.DeviceStatusActive, result.DeviceStatus)
	assert.NotNil(t, result.Token)
	assert.Contains(t, f.sink.Operations(d.ID), models.OpDeviceAutoRecovered)
}

// A sub-90 check records its own threats before recovery is evaluated, so a
// suspended device cannot recover on that same check.
func TestSubmit_OwnThreatsBlockRecovery(t *testing.T) {
	f := newFixture(t)
	d := f.activeDevice(t)
	_, err := f.services.DeviceService().Suspend(f.ctx, d.ID, "admin", "routine")
	require.NoError(t, err)

	active, err := f.services.ThreatService().ActiveThreats(f.ctx, d.ID)
	require.NoError(t, err)
	require.Empty(t, active)

	result, err := f.services.HealthCheckService().Submit(f.ctx, &HealthCheckRequest{
		DeviceID:           d.ID,
		HookDetection:      true,
		TamperingDetection: true,
		RequestToken:       true,
	})
	require.NoError(t, err)

	assert.Equal(t, 65, result.Check.SecurityScore)
	assert.False(t, result.AutoRecovered)
	assert.Equal(t, models.DeviceStatusSuspended, result.DeviceStatus)
	assert.Nil(t, result.Token)
	assert.Equal(t, models.DeviceStatusSuspended, f.reload(t, d.ID).Status)

	active, err = f.services.ThreatService().ActiveThreats(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.NotContains(t, f.sink.Operations(d.ID), models.OpDeviceAutoRecovered)

	// Once those threats are resolved, a clean check brings it back.
	for _, threat := range active {
		_, err := f.services.ThreatService().ResolveThreat(f.ctx, threat.ID, "analyst", "false positive")
		require.NoError(t, err)
	}
	result, err = f.services.HealthCheckService().Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID})
	require.NoError(t, err)
	assert.True(t, result.AutoRecovered)
	assert.Equal(t, models.DeviceStatusActive, result.DeviceStatus)
}

func TestSubmit_ConsecutiveLowScoresRevoke(t *testing.T) {
	f := newFixture(t)
	d := f.activeDevice(t)
	base := time.Now().Add(-time.Hour)
	f.seedHealthCheck(t, d.ID, 45, base)
	f.seedHealthCheck(t, d.ID, 40, base.Add(time.Minute))

	result, err := f.services.HealthCheckService().Submit(f.ctx, &HealthCheckRequest{
		DeviceID:           d.ID,
		RootDetection:      true,
		TamperingDetection: true,
		HookDetection:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, 35, result.Check.SecurityScore)
	var types []models.ThreatType
	for _, threat := range result.Threats {
		types = append(types, threat.ThreatType)
	}
	assert.Equal(t, []models.ThreatType{
		models.ThreatRootDetection,
		models.ThreatSystemTamper,
		models.ThreatAppTamper,
		models.ThreatConsecutiveLowScores,
	}, types)
	assert.Equal(t, models.DeviceStatusRevoked, result.DeviceStatus)
}

// =============================================================================
// Queries
// =============================================================================

func TestInitialCheck(t *testing.T) {
	f := newFixture(t)
	d := f.activeDevice(t)

	result, err := f.services.HealthCheckService().InitialCheck(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, result.Check.SecurityScore)
	assert.Nil(t, result.Token)
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	svc := f.services.HealthCheckService()
	d := f.activeDevice(t)

	empty, err := svc.Overview(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalChecks)
	assert.Nil(t, empty.LastCheckAt)

	_, err = svc.Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID})
	require.NoError(t, err)
	_, err = svc.Submit(f.ctx, &HealthCheckRequest{DeviceID: d.ID, RootDetection: true})
	require.NoError(t, err)

	overview, err := svc.Overview(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, overview.LatestScore)
	assert.InDelta(t, 85.0, overview.AverageScore, 0.001)
	assert.Equal(t, int64(2), overview.TotalChecks)
	assert.Equal(t, int64(1), overview.ActiveThreats)
	assert.NotNil(t, overview.LastCheckAt)

	checks, total, err := svc.List(f.ctx, d.ID, 1)
	require.NoError(t, err)
	assert.Len(t, checks, 1)
	assert.Equal(t, int64(2), total)

	_, err = svc.Overview(f.ctx, "missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
