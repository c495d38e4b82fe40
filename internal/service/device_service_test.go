package service

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-trust-service/internal/dukpt"
	"device-trust-service/internal/events"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/repository/memory"
)

// =============================================================================
// Registration
// =============================================================================

func TestRegister_CreatesPendingDeviceWithInitialKSN(t *testing.T) {
	f := newFixture(t)

	d := f.pendingDevice(t)

	assert.Equal(t, models.DeviceStatusPending, d.Status)
	assert.Equal(t, models.DefaultSecurityScore, d.SecurityScore)
	require.NoError(t, dukpt.ValidateKSN(d.CurrentKSN))
	assert.Equal(t, "FFFF00", d.CurrentKSN[:6])
	counter, err := dukpt.Counter(d.CurrentKSN)
	require.NoError(t, err)
	assert.Zero(t, counter)
	assert.False(t, d.KeyProvisioned())

	assert.Equal(t, []string{models.OpDeviceRegistered}, f.sink.Operations(d.ID))
	assert.Equal(t, []string{events.DeviceRegistered}, f.publisher.Types(events.TopicDevice))
}

func TestRegister_AcceptsBase64DER(t *testing.T) {
	f := newFixture(t)
	der, err := x509.MarshalPKIXPublicKey(&testDeviceKey(t).PublicKey)
	require.NoError(t, err)

	req := f.registerRequest(t)
	req.PublicKey = base64.StdEncoding.EncodeToString(der)
	d, err := f.services.DeviceService().Register(f.ctx, req, "operator")
	require.NoError(t, err)
	assert.Equal(t, der, d.PublicKey)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*RegisterDeviceRequest)
	}{
		{"short IMEI", func(r *RegisterDeviceRequest) { r.IMEI = "12345" }},
		{"non-digit IMEI", func(r *RegisterDeviceRequest) { r.IMEI = "35693803564380A" }},
		{"blank model", func(r *RegisterDeviceRequest) { r.Model = "  " }},
		{"missing public key", func(r *RegisterDeviceRequest) { r.PublicKey = "" }},
		{"garbage public key", func(r *RegisterDeviceRequest) { r.PublicKey = "not-a-key" }},
		{"unknown tee", func(r *RegisterDeviceRequest) { r.TeeType = "SGX" }},
		{"unknown mode", func(r *RegisterDeviceRequest) { r.DeviceMode = "KIOSK" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.registerRequest(t)
			tt.mutate(req)
			_, err := f.services.DeviceService().Register(f.ctx, req, "operator")
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Zero(t, f.sink.Count())
}

func TestRegister_DuplicateIMEI(t *testing.T) {
	f := newFixture(t)
	req := f.registerRequest(t)

	_, err := f.services.DeviceService().Register(f.ctx, req, "operator")
	require.NoError(t, err)
	_, err = f.services.DeviceService().Register(f.ctx, req, "operator")
	assert.ErrorIs(t, err, ErrDeviceAlreadyExists)
}

// =============================================================================
// State machine
// =============================================================================

func TestLifecycle_ManualTransitions(t *testing.T) {
	f := newFixture(t)
	svc := f.services.DeviceService()
	d := f.pendingDevice(t)

	d, err := svc.Approve(f.ctx, d.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, d.Status)
	assert.Equal(t, "admin", d.ApprovedBy)
	require.NotNil(t, d.ApprovedAt)

	d, err = svc.Suspend(f.ctx, d.ID, "admin", "investigating")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusSuspended, d.Status)

	d, err = svc.Resume(f.ctx, d.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusActive, d.Status)

	d, err = svc.Revoke(f.ctx, d.ID, "admin", "stolen")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusRevoked, d.Status)

	_, err = svc.Approve(f.ctx, d.ID, "admin")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Equal(t, models.DeviceStatusRevoked, f.reload(t, d.ID).Status)

	assert.Equal(t, []string{
		models.OpDeviceRegistered,
		models.OpDeviceApproved,
		models.OpDeviceSuspended,
		models.OpDeviceResumed,
		models.OpDeviceRevoked,
		models.OpDeviceApproved,
	}, f.sink.Operations(d.ID))
	assert.Len(t, f.publisher.Events(events.TopicDevice), 5)
}

func TestLifecycle_IllegalEdges(t *testing.T) {
	f := newFixture(t)
	svc := f.services.DeviceService()

	t.Run("reject only from pending", func(t *testing.T) {
		d := f.activeDevice(t)
		_, err := svc.Reject(f.ctx, d.ID, "admin", "nope")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("resume only from suspended", func(t *testing.T) {
		d := f.activeDevice(t)
		_, err := svc.Resume(f.ctx, d.ID, "admin")
		assert.ErrorIs(t, err, ErrDeviceNotEligible)
	})

	t.Run("rejected is terminal", func(t *testing.T) {
		d := f.pendingDevice(t)
		_, err := svc.Reject(f.ctx, d.ID, "admin", "bad paperwork")
		require.NoError(t, err)
		for _, to := range models.AllDeviceStatuses {
			_, _, err := svc.Transition(f.ctx, d.ID, to, "admin")
			assert.ErrorIs(t, err, models.ErrInvalidTransition, "to %s", to)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := svc.Approve(f.ctx, "missing", "admin")
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})
}

// staleDevices serves a fixed snapshot on reads so the write sees a status
// that has moved on.
type staleDevices struct {
	*memory.DeviceStore
	snapshot *models.Device
}

func (s *staleDevices) FindByID(_ context.Context, _ string) (*models.Device, error) {
	return s.snapshot.Clone(), nil
}

func TestTransition_StaleReadIsConflict(t *testing.T) {
	f := newFixture(t)
	d := f.activeDevice(t)
	snapshot := f.reload(t, d.ID)

	_, err := f.services.DeviceService().Suspend(f.ctx, d.ID, "admin", "first")
	require.NoError(t, err)

	stale := &staleDevices{DeviceStore: f.devices, snapshot: snapshot}
	svc := NewDeviceService(stale, f.engine, f.services.Recorder(), f.publisher, f.services.logger)

	_, _, err = svc.Transition(f.ctx, d.ID, models.DeviceStatusRevoked, "admin")
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.Equal(t, models.DeviceStatusSuspended, f.reload(t, d.ID).Status)
}

// =============================================================================
// Score and queries
// =============================================================================

func TestUpdateSecurityScore(t *testing.T) {
	f := newFixture(t)
	svc := f.services.DeviceService()
	d := f.activeDevice(t)

	tests := []struct {
		name    string
		id      string
		score   int
		wantErr error
	}{
		{"lower bound", d.ID, 0, nil},
		{"upper bound", d.ID, 100, nil},
		{"below range", d.ID, -1, ErrInvalidScore},
		{"above range", d.ID, 101, ErrInvalidScore},
		{"unknown device", "missing", 50, ErrDeviceNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.UpdateSecurityScore(f.ctx, tt.id, tt.score)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.score, f.reload(t, d.ID).SecurityScore)
		})
	}
}

func TestListAndStatistics(t *testing.T) {
	f := newFixture(t)
	svc := f.services.DeviceService()
	f.pendingDevice(t)
	f.activeDevice(t)
	f.activeDevice(t)

	active, err := svc.List(f.ctx, repository.DeviceFilter{Status: models.DeviceStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	stats, err := svc.Statistics(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.ByStatus[models.DeviceStatusPending])
	assert.Equal(t, int64(2), stats.ByStatus[models.DeviceStatusActive])
	assert.Equal(t, int64(0), stats.ByStatus[models.DeviceStatusRevoked])
}
