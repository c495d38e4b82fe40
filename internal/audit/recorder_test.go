package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"device-trust-service/internal/bucketing"
	"device-trust-service/internal/models"
)

func newRecorder(t *testing.T, sink Sink) *Recorder {
	t.Helper()
	r := NewRecorder(sink, bucketing.New(16, 16), zap.NewNop())
	r.now = func() time.Time { return time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC) }
	return r
}

func TestRecorder_StampsAndStores(t *testing.T) {
	sink := NewMemorySink()
	r := newRecorder(t, sink)
	ctx := context.Background()

	r.Success(ctx, models.OpKeyInjection, "admin", "dev-1", "ksn=FFFF00")
	r.Failure(ctx, models.OpPINEncryption, "system", "dev-1", "budget exhausted")

	events, err := r.Query(ctx, Query{DeviceID: "dev-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)

	latest := events[0]
	assert.Equal(t, models.OpPINEncryption, latest.Operation)
	assert.Equal(t, models.AuditFailure, latest.Result)
	assert.Equal(t, "2026-05-04", latest.EventDate)
	assert.Equal(t, bucketing.New(16, 16).EventBucket("dev-1"), latest.EventBucket)
	assert.NotEmpty(t, latest.ID)
}

func TestRecorder_SinkFailureIsSwallowed(t *testing.T) {
	sink := NewMemorySink()
	sink.FailWith = errors.New("clickhouse down")
	r := newRecorder(t, sink)

	assert.NotPanics(t, func() {
		r.Success(context.Background(), models.OpThreatDetected, "system", "dev", "")
	})
	assert.Zero(t, sink.Count())
}

type writeOnlySink struct{}

func (writeOnlySink) Ingest(context.Context, []*models.AuditEvent) error { return nil }

func TestRecorder_QueryUnsupported(t *testing.T) {
	r := newRecorder(t, writeOnlySink{})
	_, err := r.Query(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrQueryUnsupported)
}

func TestMemorySink_QueryFilters(t *testing.T) {
	sink := NewMemorySink()
	r := newRecorder(t, sink)
	ctx := context.Background()

	r.Success(ctx, models.OpDeviceRegistered, "admin", "a", "")
	r.Success(ctx, models.OpDeviceApproved, "admin", "a", "")
	r.Success(ctx, models.OpDeviceRegistered, "admin", "b", "")

	events, err := sink.Query(ctx, Query{Operation: models.OpDeviceRegistered})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	limited, err := sink.Query(ctx, Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "b", limited[0].DeviceID)

	assert.Equal(t, []string{models.OpDeviceRegistered, models.OpDeviceApproved}, sink.Operations("a"))
}

func TestAuditRow_Event(t *testing.T) {
	at := time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)
	row := auditRow{
		ID:          "e-1",
		EventBucket: 7,
		EventDate:   time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC),
		EventTime:   at,
		Operation:   models.OpDeviceApproved,
		Operator:    "admin",
		DeviceID:    "d-1",
		Result:      string(models.AuditFailure),
		Details:     "stale status",
	}

	e := row.event()
	assert.Equal(t, "e-1", e.ID)
	assert.Equal(t, 7, e.EventBucket)
	assert.Equal(t, "2026-05-04", e.EventDate)
	assert.Equal(t, at, e.EventTime)
	assert.Equal(t, models.OpDeviceApproved, e.Operation)
	assert.Equal(t, models.AuditFailure, e.Result)
	assert.Equal(t, "d-1", e.DeviceID)
}
