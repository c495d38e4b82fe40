package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"device-trust-service/internal/bucketing"
	"device-trust-service/internal/models"
	"device-trust-service/internal/util"
)

var ErrQueryUnsupported = errors.New("audit sink does not support queries")

// Recorder stamps, logs and forwards audit events. Sink failures are logged
// and swallowed.
type Recorder struct {
	sink    Sink
	buckets *bucketing.BucketingManager
	logger  *zap.Logger
	now     func() time.Time
}

func NewRecorder(sink Sink, buckets *bucketing.BucketingManager, logger *zap.Logger) *Recorder {
	return &Recorder{sink: sink, buckets: buckets, logger: logger, now: time.Now}
}

func (r *Recorder) Success(ctx context.Context, op, operator, deviceID, details string) {
	r.record(ctx, op, operator, deviceID, details, models.AuditSuccess)
}

func (r *Recorder) Failure(ctx context.Context, op, operator, deviceID, details string) {
	r.record(ctx, op, operator, deviceID, details, models.AuditFailure)
}

func (r *Recorder) record(ctx context.Context, op, operator, deviceID, details string, result models.AuditResult) {
	e := models.NewAuditEvent(op, operator, result, r.now().UTC()).WithDevice(deviceID).WithDetails(details)
	key := deviceID
	if key == "" {
		key = e.ID
	}
	e.EventBucket = r.buckets.EventBucket(key)
	e.EventDate = r.buckets.DateBucket(e.EventTime)

	r.logger.Info("audit",
		zap.String("operation", op),
		zap.String("operator", operator),
		util.DeviceID(deviceID),
		zap.String("result", string(result)),
		zap.String("details", details))

	if err := r.sink.Ingest(ctx, []*models.AuditEvent{e}); err != nil {
		r.logger.Error("Failed to persist audit event",
			zap.String("operation", op), util.DeviceID(deviceID), util.ErrorField(err))
	}
}

func (r *Recorder) Query(ctx context.Context, q Query) ([]*models.AuditEvent, error) {
	querier, ok := r.sink.(Querier)
	if !ok {
		return nil, ErrQueryUnsupported
	}
	return querier.Query(ctx, q)
}
