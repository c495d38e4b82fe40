// Package audit records append-only operation logs. Recording never fails
// the operation being audited.
package audit

import (
	"context"

	"device-trust-service/internal/models"
)

// Sink receives and stores audit events.
type Sink interface {
	Ingest(ctx context.Context, events []*models.AuditEvent) error
}

// Query selects audit events, newest first. Empty fields match everything.
type Query struct {
	DeviceID  string
	Operation string
	Limit     int
}

func (q Query) Matches(e *models.AuditEvent) bool {
	if q.DeviceID != "" && e.DeviceID != q.DeviceID {
		return false
	}
	if q.Operation != "" && e.Operation != q.Operation {
		return false
	}
	return true
}

// Querier is implemented by sinks that can read back what they stored.
type Querier interface {
	Query(ctx context.Context, q Query) ([]*models.AuditEvent, error)
}
