package audit

import (
	"context"
	"fmt"
	"time"

	"device-trust-service/internal/client"
	"device-trust-service/internal/models"
)

const createAuditTable = `
CREATE TABLE IF NOT EXISTS audit_events (
    event_id     String,
    event_bucket UInt16,
    event_date   Date,
    event_time   DateTime64(3, 'UTC'),
    operation    LowCardinality(String),
    operator     String,
    device_id    String,
    result       LowCardinality(String),
    details      String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_bucket, event_time, event_id)`

const insertAudit = `INSERT INTO audit_events
    (event_id, event_bucket, event_date, event_time, operation, operator, device_id, result, details)`

const selectAudit = `
SELECT event_id, event_bucket, event_date, event_time, operation, operator, device_id, result, details
FROM audit_events
WHERE (? = '' OR device_id = ?) AND (? = '' OR operation = ?)
ORDER BY event_time DESC
LIMIT ?`

type ClickHouseSink struct {
	client *client.ClickHouseClient
}

func NewClickHouseSink(ctx context.Context, c *client.ClickHouseClient) (*ClickHouseSink, error) {
	if err := c.EnsureTable(ctx, createAuditTable); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &ClickHouseSink{client: c}, nil
}

func (s *ClickHouseSink) Ingest(ctx context.Context, events []*models.AuditEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{
			e.ID, uint16(e.EventBucket), e.EventTime.UTC(), e.EventTime.UTC(),
			e.Operation, e.Operator, e.DeviceID, string(e.Result), e.Details,
		})
	}
	if err := s.client.InsertBatch(ctx, insertAudit, rows); err != nil {
		return fmt.Errorf("failed to insert audit events: %w", err)
	}
	return nil
}

// auditRow mirrors the audit_events columns for Select.
type auditRow struct {
	ID          string    `ch:"event_id"`
	EventBucket uint16    `ch:"event_bucket"`
	EventDate   time.Time `ch:"event_date"`
	EventTime   time.Time `ch:"event_time"`
	Operation   string    `ch:"operation"`
	Operator    string    `ch:"operator"`
	DeviceID    string    `ch:"device_id"`
	Result      string    `ch:"result"`
	Details     string    `ch:"details"`
}

func (s *ClickHouseSink) Query(ctx context.Context, q Query) ([]*models.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	if err := s.client.Select(ctx, &rows, selectAudit, q.DeviceID, q.DeviceID, q.Operation, q.Operation, uint64(limit)); err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}

	out := make([]*models.AuditEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

func (r auditRow) event() *models.AuditEvent {
	return &models.AuditEvent{
		ID:          r.ID,
		EventBucket: int(r.EventBucket),
		EventDate:   r.EventDate.Format("2006-01-02"),
		EventTime:   r.EventTime,
		Operation:   r.Operation,
		Operator:    r.Operator,
		DeviceID:    r.DeviceID,
		Result:      models.AuditResult(r.Result),
		Details:     r.Details,
	}
}
