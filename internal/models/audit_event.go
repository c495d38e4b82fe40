package models

import (
	"time"

	"github.com/google/uuid"
)

type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditFailure AuditResult = "FAILURE"
)

// Audit operation names.
const (
	OpDeviceRegistered      = "DEVICE_REGISTERED"
	OpDeviceApproved        = "DEVICE_APPROVED"
	OpDeviceRejected        = "DEVICE_REJECTED"
	OpDeviceSuspended       = "DEVICE_SUSPENDED"
	OpDeviceResumed         = "DEVICE_RESUMED"
	OpDeviceRevoked         = "DEVICE_REVOKED"
	OpDeviceRevokedByThreat = "DEVICE_REVOKED_BY_THREAT"
	OpDeviceSuspendByThreat = "DEVICE_SUSPENDED_BY_THREAT"
	OpDeviceAutoRecovered   = "DEVICE_AUTO_RECOVERED"
	OpThreatDetected        = "THREAT_DETECTED"
	OpThreatResolved        = "THREAT_RESOLVED"
	OpThreatReported        = "THREAT_REPORTED"
	OpKeyInjection          = "KEY_INJECTION"
	OpKeyUpdate             = "KEY_UPDATE"
	OpPINEncryption         = "PIN_ENCRYPTION"
	OpTokenIssued           = "TRANSACTION_TOKEN_ISSUED"
	OpTransactionProcessing = "TRANSACTION_PROCESSING"
	OpHealthCheckSubmitted  = "HEALTH_CHECK_SUBMITTED"
)

// AuditEvent is one append-only audit row. EventBucket and EventDate are the
// partitioning columns of the analytics table.
type AuditEvent struct {
	ID          string      `json:"id" db:"event_id"`
	EventBucket int         `json:"event_bucket" db:"event_bucket"`
	EventDate   string      `json:"event_date" db:"event_date"`
	EventTime   time.Time   `json:"event_time" db:"event_time"`
	Operation   string      `json:"operation" db:"operation"`
	Operator    string      `json:"operator" db:"operator"`
	DeviceID    string      `json:"device_id,omitempty" db:"device_id"`
	Result      AuditResult `json:"result" db:"result"`
	Details     string      `json:"details,omitempty" db:"details"`
}

func NewAuditEvent(operation, operator string, result AuditResult, now time.Time) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		EventDate: now.UTC().Format("2006-01-02"),
		EventTime: now,
		Operation: operation,
		Operator:  operator,
		Result:    result,
	}
}

func (e *AuditEvent) WithDevice(deviceID string) *AuditEvent {
	e.DeviceID = deviceID
	return e
}

func (e *AuditEvent) WithDetails(details string) *AuditEvent {
	e.Details = details
	return e
}
