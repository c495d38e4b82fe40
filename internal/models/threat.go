package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrThreatAlreadyResolved = errors.New("threat already resolved")

type ThreatType string

const (
	ThreatRootDetection        ThreatType = "ROOT_DETECTION"
	ThreatBootloaderUnlock     ThreatType = "BOOTLOADER_UNLOCK"
	ThreatSystemTamper         ThreatType = "SYSTEM_TAMPER"
	ThreatAppTamper            ThreatType = "APP_TAMPER"
	ThreatTeeCompromise        ThreatType = "TEE_COMPROMISE"
	ThreatLowSecurityScore     ThreatType = "LOW_SECURITY_SCORE"
	ThreatConsecutiveLowScores ThreatType = "CONSECUTIVE_LOW_SCORES"
	ThreatOther                ThreatType = "OTHER"
)

var allThreatTypes = []ThreatType{
	ThreatRootDetection, ThreatBootloaderUnlock, ThreatSystemTamper, ThreatAppTamper,
	ThreatTeeCompromise, ThreatLowSecurityScore, ThreatConsecutiveLowScores, ThreatOther,
}

func ParseThreatType(s string) (ThreatType, error) {
	for _, t := range allThreatTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown threat type %q", s)
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

type ThreatStatus string

const (
	ThreatStatusActive   ThreatStatus = "ACTIVE"
	ThreatStatusResolved ThreatStatus = "RESOLVED"
)

// Action is what the response engine does to a device for a threat.
type Action string

const (
	ActionNone    Action = "NONE"
	ActionMonitor Action = "MONITOR"
	ActionSuspend Action = "SUSPEND"
	ActionRevoke  Action = "REVOKE"
)

// TargetStatus is the device status an action drives to, if any.
func (a Action) TargetStatus() (DeviceStatus, bool) {
	switch a {
	case ActionSuspend:
		return DeviceStatusSuspended, true
	case ActionRevoke:
		return DeviceStatusRevoked, true
	}
	return "", false
}

type ThreatEvent struct {
	ID          string       `json:"id" db:"threat_id"`
	DeviceID    string       `json:"device_id" db:"device_id"`
	ThreatType  ThreatType   `json:"threat_type" db:"threat_type"`
	Severity    Severity     `json:"severity" db:"severity"`
	Status      ThreatStatus `json:"status" db:"status"`
	Description string       `json:"description" db:"description"`
	DetectedAt  time.Time    `json:"detected_at" db:"detected_at"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy  string       `json:"resolved_by,omitempty" db:"resolved_by"`
	Notes       string       `json:"notes,omitempty" db:"notes"`
}

func NewThreatEvent(deviceID string, t ThreatType, sev Severity, description string, now time.Time) *ThreatEvent {
	return &ThreatEvent{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		ThreatType:  t,
		Severity:    sev,
		Status:      ThreatStatusActive,
		Description: description,
		DetectedAt:  now,
	}
}

// Resolve is the only mutation a threat event ever sees.
func (t *ThreatEvent) Resolve(by, notes string, at time.Time) error {
	if t.Status != ThreatStatusActive {
		return ErrThreatAlreadyResolved
	}
	resolvedAt := at
	t.Status = ThreatStatusResolved
	t.ResolvedAt = &resolvedAt
	t.ResolvedBy = by
	t.Notes = notes
	return nil
}

type ThreatStatistics struct {
	Total    int64 `json:"total"`
	Active   int64 `json:"active"`
	Resolved int64 `json:"resolved"`
	Critical int64 `json:"critical"`
	High     int64 `json:"high"`
	Medium   int64 `json:"medium"`
	Low      int64 `json:"low"`
}

func (s *ThreatStatistics) Add(t *ThreatEvent) {
	s.Total++
	if t.Status == ThreatStatusActive {
		s.Active++
	} else {
		s.Resolved++
	}
	switch t.Severity {
	case SeverityCritical:
		s.Critical++
	case SeverityHigh:
		s.High++
	case SeverityMedium:
		s.Medium++
	case SeverityLow:
		s.Low++
	}
}

type ThreatFilter struct {
	DeviceID   string
	Status     ThreatStatus
	Severity   Severity
	ThreatType ThreatType
	Limit      int
}

func (f ThreatFilter) Matches(t *ThreatEvent) bool {
	if f.DeviceID != "" && t.DeviceID != f.DeviceID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Severity != "" && t.Severity != f.Severity {
		return false
	}
	if f.ThreatType != "" && t.ThreatType != f.ThreatType {
		return false
	}
	return true
}
