package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrScoreOutOfRange   = errors.New("security score out of range")
	ErrKeyBudgetExceeded = errors.New("key usage budget exhausted")
)

const (
	MinSecurityScore     = 0
	MaxSecurityScore     = 100
	DefaultSecurityScore = 100
)

type DeviceStatus string

const (
	DeviceStatusPending   DeviceStatus = "PENDING"
	DeviceStatusActive    DeviceStatus = "ACTIVE"
	DeviceStatusSuspended DeviceStatus = "SUSPENDED"
	DeviceStatusRevoked   DeviceStatus = "REVOKED"
	DeviceStatusRejected  DeviceStatus = "REJECTED"
)

var AllDeviceStatuses = []DeviceStatus{
	DeviceStatusPending,
	DeviceStatusActive,
	DeviceStatusSuspended,
	DeviceStatusRevoked,
	DeviceStatusRejected,
}

// deviceTransitions is the complete set of legal status edges. Anything not
// listed is rejected, which makes REVOKED and REJECTED terminal.
var deviceTransitions = map[DeviceStatus][]DeviceStatus{
	DeviceStatusPending:   {DeviceStatusActive, DeviceStatusRejected},
	DeviceStatusActive:    {DeviceStatusSuspended, DeviceStatusRevoked},
	DeviceStatusSuspended: {DeviceStatusActive, DeviceStatusRevoked},
}

func ParseDeviceStatus(s string) (DeviceStatus, error) {
	for _, st := range AllDeviceStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown device status %q", s)
}

func (s DeviceStatus) CanTransitionTo(to DeviceStatus) bool {
	for _, next := range deviceTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s DeviceStatus) IsTerminal() bool {
	return len(deviceTransitions[s]) == 0
}

type TeeType string

const (
	TeeTypeQTEE      TeeType = "QTEE"
	TeeTypeTrustZone TeeType = "TRUSTZONE"
)

func ParseTeeType(s string) (TeeType, error) {
	switch TeeType(s) {
	case TeeTypeQTEE, TeeTypeTrustZone:
		return TeeType(s), nil
	}
	return "", fmt.Errorf("unknown tee type %q", s)
}

type DeviceMode string

const (
	DeviceModeFullPOS DeviceMode = "FULL_POS"
	DeviceModePINPad  DeviceMode = "PINPAD"
)

func ParseDeviceMode(s string) (DeviceMode, error) {
	switch DeviceMode(s) {
	case "":
		return DeviceModeFullPOS, nil
	case DeviceModeFullPOS, DeviceModePINPad:
		return DeviceMode(s), nil
	}
	return "", fmt.Errorf("unknown device mode %q", s)
}

// Device is a POS / PIN entry terminal. Status, score and key counters are
// only changed through the methods below so their invariants hold.
type Device struct {
	ID                string       `json:"id" db:"device_id"`
	IMEI              string       `json:"imei" db:"imei"`
	Model             string       `json:"model" db:"model"`
	OSVersion         string       `json:"os_version" db:"os_version"`
	TeeType           TeeType      `json:"tee_type" db:"tee_type"`
	DeviceMode        DeviceMode   `json:"device_mode" db:"device_mode"`
	PublicKey         []byte       `json:"-" db:"public_key"`
	Status            DeviceStatus `json:"status" db:"status"`
	MerchantID        string       `json:"merchant_id,omitempty" db:"merchant_id"`
	MerchantName      string       `json:"merchant_name,omitempty" db:"merchant_name"`
	SecurityScore     int          `json:"security_score" db:"security_score"`
	CurrentKSN        string       `json:"current_ksn" db:"current_ksn"`
	IPEKInjectedAt    *time.Time   `json:"ipek_injected_at,omitempty" db:"ipek_injected_at"`
	KeyRemainingCount int          `json:"key_remaining_count" db:"key_remaining_count"`
	KeyTotalCount     int          `json:"key_total_count" db:"key_total_count"`
	NFCPresent        bool         `json:"nfc_present" db:"nfc_present"`
	RegisteredAt      time.Time    `json:"registered_at" db:"registered_at"`
	ApprovedAt        *time.Time   `json:"approved_at,omitempty" db:"approved_at"`
	ApprovedBy        string       `json:"approved_by,omitempty" db:"approved_by"`
	LastActiveAt      *time.Time   `json:"last_active_at,omitempty" db:"last_active_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

func NewDevice(imei, model, osVersion string, tee TeeType, mode DeviceMode, publicKey []byte, nfc bool, now time.Time) *Device {
	return &Device{
		ID:            uuid.New().String(),
		IMEI:          imei,
		Model:         model,
		OSVersion:     osVersion,
		TeeType:       tee,
		DeviceMode:    mode,
		PublicKey:     publicKey,
		Status:        DeviceStatusPending,
		SecurityScore: DefaultSecurityScore,
		NFCPresent:    nfc,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
}

// TransitionTo moves the device along a legal edge. PENDING -> ACTIVE
// records the approver and approval time.
func (d *Device) TransitionTo(to DeviceStatus, actor string, at time.Time) error {
	if !d.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	if d.Status == DeviceStatusPending && to == DeviceStatusActive {
		approvedAt := at
		d.ApprovedAt = &approvedAt
		d.ApprovedBy = actor
	}
	d.Status = to
	d.UpdatedAt = at
	return nil
}

func (d *Device) SetSecurityScore(score int) error {
	if score < MinSecurityScore || score > MaxSecurityScore {
		return fmt.Errorf("%w: %d", ErrScoreOutOfRange, score)
	}
	d.SecurityScore = score
	return nil
}

func (d *Device) DecrementKeyCount() error {
	if d.KeyRemainingCount <= 0 {
		return ErrKeyBudgetExceeded
	}
	d.KeyRemainingCount--
	return nil
}

// ResetKeyBudget starts a new key epoch.
func (d *Device) ResetKeyBudget(ksn string, total int, at time.Time) {
	injected := at
	d.CurrentKSN = ksn
	d.IPEKInjectedAt = &injected
	d.KeyTotalCount = total
	d.KeyRemainingCount = total
	d.UpdatedAt = at
}

func (d *Device) KeyProvisioned() bool {
	return d.IPEKInjectedAt != nil
}

func (d *Device) Clone() *Device {
	c := *d
	if d.PublicKey != nil {
		c.PublicKey = append([]byte(nil), d.PublicKey...)
	}
	return &c
}
