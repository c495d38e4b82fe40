package models

import (
	"time"

	"github.com/google/uuid"
)

// Signals are the five integrity observations a health check is scored on.
// true means the observation is healthy, except RootDetected.
type Signals struct {
	RootDetected     bool `json:"root_detected"`
	BootloaderLocked bool `json:"bootloader_locked"`
	SystemIntegrity  bool `json:"system_integrity"`
	AppIntegrity     bool `json:"app_integrity"`
	TeeIntact        bool `json:"tee_intact"`
}

// HealthySignals is the all-clear baseline.
func HealthySignals() Signals {
	return Signals{
		BootloaderLocked: true,
		SystemIntegrity:  true,
		AppIntegrity:     true,
		TeeIntact:        true,
	}
}

// HealthCheck is an immutable snapshot, written once per submission.
type HealthCheck struct {
	ID                string    `json:"id" db:"check_id"`
	DeviceID          string    `json:"device_id" db:"device_id"`
	Signals           Signals   `json:"signals"`
	SecurityScore     int       `json:"security_score" db:"security_score"`
	RecommendedAction string    `json:"recommended_action" db:"recommended_action"`
	Details           string    `json:"details,omitempty" db:"details"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

func NewHealthCheck(deviceID string, signals Signals, score int, recommended string, now time.Time) *HealthCheck {
	return &HealthCheck{
		ID:                uuid.New().String(),
		DeviceID:          deviceID,
		Signals:           signals,
		SecurityScore:     score,
		RecommendedAction: recommended,
		CreatedAt:         now,
	}
}
