// Package repository declares the storage contracts the services depend on.
// Scylla and Redis back them in production; package memory backs them in
// tests and local runs.
package repository

import (
	"context"
	"errors"
	"time"

	"device-trust-service/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrConflict      = errors.New("concurrent modification")
	ErrDuplicateIMEI = errors.New("device with this IMEI already registered")
	ErrLockTimeout   = errors.New("timed out waiting for device lock")
)

type DeviceFilter struct {
	Status     models.DeviceStatus
	MerchantID string
	Limit      int
}

func (f DeviceFilter) Matches(d *models.Device) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.MerchantID != "" && d.MerchantID != f.MerchantID {
		return false
	}
	return true
}

type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	FindByID(ctx context.Context, id string) (*models.Device, error)
	FindByIMEI(ctx context.Context, imei string) (*models.Device, error)
	List(ctx context.Context, filter DeviceFilter) ([]*models.Device, error)
	// UpdateStatus persists device.Status (and approval fields) only if the
	// stored status still equals expected; otherwise ErrConflict.
	UpdateStatus(ctx context.Context, device *models.Device, expected models.DeviceStatus) error
	UpdateSecurityScore(ctx context.Context, id string, score int, at time.Time) error
	UpdateKeyInfo(ctx context.Context, id, ksn string, injectedAt time.Time, remaining, total int) error
	// DecrementKeyCount returns the remaining budget after the decrement.
	DecrementKeyCount(ctx context.Context, id string) (int, error)
	CountByStatus(ctx context.Context) (map[models.DeviceStatus]int64, error)
}

type HealthCheckRepository interface {
	Create(ctx context.Context, hc *models.HealthCheck) error
	// ListRecent returns newest first.
	ListRecent(ctx context.Context, deviceID string, limit int) ([]*models.HealthCheck, error)
	CountByDevice(ctx context.Context, deviceID string) (int64, error)
}

type ThreatRepository interface {
	Create(ctx context.Context, t *models.ThreatEvent) error
	FindByID(ctx context.Context, id string) (*models.ThreatEvent, error)
	// Resolve persists a resolved event only if it is still ACTIVE;
	// otherwise ErrConflict.
	Resolve(ctx context.Context, t *models.ThreatEvent) error
	ListActiveByDevice(ctx context.Context, deviceID string) ([]*models.ThreatEvent, error)
	CountActiveByDevice(ctx context.Context, deviceID string) (int64, error)
	List(ctx context.Context, filter models.ThreatFilter) ([]*models.ThreatEvent, error)
	Statistics(ctx context.Context) (*models.ThreatStatistics, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	FindByID(ctx context.Context, id string) (*models.Transaction, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Transaction, error)
}

// TokenRegistry enforces single use of transaction tokens.
type TokenRegistry interface {
	// MarkUsed records usage if jti is unseen and reports whether it won.
	MarkUsed(ctx context.Context, jti string, usage *models.TokenUsage, ttl time.Duration) (bool, error)
	IsUsed(ctx context.Context, jti string) (bool, error)
}

// DeviceLocker serializes read-modify-write sequences on one device.
type DeviceLocker interface {
	Lock(ctx context.Context, deviceID string) (unlock func(), err error)
}
