package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/util"
)

type DeviceRepository struct {
	client *ScyllaClient
}

func NewDeviceRepository(client *ScyllaClient) *DeviceRepository {
	return &DeviceRepository{client: client}
}

func (r *DeviceRepository) bucket(id string) int {
	return r.client.Buckets.DeviceBucket(id)
}

// Create claims the IMEI with a lightweight transaction before writing the
// device row, and releases the claim if the row write fails.
func (r *DeviceRepository) Create(ctx context.Context, d *models.Device) error {
	p := r.client.Prepared

	applied, _, err := applyCAS(r.client.Stmt(ctx, p.ClaimIMEI, d.IMEI, d.ID, d.RegisteredAt))
	if err != nil {
		return fmt.Errorf("failed to claim imei: %w", err)
	}
	if !applied {
		return repository.ErrDuplicateIMEI
	}

	q := r.client.Stmt(ctx, p.InsertDevice,
		r.bucket(d.ID), d.ID, d.IMEI, d.Model, d.OSVersion, string(d.TeeType), string(d.DeviceMode),
		d.PublicKey, string(d.Status), d.MerchantID, d.MerchantName, d.SecurityScore, d.CurrentKSN,
		d.IPEKInjectedAt, d.KeyRemainingCount, d.KeyTotalCount, d.NFCPresent, d.RegisteredAt,
		d.ApprovedAt, d.ApprovedBy, d.LastActiveAt, d.UpdatedAt)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		if relErr := r.client.Stmt(ctx, p.ReleaseIMEI, d.IMEI).Exec(); relErr != nil {
			util.Error("Failed to release IMEI claim after insert failure",
				util.DeviceID(d.ID), util.ErrorField(relErr))
		}
		return fmt.Errorf("failed to create device: %w", err)
	}

	util.Debug("Device row created", util.DeviceID(d.ID), zap.Int("bucket", r.bucket(d.ID)))
	return nil
}

func (r *DeviceRepository) FindByID(ctx context.Context, id string) (*models.Device, error) {
	q := r.client.Stmt(ctx, r.client.Prepared.GetDeviceByID, r.bucket(id), id)
	d, err := scanDevice(func(dest ...interface{}) error { return r.client.ScanWithRetry(q, dest...) })
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (r *DeviceRepository) FindByIMEI(ctx context.Context, imei string) (*models.Device, error) {
	var id string
	q := r.client.Stmt(ctx, r.client.Prepared.GetDeviceIDByIMEI, imei)
	if err := r.client.ScanWithRetry(q, &id); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up imei: %w", err)
	}
	return r.FindByID(ctx, id)
}

// List walks every device bucket. Intended for admin listings, not hot paths.
func (r *DeviceRepository) List(ctx context.Context, filter repository.DeviceFilter) ([]*models.Device, error) {
	out := make([]*models.Device, 0)
	err := r.eachDevice(ctx, func(d *models.Device) bool {
		if filter.Matches(d) {
			out = append(out, d)
		}
		return filter.Limit <= 0 || len(out) < filter.Limit
	})
	return out, err
}

func (r *DeviceRepository) CountByStatus(ctx context.Context) (map[models.DeviceStatus]int64, error) {
	counts := make(map[models.DeviceStatus]int64, len(models.AllDeviceStatuses))
	err := r.eachDevice(ctx, func(d *models.Device) bool {
		counts[d.Status]++
		return true
	})
	return counts, err
}

func (r *DeviceRepository) eachDevice(ctx context.Context, fn func(*models.Device) bool) error {
	for b := 0; b < r.client.Buckets.DeviceBuckets(); b++ {
		iter := r.client.Stmt(ctx, r.client.Prepared.ListDevicesInBucket, b).Iter()
		scanner := iter.Scanner()
		for scanner.Next() {
			d, err := scanDevice(scanner.Scan)
			if err != nil {
				_ = iter.Close()
				return fmt.Errorf("failed to scan device: %w", err)
			}
			if !fn(d) {
				return iter.Close()
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to list devices in bucket %d: %w", b, err)
		}
	}
	return nil
}

func (r *DeviceRepository) UpdateStatus(ctx context.Context, d *models.Device, expected models.DeviceStatus) error {
	q := r.client.Stmt(ctx, r.client.Prepared.UpdateDeviceStatus,
		string(d.Status), d.ApprovedAt, d.ApprovedBy, d.UpdatedAt, r.bucket(d.ID), d.ID, string(expected))
	applied, current, err := applyCAS(q)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	if !applied {
		if current["status"] == nil {
			return repository.ErrNotFound
		}
		util.Warn("Device status changed concurrently",
			util.DeviceID(d.ID),
			zap.String("expected", string(expected)),
			zap.Any("actual", current["status"]))
		return repository.ErrConflict
	}
	return nil
}

func (r *DeviceRepository) UpdateSecurityScore(ctx context.Context, id string, score int, at time.Time) error {
	if score < models.MinSecurityScore || score > models.MaxSecurityScore {
		return fmt.Errorf("%w: %d", models.ErrScoreOutOfRange, score)
	}
	q := r.client.Stmt(ctx, r.client.Prepared.UpdateSecurityScore, score, at, at, r.bucket(id), id)
	applied, _, err := applyCAS(q)
	if err != nil {
		return fmt.Errorf("failed to update security score: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (r *DeviceRepository) UpdateKeyInfo(ctx context.Context, id, ksn string, injectedAt time.Time, remaining, total int) error {
	q := r.client.Stmt(ctx, r.client.Prepared.UpdateKeyInfo,
		ksn, injectedAt, remaining, total, injectedAt, r.bucket(id), id)
	applied, _, err := applyCAS(q)
	if err != nil {
		return fmt.Errorf("failed to update key info: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

// DecrementKeyCount is a read then compare-and-set loop on the counter.
func (r *DeviceRepository) DecrementKeyCount(ctx context.Context, id string) (int, error) {
	p := r.client.Prepared
	bucket := r.bucket(id)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		var remaining int
		if err := r.client.ScanWithRetry(r.client.Stmt(ctx, p.GetKeyRemaining, bucket, id), &remaining); err != nil {
			if errors.Is(err, gocql.ErrNotFound) {
				return 0, repository.ErrNotFound
			}
			return 0, fmt.Errorf("failed to read key count: %w", err)
		}
		if remaining <= 0 {
			return 0, models.ErrKeyBudgetExceeded
		}

		applied, _, err := applyCAS(r.client.Stmt(ctx, p.CASKeyRemaining, remaining-1, bucket, id, remaining))
		if err != nil {
			return 0, fmt.Errorf("failed to decrement key count: %w", err)
		}
		if applied {
			return remaining - 1, nil
		}
	}
	return 0, repository.ErrConflict
}

func scanDevice(scan func(dest ...interface{}) error) (*models.Device, error) {
	d := &models.Device{}
	var tee, mode, status string
	err := scan(
		&d.ID, &d.IMEI, &d.Model, &d.OSVersion, &tee, &mode, &d.PublicKey,
		&status, &d.MerchantID, &d.MerchantName, &d.SecurityScore, &d.CurrentKSN, &d.IPEKInjectedAt,
		&d.KeyRemainingCount, &d.KeyTotalCount, &d.NFCPresent, &d.RegisteredAt, &d.ApprovedAt,
		&d.ApprovedBy, &d.LastActiveAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.TeeType = models.TeeType(tee)
	d.DeviceMode = models.DeviceMode(mode)
	d.Status = models.DeviceStatus(status)
	return d, nil
}
