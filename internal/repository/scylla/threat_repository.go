package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gocql/gocql"

	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/util"
)

// ThreatRepository keeps threat_events keyed by id as the source of truth
// and threats_by_device as a per-device view.
type ThreatRepository struct {
	client *ScyllaClient
}

func NewThreatRepository(client *ScyllaClient) *ThreatRepository {
	return &ThreatRepository{client: client}
}

func threatValues(t *models.ThreatEvent) []interface{} {
	return []interface{}{
		t.ID, t.DeviceID, string(t.ThreatType), string(t.Severity), string(t.Status), t.Description,
		t.DetectedAt, t.ResolvedAt, t.ResolvedBy, t.Notes,
	}
}

func (r *ThreatRepository) Create(ctx context.Context, t *models.ThreatEvent) error {
	p := r.client.Prepared
	batch := r.client.Batch(gocql.LoggedBatch)
	batch.Query(p.InsertThreat.Statement(), threatValues(t)...)
	batch.Query(p.InsertThreatByDevice.Statement(), threatValues(t)...)

	if err := r.client.ExecuteBatch(ctx, batch); err != nil {
		util.Error("Failed to store threat event",
			util.DeviceID(t.DeviceID), util.String("threat_id", t.ID), util.ErrorField(err))
		return fmt.Errorf("failed to create threat: %w", err)
	}
	return nil
}

func (r *ThreatRepository) FindByID(ctx context.Context, id string) (*models.ThreatEvent, error) {
	q := r.client.Stmt(ctx, r.client.Prepared.GetThreatByID, id)
	t, err := scanThreat(func(dest ...interface{}) error { return r.client.ScanWithRetry(q, dest...) })
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get threat: %w", err)
	}
	return t, nil
}

// Resolve guards the status flip with a lightweight transaction on the
// primary table, then mirrors it into the device view.
func (r *ThreatRepository) Resolve(ctx context.Context, t *models.ThreatEvent) error {
	p := r.client.Prepared
	applied, current, err := applyCAS(r.client.Stmt(ctx, p.ResolveThreat,
		string(t.Status), t.ResolvedAt, t.ResolvedBy, t.Notes, t.ID, string(models.ThreatStatusActive)))
	if err != nil {
		return fmt.Errorf("failed to resolve threat: %w", err)
	}
	if !applied {
		if current["status"] == nil {
			return repository.ErrNotFound
		}
		return repository.ErrConflict
	}

	mirror := r.client.Stmt(ctx, p.ResolveThreatByDevice,
		string(t.Status), t.ResolvedAt, t.ResolvedBy, t.Notes, t.DeviceID, t.DetectedAt, t.ID)
	if err := r.client.ExecuteWithRetry(mirror, 2); err != nil {
		util.Error("Threat resolved but device view not updated",
			util.DeviceID(t.DeviceID), util.String("threat_id", t.ID), util.ErrorField(err))
	}
	return nil
}

func (r *ThreatRepository) ListActiveByDevice(ctx context.Context, deviceID string) ([]*models.ThreatEvent, error) {
	return r.List(ctx, models.ThreatFilter{DeviceID: deviceID, Status: models.ThreatStatusActive})
}

func (r *ThreatRepository) CountActiveByDevice(ctx context.Context, deviceID string) (int64, error) {
	active, err := r.ListActiveByDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	return int64(len(active)), nil
}

// List reads one device partition when DeviceID is set and scans the
// primary table otherwise.
func (r *ThreatRepository) List(ctx context.Context, filter models.ThreatFilter) ([]*models.ThreatEvent, error) {
	var q *gocql.Query
	if filter.DeviceID != "" {
		q = r.client.Stmt(ctx, r.client.Prepared.ListThreatsByDevice, filter.DeviceID)
	} else {
		q = r.client.Stmt(ctx, r.client.Prepared.ScanThreats)
	}

	out := make([]*models.ThreatEvent, 0)
	err := eachThreat(q, func(t *models.ThreatEvent) {
		if filter.Matches(t) {
			out = append(out, t)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *ThreatRepository) Statistics(ctx context.Context) (*models.ThreatStatistics, error) {
	stats := &models.ThreatStatistics{}
	err := eachThreat(r.client.Stmt(ctx, r.client.Prepared.ScanThreats), stats.Add)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func eachThreat(q *gocql.Query, fn func(*models.ThreatEvent)) error {
	iter := q.Iter()
	scanner := iter.Scanner()
	for scanner.Next() {
		t, err := scanThreat(scanner.Scan)
		if err != nil {
			_ = iter.Close()
			return fmt.Errorf("failed to scan threat: %w", err)
		}
		fn(t)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to list threats: %w", err)
	}
	return nil
}

func scanThreat(scan func(dest ...interface{}) error) (*models.ThreatEvent, error) {
	t := &models.ThreatEvent{}
	var typ, sev, status string
	if err := scan(&t.ID, &t.DeviceID, &typ, &sev, &status, &t.Description,
		&t.DetectedAt, &t.ResolvedAt, &t.ResolvedBy, &t.Notes); err != nil {
		return nil, err
	}
	t.ThreatType = models.ThreatType(typ)
	t.Severity = models.Severity(sev)
	t.Status = models.ThreatStatus(status)
	return t, nil
}
