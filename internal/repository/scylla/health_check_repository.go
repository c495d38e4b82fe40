package scylla

import (
	"context"
	"fmt"

	"device-trust-service/internal/models"
)

type HealthCheckRepository struct {
	client *ScyllaClient
}

func NewHealthCheckRepository(client *ScyllaClient) *HealthCheckRepository {
	return &HealthCheckRepository{client: client}
}

func (r *HealthCheckRepository) Create(ctx context.Context, hc *models.HealthCheck) error {
	s := hc.Signals
	q := r.client.Stmt(ctx, r.client.Prepared.InsertHealthCheck,
		hc.DeviceID, hc.CreatedAt, hc.ID, s.RootDetected, s.BootloaderLocked,
		s.SystemIntegrity, s.AppIntegrity, s.TeeIntact, hc.SecurityScore, hc.RecommendedAction, hc.Details)
	if err := r.client.ExecuteWithRetry(q, 2); err != nil {
		return fmt.Errorf("failed to store health check: %w", err)
	}
	return nil
}

func (r *HealthCheckRepository) ListRecent(ctx context.Context, deviceID string, limit int) ([]*models.HealthCheck, error) {
	if limit <= 0 {
		limit = 100
	}
	iter := r.client.Stmt(ctx, r.client.Prepared.ListHealthChecks, deviceID, limit).Iter()
	scanner := iter.Scanner()

	out := make([]*models.HealthCheck, 0, limit)
	for scanner.Next() {
		hc := &models.HealthCheck{}
		s := &hc.Signals
		if err := scanner.Scan(&hc.DeviceID, &hc.CreatedAt, &hc.ID, &s.RootDetected, &s.BootloaderLocked,
			&s.SystemIntegrity, &s.AppIntegrity, &s.TeeIntact, &hc.SecurityScore, &hc.RecommendedAction,
			&hc.Details); err != nil {
			_ = iter.Close()
			return nil, fmt.Errorf("failed to scan health check: %w", err)
		}
		out = append(out, hc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to list health checks: %w", err)
	}
	return out, nil
}

func (r *HealthCheckRepository) CountByDevice(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	if err := r.client.ScanWithRetry(r.client.Stmt(ctx, r.client.Prepared.CountHealthChecks, deviceID), &n); err != nil {
		return 0, fmt.Errorf("failed to count health checks: %w", err)
	}
	return n, nil
}
