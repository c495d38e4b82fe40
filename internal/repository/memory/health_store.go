package memory

import (
	"context"
	"sync"

	"device-trust-service/internal/models"
)

type HealthCheckStore struct {
	mu     sync.RWMutex
	checks map[string][]*models.HealthCheck // device id -> append order
}

func NewHealthCheckStore() *HealthCheckStore {
	return &HealthCheckStore{checks: make(map[string][]*models.HealthCheck)}
}

func (s *HealthCheckStore) Create(_ context.Context, hc *models.HealthCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *hc
	s.checks[hc.DeviceID] = append(s.checks[hc.DeviceID], &c)
	return nil
}

func (s *HealthCheckStore) ListRecent(_ context.Context, deviceID string, limit int) ([]*models.HealthCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.checks[deviceID]
	out := make([]*models.HealthCheck, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c := *all[i]
		out = append(out, &c)
	}
	return out, nil
}

func (s *HealthCheckStore) CountByDevice(_ context.Context, deviceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.checks[deviceID])), nil
}
