package memory

import (
	"context"
	"sort"
	"sync"

	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
)

type ThreatStore struct {
	mu      sync.RWMutex
	threats map[string]*models.ThreatEvent
}

func NewThreatStore() *ThreatStore {
	return &ThreatStore{threats: make(map[string]*models.ThreatEvent)}
}

func (s *ThreatStore) Create(_ context.Context, t *models.ThreatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *t
	s.threats[t.ID] = &c
	return nil
}

func (s *ThreatStore) FindByID(_ context.Context, id string) (*models.ThreatEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *ThreatStore) Resolve(_ context.Context, t *models.ThreatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.threats[t.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Status != models.ThreatStatusActive {
		return repository.ErrConflict
	}
	c := *t
	s.threats[t.ID] = &c
	return nil
}

func (s *ThreatStore) ListActiveByDevice(ctx context.Context, deviceID string) ([]*models.ThreatEvent, error) {
	return s.List(ctx, models.ThreatFilter{DeviceID: deviceID, Status: models.ThreatStatusActive})
}

func (s *ThreatStore) CountActiveByDevice(ctx context.Context, deviceID string) (int64, error) {
	active, err := s.ListActiveByDevice(ctx, deviceID)
	return int64(len(active)), err
}

func (s *ThreatStore) List(_ context.Context, filter models.ThreatFilter) ([]*models.ThreatEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.ThreatEvent, 0)
	for _, t := range s.threats {
		if filter.Matches(t) {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *ThreatStore) Statistics(_ context.Context) (*models.ThreatStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.ThreatStatistics{}
	for _, t := range s.threats {
		stats.Add(t)
	}
	return stats, nil
}
