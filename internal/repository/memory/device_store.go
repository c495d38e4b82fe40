package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
)

type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]*models.Device
	byIMEI  map[string]string
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{
		devices: make(map[string]*models.Device),
		byIMEI:  make(map[string]string),
	}
}

func (s *DeviceStore) Create(_ context.Context, d *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byIMEI[d.IMEI]; ok {
		return repository.ErrDuplicateIMEI
	}
	s.devices[d.ID] = d.Clone()
	s.byIMEI[d.IMEI] = d.ID
	return nil
}

func (s *DeviceStore) FindByID(_ context.Context, id string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *DeviceStore) FindByIMEI(ctx context.Context, imei string) (*models.Device, error) {
	s.mu.RLock()
	id, ok := s.byIMEI[imei]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *DeviceStore) List(_ context.Context, filter repository.DeviceFilter) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if filter.Matches(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegisteredAt.After(out[j].RegisteredAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *DeviceStore) UpdateStatus(_ context.Context, d *models.Device, expected models.DeviceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.devices[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Status != expected {
		return repository.ErrConflict
	}
	cur.Status = d.Status
	cur.ApprovedAt = d.ApprovedAt
	cur.ApprovedBy = d.ApprovedBy
	cur.UpdatedAt = d.UpdatedAt
	return nil
}

func (s *DeviceStore) UpdateSecurityScore(_ context.Context, id string, score int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	if err := cur.SetSecurityScore(score); err != nil {
		return err
	}
	last := at
	cur.LastActiveAt = &last
	cur.UpdatedAt = at
	return nil
}

func (s *DeviceStore) UpdateKeyInfo(_ context.Context, id, ksn string, injectedAt time.Time, remaining, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	cur.ResetKeyBudget(ksn, total, injectedAt)
	cur.KeyRemainingCount = remaining
	return nil
}

func (s *DeviceStore) DecrementKeyCount(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.devices[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if err := cur.DecrementKeyCount(); err != nil {
		return 0, err
	}
	return cur.KeyRemainingCount, nil
}

func (s *DeviceStore) CountByStatus(_ context.Context) (map[models.DeviceStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.DeviceStatus]int64, len(models.AllDeviceStatuses))
	for _, d := range s.devices {
		counts[d.Status]++
	}
	return counts, nil
}
