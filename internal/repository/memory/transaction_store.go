package memory

import (
	"context"
	"sync"

	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
)

type TransactionStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.Transaction
	byDevice map[string][]string
}

func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		byID:     make(map[string]*models.Transaction),
		byDevice: make(map[string][]string),
	}
}

func (s *TransactionStore) Create(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *tx
	s.byID[tx.ID] = &c
	s.byDevice[tx.DeviceID] = append(s.byDevice[tx.DeviceID], tx.ID)
	return nil
}

func (s *TransactionStore) FindByID(_ context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *tx
	return &c, nil
}

func (s *TransactionStore) ListByDevice(_ context.Context, deviceID string, limit int) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byDevice[deviceID]
	out := make([]*models.Transaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		c := *s.byID[ids[i]]
		out = append(out, &c)
	}
	return out, nil
}
