// Package search answers free-text threat queries for dashboards.
package search

import (
	"context"
	"strings"

	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
)

type ThreatQuery struct {
	Text     string              `json:"text"`
	DeviceID string              `json:"device_id,omitempty"`
	Severity models.Severity     `json:"severity,omitempty"`
	Status   models.ThreatStatus `json:"status,omitempty"`
	Limit    int                 `json:"limit,omitempty"`
}

func (q ThreatQuery) size() int {
	if q.Limit <= 0 || q.Limit > 500 {
		return 50
	}
	return q.Limit
}

type ThreatResult struct {
	Total   int64                 `json:"total"`
	Threats []*models.ThreatEvent `json:"threats"`
}

type ThreatSearcher interface {
	Search(ctx context.Context, q ThreatQuery) (*ThreatResult, error)
}

// RepositorySearch is the fallback searcher when no index is configured:
// a filtered repository listing with case-insensitive substring matching.
type RepositorySearch struct {
	repo repository.ThreatRepository
}

func NewRepositorySearch(repo repository.ThreatRepository) *RepositorySearch {
	return &RepositorySearch{repo: repo}
}

func (s *RepositorySearch) Search(ctx context.Context, q ThreatQuery) (*ThreatResult, error) {
	candidates, err := s.repo.List(ctx, models.ThreatFilter{
		DeviceID: q.DeviceID,
		Status:   q.Status,
		Severity: q.Severity,
	})
	if err != nil {
		return nil, err
	}

	text := strings.ToLower(strings.TrimSpace(q.Text))
	matched := make([]*models.ThreatEvent, 0)
	for _, t := range candidates {
		if text == "" ||
			strings.Contains(strings.ToLower(t.Description), text) ||
			strings.Contains(strings.ToLower(string(t.ThreatType)), text) {
			matched = append(matched, t)
		}
	}

	total := int64(len(matched))
	if len(matched) > q.size() {
		matched = matched[:q.size()]
	}
	return &ThreatResult{Total: total, Threats: matched}, nil
}
