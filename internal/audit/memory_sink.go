package audit

import (
	"context"
	"sync"

	"device-trust-service/internal/models"
)

// MemorySink stores audit events in memory (development/testing use).
// FailWith makes Ingest fail, for exercising log-and-continue paths.
type MemorySink struct {
	mu       sync.Mutex
	events   []*models.AuditEvent
	FailWith error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Ingest(_ context.Context, events []*models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	for _, e := range events {
		c := *e
		s.events = append(s.events, &c)
	}
	return nil
}

func (s *MemorySink) Query(_ context.Context, q Query) ([]*models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.AuditEvent, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
		if q.Matches(s.events[i]) {
			c := *s.events[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// Operations lists recorded operation names in order, optionally for one device.
func (s *MemorySink) Operations(deviceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := make([]string, 0, len(s.events))
	for _, e := range s.events {
		if deviceID == "" || e.DeviceID == deviceID {
			ops = append(ops, e.Operation)
		}
	}
	return ops
}

func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
