// Package events publishes domain events for notification and indexing
// consumers. Delivery is best effort; callers log failures and continue.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Topic int

const (
	TopicDevice Topic = iota
	TopicThreat
	TopicPayment
)

func (t Topic) String() string {
	switch t {
	case TopicDevice:
		return "device"
	case TopicThreat:
		return "threat"
	case TopicPayment:
		return "payment"
	}
	return "unknown"
}

// Event types.
const (
	DeviceRegistered     = "device.registered"
	DeviceStatusChanged  = "device.status_changed"
	DeviceKeyProvisioned = "device.key_provisioned"
	ThreatDetected       = "threat.detected"
	ThreatResolved       = "threat.resolved"
	TransactionProcessed = "transaction.processed"
)

type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	DeviceID   string          `json:"device_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func NewEvent(eventType, deviceID string, data interface{}, at time.Time) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		DeviceID:   deviceID,
		OccurredAt: at,
		Data:       raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

type Publisher interface {
	Publish(ctx context.Context, topic Topic, e *Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Topic, *Event) error { return nil }

// MemoryPublisher keeps published events for inspection.
type MemoryPublisher struct {
	mu       sync.Mutex
	events   map[Topic][]*Event
	FailWith error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{events: make(map[Topic][]*Event)}
}

func (p *MemoryPublisher) Publish(_ context.Context, topic Topic, e *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return p.FailWith
	}
	p.events[topic] = append(p.events[topic], e)
	return nil
}

func (p *MemoryPublisher) Events(topic Topic) []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events[topic]...)
}

// Types lists the event types published to topic, in order.
func (p *MemoryPublisher) Types(topic Topic) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events[topic]))
	for _, e := range p.events[topic] {
		out = append(out, e.Type)
	}
	return out
}
