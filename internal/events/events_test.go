package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-trust-service/internal/config"
	"device-trust-service/internal/models"
)

func TestNewEvent_RoundTripsPayload(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	threat := models.NewThreatEvent("dev", models.ThreatTeeCompromise, models.SeverityCritical, "tee", at)

	e, err := NewEvent(ThreatDetected, "dev", threat, at)
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, ThreatDetected, e.Type)

	var got models.ThreatEvent
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, threat.ID, got.ID)
	assert.Equal(t, models.SeverityCritical, got.Severity)
}

func TestNewEvent_RejectsUnencodablePayload(t *testing.T) {
	_, err := NewEvent(ThreatDetected, "dev", make(chan int), time.Now())
	assert.Error(t, err)
}

func TestMemoryPublisher_GroupsByTopic(t *testing.T) {
	p := NewMemoryPublisher()
	ctx := context.Background()
	now := time.Now()

	for _, typ := range []string{DeviceRegistered, DeviceStatusChanged} {
		e, err := NewEvent(typ, "dev", map[string]string{}, now)
		require.NoError(t, err)
		require.NoError(t, p.Publish(ctx, TopicDevice, e))
	}

	assert.Equal(t, []string{DeviceRegistered, DeviceStatusChanged}, p.Types(TopicDevice))
	assert.Empty(t, p.Events(TopicThreat))
	assert.Equal(t, "payment", TopicPayment.String())
}

func TestKafkaPublisher_TopicRouting(t *testing.T) {
	p := NewKafkaPublisher(nil, config.KafkaConfig{
		DeviceTopic: "device-status",
		ThreatTopic: "threat-events",
	})

	tests := []struct {
		name  string
		topic Topic
		want  string
	}{
		{name: "device", topic: TopicDevice, want: "device-status"},
		{name: "threat", topic: TopicThreat, want: "threat-events"},
		{name: "unconfigured payment", topic: TopicPayment, want: ""},
		{name: "unknown", topic: Topic(99), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.TopicName(tt.topic))
		})
	}

	// An unconfigured topic is rejected before the producer is touched.
	e, err := NewEvent(TransactionProcessed, "dev", map[string]string{"status": "APPROVED"}, time.Now())
	require.NoError(t, err)
	assert.Error(t, p.Publish(context.Background(), TopicPayment, e))
}
