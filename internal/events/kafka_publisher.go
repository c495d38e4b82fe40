package events

import (
	"context"
	"encoding/json"
	"fmt"

	"device-trust-service/internal/client"
	"device-trust-service/internal/config"
)

// KafkaPublisher writes events keyed by device id so one device's events
// stay ordered within a partition.
type KafkaPublisher struct {
	producer *client.KafkaProducer
	topics   map[Topic]string
}

func NewKafkaPublisher(producer *client.KafkaProducer, cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topics: map[Topic]string{
			TopicDevice:  cfg.DeviceTopic,
			TopicThreat:  cfg.ThreatTopic,
			TopicPayment: cfg.PaymentTopic,
		},
	}
}

// TopicName is the Kafka topic events of the given kind go to, "" when the
// kind is not configured.
func (p *KafkaPublisher) TopicName(topic Topic) string {
	return p.topics[topic]
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic Topic, e *Event) error {
	name := p.TopicName(topic)
	if name == "" {
		return fmt.Errorf("no kafka topic configured for %s events", topic)
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	headers := map[string]string{
		"event_type": e.Type,
		"event_id":   e.ID,
	}
	return p.producer.ProduceMessage(ctx, name, []byte(e.DeviceID), value, headers)
}
