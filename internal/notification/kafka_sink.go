package notification

import (
	"context"
	"encoding/json"
	"fmt"
)

// Publisher is the subset of the Kafka producer the sink needs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// KafkaSink publishes validated payloads for the delivery workers.
type KafkaSink struct {
	Producer Publisher
	Topic    string
}

func NewKafkaSink(producer Publisher, topic string) *KafkaSink {
	return &KafkaSink{Producer: producer, Topic: topic}
}

func (s *KafkaSink) Send(ctx context.Context, payload Payload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := s.Producer.Publish(ctx, s.Topic, payload.Code, value); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// NopSink drops payloads. Used when Kafka is disabled.
type NopSink struct{}

func (NopSink) Send(_ context.Context, payload Payload) error {
	return payload.Validate()
}
