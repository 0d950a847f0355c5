package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-dispatch/internal/models"
)

// KafkaProducer publishes rider location updates and negotiation outcomes.
// Messages are keyed by rider id so one rider's updates stay ordered.
type KafkaProducer struct {
	writer        *kafka.Writer
	locationTopic string
	outcomeTopic  string
}

func NewKafkaProducer(brokers []string, locationTopic, outcomeTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, outcomeTopic: outcomeTopic}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	return k.publish(ctx, k.locationTopic, u.RiderID, u)
}

func (k *KafkaProducer) PublishOutcome(ctx context.Context, out models.Outcome) error {
	return k.publish(ctx, k.outcomeTopic, out.RiderID, out)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
