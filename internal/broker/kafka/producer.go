// Package kafka publishes acknowledged check events for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/iudanet/benchkeeper/internal/models"
)

// DefaultTopic топик событий приема и выдачи
const DefaultTopic = "benchkeeper.events"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer публикует подтвержденные события. Ключ сообщения тег актива,
// поэтому события одного актива попадают в одну партицию по порядку.
type Producer struct {
	w     messageWriter
	topic string
}

// NewProducer creates a producer for the brokers
func NewProducer(brokers []string, topic string) *Producer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Producer{
		topic: topic,
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func newProducerWithWriter(w messageWriter, topic string) *Producer {
	return &Producer{w: w, topic: topic}
}

// PublishEvent sends the event keyed by its asset tag
func (p *Producer) PublishEvent(ctx context.Context, event *models.CheckEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.AssetTag),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.ID)},
			{Key: "type", Value: []byte(event.Type)},
		},
	}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close flushes and closes the writer
func (p *Producer) Close() error {
	return p.w.Close()
}
