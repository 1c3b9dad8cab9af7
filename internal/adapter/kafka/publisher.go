// Package kafka streams geofence events to a Kafka topic, as an optional
// second consumer lane beside the HTTP webhooks. Feature-flagged: the
// engine runs without it when no brokers are configured.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/touristguard/geofence/internal/domain"
)

// Publisher produces geofence events to a Kafka topic. It implements the
// engine's Recorder.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured event topic.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// RecordEvent serializes and publishes one geofence event.
func (p *Publisher) RecordEvent(ctx context.Context, e *domain.GeofenceEvent) error {
	msg, err := serializeToMessage(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// PublishBatch publishes multiple events in a single WriteMessages call.
func (p *Publisher) PublishBatch(ctx context.Context, events []*domain.GeofenceEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i, e := range events {
		msg, err := serializeToMessage(e)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an event into a Kafka message keyed by user,
// so per-user ordering survives partitioning.
func serializeToMessage(e *domain.GeofenceEvent) (kafkago.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize geofence event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(e.UserID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "zone_id", Value: []byte(e.ZoneID)},
			{Key: "detected_at", Value: []byte(e.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
