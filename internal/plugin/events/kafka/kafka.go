// Package kafka publishes outbox events to a Kafka topic, keyed by group id so that the
// events of one conversation stay ordered within a partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/conversation-service/internal/config"
	registryevents "github.com/chirino/conversation-service/internal/registry/events"
	kafkago "github.com/segmentio/kafka-go"
)

func init() {
	registryevents.Register(registryevents.Plugin{
		Name:   "kafka",
		Loader: load,
	})
}

func load(ctx context.Context) (registryevents.Publisher, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || strings.TrimSpace(cfg.KafkaBrokers) == "" {
		return nil, fmt.Errorf("kafka events: CONVERSATION_SERVICE_KAFKA_BROKERS is required")
	}
	var brokers []string
	for _, b := range strings.Split(cfg.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	timeout := cfg.KafkaWriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		WriteTimeout:           timeout,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: cfg.KafkaAutoCreateTopic,
	}
	log.Info("Kafka events publisher enabled", "brokers", brokers, "topic", cfg.KafkaTopic)
	return NewPublisher(w), nil
}

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewPublisher wraps a writer.
func NewPublisher(w MessageWriter) registryevents.Publisher {
	return &publisher{w: w}
}

type publisher struct {
	w MessageWriter
}

// Encode converts an event to the Kafka record written by the publisher.
func Encode(event registryevents.Event) (kafkago.Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("kafka events: encode %s: %w", event.Type, err)
	}
	key := event.GroupID
	if key == "" {
		key = event.ID
	}
	return kafkago.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "event-id", Value: []byte(event.ID)},
		},
		Time: event.OccurredAt,
	}, nil
}

func (p *publisher) Publish(ctx context.Context, event registryevents.Event) error {
	msg, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka events: write %s: %w", event.Type, err)
	}
	return nil
}

func (p *publisher) Close() error {
	return p.w.Close()
}
