// Package kafka delivers outbox events to Kafka topics.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"contactsync/internal/infrastructure/storage/postgres"
)

// Config holds Kafka producer configuration.
type Config struct {
	Brokers []string
	// TopicPrefix is prepended to the event type, e.g. "contactsync." gives
	// "contactsync.resolution.changed".
	TopicPrefix string
}

// ParseBrokers splits a comma-separated broker list.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements postgres.OutboxHandler.
type Publisher struct {
	writer messageWriter
	prefix string
}

var _ postgres.OutboxHandler = (*Publisher)(nil)

// NewPublisher creates a publisher with a synchronous writer. The topic is
// chosen per message.
func NewPublisher(cfg Config) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}, cfg.TopicPrefix)
}

func newPublisher(w messageWriter, prefix string) *Publisher {
	return &Publisher{writer: w, prefix: prefix}
}

// Topic returns the topic an event type is published to.
func (p *Publisher) Topic(eventType string) string {
	return p.prefix + eventType
}

// Handle publishes msg keyed by its aggregate so events of one identifier
// or run stay ordered within a partition.
func (p *Publisher) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(msg.EventType),
		Key:   []byte(msg.AggregateID.String()),
		Value: msg.Payload,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.ID.String())},
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "aggregate_type", Value: []byte(msg.AggregateType)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.EventType, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
