package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	writer messageWriter
	topic  string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTopic sends every event to topic instead of the one passed to Publish.
func WithTopic(topic string) Option {
	return func(p *Publisher) { p.topic = topic }
}

func NewPublisher(brokers []string, opts ...Option) *Publisher {
	return newPublisher(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}, opts...)
}

func newPublisher(w messageWriter, opts ...Option) *Publisher {
	p := &Publisher{writer: w}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes event as JSON. The key keeps one account's events on one
// partition, in order.
func (p *Publisher) Publish(ctx context.Context, topic string, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: encode event: %w", err)
	}
	if p.topic != "" {
		topic = p.topic
	}

	err = p.writer.WriteMessages(ctx,
		kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: data,
			Headers: []kafka.Header{
				{Key: "content-type", Value: []byte("application/json")},
			},
			Time: time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
