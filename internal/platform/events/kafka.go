// Package events publishes domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes JSON events to a single topic keyed by aggregate.
type Publisher struct {
	writer  messageWriter
	timeout time.Duration
}

// NewPublisher builds a Kafka publisher. Messages sharing a key land on the
// same partition, so events of one fiscal year stay ordered.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: brokers required")
	}
	if topic == "" {
		return nil, errors.New("events: topic required")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		timeout: 5 * time.Second,
	}, nil
}

// Publish encodes event as JSON and writes it under key.
func (p *Publisher) Publish(ctx context.Context, key string, event any) error {
	if p == nil || p.writer == nil {
		return errors.New("events: publisher not initialised")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data})
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
