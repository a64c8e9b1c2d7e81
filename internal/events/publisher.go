package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types emitted by the account service.
const (
	TypeUserRegistered      = "user.registered"
	TypeUserExternalCreated = "user.external_created"
	TypeUserExternalLinked  = "user.external_linked"
)

// Event is the payload written to the account events topic.
type Event struct {
	Type        string    `json:"type"`
	UserID      string    `json:"userId"`
	Email       string    `json:"email"`
	LoginMethod string    `json:"loginMethod"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher delivers account lifecycle events. Publishing is best-effort:
// a failed publish never fails the account operation that produced it.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by user id, so all events of one account
// land on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.SugaredLogger
}

// NewKafkaPublisher returns an asynchronous publisher; delivery failures are logged.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.SugaredLogger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
	}
	w.Completion = func(msgs []kafka.Message, err error) {
		if err != nil {
			logger.Warnw("account events not delivered", "count", len(msgs), "topic", topic, "err", err)
		}
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.UserID),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }
