// Package kafka publishes escalation events and ingests API-call
// observations over Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/models"
)

// Event types published on the events topic
const (
	EventAlertCreated          = "alert.created"
	EventClassificationCreated = "classification.created"
	EventIncidentCreated       = "incident.created"
)

// EventMessage is the envelope of every published event
type EventMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Severity  string          `json:"severity,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer is a notification channel that publishes to Kafka
type Producer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewProducer creates a producer for the configured events topic
func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		ErrorLogger:  kafka.LoggerFunc(errorLogger(logger)),
	}
	return newProducer(writer, cfg.EventsTopic, logger)
}

func newProducer(w messageWriter, topic string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{writer: w, topic: topic, logger: logger}
}

func (p *Producer) Name() string { return "kafka" }

func (p *Producer) SendAlert(ctx context.Context, a *models.Alert) error {
	return p.publish(ctx, EventAlertCreated, a.Source, string(a.Severity), a.ID, a)
}

func (p *Producer) SendClassification(ctx context.Context, c *models.Classification) error {
	return p.publish(ctx, EventClassificationCreated, c.Source, string(c.RiskLevel), c.ID, c)
}

func (p *Producer) SendIncident(ctx context.Context, i *models.Incident) error {
	return p.publish(ctx, EventIncidentCreated, i.Source, string(i.Severity), i.ID, i)
}

func (p *Producer) publish(ctx context.Context, eventType, source, severity, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize %s payload: %w", eventType, err)
	}
	body, err := json.Marshal(EventMessage{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: body,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source-service", Value: []byte("guarddog")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("topic", p.topic),
			zap.String("event_type", eventType),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	p.logger.Debug("Event published", zap.String("event_type", eventType), zap.String("key", key))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func infoLogger(logger *zap.Logger) func(string, ...interface{}) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(format string, v ...interface{}) {
		logger.Debug(fmt.Sprintf(format, v...))
	}
}

func errorLogger(logger *zap.Logger) func(string, ...interface{}) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(format string, v ...interface{}) {
		logger.Error(fmt.Sprintf(format, v...))
	}
}
