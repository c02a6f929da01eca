package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/tracker"
)

// Values of the event-type header on the api calls topic
const (
	CallEventDirect  = "api_call"
	CallEventWebhook = "webhook"
)

// Ingestor receives decoded API-call observations
type Ingestor interface {
	TrackExternalAPICall(ctx context.Context, call models.ExternalAPICall) (*tracker.Result, error)
	TrackWebhook(ctx context.Context, raw []byte) (*tracker.Result, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds the api calls topic into the tracker
type Consumer struct {
	reader   messageReader
	ingestor Ingestor
	logger   *zap.Logger

	mu        sync.Mutex
	processed int64
	failed    int64
}

// NewConsumer joins the configured consumer group
func NewConsumer(cfg config.KafkaConfig, ingestor Ingestor, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.APICallsTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		Logger:         kafka.LoggerFunc(infoLogger(logger)),
		ErrorLogger:    kafka.LoggerFunc(errorLogger(logger)),
	})
	return newConsumer(reader, ingestor, logger)
}

func newConsumer(r messageReader, ingestor Ingestor, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{reader: r, ingestor: ingestor, logger: logger}
}

// Run consumes until ctx is cancelled or the reader is closed
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Starting Kafka consumer")
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.Info("Kafka consumer stopped")
				return nil
			}
			c.logger.Error("Failed to read Kafka message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			c.record(false)
			c.logger.Error("Failed to process Kafka message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		} else {
			c.record(true)
		}

		// Messages that cannot be processed are skipped, not retried.
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to commit Kafka message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	switch header(msg, "event-type") {
	case CallEventWebhook:
		_, err := c.ingestor.TrackWebhook(ctx, msg.Value)
		return err
	case CallEventDirect, "":
		var call models.ExternalAPICall
		if err := json.Unmarshal(msg.Value, &call); err != nil {
			return fmt.Errorf("failed to decode api call: %w", err)
		}
		_, err := c.ingestor.TrackExternalAPICall(ctx, call)
		return err
	default:
		return fmt.Errorf("unsupported event type %q", header(msg, "event-type"))
	}
}

func (c *Consumer) record(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.processed++
	} else {
		c.failed++
	}
}

// Stats reports processed and failed message counts
func (c *Consumer) Stats() (processed, failed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed, c.failed
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
