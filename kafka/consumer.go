package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/gestnote/ranking-guard/models"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type EventHandler interface {
	HandleIntent(ctx context.Context, event models.SecurityEvent) error
}

type Consumer struct {
	reader  messageReader
	handler EventHandler
	logger  *zap.Logger
	backoff time.Duration
}

func NewConsumer(brokers []string, topic string, groupID string, handler EventHandler, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})

	return newConsumerWithReader(reader, handler, logger)
}

func newConsumerWithReader(reader messageReader, handler EventHandler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger.Named("kafka-consumer"),
		backoff: time.Second,
	}
}

// Run consumes intents until ctx is cancelled. Undecodable messages are
// logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn("error reading message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		var intent SecurityIntent
		if err := json.Unmarshal(msg.Value, &intent); err != nil {
			c.logger.Warn("error unmarshaling intent", zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}

		if intent.Republished() {
			c.logger.Debug("skipping own security event", zap.Int64("offset", msg.Offset))
			continue
		}

		event, err := intent.ToEvent()
		if err != nil {
			c.logger.Warn("rejected intent", zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}

		if err := c.handler.HandleIntent(ctx, event); err != nil {
			c.logger.Error("error handling intent", zap.String("type", string(event.Type)), zap.Error(err))
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

type recorder interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

// RecordingHandler appends consumed intents to the local security log.
type RecordingHandler struct {
	Recorder recorder
}

func (h RecordingHandler) HandleIntent(ctx context.Context, event models.SecurityEvent) error {
	h.Recorder.Record(ctx, event)
	return nil
}
