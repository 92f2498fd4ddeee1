// Package ingest consumes telemetry events from Kafka and feeds them to the correlator.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yegors/flightlog/internal/correlator"
	"github.com/yegors/flightlog/internal/flight"
	"github.com/yegors/flightlog/internal/metrics"
	"github.com/yegors/flightlog/pkg/logger"
)

// EventHandler correlates one telemetry event
type EventHandler interface {
	HandleEvent(ctx context.Context, ev flight.Event) (*correlator.Result, error)
}

// Reader is the part of *kafka.Reader the consumer uses. Offsets are
// committed explicitly, after a message was handled.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the consumer settings
type Config struct {
	Brokers       []string
	Topic         string
	GroupID       string
	HandleTimeout time.Duration
	MaxAttempts   int // attempts for an event failing with a retryable error
}

// Consumer reads JSON telemetry events from a topic
type Consumer struct {
	reader        Reader
	handler       EventHandler
	handleTimeout time.Duration
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxAttempts   int
	metrics       *metrics.Metrics
	logger        *logger.Logger
}

// NewConsumer creates a consumer group reader for the configured topic
func NewConsumer(config Config, handler EventHandler, m *metrics.Metrics, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		GroupID:           config.GroupID,
		Topic:             config.Topic,
		MinBytes:          1,
		MaxBytes:          10e6, // 10MB
		MaxWait:           time.Second,
		CommitInterval:    time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	})
	c := newConsumer(reader, handler, config.HandleTimeout, m, log)
	if config.MaxAttempts > 0 {
		c.maxAttempts = config.MaxAttempts
	}
	return c
}

func newConsumer(reader Reader, handler EventHandler, handleTimeout time.Duration, m *metrics.Metrics, log *logger.Logger) *Consumer {
	if handleTimeout <= 0 {
		handleTimeout = 10 * time.Second
	}
	return &Consumer{
		reader:        reader,
		handler:       handler,
		handleTimeout: handleTimeout,
		retryDelay:    time.Second,
		maxRetryDelay: 30 * time.Second,
		maxAttempts:   5,
		metrics:       m,
		logger:        log.Named("ingest"),
	}
}

// Run consumes until ctx is cancelled. Fetch errors are logged and retried.
// A message is committed once it was handled, so an event interrupted by
// shutdown is delivered again.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consuming telemetry events")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Telemetry consumer stopped")
				return nil
			}
			c.logger.Warn("Kafka read failed", logger.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if !c.handleMessage(ctx, msg) {
			c.logger.Info("Telemetry consumer stopped before the event was handled",
				logger.Int64("offset", msg.Offset))
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("Failed to commit telemetry event",
				logger.Int64("offset", msg.Offset),
				logger.Int("partition", msg.Partition),
				logger.Error(err))
		}
	}
}

// handleMessage correlates one message and reports whether it may be
// committed. Retryable failures were not applied, so they are tried again
// with a growing delay; bad messages are counted and skipped. It returns
// false only when ctx ends before the event was handled.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) bool {
	var ev flight.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.metrics.IngestMessage("malformed")
		c.logger.Warn("Skipping malformed telemetry event",
			logger.Int64("offset", msg.Offset),
			logger.Int("partition", msg.Partition),
			logger.Error(err))
		return true
	}
	if ev.DeviceID == "" && len(msg.Key) > 0 {
		ev.DeviceID = string(msg.Key)
	}
	if ev.Timestamp == nil && !msg.Time.IsZero() {
		at := msg.Time
		ev.Timestamp = &at
	}

	var (
		err     error
		attempt int
	)
	delay := c.retryDelay
	for attempt = 1; ; attempt++ {
		err = c.handle(ctx, ev)
		if !errors.Is(err, correlator.ErrRetryable) || attempt >= c.maxAttempts {
			break
		}
		c.metrics.IngestMessage("retried")
		c.logger.Warn("Retrying telemetry event",
			logger.String("type", ev.Type),
			logger.String("device_id", ev.DeviceID),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxRetryDelay)
	}

	switch {
	case err == nil:
		c.metrics.IngestMessage("ok")
	case errors.Is(err, flight.ErrUnknownEvent), errors.Is(err, flight.ErrMissingDeviceID):
		c.metrics.IngestMessage("rejected")
		c.logger.Warn("Skipping invalid telemetry event",
			logger.String("type", ev.Type),
			logger.Int64("offset", msg.Offset),
			logger.Error(err))
	default:
		c.metrics.IngestMessage("failed")
		c.logger.Error("Failed to correlate telemetry event",
			logger.String("type", ev.Type),
			logger.String("device_id", ev.DeviceID),
			logger.Int64("offset", msg.Offset),
			logger.Bool("retryable", errors.Is(err, correlator.ErrRetryable)),
			logger.Int("attempts", attempt),
			logger.Error(err))
	}
	return true
}

func (c *Consumer) handle(ctx context.Context, ev flight.Event) error {
	hctx, cancel := context.WithTimeout(ctx, c.handleTimeout)
	defer cancel()
	_, err := c.handler.HandleEvent(hctx, ev)
	return err
}

// Close closes the underlying reader
func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
