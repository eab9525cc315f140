package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka group commits are high-water marks: committing offset N acknowledges
// everything at or below N. A failed message therefore blocks the partition
// until it applies or proves to be poison; retry pacing below.
const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
)

// MessageHandler applies one raw bus message.
type MessageHandler interface {
	Dispatch(ctx context.Context, raw []byte) error
}

// Consumer reads user lifecycle events from Kafka and feeds the handler.
//
// Offsets commit only after a successful dispatch. Infrastructure failures
// retry the same message in place with capped backoff rather than moving on,
// because committing a later offset would acknowledge the failed one too.
// Poison messages (malformed or unknown types) are logged and committed so
// they cannot wedge the partition.
type Consumer struct {
	reader    *kafka.Reader
	handler   MessageHandler
	logger    *slog.Logger
	retryBase time.Duration

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewConsumer creates a consumer from the given configuration.
func NewConsumer(cfg *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bus config: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})

	return &Consumer{
		reader:    reader,
		handler:   handler,
		logger:    logger,
		retryBase: defaultRetryBackoff,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start launches the consume loop in a background goroutine. The loop runs
// until the context ends or Close is called.
func (c *Consumer) Start(ctx context.Context) {
	go c.run(ctx)

	c.logger.Info("bus consumer started",
		"topic", c.reader.Config().Topic,
		"group_id", c.reader.Config().GroupID,
	)
}

// Close stops the consumer and waits for the loop to exit.
func (c *Consumer) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.stopCh)
		err = c.reader.Close()
		<-c.doneCh
		c.logger.Info("bus consumer stopped")
	})

	return err
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.doneCh)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			// Closed reader or cancelled context ends the loop.
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, kafka.ErrGroupClosed) {
				return
			}

			c.logger.Error("failed to fetch bus message", "error", err)

			continue
		}

		if err := c.apply(ctx, msg); err != nil {
			// Shutdown mid-retry: the message stays uncommitted and
			// redelivers to the next consumer in the group.
			return
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit bus offset", "error", err)
		}
	}
}

// errConsumerClosed aborts an in-flight retry loop on Close.
var errConsumerClosed = errors.New("bus consumer closed")

// apply dispatches one message until it lands. Poison messages return nil
// immediately so the caller commits past them; every other failure retries the
// same message with capped exponential backoff, and only shutdown ends the
// loop early.
func (c *Consumer) apply(ctx context.Context, msg kafka.Message) error {
	backoff := c.retryBase

	for attempt := 1; ; attempt++ {
		err := c.handler.Dispatch(ctx, msg.Value)
		if err == nil {
			return nil
		}

		if errors.Is(err, ErrMalformedMessage) || errors.Is(err, ErrUnknownMessageType) {
			c.logger.Warn("skipping poison bus message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)

			return nil
		}

		c.logger.Error("failed to apply bus message, retrying in place",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return errConsumerClosed
		}

		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}
