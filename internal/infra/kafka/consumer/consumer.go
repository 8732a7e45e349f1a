package consumer

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/doc-translator/internal/config"
)

// handlePause is the wait between rounds of failed handling of one message.
const handlePause = time.Second

// requestHandler handles one translation request message.
type requestHandler interface {
	Handle(ctx context.Context, msg kafka.Message) error
}

// client is the Kafka reader; *wbfkafka.Consumer implements it.
type client interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Consumer reads translation requests from Kafka and hands them to a handler.
type Consumer struct {
	Client   client
	handler  requestHandler
	cfg      *config.Kafka
	strategy retry.Strategy
	pause    time.Duration
}

// New creates a Consumer of cfg.RequestsTopic in consumer group cfg.GroupID.
func New(cfg *config.Kafka, s retry.Strategy, h requestHandler) *Consumer {
	consumer := wbfkafka.NewConsumer(cfg.Brokers, cfg.RequestsTopic, cfg.GroupID)
	if s.Attempts < 1 {
		s.Attempts = 1
	}

	return &Consumer{
		Client:   consumer,
		handler:  h,
		cfg:      cfg,
		strategy: s,
		pause:    handlePause,
	}
}

// Consume fetches messages until ctx is canceled, committing each one after
// the handler accepts it. A message the handler fails on is retried until it
// succeeds or ctx ends; the reader never moves past it, so a later commit
// cannot skip it.
func (c *Consumer) Consume(ctx context.Context) error {
	zlog.Logger.Info().
		Str("topic", c.cfg.RequestsTopic).
		Msg("starting consumer")

	for {
		// Exit if context is canceled (graceful shutdown).
		if ctx.Err() != nil {
			zlog.Logger.Info().Msg("shutdown signal received, stopping consumer")
			return nil
		}

		// Fetch a message from Kafka with retries.
		var msg kafka.Message
		err := retry.Do(func() error {
			var fetchErr error
			msg, fetchErr = c.Client.Fetch(ctx)
			return fetchErr
		}, c.strategy)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			zlog.Logger.Err(err).Msg("failed to fetch message")
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		if !c.handle(ctx, msg) {
			continue
		}

		// Commit the message with retries.
		err = retry.Do(func() error {
			return c.Client.Commit(ctx, msg)
		}, c.strategy)
		if err != nil {
			zlog.Logger.Err(err).Msg("failed to commit message after retries")
			continue
		}

		zlog.Logger.Debug().
			Int64("offset", msg.Offset).
			Msg("message handled successfully")
	}
}

// handle runs the handler on msg until it succeeds. It reports false when
// ctx ended first.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	for {
		err := retry.Do(func() error {
			return c.handler.Handle(ctx, msg)
		}, c.strategy)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		zlog.Logger.Err(err).
			Int64("offset", msg.Offset).
			Msg("failed to handle translation request, retrying")
		sleep(ctx, c.pause)
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.Client.Close()
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
