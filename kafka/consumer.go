package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/berserk3142-max/trust-guard/audit"
	"github.com/berserk3142-max/trust-guard/config"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer replays envelopes from the topic into a sink, normally the
// Postgres audit repository.
type Consumer struct {
	reader     messageReader
	sink       audit.Sink
	log        *logrus.Logger
	attempts   int
	retryDelay time.Duration
}

func NewConsumer(cfg config.KafkaConfig, sink audit.Sink, log *logrus.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, sink: sink, log: log, attempts: 3, retryDelay: 200 * time.Millisecond}
}

// Run blocks until ctx is cancelled or the reader is closed. Fetch errors
// back off for retryDelay before the next attempt. A record the sink keeps rejecting is
// retried with a growing delay, then logged and skipped; a later commit
// moves the group offset past it.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("audit reader closed: %w", err)
			}
			c.log.WithError(err).Error("error reading audit message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if err := c.persist(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("dropping audit record the sink rejected")
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("failed to commit audit message")
		}
	}
}

func (c *Consumer) persist(ctx context.Context, msg kafka.Message) error {
	attempts := c.attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(i)):
			}
		}
		if err = c.handle(ctx, msg); err == nil {
			return nil
		}
	}
	return err
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		c.log.WithError(err).WithField("offset", msg.Offset).Warn("skipping malformed audit message")
		return nil
	}
	if !env.Kind.Valid() || len(env.Payload) == 0 {
		c.log.WithFields(logrus.Fields{
			"offset": msg.Offset,
			"kind":   env.Kind,
		}).Warn("skipping unknown audit message")
		return nil
	}
	return env.Replay(ctx, c.sink)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
