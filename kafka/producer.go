package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes the audit trail. It satisfies audit.Sink; writes are
// async so the request path never waits on the broker.
type Producer struct {
	writer messageWriter
	log    *logrus.Logger
}

func NewProducer(cfg config.KafkaConfig, log *logrus.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.WithError(err).WithField("messages", len(messages)).Error("failed to publish audit records")
			}
		},
	}
	return &Producer{writer: writer, log: log}
}

func (p *Producer) RecordSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	return p.publish(ctx, KindSecurityEvent, event.SourceIP, event)
}

func (p *Producer) RecordRateLimitEvent(ctx context.Context, event *models.RateLimitEvent) error {
	return p.publish(ctx, KindRateLimitEvent, event.Identifier, event)
}

func (p *Producer) RecordAbuseReport(ctx context.Context, report *models.AbuseReport) error {
	return p.publish(ctx, KindAbuseReport, report.ContentType+":"+report.ContentID, report)
}

func (p *Producer) publish(ctx context.Context, kind Kind, key string, v any) error {
	env, err := NewEnvelope(kind, key, v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  env.CreatedAt,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
