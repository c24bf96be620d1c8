package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/berserk3142-max/trust-guard/audit"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/google/uuid"
)

type Kind string

const (
	KindSecurityEvent  Kind = "security_event"
	KindRateLimitEvent Kind = "rate_limit_event"
	KindAbuseReport    Kind = "abuse_report"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSecurityEvent, KindRateLimitEvent, KindAbuseReport:
		return true
	}
	return false
}

// Envelope wraps one audit record on the topic. Key is also the message
// key so records about the same subject stay on one partition.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewEnvelope(kind Kind, key string, v any) (*Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Key:       key,
		Payload:   payload,
		CreatedAt: time.Now(),
	}, nil
}

// Replay decodes the payload and hands it to the matching sink method.
func (e *Envelope) Replay(ctx context.Context, sink audit.Sink) error {
	switch e.Kind {
	case KindSecurityEvent:
		var event models.SecurityEvent
		if err := json.Unmarshal(e.Payload, &event); err != nil {
			return fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		return sink.RecordSecurityEvent(ctx, &event)
	case KindRateLimitEvent:
		var event models.RateLimitEvent
		if err := json.Unmarshal(e.Payload, &event); err != nil {
			return fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		return sink.RecordRateLimitEvent(ctx, &event)
	case KindAbuseReport:
		var report models.AbuseReport
		if err := json.Unmarshal(e.Payload, &report); err != nil {
			return fmt.Errorf("decode %s: %w", e.Kind, err)
		}
		return sink.RecordAbuseReport(ctx, &report)
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
}
