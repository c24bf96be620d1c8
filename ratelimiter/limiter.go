package ratelimiter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/berserk3142-max/trust-guard/audit"
	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/metrics"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Decision struct {
	Allowed           bool             `json:"allowed"`
	Remaining         int              `json:"remaining"`
	RetryAfterSeconds *int             `json:"retry_after_seconds"`
	Limit             int              `json:"limit"`
	LimitType         string           `json:"limit_type"`
	Algorithm         models.Algorithm `json:"algorithm"`
	Degraded          bool             `json:"degraded,omitempty"`
}

type Limiter struct {
	store    store.CounterStore
	sink     audit.Sink
	limits   map[string]config.LimitProfile
	adaptive config.AdaptiveConfig
	anomaly  config.AnomalyConfig
	log      *logrus.Logger
	now      func() time.Time
	degraded *rate.Limiter
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithDegradedEventRate bounds how often rate_limiter_degraded events reach
// the audit sink while the store is down.
func WithDegradedEventRate(every time.Duration) Option {
	return func(l *Limiter) { l.degraded = rate.NewLimiter(rate.Every(every), 1) }
}

func New(s store.CounterStore, sink audit.Sink, cfg *config.Config, log *logrus.Logger, opts ...Option) *Limiter {
	if sink == nil {
		sink = audit.Nop{}
	}
	l := &Limiter{
		store:    s,
		sink:     sink,
		limits:   cfg.RateLimits,
		adaptive: cfg.Adaptive,
		anomaly:  cfg.Anomaly,
		log:      log,
		now:      time.Now,
		degraded: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func stateKey(limitType, identifier string) string {
	return store.Key("rl", limitType, identifier)
}

func violationsKey(identifier string) string {
	return store.Key("rl", "violations", identifier)
}

func (l *Limiter) profile(identifier, limitType string) (config.LimitProfile, error) {
	if strings.TrimSpace(identifier) == "" {
		return config.LimitProfile{}, models.NewValidationError("identifier", "must not be empty")
	}
	p, ok := l.limits[limitType]
	if !ok {
		return config.LimitProfile{}, models.NewValidationError("limit_type", fmt.Sprintf("unknown limit type %q", limitType))
	}
	return p, nil
}

// CheckAdmission admits or denies one request for identifier under limitType.
func (l *Limiter) CheckAdmission(ctx context.Context, identifier, limitType string) (*Decision, error) {
	return l.CheckAdmissionWithContext(ctx, identifier, limitType, models.CheckContext{})
}

// CheckAdmissionWithContext is CheckAdmission with the caller's trust level
// available to adaptive profiles.
func (l *Limiter) CheckAdmissionWithContext(ctx context.Context, identifier, limitType string, cc models.CheckContext) (*Decision, error) {
	p, err := l.profile(identifier, limitType)
	if err != nil {
		return nil, err
	}

	limit := p.Requests
	if p.Adaptive {
		ap, err := l.GetAdaptiveLimit(ctx, identifier, limitType, cc)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return l.failOpen(ctx, identifier, limitType, p, err), nil
		}
		limit = ap.Limit
	}

	var decision *Decision
	now := l.now()
	ttl := p.Window() + time.Duration(float64(p.Burst)/p.RefillRate()*float64(time.Second))

	state, err := store.UpdateJSON(ctx, l.store, stateKey(limitType, identifier), ttl,
		func(st *models.RateLimitState, exists bool) error {
			fresh := !exists || st.Algorithm != p.Algorithm
			if fresh {
				*st = models.RateLimitState{Identifier: identifier, Algorithm: p.Algorithm, WindowStart: now}
			}
			switch p.Algorithm {
			case models.AlgorithmTokenBucket:
				decision = takeToken(st, fresh, limit, p, now)
			default:
				decision = slideWindow(st, limit, p.Window(), now)
			}
			return nil
		})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return l.failOpen(ctx, identifier, limitType, p, err), nil
	}
	decision.LimitType = limitType

	if decision.Allowed {
		metrics.AdmissionTotal.WithLabelValues(limitType, "allowed").Inc()
	} else {
		metrics.AdmissionTotal.WithLabelValues(limitType, "denied").Inc()
		l.recordDenial(ctx, identifier, limitType, limit, requestsMade(&state, decision))
	}

	l.log.WithFields(logrus.Fields{
		"identifier": identifier,
		"limit_type": limitType,
		"allowed":    decision.Allowed,
		"remaining":  decision.Remaining,
	}).Debug("admission checked")

	return decision, nil
}

// takeToken refills the bucket for the elapsed time and tries to consume one token.
func takeToken(st *models.RateLimitState, fresh bool, limit int, p config.LimitProfile, now time.Time) *Decision {
	capacity := float64(limit + p.Burst)
	refill := float64(limit) / float64(p.WindowSeconds)

	if fresh {
		st.Tokens = capacity
		st.LastUpdated = now
	}
	elapsed := now.Sub(st.LastUpdated).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	st.Tokens = math.Min(capacity, st.Tokens+elapsed*refill)
	st.Capacity = capacity
	st.RefillRate = refill
	st.LastUpdated = now

	d := &Decision{Limit: limit + p.Burst, Algorithm: models.AlgorithmTokenBucket}
	if st.Tokens >= 1 {
		st.Tokens--
		d.Allowed = true
		d.Remaining = int(math.Floor(st.Tokens))
		return d
	}

	retry := int(math.Ceil((1 - st.Tokens) / refill))
	if retry < 1 {
		retry = 1
	}
	d.RetryAfterSeconds = &retry
	return d
}

// slideWindow prunes the request log to the trailing window and admits the
// request when fewer than limit entries remain.
func slideWindow(st *models.RateLimitState, limit int, window time.Duration, now time.Time) *Decision {
	cutoff := now.Add(-window).UnixNano()
	kept := st.Log[:0]
	for _, ts := range st.Log {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	st.Log = kept
	st.Capacity = float64(limit)
	st.RefillRate = float64(limit) / window.Seconds()
	st.LastUpdated = now

	d := &Decision{Limit: limit, Algorithm: models.AlgorithmSlidingWindow}
	if len(st.Log) < limit {
		st.Log = append(st.Log, now.UnixNano())
		st.WindowStart = time.Unix(0, st.Log[0])
		d.Allowed = true
		d.Remaining = limit - len(st.Log)
		return d
	}

	oldest := time.Unix(0, st.Log[0])
	st.WindowStart = oldest
	retry := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
	if retry < 1 {
		retry = 1
	}
	d.RetryAfterSeconds = &retry
	return d
}

func requestsMade(st *models.RateLimitState, d *Decision) int {
	if d.Algorithm == models.AlgorithmSlidingWindow {
		return len(st.Log) + 1
	}
	return int(st.Capacity-st.Tokens) + 1
}

func (l *Limiter) recordDenial(ctx context.Context, identifier, limitType string, limit, made int) {
	if _, err := l.store.Incr(ctx, violationsKey(identifier), 1, l.adaptive.ViolationTTL); err != nil {
		l.log.WithError(err).WithField("identifier", identifier).Warn("failed to count rate limit violation")
	}

	event := &models.RateLimitEvent{
		ID:           uuid.New(),
		Identifier:   identifier,
		LimitType:    limitType,
		RequestsMade: made,
		Limit:        limit,
		Exceeded:     true,
		CreatedAt:    l.now(),
	}
	if err := l.sink.RecordRateLimitEvent(ctx, event); err != nil {
		l.log.WithError(err).WithField("identifier", identifier).Error("failed to record rate limit event")
	}
}

// failOpen admits the request when the counter store cannot be used.
func (l *Limiter) failOpen(ctx context.Context, identifier, limitType string, p config.LimitProfile, cause error) *Decision {
	metrics.AdmissionTotal.WithLabelValues(limitType, "degraded").Inc()
	metrics.DegradedTotal.WithLabelValues("ratelimiter").Inc()

	l.log.WithError(cause).WithFields(logrus.Fields{
		"identifier": identifier,
		"limit_type": limitType,
	}).Warn("counter store unavailable, admitting request")

	if l.degraded.AllowN(l.now(), 1) {
		event := &models.SecurityEvent{
			ID:       uuid.New(),
			Type:     models.EventRateLimiterDegraded,
			Severity: models.SeverityMedium,
			Indicators: []models.Indicator{{
				Name:     "counter_store_unavailable",
				Location: limitType,
				Detail:   cause.Error(),
			}},
			RecommendedAction: models.ActionAllow,
			CreatedAt:         l.now(),
		}
		if err := l.sink.RecordSecurityEvent(ctx, event); err != nil {
			l.log.WithError(err).Error("failed to record degraded rate limiter event")
		}
	}

	return &Decision{
		Allowed:   true,
		Remaining: p.Requests,
		Limit:     p.Requests,
		LimitType: limitType,
		Algorithm: p.Algorithm,
		Degraded:  true,
	}
}

// Reset clears the counter state of identifier under limitType.
func (l *Limiter) Reset(ctx context.Context, identifier, limitType string) error {
	if _, err := l.profile(identifier, limitType); err != nil {
		return err
	}
	return l.store.Delete(ctx, stateKey(limitType, identifier))
}
