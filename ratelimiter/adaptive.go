package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
)

// GetAdaptiveLimit scales the configured limit by trust level, recent
// violations and time of day. The result never drops below the configured floor.
func (l *Limiter) GetAdaptiveLimit(ctx context.Context, identifier, limitType string, cc models.CheckContext) (*models.AdaptiveLimitProfile, error) {
	p, err := l.profile(identifier, limitType)
	if err != nil {
		return nil, err
	}

	violations, err := l.violations(ctx, identifier)
	if err != nil {
		return nil, err
	}

	now := l.now()
	trust := l.trustFactor(cc.TrustLevel)
	violation := math.Max(l.adaptive.MinViolationFactor, 1-float64(violations)*l.adaptive.ViolationPenalty)
	tod := l.adaptive.OffPeakFactor
	if h := now.UTC().Hour(); h >= l.adaptive.PeakStartHour && h < l.adaptive.PeakEndHour {
		tod = l.adaptive.PeakFactor
	}

	floor := l.adaptive.Floor
	if floor < 1 {
		floor = 1
	}
	limit := int(math.Floor(float64(p.Requests) * trust * violation * tod))
	if limit < floor {
		limit = floor
	}

	return &models.AdaptiveLimitProfile{
		Identifier:      identifier,
		LimitType:       limitType,
		BaseLimit:       p.Requests,
		TrustFactor:     trust,
		ViolationFactor: violation,
		TimeOfDayFactor: tod,
		Violations:      violations,
		Limit:           limit,
		ComputedAt:      now,
	}, nil
}

func (l *Limiter) trustFactor(level string) float64 {
	if f, ok := l.adaptive.TrustFactors[level]; ok && f > 0 {
		return f
	}
	if f, ok := l.adaptive.TrustFactors[l.adaptive.DefaultTrustLevel]; ok && f > 0 {
		return f
	}
	return 1
}

func (l *Limiter) violations(ctx context.Context, identifier string) (int64, error) {
	raw, err := l.store.Get(ctx, violationsKey(identifier))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read violations: %w", err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
