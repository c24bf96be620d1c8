package ratelimiter

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/berserk3142-max/trust-guard/metrics"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
)

type AnomalyReport struct {
	Identifier        string             `json:"identifier"`
	Anomalies         []models.Indicator `json:"anomalies"`
	RiskScore         float64            `json:"risk_score"`
	RecommendedAction models.Action      `json:"recommended_action"`
	Degraded          bool               `json:"degraded,omitempty"`
}

// activityProfile is the per-identifier request history kept for anomaly detection.
type activityProfile struct {
	Timestamps      []int64 `json:"timestamps"`
	Minute          int64   `json:"minute"`
	MinuteCount     int     `json:"minute_count"`
	Baseline        float64 `json:"baseline"`
	BaselineSamples int     `json:"baseline_samples"`
	Country         string  `json:"country,omitempty"`
	CountrySeenAt   int64   `json:"country_seen_at,omitempty"`
}

// maxIdleMinutes caps how many empty minutes are folded into the baseline.
const maxIdleMinutes = 60

// DetectAnomalies records one request for identifier and compares it with the
// identifier's own history.
func (l *Limiter) DetectAnomalies(ctx context.Context, identifier string, cc models.CheckContext) (*AnomalyReport, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, models.NewValidationError("identifier", "must not be empty")
	}

	cfg := l.anomaly
	now := l.now()
	var found []models.Indicator

	_, err := store.UpdateJSON(ctx, l.store, store.Key("rl", "activity", identifier), cfg.ProfileTTL,
		func(p *activityProfile, _ bool) error {
			found = found[:0]
			minute := now.Unix() / 60

			switch {
			case p.Minute == 0:
				p.Minute = minute
			case minute > p.Minute:
				p.foldMinute(float64(p.MinuteCount), cfg.BaselineAlpha)
				idle := minute - p.Minute - 1
				if idle > maxIdleMinutes {
					idle = maxIdleMinutes
				}
				for i := int64(0); i < idle; i++ {
					p.foldMinute(0, cfg.BaselineAlpha)
				}
				p.Minute = minute
				p.MinuteCount = 0
			}
			p.MinuteCount++

			if p.BaselineSamples > 0 && p.MinuteCount >= cfg.MinSpikeCount &&
				float64(p.MinuteCount) > p.Baseline*cfg.SpikeMultiplier {
				found = append(found, models.Indicator{
					Name:   "request_spike",
					Weight: cfg.SpikeWeight,
					Detail: fmt.Sprintf("%d requests this minute against a baseline of %.1f", p.MinuteCount, p.Baseline),
				})
			}

			p.Timestamps = append(p.Timestamps, now.UnixNano())
			if len(p.Timestamps) > cfg.HistorySize {
				p.Timestamps = p.Timestamps[len(p.Timestamps)-cfg.HistorySize:]
			}
			if cv, ok := intervalCV(p.Timestamps, cfg.MinIntervals); ok && cv < cfg.RegularityCV {
				found = append(found, models.Indicator{
					Name:   "regular_timing",
					Weight: cfg.RegularityWeight,
					Detail: fmt.Sprintf("inter-arrival coefficient of variation %.3f", cv),
				})
			}

			if cc.Country != "" {
				if p.Country != "" && !strings.EqualFold(p.Country, cc.Country) &&
					now.UnixNano()-p.CountrySeenAt < int64(cfg.GeoWindow) {
					found = append(found, models.Indicator{
						Name:   "geo_change",
						Weight: cfg.GeoWeight,
						Detail: fmt.Sprintf("country changed from %s to %s", p.Country, cc.Country),
					})
				}
				p.Country = cc.Country
				p.CountrySeenAt = now.UnixNano()
			}
			return nil
		})
	if err != nil {
		metrics.DegradedTotal.WithLabelValues("anomaly").Inc()
		l.log.WithError(err).WithField("identifier", identifier).Warn("anomaly profile unavailable")
		return &AnomalyReport{
			Identifier:        identifier,
			Anomalies:         []models.Indicator{},
			RecommendedAction: models.ActionAllow,
			Degraded:          true,
		}, nil
	}

	risk := models.SumWeights(found)
	return &AnomalyReport{
		Identifier:        identifier,
		Anomalies:         append([]models.Indicator{}, found...),
		RiskScore:         risk,
		RecommendedAction: models.ActionForRisk(risk),
	}, nil
}

func (p *activityProfile) foldMinute(count, alpha float64) {
	if p.BaselineSamples == 0 {
		p.Baseline = count
	} else {
		p.Baseline = alpha*count + (1-alpha)*p.Baseline
	}
	p.BaselineSamples++
}

// intervalCV is the coefficient of variation of the gaps between the last
// minIntervals+1 timestamps.
func intervalCV(ts []int64, minIntervals int) (float64, bool) {
	if minIntervals < 1 || len(ts) < minIntervals+1 {
		return 0, false
	}
	ts = ts[len(ts)-minIntervals-1:]
	var sum float64
	gaps := make([]float64, 0, minIntervals)
	for i := 1; i < len(ts); i++ {
		g := float64(ts[i] - ts[i-1])
		gaps = append(gaps, g)
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		return 0, false
	}
	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))
	return math.Sqrt(variance) / mean, true
}
