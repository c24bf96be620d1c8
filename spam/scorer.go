package spam

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
	"github.com/sirupsen/logrus"
)

// minRepeatedRun is the single-character run length counted as repetition.
const minRepeatedRun = 10

type Scorer struct {
	store store.CounterStore
	sink  audit.Sink
	cfg   config.SpamConfig
	log   *logrus.Logger
	now   func() time.Time
}

type Option func(*Scorer)

func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

func New(s store.CounterStore, sink audit.Sink, cfg config.SpamConfig, log *logrus.Logger, opts ...Option) *Scorer {
	if sink == nil {
		sink = audit.Nop{}
	}
	sc := &Scorer{
		store: s,
		sink:  sink,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// CheckContentForSpam scores content submitted by userID. Indicator weights
// add up so independent signals compound.
func (s *Scorer) CheckContentForSpam(ctx context.Context, content, contentType, userID string, cc models.CheckContext) (*models.SpamReport, error) {
	if strings.TrimSpace(contentType) == "" {
		return nil, models.NewValidationError("content_type", "must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	began := s.now()
	report := &models.SpamReport{ContentType: contentType}
	report.Indicators = s.contentIndicators(content, contentType, cc)

	if userID != "" {
		ind, err := s.historyIndicator(ctx, userID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.log.WithError(err).WithField("user_id", userID).Warn("abuse history unavailable")
			metrics.DegradedTotal.WithLabelValues("spam").Inc()
			report.Unavailable = append(report.Unavailable, "abuse_history")
		} else if ind != nil {
			report.Indicators = append(report.Indicators, *ind)
		}
	}

	report.SpamScore = models.SumWeights(report.Indicators)
	report.IsSpam = report.SpamScore >= s.cfg.Threshold
	report.RecommendedAction = s.action(report.SpamScore)
	report.Confidence = s.confidence(report.SpamScore, len(report.Unavailable))
	report.ProcessingTime = s.now().Sub(began)

	if report.IsSpam && userID != "" {
		reason := "spam:" + string(report.RecommendedAction)
		if _, err := s.RecordViolation(ctx, userID, reason, s.cfg.Weights.SpamViolation, cc); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("failed to record spam violation")
		}
	}

	metrics.SpamVerdictsTotal.WithLabelValues(string(report.RecommendedAction)).Inc()
	s.log.WithFields(logrus.Fields{
		"content_type": contentType,
		"user_id":      userID,
		"spam_score":   report.SpamScore,
		"action":       report.RecommendedAction,
	}).Debug("content scored")

	return report, nil
}

func (s *Scorer) contentIndicators(content, contentType string, cc models.CheckContext) []models.Indicator {
	cfg := s.cfg
	w := cfg.Weights
	var out []models.Indicator
	add := func(name string, weight float64, detail string) {
		out = append(out, models.Indicator{Name: name, Weight: weight, Location: "content", Detail: detail})
	}

	if n := countURLs(content); n > cfg.MaxURLs {
		add("excessive_urls", w.ExcessiveURLs+float64(n-cfg.MaxURLs-1)*w.PerExtraURL,
			fmt.Sprintf("%d links", n))
	}

	ws := words(content)
	if run := longestRun(content); run >= minRepeatedRun {
		add("repetitive_text", w.Repetition, fmt.Sprintf("character repeated %d times", run))
	} else if len(ws) >= 5 && uniqueRatio(ws) < cfg.MinUniqueWordRatio {
		add("repetitive_text", w.Repetition, fmt.Sprintf("unique word ratio %.2f", uniqueRatio(ws)))
	}

	if runeLen(content) >= 20 {
		if h := entropy(content); h < cfg.MinEntropy {
			add("low_entropy", w.LowEntropy, fmt.Sprintf("entropy %.2f bits", h))
		}
	}

	if hits, matched := keywordHits(content, cfg.Keywords); hits > 0 {
		add("spam_keywords", math.Min(float64(hits)*w.KeywordHit, w.KeywordCap),
			strings.Join(matched, ", "))
	}

	minLen, ok := cfg.MinLength[contentType]
	if !ok {
		minLen = cfg.DefaultMinLength
	}
	if n := runeLen(content); n < minLen {
		add("short_content", w.ShortContent, fmt.Sprintf("%d characters, minimum %d", n, minLen))
	}

	for name, v := range cc.Honeypot {
		if strings.TrimSpace(v) != "" {
			out = append(out, models.Indicator{Name: "honeypot", Weight: w.Honeypot, Location: "form:" + name})
			break
		}
	}

	if !cc.FormRenderedAt.IsZero() && cfg.MinSubmitInterval > 0 {
		if elapsed := s.now().Sub(cc.FormRenderedAt); elapsed < cfg.MinSubmitInterval {
			out = append(out, models.Indicator{
				Name:     "too_fast",
				Weight:   w.TooFast,
				Location: "form",
				Detail:   fmt.Sprintf("submitted %s after render", elapsed.Round(time.Millisecond)),
			})
		}
	}

	if ratio, letters := capsRatio(content); letters >= cfg.CapsMinLetters && ratio > cfg.CapsRatio {
		add("excessive_caps", w.ExcessiveCaps, fmt.Sprintf("%.0f%% capitals", ratio*100))
	}

	return out
}

func (s *Scorer) historyIndicator(ctx context.Context, userID string) (*models.Indicator, error) {
	p, _, err := s.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.AbuseScore < s.cfg.Abuse.ReviewScore && !p.CoordinatedAttack {
		return nil, nil
	}
	return &models.Indicator{
		Name:     "abuse_history",
		Weight:   s.cfg.Weights.AbuseHistory,
		Location: "user",
		Detail:   fmt.Sprintf("abuse score %.1f over %d violations", p.AbuseScore, p.Violations),
	}, nil
}

func (s *Scorer) action(score float64) models.SpamAction {
	switch {
	case score >= s.cfg.BlockThreshold:
		return models.SpamBlock
	case score >= s.cfg.QuarantineThreshold:
		return models.SpamQuarantine
	case score >= s.cfg.Threshold:
		return models.SpamFlagForReview
	default:
		return models.SpamAllow
	}
}

// confidence grows with the distance of score from the spam threshold and
// shrinks when a dimension could not be evaluated.
func (s *Scorer) confidence(score float64, unavailable int) float64 {
	t := s.cfg.Threshold
	span := math.Max(t, 100-t)
	c := 0.5
	if span > 0 {
		c += 0.5 * math.Abs(score-t) / span
	}
	if unavailable > 0 {
		c *= 0.8
	}
	return math.Round(math.Min(1, c)*100) / 100
}
