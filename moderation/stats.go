package moderation

import (
	"context"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
)

type cachedStats struct {
	stats models.ModerationStats
	at    time.Time
}

// GetModerationStats aggregates the queue over the trailing period. Results
// are cached per period for StatsCacheTTL.
func (p *Pipeline) GetModerationStats(ctx context.Context, period time.Duration) (*models.ModerationStats, error) {
	if period <= 0 {
		return nil, models.NewValidationError("period", "must be positive")
	}
	now := p.now()

	p.statsMu.Lock()
	if c, ok := p.stats[period]; ok && now.Sub(c.at) < p.cfg.StatsCacheTTL {
		p.statsMu.Unlock()
		s := c.stats
		return &s, nil
	}
	gen := p.statsGen
	p.statsMu.Unlock()

	items, err := p.queue.Since(ctx, now.Add(-period))
	if err != nil {
		return nil, err
	}
	backlog, err := p.queue.Backlog(ctx)
	if err != nil {
		return nil, err
	}

	toxicCut := (p.cfg.AutoApproveThreshold + p.cfg.AutoRejectThreshold) / 2
	s := models.ModerationStats{Period: period, QueueBacklog: backlog, GeneratedAt: now}
	var processing time.Duration
	for _, it := range items {
		s.Total++
		processing += it.ProcessingTime
		switch it.Status {
		case models.StatusAutoApproved:
			s.AutoApproved++
		case models.StatusAutoRejected:
			s.AutoRejected++
		case models.StatusApproved:
			s.Approved++
		case models.StatusRejected:
			s.Rejected++
		}
		if it.Action == models.ModerationFlagForReview {
			s.Flagged++
		}
		if it.ReviewedAt != nil {
			s.HumanReviewed++
		}
		if it.Scores.Spam.Available && it.Scores.Spam.Value >= p.spamCut {
			s.SpamDetected++
		}
		if it.Scores.Toxicity.Available && it.Scores.Toxicity.Value >= toxicCut {
			s.ToxicityDetected++
		}
	}
	if s.Total > 0 {
		s.AvgProcessingMillis = float64(processing) / float64(s.Total) / float64(time.Millisecond)
	}
	if s.HumanReviewed > 0 {
		s.EstimatedFalsePosRate = float64(s.Approved) / float64(s.HumanReviewed)
	}

	p.statsMu.Lock()
	if gen == p.statsGen {
		p.stats[period] = cachedStats{stats: s, at: now}
	}
	p.statsMu.Unlock()
	return &s, nil
}

func (p *Pipeline) invalidateStats() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	clear(p.stats)
	p.statsGen++
}
