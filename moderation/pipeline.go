package moderation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/metrics"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/berserk3142-max/trust-guard/threat"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SpamChecker is the part of the spam scorer moderation depends on.
type SpamChecker interface {
	CheckContentForSpam(ctx context.Context, content, contentType, userID string, cc models.CheckContext) (*models.SpamReport, error)
	ReportCount(ctx context.Context, contentType, contentID string) (int64, error)
}

// ReputationReader reads IP reputation without changing it.
type ReputationReader interface {
	PeekIPReputation(ctx context.Context, ip string) (*threat.ReputationReport, error)
}

type Decision struct {
	QueueID             uuid.UUID               `json:"queue_id"`
	ContentType         string                  `json:"content_type"`
	ContentID           string                  `json:"content_id"`
	Action              models.ModerationAction `json:"action"`
	Status              models.ModerationStatus `json:"status"`
	Confidence          float64                 `json:"confidence"`
	Scores              models.ModerationScores `json:"scores"`
	HumanReviewRequired bool                    `json:"human_review_required"`
	Reasons             []string                `json:"reasons,omitempty"`
	Spam                *models.SpamReport      `json:"spam,omitempty"`
	ReportCount         int64                   `json:"report_count"`
	Persisted           bool                    `json:"persisted"`
	ProcessingTime      time.Duration           `json:"processing_time"`
	Timestamp           time.Time               `json:"timestamp"`
}

type Pipeline struct {
	spam       SpamChecker
	reputation ReputationReader
	queue      QueueRepository
	store      store.CounterStore
	cfg        config.ModerationConfig
	spamCut    float64
	lexicon    *lexicon
	log        *logrus.Logger
	now        func() time.Time

	statsMu  sync.Mutex
	stats    map[time.Duration]cachedStats
	statsGen uint64
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithReputation lets a poor submitter IP reputation force human review.
func WithReputation(r ReputationReader) Option {
	return func(p *Pipeline) { p.reputation = r }
}

func New(spam SpamChecker, queue QueueRepository, s store.CounterStore, cfg *config.Config, log *logrus.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		spam:    spam,
		queue:   queue,
		store:   s,
		cfg:     cfg.Moderation,
		spamCut: cfg.Spam.Threshold,
		lexicon: newLexicon(cfg.Moderation),
		log:     log,
		now:     time.Now,
		stats:   make(map[time.Duration]cachedStats),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) thresholds() Thresholds {
	return Thresholds{
		AutoApprove:   p.cfg.AutoApproveThreshold,
		AutoReject:    p.cfg.AutoRejectThreshold,
		MinConfidence: p.cfg.MinConfidence,
	}
}

// ModerateContent scores a submission, decides on it and enqueues the
// result. Scorers run concurrently; a failing scorer is reported as
// unavailable and a cancelled ctx aborts the whole run.
func (p *Pipeline) ModerateContent(ctx context.Context, contentType, contentID, content, userID string, cc models.CheckContext) (*Decision, error) {
	if strings.TrimSpace(contentType) == "" {
		return nil, models.NewValidationError("content_type", "must not be empty")
	}
	if strings.TrimSpace(contentID) == "" {
		return nil, models.NewValidationError("content_id", "must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	began := p.now()
	d := &Decision{ContentType: contentType, ContentID: contentID}
	var rep *threat.ReputationReport

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report, err := p.spam.CheckContentForSpam(gctx, content, contentType, userID, cc)
		if err != nil {
			if gctx.Err() != nil {
				return err
			}
			p.log.WithError(err).WithField("content_id", contentID).Warn("spam scorer failed")
			d.Scores.Spam = models.Unavailable(err.Error())
			return nil
		}
		d.Spam = report
		d.Scores.Spam = models.Scored(report.SpamScore)
		return nil
	})
	g.Go(func() error {
		d.Scores.Toxicity = p.lexicon.toxicity(content)
		return gctx.Err()
	})
	g.Go(func() error {
		d.Scores.Sentiment = p.lexicon.sentiment(content)
		return gctx.Err()
	})
	g.Go(func() error {
		score, err := p.duplicateScore(gctx, contentType, contentID, content)
		if err != nil {
			if gctx.Err() != nil {
				return err
			}
			p.log.WithError(err).WithField("content_type", contentType).Warn("duplicate history unavailable")
			d.Scores.Duplicate = models.Unavailable("counter store unavailable")
			return nil
		}
		d.Scores.Duplicate = score
		return nil
	})
	g.Go(func() error {
		n, err := p.spam.ReportCount(gctx, contentType, contentID)
		if err != nil {
			if gctx.Err() != nil {
				return err
			}
			p.log.WithError(err).WithField("content_id", contentID).Warn("report count unavailable")
			return nil
		}
		d.ReportCount = n
		return nil
	})
	if p.reputation != nil && cc.IP != "" {
		g.Go(func() error {
			r, err := p.reputation.PeekIPReputation(gctx, cc.IP)
			if err != nil {
				if gctx.Err() != nil {
					return err
				}
				if !models.IsValidation(err) {
					p.log.WithError(err).WithField("ip", cc.IP).Warn("reputation unavailable")
				}
				return nil
			}
			rep = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.Action, d.Confidence = Decide(d.Scores, p.thresholds())
	d.Reasons = reasons(d.Scores, p.thresholds())
	if d.Action == models.ModerationAutoApprove {
		if p.cfg.ReportsForReview > 0 && d.ReportCount >= p.cfg.ReportsForReview {
			d.Action = models.ModerationFlagForReview
			d.Reasons = append(d.Reasons, fmt.Sprintf("%d community reports", d.ReportCount))
		}
		if rep != nil && (rep.IsBlocked || rep.Reputation == threat.ReputationSuspicious || rep.Reputation == threat.ReputationMalicious) {
			d.Action = models.ModerationFlagForReview
			d.Reasons = append(d.Reasons, "submitter ip reputation "+rep.Reputation)
		}
	}
	d.Status = d.Action.Status()
	d.HumanReviewRequired = d.Status == models.StatusFlaggedForReview
	d.Timestamp = p.now()
	d.ProcessingTime = d.Timestamp.Sub(began)

	item := &models.ModerationQueueItem{
		ID:             uuid.New(),
		ContentType:    contentType,
		ContentID:      contentID,
		UserID:         userID,
		Scores:         d.Scores,
		Confidence:     d.Confidence,
		Action:         d.Action,
		Status:         d.Status,
		ProcessingTime: d.ProcessingTime,
		CreatedAt:      d.Timestamp,
	}
	d.QueueID = item.ID
	if err := p.queue.Insert(ctx, item); err != nil {
		p.log.WithError(err).WithField("content_id", contentID).Error("failed to enqueue moderation item")
	} else {
		d.Persisted = true
	}

	metrics.ModerationActionsTotal.WithLabelValues(string(d.Action)).Inc()
	metrics.ModerationLatency.Observe(float64(d.ProcessingTime) / float64(time.Millisecond))
	p.log.WithFields(logrus.Fields{
		"content_type": contentType,
		"content_id":   contentID,
		"action":       d.Action,
		"confidence":   d.Confidence,
	}).Debug("content moderated")

	return d, nil
}

func reasons(s models.ModerationScores, th Thresholds) []string {
	var out []string
	for _, c := range []struct {
		name  string
		score models.Score
	}{
		{"spam", s.Spam},
		{"toxicity", s.Toxicity},
		{"sentiment", s.Sentiment},
		{"duplicate", s.Duplicate},
	} {
		switch {
		case !c.score.Available:
			out = append(out, c.name+" unavailable")
		case c.score.Value > th.AutoApprove:
			out = append(out, fmt.Sprintf("%s %.1f", c.name, c.score.Value))
		}
	}
	return out
}

// recentSubmission is one entry of the per content type duplicate history.
type recentSubmission struct {
	ContentID string   `json:"content_id"`
	Shingles  []uint64 `json:"shingles"`
	At        int64    `json:"at"`
}

// duplicateScore compares content with recent submissions of the same type
// and adds it to that history. Resubmitting the same content id does not
// count as a duplicate of itself.
func (p *Pipeline) duplicateScore(ctx context.Context, contentType, contentID, content string) (models.Score, error) {
	sh := shingles(content, p.cfg.ShingleSize)
	if len(sh) == 0 {
		return models.Scored(0), nil
	}
	now := p.now()
	cutoff := now.Add(-p.cfg.DuplicateTTL).UnixNano()
	best := 0.0

	_, err := store.UpdateJSON(ctx, p.store, store.Key("mod", "recent", contentType), p.cfg.DuplicateTTL,
		func(hist *[]recentSubmission, _ bool) error {
			best = 0
			kept := (*hist)[:0]
			for _, r := range *hist {
				if r.ContentID == contentID || (p.cfg.DuplicateTTL > 0 && r.At <= cutoff) {
					continue
				}
				if sim := jaccard(sh, r.Shingles); sim > best {
					best = sim
				}
				kept = append(kept, r)
			}
			kept = append(kept, recentSubmission{ContentID: contentID, Shingles: sh, At: now.UnixNano()})
			if n := p.cfg.DuplicateHistory; n > 0 && len(kept) > n {
				kept = kept[len(kept)-n:]
			}
			*hist = kept
			return nil
		})
	if err != nil {
		return models.Score{}, err
	}
	return models.Scored(best * 100), nil
}
