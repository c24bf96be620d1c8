// Package guard chains admission control, request threat analysis and
// content moderation into one verdict per request.
package guard

import (
	"context"
	"fmt"

	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/moderation"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/ratelimiter"
	"github.com/berserk3142-max/trust-guard/threat"
	"github.com/sirupsen/logrus"
)

type Outcome string

const (
	OutcomeAllow      Outcome = "allow"
	OutcomeThrottle   Outcome = "throttle"
	OutcomeBlock      Outcome = "block"
	OutcomeFlag       Outcome = "flag"
	OutcomeQuarantine Outcome = "quarantine"
)

// severity orders outcomes so the stricter of two can be kept.
var severity = map[Outcome]int{
	OutcomeAllow:      0,
	OutcomeFlag:       1,
	OutcomeQuarantine: 2,
	OutcomeThrottle:   3,
	OutcomeBlock:      4,
}

type Verdict struct {
	Outcome           Outcome               `json:"outcome"`
	Reason            string                `json:"reason,omitempty"`
	RetryAfterSeconds *int                  `json:"retry_after_seconds,omitempty"`
	Admission         *ratelimiter.Decision `json:"admission,omitempty"`
	Threat            *threat.ThreatReport  `json:"threat,omitempty"`
	Moderation        *moderation.Decision  `json:"moderation,omitempty"`
}

type Submission struct {
	ContentType string
	ContentID   string
	Content     string
	UserID      string
	Context     models.CheckContext
}

type Guard struct {
	limiter  *ratelimiter.Limiter
	analyzer *threat.Analyzer
	pipeline *moderation.Pipeline
	log      *logrus.Logger
}

func New(l *ratelimiter.Limiter, a *threat.Analyzer, p *moderation.Pipeline, log *logrus.Logger) *Guard {
	return &Guard{limiter: l, analyzer: a, pipeline: p, log: log}
}

// Identifier is the rate limit key of a request: the user when
// authenticated, the client address otherwise.
func Identifier(snap *models.RequestSnapshot) string {
	switch {
	case snap.UserID != "":
		return "user:" + snap.UserID
	case snap.ClientIP != "":
		return "ip:" + snap.ClientIP
	default:
		return "anonymous"
	}
}

func checkContext(snap *models.RequestSnapshot) models.CheckContext {
	return models.CheckContext{
		UserID:     snap.UserID,
		IP:         snap.ClientIP,
		TrustLevel: snap.TrustLevel,
		UserAgent:  snap.Header("User-Agent"),
		Country:    snap.Header("CF-IPCountry"),
	}
}

// CheckRequest admits the request under limitType and scans it for attacks.
func (g *Guard) CheckRequest(ctx context.Context, snap *models.RequestSnapshot, limitType string) (*Verdict, error) {
	if snap == nil {
		snap = &models.RequestSnapshot{}
	}

	admission, err := g.limiter.CheckAdmissionWithContext(ctx, Identifier(snap), limitType, checkContext(snap))
	if err != nil {
		return nil, err
	}
	v := &Verdict{Outcome: OutcomeAllow, Admission: admission}
	if !admission.Allowed {
		v.Outcome = OutcomeThrottle
		v.Reason = "rate limit exceeded"
		v.RetryAfterSeconds = admission.RetryAfterSeconds
		return v, nil
	}

	report, err := g.analyzer.AnalyzeRequest(ctx, snap)
	if err != nil {
		return nil, err
	}
	v.Threat = report
	if report.ThreatsDetected {
		g.analyzer.LogSecurityEvent(ctx, snap, report)
	}

	switch report.RecommendedAction {
	case models.ActionBlock:
		v.Outcome = OutcomeBlock
		v.Reason = fmt.Sprintf("request risk %.0f", report.RiskScore)
	case models.ActionChallenge:
		v.Outcome = OutcomeFlag
		v.Reason = fmt.Sprintf("request risk %.0f", report.RiskScore)
	}
	return v, nil
}

// CheckSubmission runs CheckRequest under the content submission limit and
// then moderates the submitted content.
func (g *Guard) CheckSubmission(ctx context.Context, snap *models.RequestSnapshot, sub Submission) (*Verdict, error) {
	if snap == nil {
		snap = &models.RequestSnapshot{}
	}
	v, err := g.CheckRequest(ctx, snap, config.LimitContentSubmission)
	if err != nil {
		return nil, err
	}
	if severity[v.Outcome] >= severity[OutcomeThrottle] {
		return v, nil
	}

	cc := sub.Context
	if cc.IP == "" {
		cc.IP = snap.ClientIP
	}
	if cc.UserID == "" {
		cc.UserID = sub.UserID
	}
	if cc.UserAgent == "" {
		cc.UserAgent = snap.Header("User-Agent")
	}
	userID := sub.UserID
	if userID == "" {
		userID = snap.UserID
	}

	d, err := g.pipeline.ModerateContent(ctx, sub.ContentType, sub.ContentID, sub.Content, userID, cc)
	if err != nil {
		return nil, err
	}
	v.Moderation = d

	outcome, reason := contentOutcome(d)
	if severity[outcome] > severity[v.Outcome] {
		v.Outcome = outcome
		v.Reason = reason
	}

	g.log.WithFields(logrus.Fields{
		"content_type": sub.ContentType,
		"content_id":   sub.ContentID,
		"outcome":      v.Outcome,
	}).Debug("submission checked")
	return v, nil
}

func contentOutcome(d *moderation.Decision) (Outcome, string) {
	quarantine := d.Spam != nil && d.Spam.RecommendedAction == models.SpamQuarantine
	switch d.Action {
	case models.ModerationAutoReject:
		if quarantine {
			return OutcomeQuarantine, "content quarantined"
		}
		return OutcomeBlock, "content rejected"
	case models.ModerationFlagForReview:
		if quarantine {
			return OutcomeQuarantine, "content quarantined"
		}
		return OutcomeFlag, "content pending review"
	}
	return OutcomeAllow, ""
}
