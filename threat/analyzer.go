package threat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/berserk3142-max/trust-guard/audit"
	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/metrics"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/ratelimiter"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/sirupsen/logrus"
)

type ThreatReport struct {
	ThreatsDetected   bool               `json:"threats_detected"`
	Indicators        []models.Indicator `json:"indicators"`
	RiskScore         float64            `json:"risk_score"`
	RecommendedAction models.Action      `json:"recommended_action"`
	Reputation        models.Score       `json:"reputation"`
	Unavailable       []string           `json:"unavailable,omitempty"`
	AnalyzedAt        time.Time          `json:"analyzed_at"`
}

// PrimaryType is the event type of the heaviest indicator.
func (r *ThreatReport) PrimaryType() models.EventType {
	var best models.Indicator
	for _, ind := range r.Indicators {
		if ind.Weight > best.Weight {
			best = ind
		}
	}
	if best.Name == "" {
		return models.EventAnomaly
	}
	return models.EventType(best.Name)
}

// AnomalyDetector is the slice of the rate limiter the analyzer consults.
type AnomalyDetector interface {
	DetectAnomalies(ctx context.Context, identifier string, cc models.CheckContext) (*ratelimiter.AnomalyReport, error)
}

type Analyzer struct {
	store     store.CounterStore
	sink      audit.Sink
	archive   ReputationArchive
	anomalies AnomalyDetector
	cfg       config.ThreatConfig
	trusted   []*net.IPNet
	detectors []detector
	log       *logrus.Logger
	now       func() time.Time
}

type Option func(*Analyzer)

func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithArchive mirrors block state into a durable reputation archive.
func WithArchive(archive ReputationArchive) Option {
	return func(a *Analyzer) { a.archive = archive }
}

func WithAnomalyDetector(d AnomalyDetector) Option {
	return func(a *Analyzer) { a.anomalies = d }
}

func New(s store.CounterStore, sink audit.Sink, cfg config.ThreatConfig, log *logrus.Logger, opts ...Option) (*Analyzer, error) {
	if sink == nil {
		sink = audit.Nop{}
	}
	a := &Analyzer{
		store:     s,
		sink:      sink,
		archive:   NewMemoryArchive(),
		cfg:       cfg,
		detectors: newDetectors(cfg),
		log:       log,
		now:       time.Now,
	}
	for _, cidr := range cfg.TrustedRanges {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse trusted range %q: %w", cidr, err)
		}
		a.trusted = append(a.trusted, n)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AnalyzeRequest runs every detector over the snapshot, folds in the client's
// reputation and updates it with the outcome.
func (a *Analyzer) AnalyzeRequest(ctx context.Context, snap *models.RequestSnapshot) (*ThreatReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if snap == nil {
		snap = &models.RequestSnapshot{}
	}

	report := &ThreatReport{AnalyzedAt: a.now()}
	fields := inspectedFields(snap)
	for _, d := range a.detectors {
		found, ok := a.runDetector(d, snap, fields)
		if !ok {
			report.Unavailable = append(report.Unavailable, d.name)
			continue
		}
		report.Indicators = append(report.Indicators, found...)
	}
	signatureRisk := models.SumWeights(report.Indicators)

	ip := strings.TrimSpace(snap.ClientIP)
	var rep *ReputationReport
	if ip != "" {
		var err error
		rep, err = a.CheckIPReputation(ctx, ip)
		switch {
		case err == nil:
			report.Reputation = models.Scored(rep.Score)
			report.Indicators = append(report.Indicators, a.reputationIndicators(rep)...)
		case models.IsValidation(err):
			report.Reputation = models.Unavailable("invalid client ip")
			report.Unavailable = append(report.Unavailable, "reputation")
		default:
			a.log.WithError(err).WithField("ip", ip).Warn("reputation lookup failed")
			metrics.DegradedTotal.WithLabelValues("reputation").Inc()
			report.Reputation = models.Unavailable("counter store unavailable")
			report.Unavailable = append(report.Unavailable, "reputation")
		}
	} else {
		report.Reputation = models.Unavailable("no client ip")
	}

	if a.anomalies != nil {
		if id := identifierOf(snap); id != "" {
			report.Indicators = append(report.Indicators, a.anomalyIndicators(ctx, id, snap)...)
		}
	}

	report.RiskScore = models.SumWeights(report.Indicators)
	report.RecommendedAction = models.ActionForRisk(report.RiskScore)
	report.ThreatsDetected = len(report.Indicators) > 0

	if rep != nil && !rep.Trusted {
		if _, err := a.recordOutcome(ctx, ip, signatureRisk, report); err != nil {
			a.log.WithError(err).WithField("ip", ip).Warn("reputation update failed")
		}
	}

	for _, ind := range report.Indicators {
		metrics.ThreatIndicatorsTotal.WithLabelValues(ind.Name).Inc()
	}
	metrics.ThreatActionsTotal.WithLabelValues(string(report.RecommendedAction)).Inc()

	if report.ThreatsDetected {
		a.log.WithFields(logrus.Fields{
			"ip":         ip,
			"path":       snap.Path,
			"risk_score": report.RiskScore,
			"action":     report.RecommendedAction,
		}).Debug("threat indicators detected")
	}
	return report, nil
}

func (a *Analyzer) runDetector(d detector, snap *models.RequestSnapshot, fields []field) (found []models.Indicator, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.WithFields(logrus.Fields{
				"detector": d.name,
				"panic":    r,
			}).Error("detector panicked")
			found, ok = nil, false
		}
	}()
	return d.run(snap, fields), true
}

func (a *Analyzer) reputationIndicators(rep *ReputationReport) []models.Indicator {
	if rep.Trusted {
		return nil
	}
	w := a.cfg.Weights
	switch {
	case rep.IsBlocked:
		return []models.Indicator{{
			Name:     string(models.EventIPBlocked),
			Weight:   w.BlockedIP,
			Location: "client_ip",
			Detail:   rep.BlockReason,
		}}
	case rep.Reputation == ReputationMalicious:
		return []models.Indicator{{
			Name:     string(models.EventBadReputation),
			Weight:   w.MaliciousIP,
			Location: "client_ip",
			Detail:   fmt.Sprintf("malicious reputation score %.1f", rep.Score),
		}}
	case rep.Reputation == ReputationSuspicious:
		return []models.Indicator{{
			Name:     string(models.EventBadReputation),
			Weight:   w.SuspiciousIP,
			Location: "client_ip",
			Detail:   fmt.Sprintf("suspicious reputation score %.1f", rep.Score),
		}}
	}
	return nil
}

func (a *Analyzer) anomalyIndicators(ctx context.Context, id string, snap *models.RequestSnapshot) []models.Indicator {
	cc := models.CheckContext{
		UserID:    snap.UserID,
		IP:        snap.ClientIP,
		UserAgent: snap.Header("User-Agent"),
		Country:   snap.Header("CF-IPCountry"),
	}
	ar, err := a.anomalies.DetectAnomalies(ctx, id, cc)
	if err != nil || ar == nil {
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.WithError(err).WithField("identifier", id).Warn("anomaly detection failed")
		}
		return nil
	}
	out := make([]models.Indicator, 0, len(ar.Anomalies))
	for _, an := range ar.Anomalies {
		out = append(out, models.Indicator{
			Name:     string(models.EventAnomaly),
			Weight:   an.Weight,
			Location: an.Name,
			Detail:   an.Detail,
		})
	}
	return out
}

func identifierOf(snap *models.RequestSnapshot) string {
	if snap.UserID != "" {
		return "user:" + snap.UserID
	}
	if snap.ClientIP != "" {
		return "ip:" + snap.ClientIP
	}
	return ""
}
