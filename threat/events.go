package threat

import (
	"context"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogSecurityEvent appends the outcome of AnalyzeRequest to the audit trail.
// It reports whether the event was stored and never fails the caller.
func (a *Analyzer) LogSecurityEvent(ctx context.Context, snap *models.RequestSnapshot, report *ThreatReport) bool {
	if report == nil {
		return false
	}
	if snap == nil {
		snap = &models.RequestSnapshot{}
	}

	event := &models.SecurityEvent{
		ID:                uuid.New(),
		Type:              report.PrimaryType(),
		Severity:          models.SeverityForRisk(report.RiskScore),
		SourceIP:          snap.ClientIP,
		UserID:            snap.UserID,
		Method:            snap.Method,
		Path:              snap.Path,
		Indicators:        report.Indicators,
		RiskScore:         report.RiskScore,
		RecommendedAction: report.RecommendedAction,
		CreatedAt:         a.now(),
	}
	if err := a.sink.RecordSecurityEvent(ctx, event); err != nil {
		a.log.WithError(err).WithFields(logrus.Fields{
			"type": event.Type,
			"ip":   event.SourceIP,
		}).Error("failed to record security event")
		return false
	}
	return true
}
