package spam

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxReportDescription = 1000

// ReportResult error messages callers may branch on.
const (
	MsgAlreadyReported = "content already reported by this user"
	MsgReportFailed    = "report could not be recorded"
)

type ReportResult struct {
	Success  bool   `json:"success"`
	ReportID string `json:"report_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func reportCountKey(contentType, contentID string) string {
	return store.Key("report", "count", contentType, contentID)
}

func reportDedupKey(reporterID, contentType, contentID string) string {
	return store.Key("report", "dedup", reporterID, contentType, contentID)
}

func (s *Scorer) validateReport(reporterID, contentType, contentID, reason, description string) error {
	switch {
	case strings.TrimSpace(reporterID) == "":
		return models.NewValidationError("reporter_id", "must not be empty")
	case strings.TrimSpace(contentType) == "":
		return models.NewValidationError("content_type", "must not be empty")
	case strings.TrimSpace(contentID) == "":
		return models.NewValidationError("content_id", "must not be empty")
	case utf8.RuneCountInString(description) > maxReportDescription:
		return models.NewValidationError("description", "too long")
	}
	for _, r := range s.cfg.Abuse.ReportReasons {
		if strings.EqualFold(r, reason) {
			return nil
		}
	}
	return models.NewValidationError("reason", "unsupported report reason")
}

// ReportAbuse files a community report against a piece of content. A
// reporter can report the same content once per dedup window. Reports feed
// moderation as a signal and never change moderation state here.
func (s *Scorer) ReportAbuse(ctx context.Context, reporterID, contentType, contentID, reason, description string) *ReportResult {
	if err := s.validateReport(reporterID, contentType, contentID, reason, description); err != nil {
		return &ReportResult{Error: err.Error()}
	}
	ac := s.cfg.Abuse
	fields := logrus.Fields{
		"reporter_id":  reporterID,
		"content_type": contentType,
		"content_id":   contentID,
	}

	dedupKey := reportDedupKey(reporterID, contentType, contentID)
	n, err := s.store.Incr(ctx, dedupKey, 1, ac.ReportDedupWindow)
	if err != nil {
		s.log.WithError(err).WithFields(fields).Error("failed to record abuse report")
		return &ReportResult{Error: MsgReportFailed}
	}
	if n > 1 {
		return &ReportResult{Error: MsgAlreadyReported}
	}

	if _, err := s.store.Incr(ctx, reportCountKey(contentType, contentID), 1, ac.ReportCounterTTL); err != nil {
		s.log.WithError(err).WithFields(fields).Error("failed to count abuse report")
		// release the dedup slot so the reporter can retry
		if err := s.store.Delete(context.WithoutCancel(ctx), dedupKey); err != nil {
			s.log.WithError(err).WithFields(fields).Warn("failed to release report dedup key")
		}
		return &ReportResult{Error: MsgReportFailed}
	}

	report := &models.AbuseReport{
		ID:          uuid.New(),
		ReporterID:  reporterID,
		ContentType: contentType,
		ContentID:   contentID,
		Reason:      strings.ToLower(reason),
		Description: description,
		CreatedAt:   s.now(),
	}
	if err := s.sink.RecordAbuseReport(ctx, report); err != nil {
		s.log.WithError(err).WithFields(fields).Error("failed to persist abuse report")
	}

	s.log.WithFields(fields).WithField("reason", report.Reason).Info("abuse reported")
	return &ReportResult{Success: true, ReportID: report.ID.String()}
}

// ReportCount returns how many distinct reports a piece of content has.
func (s *Scorer) ReportCount(ctx context.Context, contentType, contentID string) (int64, error) {
	data, err := s.store.Get(ctx, reportCountKey(contentType, contentID))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}
