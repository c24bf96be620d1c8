package moderation

import (
	"context"
	"errors"
	"strings"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxPageSize = 200

// GetModerationQueue lists queue items oldest first.
func (p *Pipeline) GetModerationQueue(ctx context.Context, f models.QueueFilter) ([]*models.ModerationQueueItem, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, models.NewValidationError("status", "unknown moderation status")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return nil, models.NewValidationError("limit", "limit and offset must not be negative")
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	return p.queue.List(ctx, f)
}

// reviewStatus maps a reviewer's verdict onto a terminal status.
func reviewStatus(decision string) (models.ModerationStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "approve", "approved":
		return models.StatusApproved, true
	case "reject", "rejected":
		return models.StatusRejected, true
	}
	return "", false
}

// ProcessHumanDecision records a reviewer's verdict on a flagged item. Only
// flagged_for_review items can be reviewed, and a concurrent review of the
// same item loses with an InvalidTransitionError.
func (p *Pipeline) ProcessHumanDecision(ctx context.Context, queueID uuid.UUID, reviewerID, decision, notes string) error {
	to, ok := reviewStatus(decision)
	if !ok {
		return models.NewValidationError("decision", "must be approve or reject")
	}
	if strings.TrimSpace(reviewerID) == "" {
		return models.NewValidationError("reviewer_id", "must not be empty")
	}

	item, err := p.queue.Get(ctx, queueID)
	if err != nil {
		return err
	}
	if item.Status != models.StatusFlaggedForReview {
		return &models.InvalidTransitionError{ID: queueID.String(), From: item.Status, To: to}
	}

	err = p.queue.Transition(ctx, queueID, Review{
		From:       models.StatusFlaggedForReview,
		To:         to,
		ReviewerID: reviewerID,
		Notes:      notes,
		At:         p.now(),
	})
	if errors.Is(err, models.ErrConflict) {
		from := item.Status
		if current, gerr := p.queue.Get(ctx, queueID); gerr == nil {
			from = current.Status
		}
		return &models.InvalidTransitionError{ID: queueID.String(), From: from, To: to}
	}
	if err != nil {
		return err
	}

	p.invalidateStats()
	p.log.WithFields(logrus.Fields{
		"queue_id":    queueID,
		"reviewer_id": reviewerID,
		"status":      to,
	}).Info("moderation item reviewed")
	return nil
}
