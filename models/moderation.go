package models

import (
	"time"

	"github.com/google/uuid"
)

type ModerationStatus string

const (
	StatusPending          ModerationStatus = "pending"
	StatusAutoApproved     ModerationStatus = "auto_approved"
	StatusAutoRejected     ModerationStatus = "auto_rejected"
	StatusFlaggedForReview ModerationStatus = "flagged_for_review"
	StatusApproved         ModerationStatus = "approved"
	StatusRejected         ModerationStatus = "rejected"
)

func (s ModerationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAutoApproved, StatusAutoRejected,
		StatusFlaggedForReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

func (s ModerationStatus) Terminal() bool {
	switch s {
	case StatusAutoApproved, StatusAutoRejected, StatusApproved, StatusRejected:
		return true
	}
	return false
}

type ModerationAction string

const (
	ModerationAutoApprove   ModerationAction = "auto_approve"
	ModerationAutoReject    ModerationAction = "auto_reject"
	ModerationFlagForReview ModerationAction = "flag_for_review"
)

// Status returns the queue status an automated action lands in.
func (a ModerationAction) Status() ModerationStatus {
	switch a {
	case ModerationAutoApprove:
		return StatusAutoApproved
	case ModerationAutoReject:
		return StatusAutoRejected
	default:
		return StatusFlaggedForReview
	}
}

type ModerationScores struct {
	Spam      Score `json:"spam"`
	Toxicity  Score `json:"toxicity"`
	Sentiment Score `json:"sentiment"`
	Duplicate Score `json:"duplicate"`
}

type ModerationQueueItem struct {
	ID             uuid.UUID        `json:"id"`
	ContentType    string           `json:"content_type"`
	ContentID      string           `json:"content_id"`
	UserID         string           `json:"user_id,omitempty"`
	Scores         ModerationScores `json:"scores"`
	Confidence     float64          `json:"confidence"`
	Action         ModerationAction `json:"action"`
	Status         ModerationStatus `json:"status"`
	ReviewerID     *string          `json:"reviewer_id,omitempty"`
	ReviewNotes    *string          `json:"review_notes,omitempty"`
	ProcessingTime time.Duration    `json:"processing_time"`
	CreatedAt      time.Time        `json:"created_at"`
	ReviewedAt     *time.Time       `json:"reviewed_at,omitempty"`
}

type QueueFilter struct {
	ContentType string
	Status      ModerationStatus
	ReviewerID  string
	Limit       int
	Offset      int
}

type ModerationStats struct {
	Period                time.Duration `json:"period"`
	Total                 int           `json:"total"`
	AutoApproved          int           `json:"auto_approved"`
	AutoRejected          int           `json:"auto_rejected"`
	Flagged               int           `json:"flagged"`
	HumanReviewed         int           `json:"human_reviewed"`
	Approved              int           `json:"approved"`
	Rejected              int           `json:"rejected"`
	SpamDetected          int           `json:"spam_detected"`
	ToxicityDetected      int           `json:"toxicity_detected"`
	QueueBacklog          int           `json:"queue_backlog"`
	AvgProcessingMillis   float64       `json:"avg_processing_ms"`
	EstimatedFalsePosRate float64       `json:"estimated_false_positive_rate"`
	GeneratedAt           time.Time     `json:"generated_at"`
}
