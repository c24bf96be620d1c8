package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/moderation"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type ModerationQueueRepository struct {
	db *sql.DB
}

func NewModerationQueueRepository(db *sql.DB) *ModerationQueueRepository {
	return &ModerationQueueRepository{db: db}
}

const queueColumns = `id, content_type, content_id, user_id, scores, confidence, action, status,
			  reviewer_id, review_notes, processing_ms, created_at, reviewed_at`

func (r *ModerationQueueRepository) Insert(ctx context.Context, item *models.ModerationQueueItem) error {
	scores, err := json.Marshal(item.Scores)
	if err != nil {
		return err
	}
	query := `INSERT INTO moderation_queue (` + queueColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.db.ExecContext(ctx, query, item.ID, item.ContentType, item.ContentID, nullString(item.UserID),
		scores, item.Confidence, string(item.Action), string(item.Status),
		nullStringPtr(item.ReviewerID), nullStringPtr(item.ReviewNotes),
		float64(item.ProcessingTime)/float64(time.Millisecond), item.CreatedAt, nullTime(item.ReviewedAt))

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return models.ErrConflict
	}
	return err
}

func (r *ModerationQueueRepository) Get(ctx context.Context, id uuid.UUID) (*models.ModerationQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM moderation_queue WHERE id = $1`
	item, err := scanQueueItem(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return item, err
}

func (r *ModerationQueueRepository) List(ctx context.Context, f models.QueueFilter) ([]*models.ModerationQueueItem, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ContentType != "" {
		add("content_type = $%d", f.ContentType)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ReviewerID != "" {
		add("reviewer_id = $%d", f.ReviewerID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + queueColumns + ` FROM moderation_queue`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.query(ctx, query, args...)
}

// Transition is a compare-and-set on status so concurrent reviewers
// cannot both decide the same item.
func (r *ModerationQueueRepository) Transition(ctx context.Context, id uuid.UUID, rv moderation.Review) error {
	query := `UPDATE moderation_queue
			  SET status = $1, reviewer_id = $2, review_notes = $3, reviewed_at = $4
			  WHERE id = $5 AND status = $6`
	res, err := r.db.ExecContext(ctx, query, string(rv.To), rv.ReviewerID, nullString(rv.Notes), rv.At, id, string(rv.From))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM moderation_queue WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrConflict
}

func (r *ModerationQueueRepository) Since(ctx context.Context, t time.Time) ([]*models.ModerationQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM moderation_queue WHERE created_at >= $1 ORDER BY created_at ASC, id ASC`
	return r.query(ctx, query, t)
}

func (r *ModerationQueueRepository) Backlog(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM moderation_queue WHERE status = $1`,
		string(models.StatusFlaggedForReview)).Scan(&n)
	return n, err
}

func (r *ModerationQueueRepository) query(ctx context.Context, query string, args ...any) ([]*models.ModerationQueueItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*models.ModerationQueueItem{}
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanQueueItem(row scanner) (*models.ModerationQueueItem, error) {
	item := &models.ModerationQueueItem{}
	var (
		userID, reviewerID, notes sql.NullString
		action, status            string
		scores                    []byte
		processingMs              float64
		reviewedAt                sql.NullTime
	)
	if err := row.Scan(&item.ID, &item.ContentType, &item.ContentID, &userID, &scores,
		&item.Confidence, &action, &status, &reviewerID, &notes, &processingMs,
		&item.CreatedAt, &reviewedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scores, &item.Scores); err != nil {
		return nil, err
	}
	item.UserID = userID.String
	item.Action = models.ModerationAction(action)
	item.Status = models.ModerationStatus(status)
	item.ProcessingTime = time.Duration(processingMs * float64(time.Millisecond))
	if reviewerID.Valid {
		item.ReviewerID = &reviewerID.String
	}
	if notes.Valid {
		item.ReviewNotes = &notes.String
	}
	if reviewedAt.Valid {
		item.ReviewedAt = &reviewedAt.Time
	}
	return item, nil
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
