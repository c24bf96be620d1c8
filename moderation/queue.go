package moderation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/google/uuid"
)

// Review is a human decision applied to a flagged item.
type Review struct {
	From       models.ModerationStatus
	To         models.ModerationStatus
	ReviewerID string
	Notes      string
	At         time.Time
}

type QueueRepository interface {
	Insert(ctx context.Context, item *models.ModerationQueueItem) error
	Get(ctx context.Context, id uuid.UUID) (*models.ModerationQueueItem, error)
	List(ctx context.Context, filter models.QueueFilter) ([]*models.ModerationQueueItem, error)
	// Transition applies r only while the item is still in r.From. It
	// returns models.ErrConflict when the status moved on and
	// models.ErrNotFound for unknown ids.
	Transition(ctx context.Context, id uuid.UUID, r Review) error
	// Since returns items created at or after t.
	Since(ctx context.Context, t time.Time) ([]*models.ModerationQueueItem, error)
	Backlog(ctx context.Context) (int, error)
}

const defaultPageSize = 50

// MemoryQueue is a QueueRepository for tests and single-process deployments.
type MemoryQueue struct {
	mu    sync.RWMutex
	items map[uuid.UUID]models.ModerationQueueItem
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[uuid.UUID]models.ModerationQueueItem)}
}

func (q *MemoryQueue) Insert(ctx context.Context, item *models.ModerationQueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[item.ID]; ok {
		return models.ErrConflict
	}
	q.items[item.ID] = *item
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, id uuid.UUID) (*models.ModerationQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.items[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &item, nil
}

func (q *MemoryQueue) List(ctx context.Context, f models.QueueFilter) ([]*models.ModerationQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	var out []*models.ModerationQueueItem
	for _, item := range q.items {
		if f.ContentType != "" && item.ContentType != f.ContentType {
			continue
		}
		if f.Status != "" && item.Status != f.Status {
			continue
		}
		if f.ReviewerID != "" && (item.ReviewerID == nil || *item.ReviewerID != f.ReviewerID) {
			continue
		}
		it := item
		out = append(out, &it)
	}
	q.mu.RUnlock()

	sortOldestFirst(out)
	return page(out, f.Limit, f.Offset), nil
}

func (q *MemoryQueue) Transition(ctx context.Context, id uuid.UUID, r Review) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return models.ErrNotFound
	}
	if item.Status != r.From {
		return models.ErrConflict
	}
	reviewer, notes, at := r.ReviewerID, r.Notes, r.At
	item.Status = r.To
	item.ReviewerID = &reviewer
	item.ReviewNotes = &notes
	item.ReviewedAt = &at
	q.items[id] = item
	return nil
}

func (q *MemoryQueue) Since(ctx context.Context, t time.Time) ([]*models.ModerationQueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*models.ModerationQueueItem
	for _, item := range q.items {
		if !item.CreatedAt.Before(t) {
			it := item
			out = append(out, &it)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (q *MemoryQueue) Backlog(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, item := range q.items {
		if item.Status == models.StatusFlaggedForReview {
			n++
		}
	}
	return n, nil
}

func sortOldestFirst(items []*models.ModerationQueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func page(items []*models.ModerationQueueItem, limit, offset int) []*models.ModerationQueueItem {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []*models.ModerationQueueItem{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
