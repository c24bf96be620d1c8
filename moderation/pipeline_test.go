package moderation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/logger"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/spam"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/berserk3142-max/trust-guard/store/storetest"
	"github.com/berserk3142-max/trust-guard/threat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

const (
	cleanText    = "Thanks for the great write-up, it was really helpful."
	spamText     = "CLICK HERE FOR FREE MONEY! Viagra casino lottery earn money work from home!"
	toxicText    = "You are a stupid idiot and a total moron, shut up"
	originalText = "I spent the weekend repainting the old garden shed and fixing the squeaky door hinges"
)

type fixture struct {
	pipeline *Pipeline
	scorer   *spam.Scorer
	queue    *MemoryQueue
	clock    *storetest.Clock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := config.Default()
	clock := storetest.NewClock(start)
	s := store.NewMemoryStore(store.WithClock(clock.Now))
	scorer := spam.New(s, nil, cfg.Spam, logger.Discard(), spam.WithClock(clock.Now))
	queue := NewMemoryQueue()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		pipeline: New(scorer, queue, s, cfg, logger.Discard(), opts...),
		scorer:   scorer,
		queue:    queue,
		clock:    clock,
	}
}

func TestModerateContent_Clean(t *testing.T) {
	f := newFixture(t)

	d, err := f.pipeline.ModerateContent(context.Background(), "comment", "c-1", cleanText, "u-1", models.CheckContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ModerationAutoApprove, d.Action)
	assert.Equal(t, models.StatusAutoApproved, d.Status)
	assert.False(t, d.HumanReviewRequired)
	assert.True(t, d.Persisted)
	assert.Equal(t, start, d.Timestamp)
	require.NotNil(t, d.Spam)

	item, err := f.queue.Get(context.Background(), d.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAutoApproved, item.Status)
	assert.Equal(t, "u-1", item.UserID)
}

func TestModerateContent_SpamIsFlagged(t *testing.T) {
	f := newFixture(t)

	d, err := f.pipeline.ModerateContent(context.Background(), "story", "s-1", spamText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ModerationFlagForReview, d.Action)
	assert.True(t, d.HumanReviewRequired)
	assert.Equal(t, 60.0, d.Scores.Spam.Value)
	assert.Contains(t, d.Reasons, "spam 60.0")
}

func TestModerateContent_ToxicIsRejected(t *testing.T) {
	f := newFixture(t)

	d, err := f.pipeline.ModerateContent(context.Background(), "comment", "c-2", toxicText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.Equal(t, models.ModerationAutoReject, d.Action)
	assert.Equal(t, models.StatusAutoRejected, d.Status)
	assert.Equal(t, 100.0, d.Scores.Toxicity.Value)
}

func TestModerateContent_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.pipeline.ModerateContent(ctx, "story", "s-1", originalText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.Zero(t, d.Scores.Duplicate.Value)
	assert.Equal(t, models.ModerationAutoApprove, d.Action)

	// re-moderating the same content id is not a duplicate
	d, err = f.pipeline.ModerateContent(ctx, "story", "s-1", originalText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.Zero(t, d.Scores.Duplicate.Value)

	d, err = f.pipeline.ModerateContent(ctx, "story", "s-2", originalText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.Equal(t, 100.0, d.Scores.Duplicate.Value)
	assert.Equal(t, models.ModerationFlagForReview, d.Action)

	// other content types keep their own history
	d, err = f.pipeline.ModerateContent(ctx, "comment", "c-9", originalText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.Zero(t, d.Scores.Duplicate.Value)
}

func TestModerateContent_CommunityReportsForceReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, reporter := range []string{"r-1", "r-2", "r-3"} {
		res := f.scorer.ReportAbuse(ctx, reporter, "comment", "c-7", "harassment", "")
		require.True(t, res.Success, res.Error)
	}

	d, err := f.pipeline.ModerateContent(ctx, "comment", "c-7", cleanText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.ReportCount)
	assert.Equal(t, models.ModerationFlagForReview, d.Action)
	assert.Contains(t, d.Reasons, "3 community reports")
}

type staticReputation struct{ label string }

func (r staticReputation) PeekIPReputation(_ context.Context, ip string) (*threat.ReputationReport, error) {
	return &threat.ReputationReport{IP: ip, Reputation: r.label}, nil
}

func TestModerateContent_SuspiciousIPForcesReview(t *testing.T) {
	f := newFixture(t, WithReputation(staticReputation{label: threat.ReputationSuspicious}))

	d, err := f.pipeline.ModerateContent(context.Background(), "comment", "c-3", cleanText, "",
		models.CheckContext{IP: "203.0.113.5"})
	require.NoError(t, err)
	assert.Equal(t, models.ModerationFlagForReview, d.Action)

	f = newFixture(t, WithReputation(staticReputation{label: threat.ReputationGood}))
	d, err = f.pipeline.ModerateContent(context.Background(), "comment", "c-3", cleanText, "",
		models.CheckContext{IP: "203.0.113.5"})
	require.NoError(t, err)
	assert.Equal(t, models.ModerationAutoApprove, d.Action)
}

type brokenSpam struct{}

func (brokenSpam) CheckContentForSpam(context.Context, string, string, string, models.CheckContext) (*models.SpamReport, error) {
	return nil, store.ErrUnavailable
}

func (brokenSpam) ReportCount(context.Context, string, string) (int64, error) {
	return 0, store.ErrUnavailable
}

func TestModerateContent_DegradedScorers(t *testing.T) {
	cfg := config.Default()
	p := New(brokenSpam{}, NewMemoryQueue(), storetest.Down{}, cfg, logger.Discard())

	d, err := p.ModerateContent(context.Background(), "comment", "c-1", cleanText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.False(t, d.Scores.Spam.Available)
	assert.False(t, d.Scores.Duplicate.Available)
	assert.True(t, d.Scores.Toxicity.Available)
	assert.Equal(t, models.ModerationFlagForReview, d.Action)
	assert.Contains(t, d.Reasons, "spam unavailable")
}

type failingQueue struct{ *MemoryQueue }

func (failingQueue) Insert(context.Context, *models.ModerationQueueItem) error {
	return assert.AnError
}

func TestModerateContent_QueueFailureStillDecides(t *testing.T) {
	cfg := config.Default()
	s := store.NewMemoryStore()
	p := New(spam.New(s, nil, cfg.Spam, logger.Discard()), failingQueue{NewMemoryQueue()}, s, cfg, logger.Discard())

	d, err := p.ModerateContent(context.Background(), "comment", "c-1", cleanText, "", models.CheckContext{})
	require.NoError(t, err)
	assert.False(t, d.Persisted)
	assert.Equal(t, models.ModerationAutoApprove, d.Action)
}

func TestModerateContent_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.pipeline.ModerateContent(context.Background(), "", "c", cleanText, "", models.CheckContext{})
	assert.True(t, models.IsValidation(err))
	_, err = f.pipeline.ModerateContent(context.Background(), "comment", "", cleanText, "", models.CheckContext{})
	assert.True(t, models.IsValidation(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.pipeline.ModerateContent(ctx, "comment", "c", cleanText, "", models.CheckContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestModerateContent_Deterministic(t *testing.T) {
	var actions []models.ModerationAction
	for i := 0; i < 3; i++ {
		f := newFixture(t)
		d, err := f.pipeline.ModerateContent(context.Background(), "story", "s-1", spamText, "", models.CheckContext{})
		require.NoError(t, err)
		actions = append(actions, d.Action)
	}
	assert.Equal(t, actions[0], actions[1])
	assert.Equal(t, actions[1], actions[2])
}

func flagged(t *testing.T, f *fixture, id string) uuid.UUID {
	t.Helper()
	d, err := f.pipeline.ModerateContent(context.Background(), "story", id, spamText, "", models.CheckContext{})
	require.NoError(t, err)
	require.Equal(t, models.StatusFlaggedForReview, d.Status)
	return d.QueueID
}

func TestProcessHumanDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := flagged(t, f, "s-1")

	require.NoError(t, f.pipeline.ProcessHumanDecision(ctx, id, "mod-1", "approve", "false positive"))

	item, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, item.Status)
	require.NotNil(t, item.ReviewerID)
	assert.Equal(t, "mod-1", *item.ReviewerID)
	require.NotNil(t, item.ReviewNotes)
	assert.Equal(t, "false positive", *item.ReviewNotes)
	require.NotNil(t, item.ReviewedAt)

	err = f.pipeline.ProcessHumanDecision(ctx, id, "mod-2", "reject", "")
	var te *models.InvalidTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.StatusApproved, te.From)
	assert.Equal(t, models.StatusRejected, te.To)

	item, err = f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mod-1", *item.ReviewerID, "terminal items are not mutated")
}

func TestProcessHumanDecision_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.pipeline.ModerateContent(ctx, "comment", "c-1", cleanText, "", models.CheckContext{})
	require.NoError(t, err)
	err = f.pipeline.ProcessHumanDecision(ctx, d.QueueID, "mod-1", "reject", "")
	assert.True(t, models.IsInvalidTransition(err))

	err = f.pipeline.ProcessHumanDecision(ctx, uuid.New(), "mod-1", "approve", "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	id := flagged(t, f, "s-1")
	err = f.pipeline.ProcessHumanDecision(ctx, id, "mod-1", "maybe", "")
	assert.True(t, models.IsValidation(err))
	err = f.pipeline.ProcessHumanDecision(ctx, id, "", "approve", "")
	assert.True(t, models.IsValidation(err))

	item, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFlaggedForReview, item.Status)
	assert.Nil(t, item.ReviewerID)
}

func TestProcessHumanDecision_ConcurrentReviews(t *testing.T) {
	f := newFixture(t)
	id := flagged(t, f, "s-1")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := "approve"
			if i%2 == 1 {
				decision = "reject"
			}
			errs[i] = f.pipeline.ProcessHumanDecision(context.Background(), id, "mod", decision, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, models.IsInvalidTransition(err), err)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestGetModerationQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	flagged(t, f, "s-1")
	f.clock.Advance(time.Second)
	flagged(t, f, "s-2")
	_, err := f.pipeline.ModerateContent(ctx, "comment", "c-1", cleanText, "", models.CheckContext{})
	require.NoError(t, err)

	items, err := f.pipeline.GetModerationQueue(ctx, models.QueueFilter{Status: models.StatusFlaggedForReview})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "s-1", items[0].ContentID)

	items, err = f.pipeline.GetModerationQueue(ctx, models.QueueFilter{Status: models.StatusFlaggedForReview, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s-2", items[0].ContentID)

	items, err = f.pipeline.GetModerationQueue(ctx, models.QueueFilter{ContentType: "comment"})
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = f.pipeline.GetModerationQueue(ctx, models.QueueFilter{Status: "lost"})
	assert.True(t, models.IsValidation(err))
}

func TestGetModerationStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.ModerateContent(ctx, "comment", "c-1", cleanText, "", models.CheckContext{})
	require.NoError(t, err)
	id := flagged(t, f, "s-1")
	_, err = f.pipeline.ModerateContent(ctx, "comment", "c-2", toxicText, "", models.CheckContext{})
	require.NoError(t, err)

	s, err := f.pipeline.GetModerationStats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.AutoApproved)
	assert.Equal(t, 1, s.AutoRejected)
	assert.Equal(t, 1, s.Flagged)
	assert.Equal(t, 1, s.QueueBacklog)
	assert.Equal(t, 1, s.SpamDetected)
	assert.Equal(t, 1, s.ToxicityDetected)
	assert.Zero(t, s.HumanReviewed)

	// cached within the TTL
	_, err = f.pipeline.ModerateContent(ctx, "comment", "c-3", originalText, "", models.CheckContext{})
	require.NoError(t, err)
	s, err = f.pipeline.GetModerationStats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)

	// a human decision invalidates the cache
	require.NoError(t, f.pipeline.ProcessHumanDecision(ctx, id, "mod-1", "approve", ""))
	s, err = f.pipeline.GetModerationStats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.HumanReviewed)
	assert.Equal(t, 1, s.Approved)
	assert.Equal(t, 1, s.Flagged)
	assert.Zero(t, s.QueueBacklog)
	assert.Equal(t, 1.0, s.EstimatedFalsePosRate)

	// the period bounds what is counted
	f.clock.Advance(2 * time.Hour)
	s, err = f.pipeline.GetModerationStats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, s.Total)

	_, err = f.pipeline.GetModerationStats(ctx, 0)
	assert.True(t, models.IsValidation(err))
}
