package spam

import (
	"context"
	"testing"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/berserk3142-max/trust-guard/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUserForAbuse_Unknown(t *testing.T) {
	s := store.NewMemoryStore()
	sc, _, _ := newTestScorer(t, s)

	check, err := sc.CheckUserForAbuse(context.Background(), "nobody", models.CheckContext{})
	require.NoError(t, err)
	assert.False(t, check.ShouldBlock)
	assert.Zero(t, check.AbuseScore)
	assert.Equal(t, models.ActionAllow, check.Action)
	assert.Zero(t, s.Len(), "unknown users are not persisted")
}

func TestRecordViolation_ScoreDecays(t *testing.T) {
	sc, _, clock := newTestScorer(t, store.NewMemoryStore())
	ctx := context.Background()

	p, err := sc.RecordViolation(ctx, "u-1", "harassment", 80, models.CheckContext{})
	require.NoError(t, err)
	assert.Equal(t, 80.0, p.AbuseScore)
	assert.Equal(t, []string{"harassment"}, p.History)

	check, err := sc.CheckUserForAbuse(ctx, "u-1", models.CheckContext{})
	require.NoError(t, err)
	assert.True(t, check.ShouldBlock)
	assert.Equal(t, models.ActionBlock, check.Action)

	clock.Advance(24 * time.Hour)
	check, err = sc.CheckUserForAbuse(ctx, "u-1", models.CheckContext{})
	require.NoError(t, err)
	assert.Equal(t, 40.0, check.AbuseScore)
	assert.Equal(t, models.ActionChallenge, check.Action)
	assert.Equal(t, int64(1), check.Violations)

	// the write-back must not decay twice
	check, err = sc.CheckUserForAbuse(ctx, "u-1", models.CheckContext{})
	require.NoError(t, err)
	assert.Equal(t, 40.0, check.AbuseScore)
}

func TestRecordViolation_ScoreClamped(t *testing.T) {
	sc, _, _ := newTestScorer(t, store.NewMemoryStore())

	var p *models.AbuseProfile
	var err error
	for i := 0; i < 30; i++ {
		p, err = sc.RecordViolation(context.Background(), "u-1", "spam", 20, models.CheckContext{})
		require.NoError(t, err)
	}
	assert.Equal(t, 100.0, p.AbuseScore)
	assert.Equal(t, int64(30), p.Violations)
	assert.Len(t, p.History, 20)
}

func TestRecordViolation_CoordinatedAttack(t *testing.T) {
	sc, _, clock := newTestScorer(t, store.NewMemoryStore())
	ctx := context.Background()
	cc := models.CheckContext{IP: "203.0.113.50"}

	for _, u := range []string{"a", "b"} {
		p, err := sc.RecordViolation(ctx, u, "spam", 10, cc)
		require.NoError(t, err)
		assert.False(t, p.CoordinatedAttack)
		clock.Advance(time.Minute)
	}

	p, err := sc.RecordViolation(ctx, "c", "spam", 10, cc)
	require.NoError(t, err)
	assert.True(t, p.CoordinatedAttack)

	for _, u := range []string{"a", "b", "c"} {
		check, err := sc.CheckUserForAbuse(ctx, u, models.CheckContext{})
		require.NoError(t, err)
		assert.True(t, check.CoordinatedAttack, u)
		assert.True(t, check.ShouldBlock, u)
	}

	check, err := sc.CheckUserForAbuse(ctx, "newcomer", cc)
	require.NoError(t, err)
	assert.False(t, check.CoordinatedAttack, "no violations and not in the group")
}

func TestRecordViolation_CorrelationWindowExpires(t *testing.T) {
	sc, _, clock := newTestScorer(t, store.NewMemoryStore())
	ctx := context.Background()
	cc := models.CheckContext{Fingerprint: "fp-1"}

	for _, u := range []string{"a", "b", "c"} {
		p, err := sc.RecordViolation(ctx, u, "spam", 10, cc)
		require.NoError(t, err)
		assert.False(t, p.CoordinatedAttack, u)
		clock.Advance(10 * time.Minute)
	}
}

func TestRecordViolation_Validation(t *testing.T) {
	sc, _, _ := newTestScorer(t, store.NewMemoryStore())

	_, err := sc.RecordViolation(context.Background(), "", "spam", 10, models.CheckContext{})
	assert.True(t, models.IsValidation(err))
	_, err = sc.RecordViolation(context.Background(), "u", "spam", -1, models.CheckContext{})
	assert.True(t, models.IsValidation(err))
	_, err = sc.CheckUserForAbuse(context.Background(), " ", models.CheckContext{})
	assert.True(t, models.IsValidation(err))
}

func TestCheckUserForAbuse_StoreDown(t *testing.T) {
	sc, _, _ := newTestScorer(t, storetest.Down{})

	_, err := sc.CheckUserForAbuse(context.Background(), "u-1", models.CheckContext{})
	assert.True(t, store.IsUnavailable(err))
}
