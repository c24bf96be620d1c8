package threat

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

func attack(ip string) *models.RequestSnapshot {
	return &models.RequestSnapshot{
		Method:   "GET",
		Path:     "/search",
		Query:    map[string][]string{"id": {"1; DROP TABLE users;"}},
		Headers:  browserHeaders(),
		ClientIP: ip,
	}
}

func clean(ip string) *models.RequestSnapshot {
	return &models.RequestSnapshot{Method: "GET", Path: "/", Headers: browserHeaders(), ClientIP: ip}
}

func TestCheckIPReputation_Trusted(t *testing.T) {
	s := store.NewMemoryStore()
	a, _, _ := newTestAnalyzer(t, s)

	for _, ip := range []string{"127.0.0.1", "::1"} {
		r, err := a.CheckIPReputation(context.Background(), ip)
		require.NoError(t, err)
		assert.True(t, r.Trusted)
		assert.Equal(t, ReputationTrusted, r.Reputation)
		assert.Zero(t, r.RiskScore)
	}
	assert.Zero(t, s.Len())
}

func TestCheckIPReputation_NewIsNeutralAndPersisted(t *testing.T) {
	s := store.NewMemoryStore()
	a, _, _ := newTestAnalyzer(t, s)
	ctx := context.Background()

	r, err := a.CheckIPReputation(ctx, "203.0.113.20")
	require.NoError(t, err)
	assert.Equal(t, 50.0, r.Score)
	assert.Equal(t, ReputationUnknown, r.Reputation)
	assert.False(t, r.IsBlocked)

	var rec models.IPReputationRecord
	require.NoError(t, store.GetJSON(ctx, s, reputationKey("203.0.113.20"), &rec))
	assert.Equal(t, start, rec.FirstSeen.UTC())
}

func TestCheckIPReputation_InvalidIP(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	_, err := a.CheckIPReputation(context.Background(), "999.1.1.1")
	assert.True(t, models.IsValidation(err))
}

func TestCheckIPReputation_StoreDown(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, storetest.Down{})

	_, err := a.CheckIPReputation(context.Background(), "203.0.113.21")
	assert.True(t, store.IsUnavailable(err))
}

func TestPeekIPReputation_DoesNotPersist(t *testing.T) {
	s := store.NewMemoryStore()
	a, _, _ := newTestAnalyzer(t, s)

	r, err := a.PeekIPReputation(context.Background(), "203.0.113.22")
	require.NoError(t, err)
	assert.Equal(t, 50.0, r.Score)
	assert.Zero(t, s.Len())
}

func TestReputation_DegradesToAutoBlock(t *testing.T) {
	a, sink, _ := newTestAnalyzer(t, store.NewMemoryStore())
	ctx := context.Background()
	ip := "203.0.113.30"

	_, err := a.AnalyzeRequest(ctx, attack(ip))
	require.NoError(t, err)
	r, err := a.PeekIPReputation(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, 35.0, r.Score)
	assert.Equal(t, ReputationNeutral, r.Reputation)

	_, err = a.AnalyzeRequest(ctx, attack(ip))
	require.NoError(t, err)
	r, err = a.PeekIPReputation(ctx, ip)
	require.NoError(t, err)
	assert.Equal(t, ReputationSuspicious, r.Reputation)

	third, err := a.AnalyzeRequest(ctx, attack(ip))
	require.NoError(t, err)
	assert.Contains(t, indicatorNames(third), string(models.EventBadReputation))
	assert.Equal(t, models.ActionBlock, third.RecommendedAction)

	r, err = a.PeekIPReputation(ctx, ip)
	require.NoError(t, err)
	assert.True(t, r.IsBlocked)
	assert.Equal(t, ReputationMalicious, r.Reputation)
	assert.Equal(t, int64(1), r.BlockedRequests)
	assert.Len(t, sink.SecurityEventsOfType(models.EventIPBlocked), 1)

	// even a clean request from a blocked address is blocked
	fourth, err := a.AnalyzeRequest(ctx, clean(ip))
	require.NoError(t, err)
	assert.Equal(t, []string{string(models.EventIPBlocked)}, indicatorNames(fourth))
	assert.Equal(t, models.ActionBlock, fourth.RecommendedAction)

	blocked, err := a.BlockedIPs(ctx)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, ip, blocked[0].IP)
}

func TestReputation_StaysWithinBounds(t *testing.T) {
	a, _, clock := newTestAnalyzer(t, store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		_, err := a.AnalyzeRequest(ctx, clean("203.0.113.40"))
		require.NoError(t, err)
	}
	r, err := a.PeekIPReputation(ctx, "203.0.113.40")
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.Score)
	assert.Equal(t, ReputationGood, r.Reputation)
	assert.Equal(t, int64(200), r.TotalRequests)

	for i := 0; i < 20; i++ {
		_, err := a.AnalyzeRequest(ctx, attack("203.0.113.41"))
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)
	}
	r, err = a.PeekIPReputation(ctx, "203.0.113.41")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, r.Score, 0.0)
	assert.LessOrEqual(t, r.Score, 100.0)
}

func TestBlockAndUnblockIP(t *testing.T) {
	archive := NewMemoryArchive()
	a, sink, clock := newTestAnalyzer(t, store.NewMemoryStore())
	a.archive = archive
	ctx := context.Background()

	rec, err := a.BlockIP(ctx, "198.51.100.10", "credential stuffing", time.Hour)
	require.NoError(t, err)
	assert.True(t, rec.IsBlocked)
	require.NotNil(t, rec.BlockedUntil)
	assert.Equal(t, start.Add(time.Hour), rec.BlockedUntil.UTC())
	assert.Len(t, sink.SecurityEventsOfType(models.EventIPBlocked), 1)

	archived, err := archive.GetBlockedIPs(ctx)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "credential stuffing", archived[0].BlockReason)

	r, err := a.PeekIPReputation(ctx, "198.51.100.10")
	require.NoError(t, err)
	assert.True(t, r.IsBlocked)

	clock.Advance(61 * time.Minute)
	r, err = a.PeekIPReputation(ctx, "198.51.100.10")
	require.NoError(t, err)
	assert.False(t, r.IsBlocked, "block expired")

	_, err = a.BlockIP(ctx, "198.51.100.10", "", 0)
	require.NoError(t, err)
	rec, err = a.UnblockIP(ctx, "198.51.100.10")
	require.NoError(t, err)
	assert.False(t, rec.IsBlocked)
	assert.Nil(t, rec.BlockedUntil)

	archived, err = archive.GetBlockedIPs(ctx)
	require.NoError(t, err)
	assert.Empty(t, archived)
}

func TestUnblockIP_Unknown(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	_, err := a.UnblockIP(context.Background(), "198.51.100.99")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = a.BlockIP(context.Background(), "nope", "x", time.Minute)
	assert.True(t, models.IsValidation(err))
}
