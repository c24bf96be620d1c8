package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionForRisk_Bands(t *testing.T) {
	cases := map[float64]Action{
		0:    ActionAllow,
		19.9: ActionAllow,
		20:   ActionMonitor,
		49:   ActionMonitor,
		50:   ActionChallenge,
		79.5: ActionChallenge,
		80:   ActionBlock,
		100:  ActionBlock,
	}
	for risk, want := range cases {
		assert.Equal(t, want, ActionForRisk(risk), "risk %v", risk)
	}
}

func TestSumWeights_ClampsAndIgnoresNegative(t *testing.T) {
	got := SumWeights([]Indicator{{Weight: 70}, {Weight: 60}, {Weight: -10}})
	assert.Equal(t, 100.0, got)

	got = SumWeights([]Indicator{{Weight: 10}, {Weight: -5}})
	assert.Equal(t, 10.0, got)
}

func TestModerationStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusFlaggedForReview.Terminal())
	assert.True(t, StatusAutoApproved.Terminal())
	assert.True(t, StatusAutoRejected.Terminal())
	assert.True(t, StatusApproved.Terminal())
	assert.True(t, StatusRejected.Terminal())
}

func TestIPReputationRecord_BlockActive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&IPReputationRecord{}).BlockActive(now))
	assert.True(t, (&IPReputationRecord{IsBlocked: true}).BlockActive(now))
	assert.True(t, (&IPReputationRecord{IsBlocked: true, BlockedUntil: &future}).BlockActive(now))
	assert.False(t, (&IPReputationRecord{IsBlocked: true, BlockedUntil: &past}).BlockActive(now))
}

func TestRequestSnapshot_HeaderCaseInsensitive(t *testing.T) {
	s := &RequestSnapshot{Headers: map[string][]string{"X-Csrf-Token": {"abc"}}}
	assert.Equal(t, "abc", s.Header("x-csrf-token"))
	assert.Equal(t, "", s.Header("missing"))

	var nilSnap *RequestSnapshot
	assert.Equal(t, "", nilSnap.Header("anything"))
}
