package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
)

// RateLimitState is the blob kept in the counter store per identifier and
// limit type. Log holds unix-nano timestamps for the sliding window.
type RateLimitState struct {
	Identifier  string    `json:"identifier"`
	Algorithm   Algorithm `json:"algorithm"`
	Tokens      float64   `json:"tokens,omitempty"`
	Log         []int64   `json:"log,omitempty"`
	WindowStart time.Time `json:"window_start"`
	Capacity    float64   `json:"capacity"`
	RefillRate  float64   `json:"refill_rate"`
	LastUpdated time.Time `json:"last_updated"`
}

type AdaptiveLimitProfile struct {
	Identifier      string    `json:"identifier"`
	LimitType       string    `json:"limit_type"`
	BaseLimit       int       `json:"base_limit"`
	TrustFactor     float64   `json:"trust_factor"`
	ViolationFactor float64   `json:"violation_factor"`
	TimeOfDayFactor float64   `json:"time_of_day_factor"`
	Violations      int64     `json:"violations"`
	Limit           int       `json:"limit"`
	ComputedAt      time.Time `json:"computed_at"`
}

type RateLimitEvent struct {
	ID           uuid.UUID `json:"id"`
	Identifier   string    `json:"identifier"`
	LimitType    string    `json:"limit_type"`
	RequestsMade int       `json:"requests_made"`
	Limit        int       `json:"limit"`
	Exceeded     bool      `json:"exceeded"`
	CreatedAt    time.Time `json:"created_at"`
}

type EventType string

const (
	EventSQLInjection        EventType = "sql_injection"
	EventXSS                 EventType = "xss"
	EventCSRFMissing         EventType = "csrf_missing"
	EventPathTraversal       EventType = "path_traversal"
	EventCommandInjection    EventType = "command_injection"
	EventHeaderAnomaly       EventType = "header_anomaly"
	EventIPBlocked           EventType = "ip_blocked"
	EventBadReputation       EventType = "bad_reputation"
	EventAnomaly             EventType = "anomaly"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventRateLimiterDegraded EventType = "rate_limiter_degraded"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Indicator is a single detector hit and the weight it added to a score.
type Indicator struct {
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`
	Location string  `json:"location,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// SecurityEvent is append-only; nothing mutates it after creation.
type SecurityEvent struct {
	ID                uuid.UUID   `json:"id"`
	Type              EventType   `json:"type"`
	Severity          Severity    `json:"severity"`
	SourceIP          string      `json:"source_ip"`
	UserID            string      `json:"user_id,omitempty"`
	Method            string      `json:"method,omitempty"`
	Path              string      `json:"path,omitempty"`
	Indicators        []Indicator `json:"indicators"`
	RiskScore         float64     `json:"risk_score"`
	RecommendedAction Action      `json:"recommended_action"`
	CreatedAt         time.Time   `json:"created_at"`
}

type IPReputationRecord struct {
	IP               string     `json:"ip"`
	Score            float64    `json:"score"`
	Reputation       string     `json:"reputation"`
	ThreatLevel      Severity   `json:"threat_level"`
	FirstSeen        time.Time  `json:"first_seen"`
	LastSeen         time.Time  `json:"last_seen"`
	TotalRequests    int64      `json:"total_requests"`
	BlockedRequests  int64      `json:"blocked_requests"`
	IsBlocked        bool       `json:"is_blocked"`
	BlockedUntil     *time.Time `json:"blocked_until,omitempty"`
	BlockReason      string     `json:"block_reason,omitempty"`
	Country          string     `json:"country,omitempty"`
	IndicatorHistory []string   `json:"indicator_history,omitempty"`
}

// BlockActive reports whether the block is still in force at now.
func (r *IPReputationRecord) BlockActive(now time.Time) bool {
	if !r.IsBlocked {
		return false
	}
	return r.BlockedUntil == nil || now.Before(*r.BlockedUntil)
}

type SpamAction string

const (
	SpamAllow         SpamAction = "allow"
	SpamFlagForReview SpamAction = "flag_for_review"
	SpamQuarantine    SpamAction = "quarantine"
	SpamBlock         SpamAction = "block"
)

type SpamReport struct {
	ContentType       string        `json:"content_type"`
	ContentID         string        `json:"content_id,omitempty"`
	SpamScore         float64       `json:"spam_score"`
	IsSpam            bool          `json:"is_spam"`
	Confidence        float64       `json:"confidence"`
	Indicators        []Indicator   `json:"indicators"`
	Unavailable       []string      `json:"unavailable,omitempty"`
	RecommendedAction SpamAction    `json:"recommended_action"`
	ProcessingTime    time.Duration `json:"processing_time"`
}

type AbuseProfile struct {
	UserID            string    `json:"user_id"`
	Violations        int64     `json:"violations"`
	AbuseScore        float64   `json:"abuse_score"`
	CoordinatedAttack bool      `json:"coordinated_attack"`
	LastViolation     time.Time `json:"last_violation"`
	History           []string  `json:"history,omitempty"`
	LastUpdated       time.Time `json:"last_updated"`
}

type AbuseReport struct {
	ID          uuid.UUID `json:"id"`
	ReporterID  string    `json:"reporter_id"`
	ContentType string    `json:"content_type"`
	ContentID   string    `json:"content_id"`
	Reason      string    `json:"reason"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RequestSnapshot is what request middleware hands to the threat analyzer.
type RequestSnapshot struct {
	Method     string              `json:"method"`
	URL        string              `json:"url"`
	Path       string              `json:"path"`
	Query      map[string][]string `json:"query,omitempty"`
	Body       map[string][]string `json:"body,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	ClientIP   string              `json:"client_ip"`
	UserID     string              `json:"user_id,omitempty"`
	TrustLevel string              `json:"trust_level,omitempty"`
}

// Header returns the first value for name, matching case-insensitively.
func (s *RequestSnapshot) Header(name string) string {
	if s == nil {
		return ""
	}
	for k, v := range s.Headers {
		if len(v) > 0 && strings.EqualFold(k, name) {
			return v[0]
		}
	}
	return ""
}

// CheckContext carries request identity through every check call.
type CheckContext struct {
	UserID         string            `json:"user_id,omitempty" mapstructure:"user_id"`
	IP             string            `json:"ip,omitempty" mapstructure:"ip"`
	Fingerprint    string            `json:"fingerprint,omitempty" mapstructure:"fingerprint"`
	TrustLevel     string            `json:"trust_level,omitempty" mapstructure:"trust_level"`
	Country        string            `json:"country,omitempty" mapstructure:"country"`
	UserAgent      string            `json:"user_agent,omitempty" mapstructure:"user_agent"`
	Honeypot       map[string]string `json:"honeypot,omitempty" mapstructure:"honeypot"`
	FormRenderedAt time.Time         `json:"form_rendered_at,omitempty" mapstructure:"form_rendered_at"`
}
