package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig            `mapstructure:"server"`
	Log        LogConfig               `mapstructure:"log"`
	Redis      RedisConfig             `mapstructure:"redis"`
	Postgres   PostgresConfig          `mapstructure:"postgres"`
	Kafka      KafkaConfig             `mapstructure:"kafka"`
	Auth       AuthConfig              `mapstructure:"auth"`
	Store      StoreConfig             `mapstructure:"store"`
	RateLimits map[string]LimitProfile `mapstructure:"rate_limits"`
	Adaptive   AdaptiveConfig          `mapstructure:"adaptive"`
	Anomaly    AnomalyConfig           `mapstructure:"anomaly"`
	Threat     ThreatConfig            `mapstructure:"threat"`
	Spam       SpamConfig              `mapstructure:"spam"`
	Moderation ModerationConfig        `mapstructure:"moderation"`
}

// ServerConfig.TrustedProxies lists the CIDRs allowed to set forwarding
// headers. Empty means the socket peer is always the client.
type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	BackendURL     string   `mapstructure:"backend_url"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	Consume bool     `mapstructure:"consume"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StoreConfig selects and tunes the counter store. Backend is "redis" or "memory".
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
	UpdateRetries   int           `mapstructure:"update_retries"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

type LimitProfile struct {
	Requests      int              `mapstructure:"requests"`
	WindowSeconds int              `mapstructure:"window_seconds"`
	Burst         int              `mapstructure:"burst"`
	Algorithm     models.Algorithm `mapstructure:"algorithm"`
	Adaptive      bool             `mapstructure:"adaptive"`
}

func (p LimitProfile) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

// Capacity is the token bucket size: requests plus burst.
func (p LimitProfile) Capacity() float64 {
	return float64(p.Requests + p.Burst)
}

// RefillRate is tokens per second.
func (p LimitProfile) RefillRate() float64 {
	return float64(p.Requests) / float64(p.WindowSeconds)
}

type AdaptiveConfig struct {
	Floor              int                `mapstructure:"floor"`
	TrustFactors       map[string]float64 `mapstructure:"trust_factors"`
	DefaultTrustLevel  string             `mapstructure:"default_trust_level"`
	ViolationPenalty   float64            `mapstructure:"violation_penalty"`
	MinViolationFactor float64            `mapstructure:"min_violation_factor"`
	ViolationTTL       time.Duration      `mapstructure:"violation_ttl"`
	PeakStartHour      int                `mapstructure:"peak_start_hour"`
	PeakEndHour        int                `mapstructure:"peak_end_hour"`
	PeakFactor         float64            `mapstructure:"peak_factor"`
	OffPeakFactor      float64            `mapstructure:"off_peak_factor"`
}

type AnomalyConfig struct {
	SpikeMultiplier  float64       `mapstructure:"spike_multiplier"`
	MinSpikeCount    int           `mapstructure:"min_spike_count"`
	BaselineAlpha    float64       `mapstructure:"baseline_alpha"`
	RegularityCV     float64       `mapstructure:"regularity_cv"`
	MinIntervals     int           `mapstructure:"min_intervals"`
	GeoWindow        time.Duration `mapstructure:"geo_window"`
	SpikeWeight      float64       `mapstructure:"spike_weight"`
	RegularityWeight float64       `mapstructure:"regularity_weight"`
	GeoWeight        float64       `mapstructure:"geo_weight"`
	HistorySize      int           `mapstructure:"history_size"`
	ProfileTTL       time.Duration `mapstructure:"profile_ttl"`
}

type ThreatWeights struct {
	SQLInjection     float64 `mapstructure:"sql_injection"`
	XSS              float64 `mapstructure:"xss"`
	CommandInjection float64 `mapstructure:"command_injection"`
	PathTraversal    float64 `mapstructure:"path_traversal"`
	CSRFMissing      float64 `mapstructure:"csrf_missing"`
	ScannerAgent     float64 `mapstructure:"scanner_agent"`
	MissingUserAgent float64 `mapstructure:"missing_user_agent"`
	HeaderInjection  float64 `mapstructure:"header_injection"`
	OversizedHeader  float64 `mapstructure:"oversized_header"`
	BlockedIP        float64 `mapstructure:"blocked_ip"`
	MaliciousIP      float64 `mapstructure:"malicious_ip"`
	SuspiciousIP     float64 `mapstructure:"suspicious_ip"`
}

type ReputationConfig struct {
	CleanReward     float64       `mapstructure:"clean_reward"`
	PenaltyFactor   float64       `mapstructure:"penalty_factor"`
	SuspiciousScore float64       `mapstructure:"suspicious_score"`
	MaliciousScore  float64       `mapstructure:"malicious_score"`
	AutoBlockScore  float64       `mapstructure:"auto_block_score"`
	BlockDuration   time.Duration `mapstructure:"block_duration"`
	TTL             time.Duration `mapstructure:"ttl"`
	HistorySize     int           `mapstructure:"history_size"`
}

type ThreatConfig struct {
	Weights        ThreatWeights    `mapstructure:"weights"`
	TrustedRanges  []string         `mapstructure:"trusted_ranges"`
	CSRFHeaders    []string         `mapstructure:"csrf_headers"`
	CSRFFields     []string         `mapstructure:"csrf_fields"`
	ScannerAgents  []string         `mapstructure:"scanner_agents"`
	MaxHeaderBytes int              `mapstructure:"max_header_bytes"`
	Reputation     ReputationConfig `mapstructure:"reputation"`
}

type SpamWeights struct {
	ExcessiveURLs float64 `mapstructure:"excessive_urls"`
	PerExtraURL   float64 `mapstructure:"per_extra_url"`
	Repetition    float64 `mapstructure:"repetition"`
	LowEntropy    float64 `mapstructure:"low_entropy"`
	KeywordHit    float64 `mapstructure:"keyword_hit"`
	KeywordCap    float64 `mapstructure:"keyword_cap"`
	ShortContent  float64 `mapstructure:"short_content"`
	Honeypot      float64 `mapstructure:"honeypot"`
	TooFast       float64 `mapstructure:"too_fast"`
	ExcessiveCaps float64 `mapstructure:"excessive_caps"`
	AbuseHistory  float64 `mapstructure:"abuse_history"`
	SpamViolation float64 `mapstructure:"spam_violation"`
}

type AbuseConfig struct {
	HalfLife                time.Duration `mapstructure:"half_life"`
	BlockScore              float64       `mapstructure:"block_score"`
	ReviewScore             float64       `mapstructure:"review_score"`
	CoordinationWindow      time.Duration `mapstructure:"coordination_window"`
	CoordinationMinAccounts int           `mapstructure:"coordination_min_accounts"`
	HistorySize             int           `mapstructure:"history_size"`
	ProfileTTL              time.Duration `mapstructure:"profile_ttl"`
	ReportDedupWindow       time.Duration `mapstructure:"report_dedup_window"`
	ReportReasons           []string      `mapstructure:"report_reasons"`
	ReportCounterTTL        time.Duration `mapstructure:"report_counter_ttl"`
}

type SpamConfig struct {
	Threshold           float64        `mapstructure:"threshold"`
	QuarantineThreshold float64        `mapstructure:"quarantine_threshold"`
	BlockThreshold      float64        `mapstructure:"block_threshold"`
	MinLength           map[string]int `mapstructure:"min_length"`
	DefaultMinLength    int            `mapstructure:"default_min_length"`
	MaxURLs             int            `mapstructure:"max_urls"`
	MinUniqueWordRatio  float64        `mapstructure:"min_unique_word_ratio"`
	MinEntropy          float64        `mapstructure:"min_entropy"`
	CapsRatio           float64        `mapstructure:"caps_ratio"`
	CapsMinLetters      int            `mapstructure:"caps_min_letters"`
	MinSubmitInterval   time.Duration  `mapstructure:"min_submit_interval"`
	Keywords            []string       `mapstructure:"keywords"`
	Weights             SpamWeights    `mapstructure:"weights"`
	Abuse               AbuseConfig    `mapstructure:"abuse"`
}

type ModerationConfig struct {
	AutoApproveThreshold float64            `mapstructure:"auto_approve_threshold"`
	AutoRejectThreshold  float64            `mapstructure:"auto_reject_threshold"`
	MinConfidence        float64            `mapstructure:"min_confidence"`
	ReportsForReview     int64              `mapstructure:"reports_for_review"`
	StatsCacheTTL        time.Duration      `mapstructure:"stats_cache_ttl"`
	DuplicateHistory     int                `mapstructure:"duplicate_history"`
	DuplicateTTL         time.Duration      `mapstructure:"duplicate_ttl"`
	ShingleSize          int                `mapstructure:"shingle_size"`
	ToxicTerms           map[string]float64 `mapstructure:"toxic_terms"`
	Intensifiers         []string           `mapstructure:"intensifiers"`
	PositiveWords        []string           `mapstructure:"positive_words"`
	NegativeWords        []string           `mapstructure:"negative_words"`
}

// Load reads .env files, an optional config.yaml under path and the
// environment on top of Default(). The result is validated.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv keeps the flat variable names deployments already use.
func bindEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		"server.port":            "SERVER_PORT",
		"server.backend_url":     "BACKEND_URL",
		"server.trusted_proxies": "TRUSTED_PROXIES",
		"log.level":              "LOG_LEVEL",
		"log.format":             "LOG_FORMAT",
		"redis.addr":             "REDIS_ADDR",
		"redis.password":         "REDIS_PASSWORD",
		"redis.db":               "REDIS_DB",
		"postgres.dsn":           "POSTGRES_DSN",
		"kafka.enabled":          "KAFKA_ENABLED",
		"kafka.brokers":          "KAFKA_BROKERS",
		"kafka.topic":            "KAFKA_TOPIC",
		"kafka.group_id":         "KAFKA_GROUP_ID",
		"auth.jwt_secret":        "JWT_SECRET",
		"store.backend":          "STORE_BACKEND",
	} {
		_ = v.BindEnv(key, env)
	}
}

func (c *Config) Validate() error {
	if len(c.RateLimits) == 0 {
		return errors.New("config: at least one rate limit profile is required")
	}
	for name, p := range c.RateLimits {
		if p.Requests <= 0 || p.WindowSeconds <= 0 {
			return fmt.Errorf("config: rate_limits.%s: requests and window_seconds must be positive", name)
		}
		if p.Burst < 0 {
			return fmt.Errorf("config: rate_limits.%s: burst must not be negative", name)
		}
		switch p.Algorithm {
		case models.AlgorithmTokenBucket, models.AlgorithmSlidingWindow:
		default:
			return fmt.Errorf("config: rate_limits.%s: unknown algorithm %q", name, p.Algorithm)
		}
	}
	if c.Adaptive.Floor < 1 {
		return errors.New("config: adaptive.floor must be at least 1")
	}
	if c.Adaptive.PeakStartHour < 0 || c.Adaptive.PeakStartHour > 23 || c.Adaptive.PeakEndHour < 0 || c.Adaptive.PeakEndHour > 24 {
		return errors.New("config: adaptive peak hours must be within a day")
	}

	for name, v := range map[string]float64{
		"spam.threshold":                     c.Spam.Threshold,
		"spam.quarantine_threshold":          c.Spam.QuarantineThreshold,
		"spam.block_threshold":               c.Spam.BlockThreshold,
		"moderation.auto_approve_threshold":  c.Moderation.AutoApproveThreshold,
		"moderation.auto_reject_threshold":   c.Moderation.AutoRejectThreshold,
		"threat.reputation.auto_block_score": c.Threat.Reputation.AutoBlockScore,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("config: %s must be within [0,100], got %v", name, v)
		}
	}
	if !(c.Spam.Threshold <= c.Spam.QuarantineThreshold && c.Spam.QuarantineThreshold <= c.Spam.BlockThreshold) {
		return errors.New("config: spam thresholds must satisfy threshold <= quarantine <= block")
	}
	if c.Moderation.AutoApproveThreshold >= c.Moderation.AutoRejectThreshold {
		return errors.New("config: moderation.auto_approve_threshold must be below auto_reject_threshold")
	}
	if c.Moderation.MinConfidence < 0 || c.Moderation.MinConfidence > 1 {
		return errors.New("config: moderation.min_confidence must be within [0,1]")
	}
	if c.Moderation.ShingleSize < 1 {
		return errors.New("config: moderation.shingle_size must be at least 1")
	}

	for _, cidr := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("config: server.trusted_proxies: %w", err)
		}
	}
	for _, cidr := range c.Threat.TrustedRanges {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("config: threat.trusted_ranges: %w", err)
		}
	}

	switch c.Store.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Timeout <= 0 {
		return errors.New("config: store.timeout must be positive")
	}
	return nil
}
