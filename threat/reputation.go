package threat

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	ReputationUnknown    = "unknown"
	ReputationTrusted    = "trusted"
	ReputationGood       = "good"
	ReputationNeutral    = "neutral"
	ReputationSuspicious = "suspicious"
	ReputationMalicious  = "malicious"
)

const neutralScore = 50

type ReputationReport struct {
	IP              string          `json:"ip"`
	Score           float64         `json:"score"`
	Reputation      string          `json:"reputation"`
	ThreatLevel     models.Severity `json:"threat_level"`
	RiskScore       float64         `json:"risk_score"`
	IsBlocked       bool            `json:"is_blocked"`
	BlockedUntil    *time.Time      `json:"blocked_until,omitempty"`
	BlockReason     string          `json:"block_reason,omitempty"`
	Trusted         bool            `json:"trusted"`
	TotalRequests   int64           `json:"total_requests"`
	BlockedRequests int64           `json:"blocked_requests"`
	FirstSeen       time.Time       `json:"first_seen,omitempty"`
	LastSeen        time.Time       `json:"last_seen,omitempty"`
}

// ReputationArchive keeps a durable copy of reputation records whose block
// state changed. The counter store stays the source of truth for scoring.
type ReputationArchive interface {
	UpsertIPReputation(ctx context.Context, rec *models.IPReputationRecord) error
	GetBlockedIPs(ctx context.Context) ([]*models.IPReputationRecord, error)
}

type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string]models.IPReputationRecord
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string]models.IPReputationRecord)}
}

func (m *MemoryArchive) UpsertIPReputation(_ context.Context, rec *models.IPReputationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.IP] = *rec
	return nil
}

func (m *MemoryArchive) GetBlockedIPs(_ context.Context) ([]*models.IPReputationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.IPReputationRecord
	for _, rec := range m.records {
		if rec.IsBlocked {
			r := rec
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func reputationKey(ip string) string {
	return store.Key("ip", "rep", ip)
}

func (a *Analyzer) parseIP(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", models.NewValidationError("ip", "invalid IP address")
	}
	return parsed.String(), nil
}

func (a *Analyzer) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	for _, n := range a.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (a *Analyzer) trustedReport(ip string) *ReputationReport {
	return &ReputationReport{
		IP:          ip,
		Score:       100,
		Reputation:  ReputationTrusted,
		ThreatLevel: models.SeverityLow,
		Trusted:     true,
	}
}

func (a *Analyzer) neutralRecord(ip string) models.IPReputationRecord {
	now := a.now()
	return models.IPReputationRecord{
		IP:          ip,
		Score:       neutralScore,
		Reputation:  ReputationUnknown,
		ThreatLevel: models.SeverityLow,
		FirstSeen:   now,
		LastSeen:    now,
	}
}

// CheckIPReputation returns the stored record for ip, creating and persisting
// a neutral one on first sight.
func (a *Analyzer) CheckIPReputation(ctx context.Context, ip string) (*ReputationReport, error) {
	ip, err := a.parseIP(ip)
	if err != nil {
		return nil, err
	}
	if a.isTrusted(ip) {
		return a.trustedReport(ip), nil
	}

	var rec models.IPReputationRecord
	err = store.GetJSON(ctx, a.store, reputationKey(ip), &rec)
	if errors.Is(err, store.ErrNotFound) {
		rec = a.neutralRecord(ip)
		err = store.SetJSON(ctx, a.store, reputationKey(ip), &rec, a.cfg.Reputation.TTL)
	}
	if err != nil {
		return nil, err
	}
	return a.toReport(&rec), nil
}

// PeekIPReputation is CheckIPReputation without the write. Unknown addresses
// read as neutral.
func (a *Analyzer) PeekIPReputation(ctx context.Context, ip string) (*ReputationReport, error) {
	ip, err := a.parseIP(ip)
	if err != nil {
		return nil, err
	}
	if a.isTrusted(ip) {
		return a.trustedReport(ip), nil
	}

	var rec models.IPReputationRecord
	err = store.GetJSON(ctx, a.store, reputationKey(ip), &rec)
	if errors.Is(err, store.ErrNotFound) {
		rec = a.neutralRecord(ip)
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return a.toReport(&rec), nil
}

func (a *Analyzer) toReport(rec *models.IPReputationRecord) *ReputationReport {
	now := a.now()
	r := &ReputationReport{
		IP:              rec.IP,
		Score:           models.ClampScore(rec.Score),
		Reputation:      rec.Reputation,
		ThreatLevel:     rec.ThreatLevel,
		RiskScore:       models.ClampScore(100 - rec.Score),
		IsBlocked:       rec.BlockActive(now),
		TotalRequests:   rec.TotalRequests,
		BlockedRequests: rec.BlockedRequests,
		FirstSeen:       rec.FirstSeen,
		LastSeen:        rec.LastSeen,
	}
	if r.IsBlocked {
		r.BlockedUntil = rec.BlockedUntil
		r.BlockReason = rec.BlockReason
	}
	return r
}

func (a *Analyzer) label(score float64) string {
	rc := a.cfg.Reputation
	switch {
	case score >= 70:
		return ReputationGood
	case score >= rc.SuspiciousScore:
		return ReputationNeutral
	case score >= rc.MaliciousScore:
		return ReputationSuspicious
	default:
		return ReputationMalicious
	}
}

// recordOutcome moves the reputation score of ip by the signature risk of
// one analyzed request and applies the auto-block threshold.
func (a *Analyzer) recordOutcome(ctx context.Context, ip string, risk float64, report *ThreatReport) (*models.IPReputationRecord, error) {
	rc := a.cfg.Reputation
	now := a.now()
	autoBlocked := false

	rec, err := store.UpdateJSON(ctx, a.store, reputationKey(ip), rc.TTL,
		func(rec *models.IPReputationRecord, exists bool) error {
			if !exists {
				*rec = a.neutralRecord(ip)
			}
			rec.TotalRequests++
			rec.LastSeen = now
			if report.RecommendedAction == models.ActionBlock {
				rec.BlockedRequests++
			}

			if risk > 0 {
				rec.Score -= risk * rc.PenaltyFactor
				for _, ind := range report.Indicators {
					rec.IndicatorHistory = append(rec.IndicatorHistory, ind.Name)
				}
				if n := len(rec.IndicatorHistory); rc.HistorySize > 0 && n > rc.HistorySize {
					rec.IndicatorHistory = rec.IndicatorHistory[n-rc.HistorySize:]
				}
			} else {
				rec.Score += rc.CleanReward
			}
			rec.Score = models.ClampScore(rec.Score)
			rec.Reputation = a.label(rec.Score)
			rec.ThreatLevel = models.SeverityForRisk(100 - rec.Score)

			if rec.IsBlocked && !rec.BlockActive(now) {
				rec.IsBlocked = false
				rec.BlockedUntil = nil
				rec.BlockReason = ""
			}
			if !rec.IsBlocked && rec.Score < rc.AutoBlockScore {
				until := now.Add(rc.BlockDuration)
				rec.IsBlocked = true
				rec.BlockedUntil = &until
				rec.BlockReason = "reputation score below auto-block threshold"
				autoBlocked = true
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	if autoBlocked {
		a.log.WithFields(logrus.Fields{
			"ip":    ip,
			"score": rec.Score,
			"until": rec.BlockedUntil,
		}).Warn("ip auto-blocked")
		a.archiveRecord(ctx, &rec)
		a.recordBlockEvent(ctx, &rec)
	}
	return &rec, nil
}

// BlockIP blocks ip for duration. A zero duration blocks until UnblockIP.
func (a *Analyzer) BlockIP(ctx context.Context, ip, reason string, duration time.Duration) (*models.IPReputationRecord, error) {
	ip, err := a.parseIP(ip)
	if err != nil {
		return nil, err
	}
	if duration < 0 {
		return nil, models.NewValidationError("duration", "must not be negative")
	}
	if reason == "" {
		reason = "blocked by administrator"
	}
	now := a.now()

	rec, err := store.UpdateJSON(ctx, a.store, reputationKey(ip), a.cfg.Reputation.TTL,
		func(rec *models.IPReputationRecord, exists bool) error {
			if !exists {
				*rec = a.neutralRecord(ip)
			}
			rec.IsBlocked = true
			rec.BlockReason = reason
			rec.BlockedUntil = nil
			if duration > 0 {
				until := now.Add(duration)
				rec.BlockedUntil = &until
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	a.log.WithFields(logrus.Fields{"ip": ip, "reason": reason}).Info("ip blocked")
	a.archiveRecord(ctx, &rec)
	a.recordBlockEvent(ctx, &rec)
	return &rec, nil
}

func (a *Analyzer) UnblockIP(ctx context.Context, ip string) (*models.IPReputationRecord, error) {
	ip, err := a.parseIP(ip)
	if err != nil {
		return nil, err
	}

	rec, err := store.UpdateJSON(ctx, a.store, reputationKey(ip), a.cfg.Reputation.TTL,
		func(rec *models.IPReputationRecord, exists bool) error {
			if !exists {
				return models.ErrNotFound
			}
			rec.IsBlocked = false
			rec.BlockedUntil = nil
			rec.BlockReason = ""
			return nil
		})
	if err != nil {
		return nil, err
	}

	a.log.WithField("ip", ip).Info("ip unblocked")
	a.archiveRecord(ctx, &rec)
	return &rec, nil
}

// BlockedIPs lists archived blocks that are still in force.
func (a *Analyzer) BlockedIPs(ctx context.Context) ([]*models.IPReputationRecord, error) {
	recs, err := a.archive.GetBlockedIPs(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()
	active := recs[:0]
	for _, rec := range recs {
		if rec.BlockActive(now) {
			active = append(active, rec)
		}
	}
	return active, nil
}

func (a *Analyzer) archiveRecord(ctx context.Context, rec *models.IPReputationRecord) {
	if err := a.archive.UpsertIPReputation(ctx, rec); err != nil {
		a.log.WithError(err).WithField("ip", rec.IP).Error("failed to archive ip reputation")
	}
}

func (a *Analyzer) recordBlockEvent(ctx context.Context, rec *models.IPReputationRecord) {
	event := &models.SecurityEvent{
		ID:       uuid.New(),
		Type:     models.EventIPBlocked,
		Severity: models.SeverityHigh,
		SourceIP: rec.IP,
		Indicators: []models.Indicator{{
			Name:     string(models.EventIPBlocked),
			Location: "client_ip",
			Detail:   rec.BlockReason,
		}},
		RiskScore:         models.ClampScore(100 - rec.Score),
		RecommendedAction: models.ActionBlock,
		CreatedAt:         a.now(),
	}
	if err := a.sink.RecordSecurityEvent(ctx, event); err != nil {
		a.log.WithError(err).WithField("ip", rec.IP).Error("failed to record ip block event")
	}
}
