package spam

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/sirupsen/logrus"
)

type AbuseCheck struct {
	UserID            string        `json:"user_id"`
	ShouldBlock       bool          `json:"should_block"`
	AbuseScore        float64       `json:"abuse_score"`
	Violations        int64         `json:"violations"`
	Action            models.Action `json:"action"`
	History           []string      `json:"history"`
	CoordinatedAttack bool          `json:"coordinated_attack"`
	Correlated        []string      `json:"correlated_accounts,omitempty"`
}

// correlation lists the accounts that recently violated from one IP or
// device fingerprint, keyed by user id with unix-nano timestamps.
type correlation struct {
	Users map[string]int64 `json:"users"`
}

func profileKey(userID string) string {
	return store.Key("abuse", "user", userID)
}

func correlationKey(kind, value string) string {
	return store.Key("abuse", "corr", kind, value)
}

// decay applies the half-life to a score last written at from.
func (s *Scorer) decay(score float64, from, to time.Time) float64 {
	hl := s.cfg.Abuse.HalfLife
	if hl <= 0 || from.IsZero() || !to.After(from) {
		return score
	}
	return score * math.Pow(0.5, float64(to.Sub(from))/float64(hl))
}

// loadProfile reads the abuse profile of userID with its score decayed to
// now. A missing profile is returned empty with found=false.
func (s *Scorer) loadProfile(ctx context.Context, userID string) (*models.AbuseProfile, bool, error) {
	var p models.AbuseProfile
	err := store.GetJSON(ctx, s.store, profileKey(userID), &p)
	if errors.Is(err, store.ErrNotFound) {
		return &models.AbuseProfile{UserID: userID}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p.AbuseScore = s.decay(p.AbuseScore, p.LastUpdated, s.now())
	return &p, true, nil
}

func correlators(cc models.CheckContext) [][2]string {
	var out [][2]string
	if ip := strings.TrimSpace(cc.IP); ip != "" {
		out = append(out, [2]string{"ip", ip})
	}
	if fp := strings.TrimSpace(cc.Fingerprint); fp != "" {
		out = append(out, [2]string{"fp", fp})
	}
	return out
}

// RecordViolation adds weight to the abuse score of userID and files the
// user under the request's correlators. When enough distinct accounts share
// a correlator inside the coordination window all of them are flagged.
func (s *Scorer) RecordViolation(ctx context.Context, userID, reason string, weight float64, cc models.CheckContext) (*models.AbuseProfile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.NewValidationError("user_id", "must not be empty")
	}
	if weight < 0 {
		return nil, models.NewValidationError("weight", "must not be negative")
	}
	ac := s.cfg.Abuse
	now := s.now()

	group := map[string]struct{}{}
	for _, c := range correlators(cc) {
		users, err := s.touchCorrelation(ctx, c[0], c[1], userID, now)
		if err != nil {
			s.log.WithError(err).WithField("correlator", c[0]).Warn("failed to update abuse correlation")
			continue
		}
		if len(users) >= ac.CoordinationMinAccounts {
			for _, u := range users {
				group[u] = struct{}{}
			}
		}
	}
	_, coordinated := group[userID]

	p, err := store.UpdateJSON(ctx, s.store, profileKey(userID), ac.ProfileTTL,
		func(p *models.AbuseProfile, exists bool) error {
			if !exists {
				*p = models.AbuseProfile{UserID: userID}
			}
			p.AbuseScore = models.ClampScore(s.decay(p.AbuseScore, p.LastUpdated, now) + weight)
			p.Violations++
			p.LastViolation = now
			p.LastUpdated = now
			if coordinated {
				p.CoordinatedAttack = true
			}
			p.History = appendBounded(p.History, reason, ac.HistorySize)
			return nil
		})
	if err != nil {
		return nil, err
	}

	if coordinated {
		s.flagCoordinated(ctx, group, userID)
	}
	return &p, nil
}

// touchCorrelation records userID against one correlator and returns the
// distinct users seen there inside the coordination window.
func (s *Scorer) touchCorrelation(ctx context.Context, kind, value, userID string, now time.Time) ([]string, error) {
	window := s.cfg.Abuse.CoordinationWindow
	c, err := store.UpdateJSON(ctx, s.store, correlationKey(kind, value), window,
		func(c *correlation, _ bool) error {
			if c.Users == nil {
				c.Users = map[string]int64{}
			}
			pruneCorrelation(c, now, window)
			c.Users[userID] = now.UnixNano()
			return nil
		})
	if err != nil {
		return nil, err
	}
	return sortedUsers(c.Users), nil
}

func (s *Scorer) recentCorrelated(ctx context.Context, kind, value string, now time.Time) ([]string, error) {
	var c correlation
	err := store.GetJSON(ctx, s.store, correlationKey(kind, value), &c)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pruneCorrelation(&c, now, s.cfg.Abuse.CoordinationWindow)
	return sortedUsers(c.Users), nil
}

func pruneCorrelation(c *correlation, now time.Time, window time.Duration) {
	cutoff := now.Add(-window).UnixNano()
	for u, ts := range c.Users {
		if ts <= cutoff {
			delete(c.Users, u)
		}
	}
}

func sortedUsers(m map[string]int64) []string {
	users := make([]string, 0, len(m))
	for u := range m {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

func (s *Scorer) flagCoordinated(ctx context.Context, group map[string]struct{}, except string) {
	for u := range group {
		if u == except {
			continue
		}
		err := s.store.Update(ctx, profileKey(u), s.cfg.Abuse.ProfileTTL, func(current []byte) ([]byte, error) {
			if current == nil {
				return nil, nil
			}
			var p models.AbuseProfile
			if err := json.Unmarshal(current, &p); err != nil {
				return nil, nil
			}
			if p.CoordinatedAttack {
				return nil, nil
			}
			p.CoordinatedAttack = true
			return json.Marshal(&p)
		})
		if err != nil {
			s.log.WithError(err).WithField("user_id", u).Warn("failed to flag coordinated account")
		}
	}
	s.log.WithFields(logrus.Fields{
		"accounts": len(group),
		"trigger":  except,
	}).Warn("coordinated abuse detected")
}

// CheckUserForAbuse summarizes the abuse state of userID. The decayed score
// is written back when the profile exists.
func (s *Scorer) CheckUserForAbuse(ctx context.Context, userID string, cc models.CheckContext) (*AbuseCheck, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.NewValidationError("user_id", "must not be empty")
	}
	ac := s.cfg.Abuse
	now := s.now()

	p, found, err := s.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	check := &AbuseCheck{UserID: userID, CoordinatedAttack: p.CoordinatedAttack}
	for _, c := range correlators(cc) {
		users, err := s.recentCorrelated(ctx, c[0], c[1], now)
		if err != nil {
			return nil, err
		}
		if len(users) >= ac.CoordinationMinAccounts && (p.Violations > 0 || slices.Contains(users, userID)) {
			check.CoordinatedAttack = true
			check.Correlated = users
		}
	}

	if found {
		p.LastUpdated = now
		p.CoordinatedAttack = check.CoordinatedAttack
		if err := store.SetJSON(ctx, s.store, profileKey(userID), p, ac.ProfileTTL); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("failed to persist decayed abuse score")
		}
	}

	check.AbuseScore = math.Round(p.AbuseScore*100) / 100
	check.Violations = p.Violations
	check.History = p.History
	switch {
	case check.AbuseScore >= ac.BlockScore || check.CoordinatedAttack:
		check.Action = models.ActionBlock
	case check.AbuseScore >= ac.ReviewScore:
		check.Action = models.ActionChallenge
	case p.Violations > 0 && check.AbuseScore > 0:
		check.Action = models.ActionMonitor
	default:
		check.Action = models.ActionAllow
	}
	check.ShouldBlock = check.Action == models.ActionBlock
	return check, nil
}

func appendBounded(history []string, entry string, size int) []string {
	history = append(history, entry)
	if size > 0 && len(history) > size {
		history = history[len(history)-size:]
	}
	return history
}
