package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
)

// IPReputationRepository archives block state changes made by the threat
// analyzer. The counter store stays authoritative for live scoring.
type IPReputationRepository struct {
	db *sql.DB
}

func NewIPReputationRepository(db *sql.DB) *IPReputationRepository {
	return &IPReputationRepository{db: db}
}

const reputationColumns = `ip, score, reputation, threat_level, total_requests, blocked_requests,
			  is_blocked, blocked_until, block_reason, country, first_seen, last_seen`

func (r *IPReputationRepository) UpsertIPReputation(ctx context.Context, rec *models.IPReputationRecord) error {
	query := `INSERT INTO ip_reputation (` + reputationColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			  ON CONFLICT (ip) DO UPDATE SET
			  	score = EXCLUDED.score,
			  	reputation = EXCLUDED.reputation,
			  	threat_level = EXCLUDED.threat_level,
			  	total_requests = EXCLUDED.total_requests,
			  	blocked_requests = EXCLUDED.blocked_requests,
			  	is_blocked = EXCLUDED.is_blocked,
			  	blocked_until = EXCLUDED.blocked_until,
			  	block_reason = EXCLUDED.block_reason,
			  	country = EXCLUDED.country,
			  	last_seen = EXCLUDED.last_seen`

	_, err := r.db.ExecContext(ctx, query, rec.IP, rec.Score, rec.Reputation, string(rec.ThreatLevel),
		rec.TotalRequests, rec.BlockedRequests, rec.IsBlocked, nullTime(rec.BlockedUntil),
		nullString(rec.BlockReason), nullString(rec.Country), rec.FirstSeen, rec.LastSeen)
	return err
}

// GetBlockedIPs returns every archived block whose expiry has not passed.
func (r *IPReputationRepository) GetBlockedIPs(ctx context.Context) ([]*models.IPReputationRecord, error) {
	query := `SELECT ` + reputationColumns + `
			  FROM ip_reputation
			  WHERE is_blocked = true AND (blocked_until IS NULL OR blocked_until > $1)
			  ORDER BY last_seen DESC`

	rows, err := r.db.QueryContext(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.IPReputationRecord
	for rows.Next() {
		rec, err := scanReputation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReputation(row scanner) (*models.IPReputationRecord, error) {
	rec := &models.IPReputationRecord{}
	var (
		threatLevel  string
		blockedUntil sql.NullTime
		reason       sql.NullString
		country      sql.NullString
	)
	if err := row.Scan(
		&rec.IP, &rec.Score, &rec.Reputation, &threatLevel, &rec.TotalRequests,
		&rec.BlockedRequests, &rec.IsBlocked, &blockedUntil, &reason, &country,
		&rec.FirstSeen, &rec.LastSeen,
	); err != nil {
		return nil, err
	}
	rec.ThreatLevel = models.Severity(threatLevel)
	if blockedUntil.Valid {
		t := blockedUntil.Time
		rec.BlockedUntil = &t
	}
	rec.BlockReason = reason.String
	rec.Country = country.String
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
