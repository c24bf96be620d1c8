package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/berserk3142-max/trust-guard/models"
)

// AuditRepository is the Postgres audit sink. Rows are only ever inserted;
// re-inserting an id is a no-op so Kafka redeliveries are harmless.
type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) RecordSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	indicators, err := json.Marshal(event.Indicators)
	if err != nil {
		return err
	}
	query := `INSERT INTO security_events (id, event_type, severity, source_ip, user_id, method, path,
			  indicators, risk_score, recommended_action, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			  ON CONFLICT (id) DO NOTHING`
	_, err = r.db.ExecContext(ctx, query, event.ID, string(event.Type), string(event.Severity),
		nullString(event.SourceIP), nullString(event.UserID), nullString(event.Method), nullString(event.Path),
		indicators, event.RiskScore, string(event.RecommendedAction), event.CreatedAt)
	return err
}

func (r *AuditRepository) RecordRateLimitEvent(ctx context.Context, event *models.RateLimitEvent) error {
	query := `INSERT INTO rate_limit_events (id, identifier, limit_type, requests_made, limit_value, exceeded, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, event.ID, event.Identifier, event.LimitType,
		event.RequestsMade, event.Limit, event.Exceeded, event.CreatedAt)
	return err
}

func (r *AuditRepository) RecordAbuseReport(ctx context.Context, report *models.AbuseReport) error {
	query := `INSERT INTO abuse_reports (id, reporter_id, content_type, content_id, reason, description, created_at)
			  VALUES ($1, $2, $3, $4, $5, $6, $7)
			  ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, report.ID, report.ReporterID, report.ContentType,
		report.ContentID, report.Reason, nullString(report.Description), report.CreatedAt)
	return err
}

// RecentSecurityEvents returns the newest events, optionally for one source IP.
func (r *AuditRepository) RecentSecurityEvents(ctx context.Context, ip string, limit int) ([]*models.SecurityEvent, error) {
	query := `SELECT id, event_type, severity, source_ip, user_id, method, path, indicators,
			  risk_score, recommended_action, created_at
			  FROM security_events
			  WHERE ($1 = '' OR source_ip = $1)
			  ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, ip, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.SecurityEvent
	for rows.Next() {
		event := &models.SecurityEvent{}
		var (
			eventType, severity, action    string
			sourceIP, userID, method, path sql.NullString
			indicators                     []byte
		)
		if err := rows.Scan(&event.ID, &eventType, &severity, &sourceIP, &userID, &method, &path,
			&indicators, &event.RiskScore, &action, &event.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(indicators, &event.Indicators); err != nil {
			return nil, err
		}
		event.Type = models.EventType(eventType)
		event.Severity = models.Severity(severity)
		event.RecommendedAction = models.Action(action)
		event.SourceIP = sourceIP.String
		event.UserID = userID.String
		event.Method = method.String
		event.Path = path.String
		events = append(events, event)
	}
	return events, rows.Err()
}
