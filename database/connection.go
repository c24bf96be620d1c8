package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type Database struct {
	conn *sql.DB
}

func New(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{conn: db}, nil
}

// Wrap adopts an existing handle, e.g. one opened by sqlmock.
func Wrap(db *sql.DB) *Database {
	return &Database{conn: db}
}

func (d *Database) Conn() *sql.DB {
	return d.conn
}

func (d *Database) Close() error {
	return d.conn.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE,
		trust_level TEXT NOT NULL DEFAULT 'standard',
		created_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
		key_hash TEXT UNIQUE NOT NULL,
		is_active BOOLEAN DEFAULT true,
		created_at TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS ip_reputation (
		ip TEXT PRIMARY KEY,
		score DOUBLE PRECISION NOT NULL DEFAULT 50,
		reputation TEXT NOT NULL DEFAULT 'unknown',
		threat_level TEXT NOT NULL DEFAULT 'low',
		total_requests BIGINT DEFAULT 0,
		blocked_requests BIGINT DEFAULT 0,
		is_blocked BOOLEAN DEFAULT false,
		blocked_until TIMESTAMPTZ,
		block_reason TEXT,
		country TEXT,
		first_seen TIMESTAMPTZ DEFAULT now(),
		last_seen TIMESTAMPTZ DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS security_events (
		id UUID PRIMARY KEY,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		source_ip TEXT,
		user_id TEXT,
		method TEXT,
		path TEXT,
		indicators JSONB NOT NULL DEFAULT '[]',
		risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		recommended_action TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS rate_limit_events (
		id UUID PRIMARY KEY,
		identifier TEXT NOT NULL,
		limit_type TEXT NOT NULL,
		requests_made INT NOT NULL,
		limit_value INT NOT NULL,
		exceeded BOOLEAN NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS abuse_reports (
		id UUID PRIMARY KEY,
		reporter_id TEXT NOT NULL,
		content_type TEXT NOT NULL,
		content_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		description TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS moderation_queue (
		id UUID PRIMARY KEY,
		content_type TEXT NOT NULL,
		content_id TEXT NOT NULL,
		user_id TEXT,
		scores JSONB NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'auto_approved', 'auto_rejected', 'flagged_for_review', 'approved', 'rejected')),
		reviewer_id TEXT,
		review_notes TEXT,
		processing_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		reviewed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_security_events_ip ON security_events(source_ip);
	CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_events_identifier ON rate_limit_events(identifier);
	CREATE INDEX IF NOT EXISTS idx_abuse_reports_content ON abuse_reports(content_type, content_id);
	CREATE INDEX IF NOT EXISTS idx_moderation_queue_status ON moderation_queue(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_moderation_queue_created ON moderation_queue(created_at);
	CREATE INDEX IF NOT EXISTS idx_ip_reputation_blocked ON ip_reputation(is_blocked);
	`

func (d *Database) InitSchema(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, schema)
	return err
}
