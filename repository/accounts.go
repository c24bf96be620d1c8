package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/berserk3142-max/trust-guard/models"
	"github.com/google/uuid"
)

// Account is the identity the auth middleware attaches to a request.
type Account struct {
	UserID     string `json:"user_id"`
	TrustLevel string `json:"trust_level"`
}

// AccountRepository resolves callers to a user and the trust level that
// scales their adaptive rate limits.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// ByAPIKey resolves an active API key. Keys are stored as SHA-256 digests.
func (r *AccountRepository) ByAPIKey(ctx context.Context, key string) (*Account, error) {
	query := `SELECT u.id, u.trust_level FROM api_keys k
			  JOIN users u ON u.id = k.user_id
			  WHERE k.key_hash = $1 AND k.is_active = true`
	acc := &Account{}
	err := r.db.QueryRowContext(ctx, query, hashKey(key)).Scan(&acc.UserID, &acc.TrustLevel)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *AccountRepository) ByUserID(ctx context.Context, userID string) (*Account, error) {
	acc := &Account{}
	err := r.db.QueryRowContext(ctx, `SELECT id, trust_level FROM users WHERE id = $1`, userID).
		Scan(&acc.UserID, &acc.TrustLevel)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// IssueAPIKey creates a key for an existing user and returns the plaintext
// once. Only its digest is kept.
func (r *AccountRepository) IssueAPIKey(ctx context.Context, userID string) (string, error) {
	if _, err := r.ByUserID(ctx, userID); err != nil {
		return "", err
	}
	key, err := generateAPIKey()
	if err != nil {
		return "", err
	}
	query := `INSERT INTO api_keys (id, user_id, key_hash, is_active, created_at) VALUES ($1, $2, $3, true, $4)`
	if _, err := r.db.ExecContext(ctx, query, uuid.New(), userID, hashKey(key), time.Now()); err != nil {
		return "", err
	}
	return key, nil
}

func (r *AccountRepository) RevokeAPIKey(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET is_active = false WHERE key_hash = $1`, hashKey(key))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func generateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "tg_" + hex.EncodeToString(bytes), nil
}
