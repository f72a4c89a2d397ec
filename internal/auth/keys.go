package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lumastudio/agentgate/internal/registry"
	"golang.org/x/crypto/bcrypt"
)

const keySchema = `
CREATE TABLE IF NOT EXISTS api_keys (
	key_prefix        TEXT PRIMARY KEY,
	key_hash          TEXT NOT NULL,
	studio_id         TEXT NOT NULL,
	scopes            TEXT NOT NULL DEFAULT '[]',
	policy_mode       TEXT NOT NULL DEFAULT 'standard',
	approval_limit    TEXT,
	approval_currency TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_keys_studio ON api_keys (studio_id);
`

// GenerateAPIKey creates a new agk_ key with its bcrypt hash and lookup prefix.
// The full key is shown to the operator once and never stored.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(raw)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	return key, string(hashBytes), key[:prefixLen], nil
}

// KeyLookup abstracts the key table for testability.
type KeyLookup interface {
	LookupByPrefix(ctx context.Context, prefix string) (*KeyRow, error)
}

// KeyRow is one row of the api_keys table.
type KeyRow struct {
	StudioID         string
	KeyHash          string
	Scopes           string // JSON array
	PolicyMode       string
	ApprovalLimit    sql.NullString
	ApprovalCurrency sql.NullString
}

func (r *KeyRow) principal() (*Principal, error) {
	var scopes []string
	if err := json.Unmarshal([]byte(r.Scopes), &scopes); err != nil {
		return nil, fmt.Errorf("decode scopes for studio %s: %w", r.StudioID, err)
	}
	p := &Principal{
		StudioID: r.StudioID,
		Scopes:   scopes,
		Mode:     registry.ParsePolicyMode(r.PolicyMode),
	}
	if r.ApprovalLimit.Valid && r.ApprovalLimit.String != "" {
		limit, err := registry.NewMoney(r.ApprovalLimit.String, r.ApprovalCurrency.String)
		if err != nil {
			return nil, fmt.Errorf("decode approval limit for studio %s: %w", r.StudioID, err)
		}
		p.ApprovalLimit = &limit
	}
	return p, nil
}

// KeyStore manages API keys in Postgres.
type KeyStore struct {
	db *sql.DB
}

// NewKeyStore creates a KeyStore over db.
func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

// Migrate creates the api_keys table.
func (s *KeyStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, keySchema); err != nil {
		return fmt.Errorf("KeyStore.Migrate: %w", err)
	}
	return nil
}

// CreateKey issues a key for p and returns the plaintext key.
func (s *KeyStore) CreateKey(ctx context.Context, p Principal) (string, error) {
	key, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return "", fmt.Errorf("CreateKey: %w", err)
	}
	scopes, err := json.Marshal(append([]string{}, p.Scopes...))
	if err != nil {
		return "", fmt.Errorf("CreateKey: %w", err)
	}
	mode := p.Mode
	if mode == "" {
		mode = registry.ModeStandard
	}

	var limit, currency sql.NullString
	if p.ApprovalLimit != nil {
		limit = sql.NullString{String: p.ApprovalLimit.Amount.String(), Valid: true}
		currency = sql.NullString{String: p.ApprovalLimit.Currency, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_prefix, key_hash, studio_id, scopes, policy_mode, approval_limit, approval_currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		prefix, hash, p.StudioID, string(scopes), string(mode), limit, currency,
	)
	if err != nil {
		return "", fmt.Errorf("CreateKey: %w", err)
	}
	return key, nil
}

// RevokeKey marks the key with the given prefix as revoked. Cached principals
// expire after the authenticator's TTL.
func (s *KeyStore) RevokeKey(ctx context.Context, prefix string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return fmt.Errorf("RevokeKey: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("RevokeKey %s: %w", prefix, ErrInvalidAPIKey)
	}
	return nil
}

// LookupByPrefix returns the active key row for prefix.
func (s *KeyStore) LookupByPrefix(ctx context.Context, prefix string) (*KeyRow, error) {
	r := &KeyRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT studio_id, key_hash, scopes, policy_mode, approval_limit, approval_currency
		FROM api_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL`,
		prefix,
	).Scan(&r.StudioID, &r.KeyHash, &r.Scopes, &r.PolicyMode, &r.ApprovalLimit, &r.ApprovalCurrency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("KeyStore.LookupByPrefix: %w", err)
	}
	return r, nil
}
