// Package keystore implements the API Key Store: issuance, constant-time
// verification, and CRUD for caller-facing API keys.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// AdminKeyID is the sentinel id reserved for the single admin key, which
// is never stored in the api_keys table: it is the operator-configured
// token compared in constant time by the auth middleware.
const AdminKeyID int64 = 0

const keyPrefixLen = 15

// ErrNotFound is returned when an id has no corresponding row.
var ErrNotFound = errors.New("api key not found")

// Key is one stored API key record.
type Key struct {
	ID        int64
	KeyPrefix string
	Name      string
	Enabled   bool
	CreatedAt time.Time
	ExpiresAt *time.Time
	RateLimit *int
	DeletedAt *time.Time
}

// Store is the SQLite-backed API key store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the
// schema idempotently.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for packages (usage) that share it.
func (s *Store) DB() *sql.DB { return s.db }

func hashKey(fullKey string) string {
	sum := sha256.Sum256([]byte(fullKey))
	return hex.EncodeToString(sum[:])
}

func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return "sk-kiro-" + hex.EncodeToString(buf), nil
}

// Create mints a new key, returning its id and the full plaintext key
// (shown to the caller exactly once; only its hash is persisted).
func (s *Store) Create(ctx context.Context, name string, expiresAt *time.Time, rateLimit *int) (int64, string, error) {
	fullKey, err := generateKey()
	if err != nil {
		return 0, "", err
	}
	hash := hashKey(fullKey)
	prefix := fullKey[:keyPrefixLen]

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, key_prefix, name, enabled, created_at, expires_at, rate_limit)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		hash, prefix, name, time.Now().UTC().Format(time.RFC3339), nullableTime(expiresAt), rateLimit)
	if err != nil {
		return 0, "", fmt.Errorf("insert api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, "", err
	}
	return id, fullKey, nil
}

// VerifiedKey is the subset of Key data attached to an authenticated
// request.
type VerifiedKey struct {
	ID        int64
	Name      string
	RateLimit *int
}

// Verify looks up fullKey by its hash and returns the key info iff it is
// enabled, not soft-deleted, and not expired.
func (s *Store) Verify(ctx context.Context, fullKey string) (*VerifiedKey, bool) {
	hash := hashKey(fullKey)
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, enabled, expires_at, rate_limit FROM api_keys
		 WHERE key_hash = ? AND deleted_at IS NULL`, hash)

	var (
		id        int64
		name      string
		enabled   bool
		expiresAt sql.NullString
		rateLimit sql.NullInt64
	)
	if err := row.Scan(&id, &name, &enabled, &expiresAt, &rateLimit); err != nil {
		return nil, false
	}
	if !enabled {
		return nil, false
	}
	if expiresAt.Valid {
		exp, err := time.Parse(time.RFC3339, expiresAt.String)
		if err == nil && time.Now().After(exp) {
			return nil, false
		}
	}
	vk := &VerifiedKey{ID: id, Name: name}
	if rateLimit.Valid {
		rl := int(rateLimit.Int64)
		vk.RateLimit = &rl
	}
	return vk, true
}

// VerifyConstantTime reports whether candidate equals the
// operator-configured admin token, compared in constant time. An empty
// admin token never matches. It does not consult the stored-key table;
// Verify does that.
func VerifyConstantTime(adminToken, candidate string) bool {
	if adminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(adminToken), []byte(candidate)) == 1
}

// List returns all non-deleted keys ordered by creation time, newest first.
func (s *Store) List(ctx context.Context) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key_prefix, name, enabled, created_at, expires_at, rate_limit, deleted_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

// GetByID returns a key regardless of soft-delete state.
func (s *Store) GetByID(ctx context.Context, id int64) (*Key, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key_prefix, name, enabled, created_at, expires_at, rate_limit, deleted_at
		 FROM api_keys WHERE id = ?`, id)
	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return k, err
}

// UpdateFields is a partial update for Update; nil fields are left unchanged.
type UpdateFields struct {
	Name      *string
	Enabled   *bool
	ExpiresAt **time.Time // pointer-to-pointer so "clear expiry" is expressible
	RateLimit **int
}

// Update applies a partial update to the named fields.
func (s *Store) Update(ctx context.Context, id int64, f UpdateFields) error {
	if f.Name != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET name = ? WHERE id = ?`, *f.Name, id); err != nil {
			return err
		}
	}
	if f.Enabled != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET enabled = ? WHERE id = ?`, *f.Enabled, id); err != nil {
			return err
		}
	}
	if f.ExpiresAt != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET expires_at = ? WHERE id = ?`, nullableTime(*f.ExpiresAt), id); err != nil {
			return err
		}
	}
	if f.RateLimit != nil {
		if _, err := s.db.ExecContext(ctx, `UPDATE api_keys SET rate_limit = ? WHERE id = ?`, *f.RateLimit, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete soft-deletes the named key by stamping deleted_at. It returns
// true iff a row was affected, so callers can distinguish "deleted" from
// "no such key" (deleting an already-deleted or nonexistent id affects
// no row).
func (s *Store) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*Key, error) {
	var (
		k         Key
		createdAt string
		expiresAt sql.NullString
		rateLimit sql.NullInt64
		deletedAt sql.NullString
	)
	if err := row.Scan(&k.ID, &k.KeyPrefix, &k.Name, &k.Enabled, &createdAt, &expiresAt, &rateLimit, &deletedAt); err != nil {
		return nil, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339, expiresAt.String)
		if err == nil {
			k.ExpiresAt = &t
		}
	}
	if rateLimit.Valid {
		rl := int(rateLimit.Int64)
		k.RateLimit = &rl
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339, deletedAt.String)
		if err == nil {
			k.DeletedAt = &t
		}
	}
	return &k, nil
}

func scanKeys(rows *sql.Rows) ([]Key, error) {
	var out []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}
