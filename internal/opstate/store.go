// Package opstate provides the system config store: a small categorised
// key-value table for settings an operator changes at runtime, such as
// provider overrides, the server mode and the admin password hash.
// World and session data live in the storage package instead.
package opstate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// Categories group keys for display.
const (
	CategoryAIModels = "AI_MODELS"
	CategoryAuth     = "AUTH"
	CategorySystem   = "SYSTEM"
)

// Well-known keys.
const (
	KeyServerMode    = "SERVER_MODE"
	KeyAdminPassword = "ADMIN_PASSWORD"
)

// ServerMode is the operator's maintenance switch. OFFLINE turns away
// player logins; it does not affect the health-derived system mode.
type ServerMode string

const (
	ServerOnline  ServerMode = "ONLINE"
	ServerOffline ServerMode = "OFFLINE"
)

// ParseServerMode accepts ONLINE or OFFLINE in any case.
func ParseServerMode(s string) (ServerMode, error) {
	switch m := ServerMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ServerOnline, ServerOffline:
		return m, nil
	}
	return "", fmt.Errorf("invalid server mode %q (valid: ONLINE, OFFLINE)", s)
}

// MinPasswordLength is the shortest admin password accepted.
const MinPasswordLength = 8

// ErrPasswordTooShort is returned by SetAdminPassword.
var ErrPasswordTooShort = errors.New("password too short")

// Entry is one row of the system config.
type Entry struct {
	Category  string    `json:"category"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Secret    bool      `json:"secret"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the system config store backed by SQLite. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a system config store at the given database path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS system_config (
		key        TEXT PRIMARY KEY,
		category   TEXT NOT NULL,
		value      TEXT NOT NULL,
		is_secret  INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_system_config_category ON system_config(category);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the stored value for key. Returns empty string and nil
// error if the key does not exist.
func (s *Store) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		`SELECT value FROM system_config WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts key. A new key is filed under category; an existing key
// keeps its category and secret flag and only its value and updated_at
// change.
func (s *Store) Set(category, key, value string, secret bool) error {
	_, err := s.db.Exec(
		`INSERT INTO system_config (key, category, value, is_secret, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, category, value, secret, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetMany upserts every pair in one transaction, filing new keys under
// category.
func (s *Store) SetMany(category string, values map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for k, v := range values {
		if _, err := tx.Exec(
			`INSERT INTO system_config (key, category, value, is_secret, updated_at)
			 VALUES (?, ?, ?, 0, ?)
			 ON CONFLICT (key) DO UPDATE
			 SET value = excluded.value, updated_at = excluded.updated_at`,
			k, category, v, now,
		); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Delete removes key. No error is returned if the key does not exist.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM system_config WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// All returns every key/value pair. Returns an empty (non-nil) map if
// the store is empty.
func (s *Store) All() (map[string]string, error) {
	return s.list(`SELECT key, value FROM system_config ORDER BY key`)
}

// List returns the key/value pairs of one category.
func (s *Store) List(category string) (map[string]string, error) {
	return s.list(`SELECT key, value FROM system_config WHERE category = ? ORDER BY key`, category)
}

func (s *Store) list(query string, args ...any) (map[string]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Entries returns every row with its metadata, ordered by category and
// key. Secret values are returned as stored; callers displaying them
// must mask them.
func (s *Store) Entries() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT category, key, value, is_secret, updated_at FROM system_config ORDER BY category, key`,
	)
	if err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var updated string
		if err := rows.Scan(&e.Category, &e.Key, &e.Value, &e.Secret, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ServerMode returns the stored server mode, ONLINE when unset.
func (s *Store) ServerMode() (ServerMode, error) {
	v, err := s.Get(KeyServerMode)
	if err != nil {
		return ServerOnline, err
	}
	if v == "" {
		return ServerOnline, nil
	}
	return ParseServerMode(v)
}

// SetServerMode stores the server mode.
func (s *Store) SetServerMode(m ServerMode) error {
	if _, err := ParseServerMode(string(m)); err != nil {
		return err
	}
	return s.Set(CategorySystem, KeyServerMode, string(m), false)
}

// HasAdminPassword reports whether an admin password hash is stored.
func (s *Store) HasAdminPassword() (bool, error) {
	v, err := s.Get(KeyAdminPassword)
	return v != "", err
}

// SetAdminPassword stores a bcrypt hash of password.
func (s *Store) SetAdminPassword(password string) error {
	if len(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.Set(CategoryAuth, KeyAdminPassword, string(hash), true)
}

// CheckAdminPassword reports whether password matches the stored hash.
// It is false when no password has been set.
func (s *Store) CheckAdminPassword(password string) (bool, error) {
	hash, err := s.Get(KeyAdminPassword)
	if err != nil || hash == "" {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare password: %w", err)
	}
	return true, nil
}
