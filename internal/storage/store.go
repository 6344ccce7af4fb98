package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists image assets, provider configurations, analysis
// records and owner quotas. Provider credentials are encrypted at rest with a
// key derived from the passphrase and a per-database salt.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
	mu            sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string, passphrase string) (*SQLiteStore, error) {
	// WAL and busy timeout for concurrent readers during ingestion
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, 0600); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("dbPath", dbPath).Msg("failed to restrict database permissions")
	}

	salt, err := store.loadOrCreateSalt()
	if err != nil {
		db.Close()
		return nil, err
	}

	key, err := DeriveKey(passphrase, salt)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	store.encryptionKey = key

	return store, nil
}

var schema = []struct {
	name  string
	query string
}{
	{"meta", `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`},
	{"image_assets", `
	CREATE TABLE IF NOT EXISTS image_assets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		original_size_bytes INTEGER NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		storage_backend TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at DATETIME,
		created_at DATETIME NOT NULL
	);`},
	{"image_assets content_hash index", `
	CREATE UNIQUE INDEX IF NOT EXISTS idx_image_assets_live_hash
		ON image_assets(content_hash) WHERE is_deleted = 0;`},
	{"derivatives", `
	CREATE TABLE IF NOT EXISTS derivatives (
		asset_id TEXT NOT NULL,
		variant TEXT NOT NULL,
		locator TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		mime_type TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (asset_id, variant),
		FOREIGN KEY (asset_id) REFERENCES image_assets(id) ON DELETE CASCADE
	);`},
	{"provider_configs", `
	CREATE TABLE IF NOT EXISTS provider_configs (
		id TEXT PRIMARY KEY,
		provider_kind TEXT NOT NULL,
		model_name TEXT NOT NULL,
		prompt_template TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL DEFAULT 0,
		max_output_tokens INTEGER NOT NULL DEFAULT 0,
		endpoint TEXT NOT NULL DEFAULT '',
		encrypted_credential TEXT,
		is_active INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);`},
	{"provider_configs active index", `
	CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_configs_active
		ON provider_configs(is_active) WHERE is_active = 1;`},
	{"analyses", `
	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		result TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		cache_hit INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE (asset_id, owner_id),
		FOREIGN KEY (asset_id) REFERENCES image_assets(id) ON DELETE CASCADE
	);`},
	{"owner_usage", `
	CREATE TABLE IF NOT EXISTS owner_usage (
		owner_id TEXT PRIMARY KEY,
		used_bytes INTEGER NOT NULL DEFAULT 0
	);`},
}

func (s *SQLiteStore) init() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt.query); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) loadOrCreateSalt() ([]byte, error) {
	var salt []byte
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'credential_salt'").Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read credential salt: %w", err)
	}

	salt, err = NewSalt()
	if err != nil {
		return nil, err
	}
	// Another process may have raced us; keep whichever salt landed first.
	if _, err := s.db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES ('credential_salt', ?)", salt); err != nil {
		return nil, fmt.Errorf("failed to store credential salt: %w", err)
	}
	if err := s.db.QueryRow("SELECT value FROM meta WHERE key = 'credential_salt'").Scan(&salt); err != nil {
		return nil, fmt.Errorf("failed to read credential salt: %w", err)
	}
	return salt, nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EncryptCredential encrypts a provider credential for storage.
func (s *SQLiteStore) EncryptCredential(plaintext string) (string, error) {
	return Encrypt([]byte(plaintext), s.encryptionKey)
}

// DecryptCredential decrypts a credential produced by EncryptCredential.
func (s *SQLiteStore) DecryptCredential(encrypted string) (string, error) {
	plaintext, err := Decrypt(encrypted, s.encryptionKey)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
