package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ProviderConfig describes one inference backend. At most one config is
// active at a time.
type ProviderConfig struct {
	ID                  string
	Kind                string
	ModelName           string
	PromptTemplate      string
	Temperature         float64
	MaxOutputTokens     int
	Endpoint            string
	EncryptedCredential string // empty when no credential is stored
	IsActive            bool
	UpdatedAt           time.Time
}

// HasCredential reports whether a credential is stored for the config.
func (c ProviderConfig) HasCredential() bool {
	return c.EncryptedCredential != ""
}

const providerColumns = `id, provider_kind, model_name, prompt_template, temperature,
	max_output_tokens, endpoint, encrypted_credential, is_active, updated_at`

func scanProviderConfig(row interface{ Scan(...any) error }) (*ProviderConfig, error) {
	var c ProviderConfig
	var credential sql.NullString
	if err := row.Scan(
		&c.ID, &c.Kind, &c.ModelName, &c.PromptTemplate, &c.Temperature,
		&c.MaxOutputTokens, &c.Endpoint, &credential, &c.IsActive, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.EncryptedCredential = credential.String
	return &c, nil
}

// ListProviderConfigs returns all provider configs ordered by id.
func (s *SQLiteStore) ListProviderConfigs(ctx context.Context) ([]ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+providerColumns+" FROM provider_configs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query provider configs: %w", err)
	}
	defer rows.Close()

	var configs []ProviderConfig
	for rows.Next() {
		c, err := scanProviderConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider config: %w", err)
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}

// GetProviderConfig returns the config with the given id.
func (s *SQLiteStore) GetProviderConfig(ctx context.Context, id string) (*ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanProviderConfig(s.db.QueryRowContext(ctx,
		"SELECT "+providerColumns+" FROM provider_configs WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query provider config: %w", err)
	}
	return c, nil
}

// GetActiveProviderConfig returns the active config, or ErrNotFound when no
// config is active.
func (s *SQLiteStore) GetActiveProviderConfig(ctx context.Context) (*ProviderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := scanProviderConfig(s.db.QueryRowContext(ctx,
		"SELECT "+providerColumns+" FROM provider_configs WHERE is_active = 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active provider config: %w", err)
	}
	return c, nil
}

// UpsertProviderConfig inserts or updates a config. The active flag is never
// changed here. An empty EncryptedCredential keeps the stored credential.
func (s *SQLiteStore) UpsertProviderConfig(ctx context.Context, c ProviderConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var credential sql.NullString
	if c.EncryptedCredential != "" {
		credential = sql.NullString{String: c.EncryptedCredential, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_configs (id, provider_kind, model_name, prompt_template, temperature,
			max_output_tokens, endpoint, encrypted_credential, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_kind = excluded.provider_kind,
			model_name = excluded.model_name,
			prompt_template = excluded.prompt_template,
			temperature = excluded.temperature,
			max_output_tokens = excluded.max_output_tokens,
			endpoint = excluded.endpoint,
			encrypted_credential = COALESCE(excluded.encrypted_credential, provider_configs.encrypted_credential),
			updated_at = excluded.updated_at
	`, c.ID, c.Kind, c.ModelName, c.PromptTemplate, c.Temperature,
		c.MaxOutputTokens, c.Endpoint, credential, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert provider config: %w", err)
	}
	return nil
}

// ActivateProviderConfig makes id the only active config. Deactivating the
// previous config and activating the new one happen in one transaction.
func (s *SQLiteStore) ActivateProviderConfig(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		"UPDATE provider_configs SET is_active = 0, updated_at = ? WHERE is_active = 1 AND id != ?",
		now, id); err != nil {
		return fmt.Errorf("failed to deactivate provider configs: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE provider_configs SET is_active = 1, updated_at = ? WHERE id = ?", now, id)
	if err != nil {
		return fmt.Errorf("failed to activate provider config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}
	return nil
}

// SetProviderCredential replaces the encrypted credential of a config.
func (s *SQLiteStore) SetProviderCredential(ctx context.Context, id, encrypted string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE provider_configs SET encrypted_credential = ?, updated_at = ? WHERE id = ?",
		encrypted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update provider credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
