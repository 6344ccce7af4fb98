package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Derivative is one stored rendition of an asset.
type Derivative struct {
	Variant   string
	Locator   string
	SizeBytes int64
	MimeType  string
	Width     int
	Height    int
}

// ImageAsset is a stored image identified by its content hash.
type ImageAsset struct {
	ID                string
	OwnerID           string
	ContentHash       string
	MimeType          string
	OriginalSizeBytes int64
	Width             int
	Height            int
	Derivatives       map[string]Derivative
	StorageBackend    string
	IsDeleted         bool
	DeletedAt         *time.Time
	CreatedAt         time.Time
}

// TotalBytes is the sum of all derivative sizes.
func (a *ImageAsset) TotalBytes() int64 {
	var total int64
	for _, d := range a.Derivatives {
		total += d.SizeBytes
	}
	return total
}

const assetColumns = `id, owner_id, content_hash, mime_type, original_size_bytes, width, height,
	storage_backend, is_deleted, deleted_at, created_at`

func scanAsset(row interface{ Scan(...any) error }) (*ImageAsset, error) {
	var a ImageAsset
	var deletedAt sql.NullTime
	if err := row.Scan(
		&a.ID, &a.OwnerID, &a.ContentHash, &a.MimeType, &a.OriginalSizeBytes, &a.Width, &a.Height,
		&a.StorageBackend, &a.IsDeleted, &deletedAt, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
	}
	a.Derivatives = make(map[string]Derivative)
	return &a, nil
}

// loadDerivatives fills in the derivatives of asset. Caller holds the lock.
func (s *SQLiteStore) loadDerivatives(ctx context.Context, asset *ImageAsset) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT variant, locator, size_bytes, mime_type, width, height FROM derivatives WHERE asset_id = ?",
		asset.ID)
	if err != nil {
		return fmt.Errorf("failed to query derivatives: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d Derivative
		if err := rows.Scan(&d.Variant, &d.Locator, &d.SizeBytes, &d.MimeType, &d.Width, &d.Height); err != nil {
			return fmt.Errorf("failed to scan derivative: %w", err)
		}
		asset.Derivatives[d.Variant] = d
	}
	return rows.Err()
}

func (s *SQLiteStore) getAsset(ctx context.Context, where string, arg any) (*ImageAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, err := scanAsset(s.db.QueryRowContext(ctx, "SELECT "+assetColumns+" FROM image_assets WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query image asset: %w", err)
	}
	if err := s.loadDerivatives(ctx, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// GetAsset returns an asset by id, including soft-deleted assets.
func (s *SQLiteStore) GetAsset(ctx context.Context, id string) (*ImageAsset, error) {
	return s.getAsset(ctx, "id = ?", id)
}

// GetAssetByHash returns the live (not soft-deleted) asset with the given
// content hash.
func (s *SQLiteStore) GetAssetByHash(ctx context.Context, contentHash string) (*ImageAsset, error) {
	return s.getAsset(ctx, "content_hash = ? AND is_deleted = 0", contentHash)
}

// InsertAsset stores a new asset and its derivatives in one transaction.
func (s *SQLiteStore) InsertAsset(ctx context.Context, asset *ImageAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO image_assets (id, owner_id, content_hash, mime_type, original_size_bytes,
			width, height, storage_backend, is_deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, asset.ID, asset.OwnerID, asset.ContentHash, asset.MimeType, asset.OriginalSizeBytes,
		asset.Width, asset.Height, asset.StorageBackend, asset.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert image asset: %w", err)
	}

	for _, d := range asset.Derivatives {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO derivatives (asset_id, variant, locator, size_bytes, mime_type, width, height)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, asset.ID, d.Variant, d.Locator, d.SizeBytes, d.MimeType, d.Width, d.Height)
		if err != nil {
			return fmt.Errorf("failed to insert %s derivative: %w", d.Variant, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit image asset: %w", err)
	}
	return nil
}

// SoftDeleteAsset marks an asset deleted. Deleting an already deleted asset
// keeps the original deletion time.
func (s *SQLiteStore) SoftDeleteAsset(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE image_assets SET is_deleted = 1, deleted_at = COALESCE(deleted_at, ?) WHERE id = ?",
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to soft delete image asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAsset removes an asset row together with its derivatives and
// analysis records.
func (s *SQLiteStore) DeleteAsset(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM image_assets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete image asset: %w", err)
	}
	return nil
}

// ListPurgeCandidates returns soft-deleted assets, plus live assets created
// before createdBefore when it is non-zero.
func (s *SQLiteStore) ListPurgeCandidates(ctx context.Context, createdBefore time.Time, limit int) ([]ImageAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + assetColumns + " FROM image_assets WHERE is_deleted = 1"
	args := []any{}
	if !createdBefore.IsZero() {
		query += " OR created_at < ?"
		args = append(args, createdBefore.UTC())
	}
	query += " ORDER BY created_at LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purge candidates: %w", err)
	}

	var assets []ImageAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan image asset: %w", err)
		}
		assets = append(assets, *a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range assets {
		if err := s.loadDerivatives(ctx, &assets[i]); err != nil {
			return nil, err
		}
	}
	return assets, nil
}

// AddOwnerUsage adjusts an owner's stored byte counter by delta and returns
// the new total. The counter never drops below zero.
func (s *SQLiteStore) AddOwnerUsage(ctx context.Context, ownerID string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO owner_usage (owner_id, used_bytes) VALUES (?, MAX(0, ?))
		ON CONFLICT(owner_id) DO UPDATE SET
			used_bytes = MAX(0, owner_usage.used_bytes + ?)
		RETURNING used_bytes
	`, ownerID, delta, delta).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to update owner usage: %w", err)
	}
	return total, nil
}

// GetOwnerUsage returns the stored byte counter of an owner (0 if unknown).
func (s *SQLiteStore) GetOwnerUsage(ctx context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(ctx, "SELECT used_bytes FROM owner_usage WHERE owner_id = ?", ownerID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query owner usage: %w", err)
	}
	return total, nil
}
