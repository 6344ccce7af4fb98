package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raine/food-vision/internal/nutrition"
)

// AnalysisRecord associates a normalized result with a stored image and the
// owner who submitted it.
type AnalysisRecord struct {
	ID          string
	AssetID     string
	ContentHash string
	OwnerID     string
	Result      nutrition.Result
	Provider    string
	Model       string
	CacheHit    bool
	CreatedAt   time.Time
}

// SaveAnalysis stores the record, replacing any earlier record for the same
// asset and owner. Missing ID and CreatedAt are filled in.
func (s *SQLiteStore) SaveAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (id, asset_id, content_hash, owner_id, result, provider, model, cache_hit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id, owner_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			result = excluded.result,
			provider = excluded.provider,
			model = excluded.model,
			cache_hit = excluded.cache_hit,
			created_at = excluded.created_at
	`, rec.ID, rec.AssetID, rec.ContentHash, rec.OwnerID, string(resultJSON),
		rec.Provider, rec.Model, rec.CacheHit, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the record for an asset and owner.
func (s *SQLiteStore) GetAnalysis(ctx context.Context, assetID, ownerID string) (*AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAnalysis(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses WHERE asset_id = ? AND owner_id = ?
	`, assetID, ownerID)
}

// LatestAnalysis returns the most recent record of an asset, whoever
// submitted it.
func (s *SQLiteStore) LatestAnalysis(ctx context.Context, assetID string) (*AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryAnalysis(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses WHERE asset_id = ?
		ORDER BY created_at DESC LIMIT 1
	`, assetID)
}

const analysisColumns = `id, asset_id, content_hash, owner_id, result, provider, model, cache_hit, created_at`

func (s *SQLiteStore) queryAnalysis(ctx context.Context, query string, args ...any) (*AnalysisRecord, error) {
	var rec AnalysisRecord
	var resultJSON string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.AssetID, &rec.ContentHash, &rec.OwnerID, &resultJSON,
		&rec.Provider, &rec.Model, &rec.CacheHit, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis: %w", err)
	}

	if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis result: %w", err)
	}
	return &rec, nil
}
