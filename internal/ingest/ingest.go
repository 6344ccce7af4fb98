// Package ingest runs the upload pipeline: validate, store, analyze, record.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/media"
	"github.com/raine/food-vision/internal/nutrition"
	"github.com/raine/food-vision/internal/storage"
)

// ErrMissingOwner is returned when an upload carries no owner.
var ErrMissingOwner = errors.New("owner id is required")

// AssetStore persists validated images.
type AssetStore interface {
	Store(ctx context.Context, img imagecheck.Checked, ownerID string) (*media.StoreResult, error)
}

// Inference resolves the active provider and produces analyses.
type Inference interface {
	Resolve(ctx context.Context) (*llm.Snapshot, error)
	Lookup(ctx context.Context, fingerprint string) (nutrition.Result, bool)
	AnalyzeWith(ctx context.Context, snap *llm.Snapshot, img imagecheck.Checked) (*llm.Analysis, error)
	Remember(ctx context.Context, fingerprint string, result nutrition.Result)
}

// RecordWriter stores analysis records and returns the latest one of an
// asset.
type RecordWriter interface {
	SaveAnalysis(ctx context.Context, rec *storage.AnalysisRecord) error
	LatestAnalysis(ctx context.Context, assetID string) (*storage.AnalysisRecord, error)
}

// Upload is one submitted image.
type Upload struct {
	Data        []byte
	ClaimedMime string
	OwnerID     string
}

// Outcome is the result of a successful ingestion.
type Outcome struct {
	Asset         *storage.ImageAsset
	Duplicate     bool
	QuotaExceeded bool
	Analysis      *llm.Analysis
	Record        *storage.AnalysisRecord
}

// Service wires the pipeline stages together.
type Service struct {
	validator *imagecheck.Validator
	assets    AssetStore
	inference Inference
	records   RecordWriter
}

// NewService creates an ingestion service.
func NewService(validator *imagecheck.Validator, assets AssetStore, inference Inference, records RecordWriter) *Service {
	return &Service{
		validator: validator,
		assets:    assets,
		inference: inference,
		records:   records,
	}
}

// Ingest validates and stores an upload, then returns its nutrition analysis.
// The provider snapshot is resolved before anything is written, so a missing
// provider fails the request without side effects. A storage failure aborts
// before any provider call; nothing is cached for it. A duplicate whose
// cache entry has expired reuses the asset's stored analysis.
func (s *Service) Ingest(ctx context.Context, up Upload) (*Outcome, error) {
	if up.OwnerID == "" {
		return nil, ErrMissingOwner
	}

	img, err := s.validator.Validate(up.Data, up.ClaimedMime)
	if err != nil {
		return nil, err
	}

	snap, err := s.inference.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var (
		stored *media.StoreResult
		cached nutrition.Result
		hit    bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stored, err = s.assets.Store(gctx, img, up.OwnerID)
		return err
	})
	g.Go(func() error {
		cached, hit = s.inference.Lookup(gctx, img.Fingerprint())
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var analysis *llm.Analysis
	switch {
	case hit:
		analysis = &llm.Analysis{
			Result:   cached,
			CacheHit: true,
			Provider: snap.Config.Kind,
			Model:    snap.Config.ModelName,
		}
	case stored.Duplicate:
		analysis = s.priorAnalysis(ctx, stored.Asset.ID, img.Fingerprint())
	}
	if analysis == nil {
		analysis, err = s.inference.AnalyzeWith(ctx, snap, img)
		if err != nil {
			return nil, err
		}
	}

	rec := &storage.AnalysisRecord{
		AssetID:     stored.Asset.ID,
		ContentHash: img.ContentHash,
		OwnerID:     up.OwnerID,
		Result:      analysis.Result,
		Provider:    analysis.Provider,
		Model:       analysis.Model,
		CacheHit:    analysis.CacheHit,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.records.SaveAnalysis(ctx, rec); err != nil {
		// The cache entry stays, so a retry is served without a provider call.
		return nil, &media.StorageError{Op: "record analysis", Err: err}
	}

	log.Info().
		Str("owner", up.OwnerID).
		Str("assetId", stored.Asset.ID).
		Str("hash", img.ContentHash[:min(16, len(img.ContentHash))]).
		Bool("duplicate", stored.Duplicate).
		Bool("cacheHit", analysis.CacheHit).
		Str("food", analysis.Result.FoodName).
		Int("calories", analysis.Result.Calories).
		Msg("image ingested")

	return &Outcome{
		Asset:         stored.Asset,
		Duplicate:     stored.Duplicate,
		QuotaExceeded: stored.QuotaExceeded,
		Analysis:      analysis,
		Record:        rec,
	}, nil
}

// priorAnalysis returns the stored analysis of a known asset and puts it back
// into the cache. It returns nil when there is none to reuse.
func (s *Service) priorAnalysis(ctx context.Context, assetID, fingerprint string) *llm.Analysis {
	rec, err := s.records.LatestAnalysis(ctx, assetID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("assetId", assetID).Msg("failed to read prior analysis")
		}
		return nil
	}
	s.inference.Remember(ctx, fingerprint, rec.Result)
	log.Debug().Str("assetId", assetID).Str("provider", rec.Provider).Msg("reusing stored analysis")
	return &llm.Analysis{
		Result:   rec.Result,
		CacheHit: true,
		Provider: rec.Provider,
		Model:    rec.Model,
	}
}
