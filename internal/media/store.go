// Package media is the content-addressed derivative store. Each distinct
// image is written once, together with its derived renditions, and recorded
// as an ImageAsset.
package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/raine/food-vision/internal/blob"
	"github.com/raine/food-vision/internal/derive"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/storage"
)

// DefaultStorageTimeout bounds each blob write.
const DefaultStorageTimeout = 10 * time.Second

const sweepBatchSize = 100

// ErrAssetNotFound is returned for unknown or soft-deleted assets.
var ErrAssetNotFound = errors.New("asset not found")

// StorageError reports a failed blob or database operation. Callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure (%s): %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Repository is the asset persistence used by the store.
type Repository interface {
	GetAsset(ctx context.Context, id string) (*storage.ImageAsset, error)
	GetAssetByHash(ctx context.Context, contentHash string) (*storage.ImageAsset, error)
	InsertAsset(ctx context.Context, asset *storage.ImageAsset) error
	SoftDeleteAsset(ctx context.Context, id string, at time.Time) error
	DeleteAsset(ctx context.Context, id string) error
	ListPurgeCandidates(ctx context.Context, createdBefore time.Time, limit int) ([]storage.ImageAsset, error)
	AddOwnerUsage(ctx context.Context, ownerID string, delta int64) (int64, error)
}

// Options tunes a Store. Zero values select the defaults.
type Options struct {
	StorageTimeout  time.Duration
	OwnerQuotaBytes int64 // 0 disables the quota
	Transformers    []derive.Transformer
	Now             func() time.Time
}

// Store writes images and their derivatives to a blob backend and records
// them in the repository.
type Store struct {
	repo         Repository
	backend      blob.Backend
	transformers []derive.Transformer
	timeout      time.Duration
	quota        int64
	now          func() time.Time
	inflight     singleflight.Group
}

// NewStore creates a store.
func NewStore(repo Repository, backend blob.Backend, opts Options) *Store {
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = DefaultStorageTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		repo:         repo,
		backend:      backend,
		transformers: opts.Transformers,
		timeout:      opts.StorageTimeout,
		quota:        opts.OwnerQuotaBytes,
		now:          opts.Now,
	}
}

// StoreResult describes the outcome of Store.
type StoreResult struct {
	Asset         *storage.ImageAsset
	Duplicate     bool
	QuotaExceeded bool
}

type storeOutcome struct {
	asset         *storage.ImageAsset
	created       bool
	quotaExceeded bool
}

// Store persists a validated image for ownerID. An image whose hash is
// already stored is returned as a duplicate without any writes. Concurrent
// calls for the same hash share one write.
func (s *Store) Store(ctx context.Context, img imagecheck.Checked, ownerID string) (*StoreResult, error) {
	leader := false
	v, err, _ := s.inflight.Do(img.ContentHash, func() (any, error) {
		leader = true
		// The write finishes even if the leading caller goes away, so
		// followers sharing the call still get a result.
		return s.store(context.WithoutCancel(ctx), img, ownerID)
	})
	if err != nil {
		return nil, err
	}

	out := v.(*storeOutcome)
	res := &StoreResult{Asset: out.asset, Duplicate: !(out.created && leader)}
	if leader {
		res.QuotaExceeded = out.quotaExceeded
	}
	return res, nil
}

func (s *Store) store(ctx context.Context, img imagecheck.Checked, ownerID string) (*storeOutcome, error) {
	hashPrefix := img.ContentHash[:min(16, len(img.ContentHash))]

	existing, err := s.repo.GetAssetByHash(ctx, img.ContentHash)
	if err == nil {
		log.Debug().Str("hash", hashPrefix).Str("assetId", existing.ID).Msg("image already stored")
		return &storeOutcome{asset: existing}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, &StorageError{Op: "lookup asset", Err: err}
	}

	id := uuid.New().String()
	original, err := s.write(ctx, blob.VariantOriginal, blobName(img.ContentHash, id, img.MimeType), img.Data, img.MimeType)
	if err != nil {
		return nil, &StorageError{Op: "write original", Err: err}
	}

	width, height, err := derive.Dimensions(img.Data)
	if err != nil {
		log.Debug().Err(err).Str("hash", hashPrefix).Msg("could not read image dimensions")
	}

	asset := &storage.ImageAsset{
		ID:                id,
		OwnerID:           ownerID,
		ContentHash:       img.ContentHash,
		MimeType:          img.MimeType,
		OriginalSizeBytes: int64(len(img.Data)),
		Width:             width,
		Height:            height,
		StorageBackend:    s.backend.Name(),
		CreatedAt:         s.now().UTC(),
		Derivatives: map[string]storage.Derivative{
			string(blob.VariantOriginal): {
				Variant:   string(blob.VariantOriginal),
				Locator:   string(original),
				SizeBytes: int64(len(img.Data)),
				MimeType:  img.MimeType,
				Width:     width,
				Height:    height,
			},
		},
	}

	for _, t := range s.transformers {
		out, err := t.Transform(ctx, img.Data, img.MimeType)
		if err != nil {
			log.Warn().Err(err).Str("hash", hashPrefix).Str("variant", string(t.Variant())).Msg("derivative generation failed")
			continue
		}
		loc, err := s.write(ctx, t.Variant(), blobName(img.ContentHash, id, out.MimeType), out.Data, out.MimeType)
		if err != nil {
			log.Warn().Err(err).Str("hash", hashPrefix).Str("variant", string(t.Variant())).Msg("derivative write failed")
			continue
		}
		asset.Derivatives[string(t.Variant())] = storage.Derivative{
			Variant:   string(t.Variant()),
			Locator:   string(loc),
			SizeBytes: int64(len(out.Data)),
			MimeType:  out.MimeType,
			Width:     out.Width,
			Height:    out.Height,
		}
	}

	if err := s.repo.InsertAsset(ctx, asset); err != nil {
		s.removeBlobs(ctx, asset)
		return nil, &StorageError{Op: "record asset", Err: err}
	}

	log.Info().
		Str("hash", hashPrefix).
		Str("assetId", asset.ID).
		Str("backend", asset.StorageBackend).
		Int("derivatives", len(asset.Derivatives)).
		Int64("bytes", asset.TotalBytes()).
		Msg("image stored")

	return &storeOutcome{
		asset:         asset,
		created:       true,
		quotaExceeded: s.chargeQuota(ctx, ownerID, asset.TotalBytes()),
	}, nil
}

// blobName is the stored filename of an asset's variant. Each asset row owns
// its blobs, so purging a deleted row never touches a later upload of the
// same bytes.
func blobName(contentHash, assetID, mimeType string) string {
	return contentHash + "-" + assetID + imagecheck.Extension(mimeType)
}

// parseBlobName splits a filename written by blobName.
func parseBlobName(filename string) (contentHash, assetID string, ok bool) {
	return strings.Cut(strings.TrimSuffix(filename, path.Ext(filename)), "-")
}

func (s *Store) write(ctx context.Context, variant blob.Variant, filename string, data []byte, mimeType string) (blob.Locator, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.backend.Write(ctx, variant, filename, data, mimeType)
}

// chargeQuota adds bytes to the owner's usage and reports whether the quota
// is now exceeded. Quota bookkeeping never fails an ingestion.
func (s *Store) chargeQuota(ctx context.Context, ownerID string, bytes int64) bool {
	total, err := s.repo.AddOwnerUsage(ctx, ownerID, bytes)
	if err != nil {
		log.Warn().Err(err).Str("ownerId", ownerID).Msg("failed to update owner usage")
		return false
	}
	if s.quota > 0 && total > s.quota {
		log.Warn().Str("ownerId", ownerID).Int64("usedBytes", total).Int64("quotaBytes", s.quota).Msg("owner storage quota exceeded")
		return true
	}
	return false
}

func (s *Store) removeBlobs(ctx context.Context, asset *storage.ImageAsset) {
	for _, d := range asset.Derivatives {
		if err := s.backend.Delete(ctx, blob.Locator(d.Locator)); err != nil && !errors.Is(err, blob.ErrNotFound) {
			log.Warn().Err(err).Str("locator", d.Locator).Msg("failed to remove orphaned blob")
		}
	}
}

// Get returns a live asset by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.ImageAsset, error) {
	asset, err := s.repo.GetAsset(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get asset", Err: err}
	}
	if asset.IsDeleted {
		return nil, ErrAssetNotFound
	}
	return asset, nil
}

// Open reads a derivative by locator. Blobs of deleted assets are not served.
func (s *Store) Open(ctx context.Context, locator blob.Locator) ([]byte, error) {
	_, filename, err := locator.Parse()
	if err != nil {
		return nil, ErrAssetNotFound
	}

	hash, assetID, ok := parseBlobName(filename)
	if !ok {
		return nil, ErrAssetNotFound
	}
	live, err := s.repo.GetAssetByHash(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "lookup asset", Err: err}
	}
	if live.ID != assetID {
		return nil, ErrAssetNotFound
	}

	data, err := s.backend.Read(ctx, locator)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrAssetNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "read blob", Err: err}
	}
	return data, nil
}

// Delete soft-deletes an asset. Its blobs are removed by the next sweep.
func (s *Store) Delete(ctx context.Context, id string) error {
	err := s.repo.SoftDeleteAsset(ctx, id, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrAssetNotFound
	}
	if err != nil {
		return &StorageError{Op: "delete asset", Err: err}
	}
	log.Info().Str("assetId", id).Msg("asset soft-deleted")
	return nil
}

// Purge removes every blob of the asset and then its record, and returns the
// freed bytes to the owner's quota. Blobs that are already gone are skipped.
func (s *Store) Purge(ctx context.Context, asset *storage.ImageAsset) error {
	for _, d := range asset.Derivatives {
		err := s.backend.Delete(ctx, blob.Locator(d.Locator))
		if errors.Is(err, blob.ErrNotFound) {
			log.Warn().Str("assetId", asset.ID).Str("locator", d.Locator).Msg("blob already missing during purge")
			continue
		}
		if err != nil {
			return &StorageError{Op: "delete blob", Err: err}
		}
	}

	if err := s.repo.DeleteAsset(ctx, asset.ID); err != nil {
		return &StorageError{Op: "delete asset record", Err: err}
	}

	if _, err := s.repo.AddOwnerUsage(ctx, asset.OwnerID, -asset.TotalBytes()); err != nil {
		log.Warn().Err(err).Str("ownerId", asset.OwnerID).Msg("failed to release owner usage")
	}

	log.Info().Str("assetId", asset.ID).Int("derivatives", len(asset.Derivatives)).Msg("asset purged")
	return nil
}

// Sweep purges soft-deleted assets and, when maxAge is positive, assets older
// than maxAge. It returns the number of purged assets.
func (s *Store) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	var cutoff time.Time
	if maxAge > 0 {
		cutoff = s.now().Add(-maxAge)
	}

	purged := 0
	for {
		if err := ctx.Err(); err != nil {
			return purged, err
		}

		batch, err := s.repo.ListPurgeCandidates(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return purged, &StorageError{Op: "list purge candidates", Err: err}
		}

		failed := false
		for i := range batch {
			if err := s.Purge(ctx, &batch[i]); err != nil {
				log.Error().Err(err).Str("assetId", batch[i].ID).Msg("failed to purge asset")
				failed = true
				continue
			}
			purged++
		}

		// A failing asset would be listed again, so stop instead of spinning.
		if failed || len(batch) < sweepBatchSize {
			return purged, nil
		}
	}
}
