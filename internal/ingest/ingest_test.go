package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raine/food-vision/internal/analysiscache"
	"github.com/raine/food-vision/internal/blob"
	"github.com/raine/food-vision/internal/derive"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/media"
	"github.com/raine/food-vision/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}

type scriptedAnalyzer struct {
	calls atomic.Int64
	text  string
	err   error
}

func (a *scriptedAnalyzer) AnalyzeImage(ctx context.Context, req llm.Request) (*llm.RawResponse, error) {
	a.calls.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return &llm.RawResponse{Text: a.text}, nil
}

type brokenBackend struct {
	blob.Backend
}

func (brokenBackend) Write(ctx context.Context, v blob.Variant, name string, data []byte, mime string) (blob.Locator, error) {
	return "", errors.New("bucket unreachable")
}

type failingRecords struct{}

func (failingRecords) SaveAnalysis(ctx context.Context, rec *storage.AnalysisRecord) error {
	return errors.New("database is locked")
}

func (failingRecords) LatestAnalysis(ctx context.Context, assetID string) (*storage.AnalysisRecord, error) {
	return nil, storage.ErrNotFound
}

// mealJPEG encodes a small decodable photo so derivatives can be produced.
func mealJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

type fixture struct {
	svc      *Service
	repo     *storage.SQLiteStore
	cache    *analysiscache.Memory
	analyzer *scriptedAnalyzer
	now      *time.Time
}

type fixtureOptions struct {
	noProvider bool
	backend    func(blob.Backend) blob.Backend
	records    RecordWriter
}

func newFixture(t *testing.T, analyzer *scriptedAnalyzer, opts fixtureOptions) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := storage.NewSQLiteStore(filepath.Join(dir, "test.db"), "passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	var backend blob.Backend
	backend, err = blob.NewLocal(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	if opts.backend != nil {
		backend = opts.backend(backend)
	}

	registry := llm.NewRegistry(repo)
	if !opts.noProvider {
		require.NoError(t, registry.Upsert(ctx, storage.ProviderConfig{
			ID: "primary", Kind: llm.KindOpenAI, ModelName: "gpt-4o-mini",
		}, "sk-test"))
		_, err = registry.Activate(ctx, "primary")
		require.NoError(t, err)
	}

	now := time.Now()
	cache := analysiscache.NewMemory(16, time.Minute, analysiscache.WithClock(func() time.Time { return now }))
	orch := llm.NewOrchestrator(registry, cache, llm.WithAnalyzerFactory(
		func(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (llm.Analyzer, error) {
			return analyzer, nil
		}))

	records := opts.records
	if records == nil {
		records = repo
	}
	store := media.NewStore(repo, backend, media.Options{Transformers: derive.Defaults()})
	return &fixture{
		svc:      NewService(imagecheck.NewValidator(0), store, orch, records),
		repo:     repo,
		cache:    cache,
		analyzer: analyzer,
		now:      &now,
	}
}

func TestIngest_ResubmissionMakesNoProviderCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedAnalyzer{text: `{"foodName": "Omelette", "calories": 220, "protein": 14, "fat": 16}`}, fixtureOptions{})

	first, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpg", OwnerID: "alice"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.False(t, first.Analysis.CacheHit)
	assert.Equal(t, "Omelette", first.Analysis.Result.FoodName)
	assert.Equal(t, llm.KindOpenAI, first.Analysis.Provider)
	assert.Equal(t, int64(1), f.analyzer.calls.Load())

	second, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.Analysis.CacheHit)
	assert.Equal(t, first.Asset.ID, second.Asset.ID)
	assert.Equal(t, first.Analysis.Result, second.Analysis.Result)
	assert.Equal(t, int64(1), f.analyzer.calls.Load())

	rec, err := f.repo.GetAnalysis(ctx, first.Asset.ID, "alice")
	require.NoError(t, err)
	assert.True(t, rec.CacheHit)
	assert.Equal(t, 220, rec.Result.Calories)
}

func TestIngest_PhotoProducesAllDerivatives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedAnalyzer{text: `{"foodName": "Pancakes", "calories": 480}`}, fixtureOptions{})
	photo := mealJPEG(t)

	first, err := f.svc.Ingest(ctx, Upload{Data: photo, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	require.NoError(t, err)
	require.Len(t, first.Asset.Derivatives, 3)
	for _, v := range blob.Variants {
		d, ok := first.Asset.Derivatives[string(v)]
		require.True(t, ok, v)
		assert.Positive(t, d.SizeBytes)
	}

	second, err := f.svc.Ingest(ctx, Upload{Data: photo, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Asset.ID, second.Asset.ID)
	assert.Len(t, second.Asset.Derivatives, 3)
	assert.Equal(t, int64(1), f.analyzer.calls.Load())
}

func TestIngest_DuplicateAfterCacheExpiryReusesStoredAnalysis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedAnalyzer{text: `{"foodName": "Ramen", "calories": 550, "protein": 20}`}, fixtureOptions{})

	first, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	require.NoError(t, err)

	*f.now = f.now.Add(2 * time.Minute)
	fp := imagecheck.Fingerprint(imagecheck.ContentHash(jpegBytes))
	_, ok := f.cache.Get(ctx, fp)
	require.False(t, ok)

	// A different estimate would come back if the provider were asked again.
	f.analyzer.text = `{"foodName": "Udon", "calories": 400}`
	second, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.True(t, second.Analysis.CacheHit)
	assert.Equal(t, first.Analysis.Result, second.Analysis.Result)
	assert.Equal(t, llm.KindOpenAI, second.Analysis.Provider)
	assert.Equal(t, int64(1), f.analyzer.calls.Load())

	cached, ok := f.cache.Get(ctx, fp)
	require.True(t, ok)
	assert.Equal(t, "Ramen", cached.FoodName)

	rec, err := f.repo.GetAnalysis(ctx, first.Asset.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Ramen", rec.Result.FoodName)
}

func TestIngest_OtherOwnerGetsOwnRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedAnalyzer{text: `{"foodName": "Bagel", "calories": 280}`}, fixtureOptions{})

	first, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	require.NoError(t, err)
	second, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "bob"})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Asset.ID, second.Asset.ID)

	rec, err := f.repo.GetAnalysis(ctx, first.Asset.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bagel", rec.Result.FoodName)
	assert.Equal(t, int64(1), f.analyzer.calls.Load())
}

func TestIngest_ValidationFailure(t *testing.T) {
	f := newFixture(t, &scriptedAnalyzer{text: `{"foodName": "x"}`}, fixtureOptions{})

	_, err := f.svc.Ingest(context.Background(), Upload{Data: []byte("GIF89a..."), ClaimedMime: "image/png", OwnerID: "alice"})
	var vErr *imagecheck.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, imagecheck.ReasonSignatureMismatch, vErr.Reason)
	assert.Equal(t, int64(0), f.analyzer.calls.Load())
}

func TestIngest_MissingOwner(t *testing.T) {
	f := newFixture(t, &scriptedAnalyzer{}, fixtureOptions{})

	_, err := f.svc.Ingest(context.Background(), Upload{Data: jpegBytes, ClaimedMime: "image/jpeg"})
	assert.ErrorIs(t, err, ErrMissingOwner)
}

func TestIngest_NoProviderStoresNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedAnalyzer{text: `{"foodName": "x"}`}, fixtureOptions{noProvider: true})

	_, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	require.ErrorIs(t, err, llm.ErrProviderNotConfigured)

	_, err = f.repo.GetAssetByHash(ctx, imagecheck.ContentHash(jpegBytes))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int64(0), f.analyzer.calls.Load())
}

func TestIngest_StorageFailureSkipsProvider(t *testing.T) {
	f := newFixture(t, &scriptedAnalyzer{text: `{"foodName": "x"}`}, fixtureOptions{
		backend: func(b blob.Backend) blob.Backend { return brokenBackend{Backend: b} },
	})

	_, err := f.svc.Ingest(context.Background(), Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	var sErr *media.StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, int64(0), f.analyzer.calls.Load())
	assert.Equal(t, 0, f.cache.Len())
}

func TestIngest_ProviderFailureKeepsStoredImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedAnalyzer{err: errors.New("503 from upstream")}, fixtureOptions{})

	_, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	var callErr *llm.ProviderCallError
	require.ErrorAs(t, err, &callErr)

	asset, err := f.repo.GetAssetByHash(ctx, imagecheck.ContentHash(jpegBytes))
	require.NoError(t, err)
	assert.Equal(t, "alice", asset.OwnerID)
	assert.Equal(t, 0, f.cache.Len())
}

func TestIngest_RecordFailureLeavesCacheEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedAnalyzer{text: `{"foodName": "Pho", "calories": 450}`}, fixtureOptions{records: failingRecords{}})

	_, err := f.svc.Ingest(ctx, Upload{Data: jpegBytes, ClaimedMime: "image/jpeg", OwnerID: "alice"})
	var sErr *media.StorageError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "record analysis", sErr.Op)

	cached, ok := f.cache.Get(ctx, imagecheck.Fingerprint(imagecheck.ContentHash(jpegBytes)))
	require.True(t, ok)
	assert.Equal(t, "Pho", cached.FoodName)
}
