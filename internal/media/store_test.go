package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raine/food-vision/internal/blob"
	"github.com/raine/food-vision/internal/derive"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}

// countingBackend wraps a backend and counts writes per variant.
type countingBackend struct {
	blob.Backend
	writes   atomic.Int64
	failFor  blob.Variant
	delay    time.Duration
	writeErr error
}

func (b *countingBackend) Write(ctx context.Context, v blob.Variant, name string, data []byte, mime string) (blob.Locator, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if v == b.failFor {
		return "", b.writeErr
	}
	b.writes.Add(1)
	return b.Backend.Write(ctx, v, name, data, mime)
}

type fakeTransformer struct {
	variant blob.Variant
	err     error
}

func (f fakeTransformer) Variant() blob.Variant { return f.variant }

func (f fakeTransformer) Transform(ctx context.Context, src []byte, mime string) (derive.Output, error) {
	if f.err != nil {
		return derive.Output{}, f.err
	}
	return derive.Output{Data: []byte("derived-" + string(f.variant)), MimeType: "image/jpeg", Width: 10, Height: 10}, nil
}

type failingInsertRepo struct {
	*storage.SQLiteStore
}

func (r failingInsertRepo) InsertAsset(ctx context.Context, asset *storage.ImageAsset) error {
	return errors.New("disk full")
}

type fixture struct {
	store   *Store
	repo    *storage.SQLiteStore
	backend *countingBackend
	root    string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := storage.NewSQLiteStore(filepath.Join(dir, "test.db"), "passphrase")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	root := filepath.Join(dir, "blobs")
	local, err := blob.NewLocal(root)
	require.NoError(t, err)
	backend := &countingBackend{Backend: local}

	if opts.Transformers == nil {
		opts.Transformers = []derive.Transformer{
			fakeTransformer{variant: blob.VariantOptimized},
			fakeTransformer{variant: blob.VariantThumbnail},
		}
	}
	return &fixture{store: NewStore(repo, backend, opts), repo: repo, backend: backend, root: root}
}

func checkedImage(t *testing.T, data []byte) imagecheck.Checked {
	t.Helper()
	checked, err := imagecheck.NewValidator(0).Validate(data, "image/jpeg")
	require.NoError(t, err)
	return checked
}

func TestStore_NewImageWritesAllVariants(t *testing.T) {
	f := newFixture(t, Options{})
	img := checkedImage(t, jpegBytes)

	res, err := f.store.Store(context.Background(), img, "owner-1")
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.False(t, res.QuotaExceeded)
	assert.Equal(t, img.ContentHash, res.Asset.ContentHash)
	assert.Equal(t, "local", res.Asset.StorageBackend)
	require.Len(t, res.Asset.Derivatives, 3)
	assert.Equal(t, "original/"+img.ContentHash+"-"+res.Asset.ID+".jpg", res.Asset.Derivatives["original"].Locator)
	assert.Equal(t, int64(3), f.backend.writes.Load())

	data, err := os.ReadFile(filepath.Join(f.root, "original", img.ContentHash+"-"+res.Asset.ID+".jpg"))
	require.NoError(t, err)
	assert.Equal(t, jpegBytes, data)
}

func TestStore_DuplicateIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	img := checkedImage(t, jpegBytes)
	ctx := context.Background()

	first, err := f.store.Store(ctx, img, "owner-1")
	require.NoError(t, err)
	second, err := f.store.Store(ctx, img, "owner-2")
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Asset.ID, second.Asset.ID)
	assert.Equal(t, "owner-1", second.Asset.OwnerID)
	assert.Equal(t, int64(3), f.backend.writes.Load())
}

func TestStore_ConcurrentSameHashWritesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.delay = 20 * time.Millisecond
	img := checkedImage(t, jpegBytes)

	const n = 8
	results := make([]*StoreResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.store.Store(context.Background(), img, "owner")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(3), f.backend.writes.Load())
	created := 0
	for _, r := range results {
		assert.Equal(t, results[0].Asset.ID, r.Asset.ID)
		if !r.Duplicate {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestStore_FailedVariantIsLeftAbsent(t *testing.T) {
	f := newFixture(t, Options{Transformers: []derive.Transformer{
		fakeTransformer{variant: blob.VariantOptimized, err: errors.New("decode failed")},
		fakeTransformer{variant: blob.VariantThumbnail},
	}})

	res, err := f.store.Store(context.Background(), checkedImage(t, jpegBytes), "owner")
	require.NoError(t, err)

	assert.Contains(t, res.Asset.Derivatives, "original")
	assert.Contains(t, res.Asset.Derivatives, "thumbnail")
	assert.NotContains(t, res.Asset.Derivatives, "optimized")
}

func TestStore_OriginalWriteFailureRecordsNothing(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.failFor = blob.VariantOriginal
	f.backend.writeErr = errors.New("bucket unavailable")
	img := checkedImage(t, jpegBytes)

	_, err := f.store.Store(context.Background(), img, "owner")
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "write original", storageErr.Op)

	_, err = f.repo.GetAssetByHash(context.Background(), img.ContentHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_InsertFailureRemovesBlobs(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.repo = failingInsertRepo{f.repo}
	img := checkedImage(t, jpegBytes)

	_, err := f.store.Store(context.Background(), img, "owner")
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)

	for _, v := range blob.Variants {
		entries, err := os.ReadDir(filepath.Join(f.root, string(v)))
		require.NoError(t, err)
		assert.Empty(t, entries, string(v))
	}
}

func TestStore_QuotaExceededDoesNotFail(t *testing.T) {
	f := newFixture(t, Options{OwnerQuotaBytes: 10})

	res, err := f.store.Store(context.Background(), checkedImage(t, jpegBytes), "owner")
	require.NoError(t, err)
	assert.True(t, res.QuotaExceeded)
	assert.NotEmpty(t, res.Asset.ID)
}

func TestDeleteGetAndOpen(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	res, err := f.store.Store(ctx, checkedImage(t, jpegBytes), "owner")
	require.NoError(t, err)

	got, err := f.store.Get(ctx, res.Asset.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Asset.ID, got.ID)

	thumb := blob.Locator(got.Derivatives["thumbnail"].Locator)
	data, err := f.store.Open(ctx, thumb)
	require.NoError(t, err)
	assert.Equal(t, []byte("derived-thumbnail"), data)

	require.NoError(t, f.store.Delete(ctx, res.Asset.ID))

	_, err = f.store.Get(ctx, res.Asset.ID)
	assert.ErrorIs(t, err, ErrAssetNotFound)
	_, err = f.store.Open(ctx, thumb)
	assert.ErrorIs(t, err, ErrAssetNotFound)
	assert.ErrorIs(t, f.store.Delete(ctx, "missing"), ErrAssetNotFound)
}

func TestSweep_PurgesDeletedAndSkipsMissingBlobs(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.store.Store(ctx, checkedImage(t, jpegBytes), "owner")
	require.NoError(t, err)
	kept, err := f.store.Store(ctx, checkedImage(t, append([]byte{}, append(jpegBytes, 0x42)...)), "owner")
	require.NoError(t, err)

	// Simulate a blob lost out of band.
	require.NoError(t, os.Remove(filepath.Join(f.root, filepath.FromSlash(res.Asset.Derivatives["thumbnail"].Locator))))
	require.NoError(t, f.store.Delete(ctx, res.Asset.ID))

	purged, err := f.store.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = f.repo.GetAsset(ctx, res.Asset.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(filepath.Join(f.root, filepath.FromSlash(res.Asset.Derivatives["original"].Locator)))
	assert.True(t, os.IsNotExist(err))

	_, err = f.store.Get(ctx, kept.Asset.ID)
	assert.NoError(t, err)

	usage, err := f.repo.GetOwnerUsage(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, kept.Asset.TotalBytes(), usage)
}

func TestSweep_KeepsBlobsOfReuploadedImage(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	img := checkedImage(t, jpegBytes)

	deleted, err := f.store.Store(ctx, img, "owner")
	require.NoError(t, err)
	require.NoError(t, f.store.Delete(ctx, deleted.Asset.ID))

	live, err := f.store.Store(ctx, img, "owner")
	require.NoError(t, err)
	assert.False(t, live.Duplicate)
	assert.NotEqual(t, deleted.Asset.ID, live.Asset.ID)

	// The deleted row's blobs stay unreadable even though the hash is live again.
	_, err = f.store.Open(ctx, blob.Locator(deleted.Asset.Derivatives["original"].Locator))
	assert.ErrorIs(t, err, ErrAssetNotFound)

	purged, err := f.store.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	for variant, d := range live.Asset.Derivatives {
		data, err := f.store.Open(ctx, blob.Locator(d.Locator))
		require.NoError(t, err, variant)
		assert.NotEmpty(t, data)
	}
	got, err := f.store.Get(ctx, live.Asset.ID)
	require.NoError(t, err)
	assert.Len(t, got.Derivatives, 3)
}

func TestSweep_MaxAge(t *testing.T) {
	now := time.Now()
	f := newFixture(t, Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	_, err := f.store.Store(ctx, checkedImage(t, jpegBytes), "owner")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	purged, err := f.store.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
