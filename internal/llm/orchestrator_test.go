package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raine/food-vision/internal/analysiscache"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/nutrition"
	"github.com/raine/food-vision/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}

const saladJSON = `Here you go: {"foodName": "Caesar salad", "calories": 350.6, "protein": "12 g", "carbs": 20, "fat": 25.4}`

type fakeAnalyzer struct {
	calls    atomic.Int64
	text     string
	err      error
	release  chan struct{}
	lastReq  Request
	lastMu   sync.Mutex
	blockCtx bool
}

func (f *fakeAnalyzer) AnalyzeImage(ctx context.Context, req Request) (*RawResponse, error) {
	f.calls.Add(1)
	f.lastMu.Lock()
	f.lastReq = req
	f.lastMu.Unlock()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &RawResponse{Text: f.text, Usage: Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120}}, nil
}

type orchestratorFixture struct {
	orch     *Orchestrator
	registry *Registry
	cache    *analysiscache.Memory
	analyzer *fakeAnalyzer
	built    atomic.Int64
	gotKey   atomic.Value
}

func newOrchestratorFixture(t *testing.T, analyzer *fakeAnalyzer, opts ...OrchestratorOption) *orchestratorFixture {
	t.Helper()
	ctx := context.Background()
	reg := NewRegistry(newTestStore(t))
	require.NoError(t, reg.Upsert(ctx, geminiConfig("primary"), "sk-primary"))
	_, err := reg.Activate(ctx, "primary")
	require.NoError(t, err)

	f := &orchestratorFixture{
		registry: reg,
		cache:    analysiscache.NewMemory(16, time.Minute),
		analyzer: analyzer,
	}
	factory := func(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (Analyzer, error) {
		f.built.Add(1)
		f.gotKey.Store(apiKey)
		return analyzer, nil
	}
	f.orch = NewOrchestrator(reg, f.cache, append([]OrchestratorOption{WithAnalyzerFactory(factory)}, opts...)...)
	return f
}

func checkedJPEG(t *testing.T, data []byte) imagecheck.Checked {
	t.Helper()
	checked, err := imagecheck.NewValidator(0).Validate(data, "image/jpeg")
	require.NoError(t, err)
	return checked
}

func TestOrchestrator_MissCallsProviderAndPopulatesCache(t *testing.T) {
	f := newOrchestratorFixture(t, &fakeAnalyzer{text: saladJSON})
	img := checkedJPEG(t, jpegBytes)

	got, err := f.orch.Analyze(context.Background(), img)
	require.NoError(t, err)

	assert.False(t, got.CacheHit)
	assert.Equal(t, KindGemini, got.Provider)
	assert.Equal(t, "gemini-2.5-flash", got.Model)
	assert.Equal(t, nutrition.Result{FoodName: "Caesar salad", Calories: 351, Protein: 12, Carbs: 20, Fat: 25}, got.Result)
	assert.Equal(t, int64(120), got.Usage.TotalTokens)
	assert.Equal(t, "sk-primary", f.gotKey.Load())

	req := f.analyzer.lastReq
	assert.Equal(t, jpegBytes, req.Image)
	assert.Equal(t, "image/jpeg", req.MimeType)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 512, req.MaxOutputTokens)
	assert.Contains(t, req.Prompt, "foodName")

	cached, ok := f.cache.Get(context.Background(), img.Fingerprint())
	require.True(t, ok)
	assert.Equal(t, got.Result, cached)
}

func TestOrchestrator_HitMakesNoCall(t *testing.T) {
	f := newOrchestratorFixture(t, &fakeAnalyzer{text: saladJSON})
	img := checkedJPEG(t, jpegBytes)
	ctx := context.Background()

	f.cache.Put(ctx, img.Fingerprint(), nutrition.Result{FoodName: "Toast", Calories: 120})

	got, err := f.orch.Analyze(ctx, img)
	require.NoError(t, err)
	assert.True(t, got.CacheHit)
	assert.Equal(t, "Toast", got.Result.FoodName)
	assert.Equal(t, int64(0), f.analyzer.calls.Load())
	assert.Equal(t, int64(0), f.built.Load())
}

func TestOrchestrator_ConcurrentMissesShareOneCall(t *testing.T) {
	release := make(chan struct{})
	f := newOrchestratorFixture(t, &fakeAnalyzer{text: saladJSON, release: release})
	img := checkedJPEG(t, jpegBytes)
	snap, err := f.orch.Resolve(context.Background())
	require.NoError(t, err)

	const callers = 8
	results := make([]*Analysis, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.orch.AnalyzeWith(context.Background(), snap, img)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), f.analyzer.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "Caesar salad", results[i].Result.FoodName)
	}
}

func TestOrchestrator_JoinedCallReportsProviderThatRanIt(t *testing.T) {
	release := make(chan struct{})
	f := newOrchestratorFixture(t, &fakeAnalyzer{text: saladJSON, release: release})
	img := checkedJPEG(t, jpegBytes)
	ctx := context.Background()

	first, err := f.orch.Resolve(ctx)
	require.NoError(t, err)

	var leader *Analysis
	var leaderErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		leader, leaderErr = f.orch.AnalyzeWith(ctx, first, img)
	}()
	require.Eventually(t, func() bool { return f.analyzer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Switch providers while the first call is still running.
	require.NoError(t, f.registry.Upsert(ctx, storage.ProviderConfig{
		ID: "secondary", Kind: KindOpenAI, ModelName: "gpt-4o-mini",
	}, "sk-secondary"))
	second, err := f.registry.Activate(ctx, "secondary")
	require.NoError(t, err)

	var joined *Analysis
	var joinedErr error
	joinDone := make(chan struct{})
	go func() {
		defer close(joinDone)
		joined, joinedErr = f.orch.AnalyzeWith(ctx, second, img)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	<-joinDone

	require.NoError(t, leaderErr)
	require.NoError(t, joinedErr)
	assert.Equal(t, int64(1), f.analyzer.calls.Load())
	assert.Equal(t, KindGemini, leader.Provider)
	assert.Equal(t, KindGemini, joined.Provider)
	assert.Equal(t, "gemini-2.5-flash", joined.Model)
}

func TestOrchestrator_SharedResultsAreIndependent(t *testing.T) {
	multi := `{"items": [{"foodName": "Rice", "calories": 200}, {"foodName": "Beans", "calories": 150}]}`
	release := make(chan struct{})
	f := newOrchestratorFixture(t, &fakeAnalyzer{text: multi, release: release})
	img := checkedJPEG(t, jpegBytes)
	snap, err := f.orch.Resolve(context.Background())
	require.NoError(t, err)

	var a, b *Analysis
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a, _ = f.orch.AnalyzeWith(context.Background(), snap, img) }()
	go func() { defer wg.Done(); b, _ = f.orch.AnalyzeWith(context.Background(), snap, img) }()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NotNil(t, a)
	require.NotNil(t, b)
	a.Result.Items[0].FoodName = "changed"
	assert.Equal(t, "Rice", b.Result.Items[0].FoodName)

	cached, ok := f.cache.Get(context.Background(), img.Fingerprint())
	require.True(t, ok)
	assert.Equal(t, "Rice", cached.Items[0].FoodName)
	assert.Equal(t, 350, cached.Calories)
}

func TestOrchestrator_RememberFillsCache(t *testing.T) {
	f := newOrchestratorFixture(t, &fakeAnalyzer{text: saladJSON})
	img := checkedJPEG(t, jpegBytes)
	ctx := context.Background()

	f.orch.Remember(ctx, img.Fingerprint(), nutrition.Result{FoodName: "Porridge", Calories: 300})

	got, ok := f.orch.Lookup(ctx, img.Fingerprint())
	require.True(t, ok)
	assert.Equal(t, "Porridge", got.FoodName)
	assert.Equal(t, int64(0), f.analyzer.calls.Load())
}

func TestOrchestrator_Timeout(t *testing.T) {
	f := newOrchestratorFixture(t, &fakeAnalyzer{blockCtx: true}, WithTimeout(50*time.Millisecond))
	img := checkedJPEG(t, jpegBytes)

	_, err := f.orch.Analyze(context.Background(), img)
	var callErr *ProviderCallError
	require.ErrorAs(t, err, &callErr)
	assert.True(t, callErr.Timeout)
	assert.Equal(t, "primary", callErr.Provider)

	_, ok := f.cache.Get(context.Background(), img.Fingerprint())
	assert.False(t, ok)
}

func TestOrchestrator_CallFailure(t *testing.T) {
	f := newOrchestratorFixture(t, &fakeAnalyzer{err: errors.New("connection reset")})
	img := checkedJPEG(t, jpegBytes)

	_, err := f.orch.Analyze(context.Background(), img)
	var callErr *ProviderCallError
	require.ErrorAs(t, err, &callErr)
	assert.False(t, callErr.Timeout)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestOrchestrator_UnusableResponse(t *testing.T) {
	f := newOrchestratorFixture(t, &fakeAnalyzer{text: `{"calories": 100}`})
	img := checkedJPEG(t, jpegBytes)

	_, err := f.orch.Analyze(context.Background(), img)
	var respErr *ProviderResponseError
	require.ErrorAs(t, err, &respErr)

	_, ok := f.cache.Get(context.Background(), img.Fingerprint())
	assert.False(t, ok)
}

func TestOrchestrator_NotConfiguredMakesNoCall(t *testing.T) {
	analyzer := &fakeAnalyzer{text: saladJSON}
	var built atomic.Int64
	orch := NewOrchestrator(NewRegistry(newTestStore(t)), analysiscache.NewMemory(4, time.Minute),
		WithAnalyzerFactory(func(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (Analyzer, error) {
			built.Add(1)
			return analyzer, nil
		}))

	_, err := orch.Analyze(context.Background(), checkedJPEG(t, jpegBytes))
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
	assert.Equal(t, int64(0), built.Load())
	assert.Equal(t, int64(0), analyzer.calls.Load())
}

func TestOrchestrator_CallerCancelDoesNotAbortSharedCall(t *testing.T) {
	release := make(chan struct{})
	f := newOrchestratorFixture(t, &fakeAnalyzer{text: saladJSON, release: release})
	img := checkedJPEG(t, jpegBytes)
	snap, err := f.orch.Resolve(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.AnalyzeWith(ctx, snap, img)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// The detached call still completes and fills the cache.
	close(release)
	assert.Eventually(t, func() bool {
		_, ok := f.cache.Get(context.Background(), img.Fingerprint())
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), f.analyzer.calls.Load())
}
