package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/raine/food-vision/internal/analysiscache"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/nutrition"
)

// DefaultProviderTimeout bounds one external model call.
const DefaultProviderTimeout = 30 * time.Second

var (
	providerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_requests_total",
		Help: "Vision model calls by provider kind and outcome.",
	}, []string{"kind", "outcome"})

	providerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_request_duration_seconds",
		Help:    "Vision model call latency.",
		Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
	}, []string{"kind"})

	providerTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_tokens_total",
		Help: "Tokens reported by vision model calls.",
	}, []string{"kind", "direction"})
)

// Analysis is the outcome of one orchestrated request.
type Analysis struct {
	Result   nutrition.Result
	CacheHit bool
	Provider string
	Model    string
	Usage    Usage
}

// Orchestrator resolves the active provider, consults the analysis cache and
// calls the model on a miss. Concurrent misses for one fingerprint share a
// single call.
type Orchestrator struct {
	registry    *Registry
	cache       analysiscache.Cache
	timeout     time.Duration
	newAnalyzer AnalyzerFactory
	group       singleflight.Group
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTimeout sets the per-call provider timeout.
func WithTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithAnalyzerFactory replaces the kind-based factory lookup.
func WithAnalyzerFactory(f AnalyzerFactory) OrchestratorOption {
	return func(o *Orchestrator) {
		o.newAnalyzer = f
	}
}

// NewOrchestrator creates an orchestrator over registry and cache.
func NewOrchestrator(registry *Registry, cache analysiscache.Cache, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		cache:       cache,
		timeout:     DefaultProviderTimeout,
		newAnalyzer: NewAnalyzer,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Resolve returns the active provider snapshot for a new request.
func (o *Orchestrator) Resolve(ctx context.Context) (*Snapshot, error) {
	return o.registry.Active(ctx)
}

// Lookup checks the cache only.
func (o *Orchestrator) Lookup(ctx context.Context, fingerprint string) (nutrition.Result, bool) {
	return o.cache.Get(ctx, fingerprint)
}

// Remember puts a result obtained elsewhere, such as a stored analysis
// record, back into the cache.
func (o *Orchestrator) Remember(ctx context.Context, fingerprint string, result nutrition.Result) {
	o.cache.Put(ctx, fingerprint, result)
}

// Analyze resolves the active provider and analyzes img.
func (o *Orchestrator) Analyze(ctx context.Context, img imagecheck.Checked) (*Analysis, error) {
	snap, err := o.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return o.AnalyzeWith(ctx, snap, img)
}

// flightResult carries the provider that produced it, since callers joining
// a shared call may hold a newer snapshot than the one that started it.
type flightResult struct {
	result nutrition.Result
	usage  Usage
	kind   string
	model  string
}

// AnalyzeWith analyzes img using the provider in snap. A cache hit returns
// without any external call; a successful call populates the cache before
// returning.
func (o *Orchestrator) AnalyzeWith(ctx context.Context, snap *Snapshot, img imagecheck.Checked) (*Analysis, error) {
	if snap == nil || snap.Config == nil {
		return nil, ErrProviderNotConfigured
	}
	cfg := *snap.Config
	fp := img.Fingerprint()

	if result, ok := o.cache.Get(ctx, fp); ok {
		log.Debug().Str("fingerprint", fp[:min(16, len(fp))]).Str("provider", cfg.ID).Msg("analysis cache hit")
		return &Analysis{Result: result, CacheHit: true, Provider: cfg.Kind, Model: cfg.ModelName}, nil
	}

	// The shared call must not die with whichever caller started it.
	ch := o.group.DoChan(fp, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		return o.call(callCtx, snap, img)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("analysis abandoned: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		fr := res.Val.(*flightResult)
		if res.Shared {
			log.Debug().Str("fingerprint", fp[:min(16, len(fp))]).Msg("joined in-flight analysis")
		}
		return &Analysis{
			Result:   fr.result.Clone(),
			Provider: fr.kind,
			Model:    fr.model,
			Usage:    fr.usage,
		}, nil
	}
}

func (o *Orchestrator) call(ctx context.Context, snap *Snapshot, img imagecheck.Checked) (*flightResult, error) {
	cfg := *snap.Config
	fp := img.Fingerprint()

	apiKey, err := o.registry.Credential(snap)
	if err != nil {
		return nil, err
	}
	analyzer, err := o.newAnalyzer(ctx, cfg, apiKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderNotConfigured, err)
	}

	start := time.Now()
	raw, err := analyzer.AnalyzeImage(ctx, Request{
		Image:           img.Data,
		MimeType:        img.MimeType,
		Prompt:          BuildPrompt(cfg.PromptTemplate),
		Model:           cfg.ModelName,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})
	elapsed := time.Since(start)
	providerDuration.WithLabelValues(cfg.Kind).Observe(elapsed.Seconds())

	if err != nil {
		timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
		outcome := "error"
		if timeout {
			outcome = "timeout"
		}
		providerRequests.WithLabelValues(cfg.Kind, outcome).Inc()
		log.Error().Err(err).
			Str("provider", cfg.ID).
			Str("model", cfg.ModelName).
			Bool("timeout", timeout).
			Dur("elapsed", elapsed).
			Msg("vision llm call failed")
		return nil, &ProviderCallError{Provider: cfg.ID, Timeout: timeout, Err: err}
	}

	providerTokens.WithLabelValues(cfg.Kind, "input").Add(float64(raw.Usage.InputTokens))
	providerTokens.WithLabelValues(cfg.Kind, "output").Add(float64(raw.Usage.OutputTokens))

	log.Info().
		Str("provider", cfg.ID).
		Str("model", cfg.ModelName).
		Str("fingerprint", fp[:min(16, len(fp))]).
		Int64("inputTokens", raw.Usage.InputTokens).
		Int64("outputTokens", raw.Usage.OutputTokens).
		Dur("elapsed", elapsed).
		Msg("vision llm call")

	switch out := nutrition.Normalize(raw.Text).(type) {
	case nutrition.Parsed:
		providerRequests.WithLabelValues(cfg.Kind, "ok").Inc()
		o.cache.Put(ctx, fp, out.Result)
		return &flightResult{result: out.Result, usage: raw.Usage, kind: cfg.Kind, model: cfg.ModelName}, nil
	case nutrition.ParseFailure:
		providerRequests.WithLabelValues(cfg.Kind, "invalid").Inc()
		log.Warn().Str("provider", cfg.ID).Str("reason", out.Reason).Msg("unusable model response")
		return nil, &ProviderResponseError{Provider: cfg.ID, Reason: out.Reason}
	default:
		return nil, &ProviderResponseError{Provider: cfg.ID, Reason: "unknown parse outcome"}
	}
}
