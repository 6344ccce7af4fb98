package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/raine/food-vision/internal/storage"
)

// Supported provider kinds.
const (
	KindGemini           = "gemini"
	KindOpenAI           = "openai"
	KindAnthropic        = "anthropic"
	KindOpenAICompatible = "openai-compatible"
)

// Request is one image analysis call.
type Request struct {
	Image           []byte
	MimeType        string
	Prompt          string
	Model           string
	Temperature     float64
	MaxOutputTokens int
}

// Usage contains token usage of one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
}

// RawResponse is the unparsed model output. Only nutrition.Normalize reads
// Text.
type RawResponse struct {
	Text  string
	Usage Usage
}

// Analyzer sends an image and prompt to a vision model.
type Analyzer interface {
	AnalyzeImage(ctx context.Context, req Request) (*RawResponse, error)
}

// AnalyzerFactory builds an Analyzer for a provider config and its
// decrypted credential.
type AnalyzerFactory func(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (Analyzer, error)

var factories = map[string]AnalyzerFactory{
	KindGemini: func(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (Analyzer, error) {
		return NewGeminiAnalyzer(ctx, apiKey, cfg.Endpoint)
	},
	KindOpenAI: func(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (Analyzer, error) {
		return NewOpenAIAnalyzer(apiKey, cfg.Endpoint), nil
	},
	KindAnthropic: func(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (Analyzer, error) {
		return NewAnthropicAnalyzer(apiKey, cfg.Endpoint), nil
	},
	KindOpenAICompatible: func(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (Analyzer, error) {
		return NewCompatibleAnalyzer(cfg.Endpoint, apiKey)
	},
}

// RegisterFactory adds or replaces the factory for a provider kind.
func RegisterFactory(kind string, f AnalyzerFactory) {
	factories[NormalizeKind(kind)] = f
}

// NormalizeKind lower-cases a provider kind and unifies separators, so
// "OpenAI_Compatible" and "openai-compatible" name the same backend.
func NormalizeKind(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.ReplaceAll(k, "_", "-")
	k = strings.ReplaceAll(k, " ", "")
	if k == "openaicompatible" {
		return KindOpenAICompatible
	}
	return k
}

// SupportedKind reports whether an analyzer factory exists for kind.
func SupportedKind(kind string) bool {
	_, ok := factories[NormalizeKind(kind)]
	return ok
}

// requiresCredential reports whether calls to kind need an API key.
// Self-hosted OpenAI-compatible gateways often run without one.
func requiresCredential(kind string) bool {
	return NormalizeKind(kind) != KindOpenAICompatible
}

// NewAnalyzer builds the analyzer for cfg.
func NewAnalyzer(ctx context.Context, cfg storage.ProviderConfig, apiKey string) (Analyzer, error) {
	f, ok := factories[NormalizeKind(cfg.Kind)]
	if !ok {
		return nil, fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}
	return f(ctx, cfg, apiKey)
}
