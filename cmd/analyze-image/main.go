package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/nutrition"
	"github.com/raine/food-vision/internal/storage"
)

// apiKeyEnv names the environment variable holding each kind's API key.
var apiKeyEnv = map[string]string{
	llm.KindGemini:           "GEMINI_API_KEY",
	llm.KindOpenAI:           "OPENAI_API_KEY",
	llm.KindAnthropic:        "ANTHROPIC_API_KEY",
	llm.KindOpenAICompatible: "OPENAI_COMPATIBLE_API_KEY",
}

var defaultModels = map[string]string{
	llm.KindGemini:    "gemini-2.5-flash",
	llm.KindOpenAI:    "gpt-4o-mini",
	llm.KindAnthropic: "claude-sonnet-4-5",
}

func main() {
	kind := flag.String("provider", llm.KindGemini, "Provider kind (gemini, openai, anthropic, openai-compatible)")
	model := flag.String("model", "", "Model name (defaults per provider)")
	endpoint := flag.String("endpoint", "", "Base URL for openai-compatible or proxied providers")
	promptFile := flag.String("prompt", "", "File with a prompt template to try instead of the default")
	temperature := flag.Float64("temperature", 0.2, "Sampling temperature")
	maxTokens := flag.Int("max-tokens", 1024, "Max output tokens")
	timeout := flag.Duration("timeout", llm.DefaultProviderTimeout, "Call timeout")
	raw := flag.Bool("raw", false, "Also print the raw model output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <image-path>\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nAPI keys are read from GEMINI_API_KEY, OPENAI_API_KEY, ANTHROPIC_API_KEY or OPENAI_COMPATIBLE_API_KEY.\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	imagePath := flag.Arg(0)
	data, err := os.ReadFile(imagePath)
	if err != nil {
		fail("failed to read image: %v", err)
	}

	img, err := imagecheck.NewValidator(imagecheck.DefaultMaxSize).Validate(data, mimeFromPath(imagePath))
	if err != nil {
		fail("%v", err)
	}

	k := llm.NormalizeKind(*kind)
	if !llm.SupportedKind(k) {
		fail("unknown provider: %s", *kind)
	}
	if *model == "" {
		*model = defaultModels[k]
	}
	if *model == "" {
		fail("-model is required for %s", k)
	}

	var template string
	if *promptFile != "" {
		b, err := os.ReadFile(*promptFile)
		if err != nil {
			fail("failed to read prompt: %v", err)
		}
		template = string(b)
	}

	cfg := storage.ProviderConfig{
		ID:              "cli",
		Kind:            k,
		ModelName:       *model,
		Temperature:     *temperature,
		MaxOutputTokens: *maxTokens,
		Endpoint:        *endpoint,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	analyzer, err := llm.NewAnalyzer(ctx, cfg, os.Getenv(apiKeyEnv[k]))
	if err != nil {
		fail("failed to create analyzer: %v", err)
	}

	start := time.Now()
	resp, err := analyzer.AnalyzeImage(ctx, llm.Request{
		Image:           img.Data,
		MimeType:        img.MimeType,
		Prompt:          llm.BuildPrompt(template),
		Model:           cfg.ModelName,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})
	if err != nil {
		fail("analysis failed: %v", err)
	}
	elapsed := time.Since(start)

	if *raw {
		fmt.Println("=== RAW ===")
		fmt.Println(resp.Text)
		fmt.Println()
	}

	fmt.Printf("=== %s / %s ===\n", strings.ToUpper(k), cfg.ModelName)
	switch out := nutrition.Normalize(resp.Text).(type) {
	case nutrition.Parsed:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out.Result)
	case nutrition.ParseFailure:
		fmt.Printf("Unusable response: %s\n", out.Reason)
	}

	fmt.Println()
	fmt.Printf("Fingerprint: %s\n", img.Fingerprint())
	fmt.Printf("Tokens:      %d in / %d out / %d total\n",
		resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens)
	fmt.Printf("Latency:     %s\n", elapsed.Round(time.Millisecond))
}

func mimeFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return imagecheck.MimePNG
	case ".webp":
		return imagecheck.MimeWebP
	default:
		return imagecheck.MimeJPEG
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
