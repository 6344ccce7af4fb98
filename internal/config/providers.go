package config

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/storage"
)

// ProviderSeed is the content of PROVIDERS_FILE. Credentials may reference
// environment variables as ${NAME} so the file holds no secrets.
type ProviderSeed struct {
	Active    string         `yaml:"active"`
	Providers []ProviderSpec `yaml:"providers"`
}

// ProviderSpec is one provider entry of the seed file.
type ProviderSpec struct {
	ID              string  `yaml:"id"`
	Kind            string  `yaml:"kind"`
	Model           string  `yaml:"model"`
	PromptTemplate  string  `yaml:"promptTemplate"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"maxOutputTokens"`
	Endpoint        string  `yaml:"endpoint"`
	Credential      string  `yaml:"credential"`
}

// SeedTarget receives seeded providers.
type SeedTarget interface {
	List(ctx context.Context) ([]storage.ProviderConfig, error)
	Upsert(ctx context.Context, cfg storage.ProviderConfig, credential string) error
	Activate(ctx context.Context, id string) (*llm.Snapshot, error)
}

// LoadProviderSeed parses a seed file.
func LoadProviderSeed(path string) (*ProviderSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	return ParseProviderSeed(data, os.Getenv)
}

// ParseProviderSeed decodes seed YAML, expanding ${NAME} references in
// credentials and endpoints through getenv.
func ParseProviderSeed(data []byte, getenv func(string) string) (*ProviderSeed, error) {
	var seed ProviderSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	seen := make(map[string]bool, len(seed.Providers))
	for i := range seed.Providers {
		p := &seed.Providers[i]
		if p.ID == "" {
			return nil, fmt.Errorf("provider %d has no id", i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("provider %q is defined twice", p.ID)
		}
		seen[p.ID] = true
		p.Credential = os.Expand(p.Credential, getenv)
		p.Endpoint = os.Expand(p.Endpoint, getenv)
	}
	if seed.Active != "" && !seen[seed.Active] {
		return nil, fmt.Errorf("active provider %q is not defined", seed.Active)
	}
	return &seed, nil
}

// ApplyProviderSeed upserts every seeded provider. The seed's active provider
// is only activated when no provider is active yet, so an activation made
// through the admin API survives restarts.
func ApplyProviderSeed(ctx context.Context, target SeedTarget, seed *ProviderSeed) error {
	for _, p := range seed.Providers {
		cfg := storage.ProviderConfig{
			ID:              p.ID,
			Kind:            p.Kind,
			ModelName:       p.Model,
			PromptTemplate:  p.PromptTemplate,
			Temperature:     p.Temperature,
			MaxOutputTokens: p.MaxOutputTokens,
			Endpoint:        p.Endpoint,
		}
		if err := target.Upsert(ctx, cfg, p.Credential); err != nil {
			return fmt.Errorf("failed to seed provider %q: %w", p.ID, err)
		}
		log.Info().Str("provider", p.ID).Str("kind", p.Kind).Bool("credential", p.Credential != "").Msg("provider seeded")
	}

	if seed.Active == "" {
		return nil
	}
	configs, err := target.List(ctx)
	if err != nil {
		return err
	}
	for _, c := range configs {
		if c.IsActive {
			log.Info().Str("provider", c.ID).Msg("keeping active provider")
			return nil
		}
	}
	if _, err := target.Activate(ctx, seed.Active); err != nil {
		return fmt.Errorf("failed to activate seeded provider %q: %w", seed.Active, err)
	}
	return nil
}
