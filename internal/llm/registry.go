package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/raine/food-vision/internal/storage"
)

// ConfigStore persists provider configs and encrypts their credentials.
type ConfigStore interface {
	GetActiveProviderConfig(ctx context.Context) (*storage.ProviderConfig, error)
	GetProviderConfig(ctx context.Context, id string) (*storage.ProviderConfig, error)
	ListProviderConfigs(ctx context.Context) ([]storage.ProviderConfig, error)
	UpsertProviderConfig(ctx context.Context, c storage.ProviderConfig) error
	ActivateProviderConfig(ctx context.Context, id string) error
	SetProviderCredential(ctx context.Context, id, encrypted string) error
	EncryptCredential(plaintext string) (string, error)
	DecryptCredential(encrypted string) (string, error)
}

// Snapshot is an immutable view of the active provider config. A request
// uses the snapshot it started with even if the registry is refreshed.
type Snapshot struct {
	Version uint64
	Config  *storage.ProviderConfig // nil when no config is active
}

// Registry holds the active provider config in memory. It is loaded on first
// use and only reloaded by Refresh or by the registry's own mutations.
type Registry struct {
	store   ConfigStore
	current atomic.Pointer[Snapshot]
	loadMu  sync.Mutex
	version atomic.Uint64
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store ConfigStore) *Registry {
	return &Registry{store: store}
}

// Active returns the current snapshot, or ErrProviderNotConfigured when no
// usable provider is active.
func (r *Registry) Active(ctx context.Context) (*Snapshot, error) {
	snap := r.current.Load()
	if snap == nil {
		var err error
		if snap, err = r.loadOnce(ctx); err != nil {
			return nil, err
		}
	}

	cfg := snap.Config
	switch {
	case cfg == nil:
		return nil, ErrProviderNotConfigured
	case !SupportedKind(cfg.Kind):
		return nil, fmt.Errorf("%w: provider %q has unsupported kind %q", ErrProviderNotConfigured, cfg.ID, cfg.Kind)
	case requiresCredential(cfg.Kind) && !cfg.HasCredential():
		return nil, fmt.Errorf("%w: provider %q has no credential", ErrProviderNotConfigured, cfg.ID)
	}
	return snap, nil
}

func (r *Registry) loadOnce(ctx context.Context) (*Snapshot, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if snap := r.current.Load(); snap != nil {
		return snap, nil
	}
	return r.reload(ctx)
}

// Refresh reloads the active config from the store.
func (r *Registry) Refresh(ctx context.Context) (*Snapshot, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.reload(ctx)
}

// reload reads the active config. Caller holds loadMu.
func (r *Registry) reload(ctx context.Context) (*Snapshot, error) {
	cfg, err := r.store.GetActiveProviderConfig(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load active provider config: %w", err)
	}

	snap := &Snapshot{Version: r.version.Add(1), Config: cfg}
	r.current.Store(snap)

	if cfg != nil {
		log.Info().
			Uint64("version", snap.Version).
			Str("provider", cfg.ID).
			Str("kind", cfg.Kind).
			Str("model", cfg.ModelName).
			Msg("provider registry loaded")
	} else {
		log.Warn().Uint64("version", snap.Version).Msg("provider registry loaded with no active provider")
	}
	return snap, nil
}

// Credential decrypts the snapshot's credential. It is called at the moment
// of use so plaintext keys are never held by the registry.
func (r *Registry) Credential(snap *Snapshot) (string, error) {
	if snap == nil || snap.Config == nil || !snap.Config.HasCredential() {
		return "", nil
	}
	key, err := r.store.DecryptCredential(snap.Config.EncryptedCredential)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decrypt credential for %q: %v", ErrProviderNotConfigured, snap.Config.ID, err)
	}
	return key, nil
}

// List returns every stored provider config.
func (r *Registry) List(ctx context.Context) ([]storage.ProviderConfig, error) {
	return r.store.ListProviderConfigs(ctx)
}

// Activate makes id the single active config and refreshes the snapshot.
func (r *Registry) Activate(ctx context.Context, id string) (*Snapshot, error) {
	if err := r.store.ActivateProviderConfig(ctx, id); err != nil {
		return nil, err
	}
	log.Info().Str("provider", id).Msg("provider activated")
	return r.Refresh(ctx)
}

// RotateCredential encrypts and stores a new credential for id.
func (r *Registry) RotateCredential(ctx context.Context, id, plaintext string) error {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		return fmt.Errorf("credential is empty")
	}
	enc, err := r.store.EncryptCredential(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	if err := r.store.SetProviderCredential(ctx, id, enc); err != nil {
		return err
	}
	log.Info().Str("provider", id).Msg("provider credential rotated")
	_, err = r.Refresh(ctx)
	return err
}

// Upsert validates and stores cfg. A non-empty credential is encrypted and
// replaces the stored one; an empty credential keeps it.
func (r *Registry) Upsert(ctx context.Context, cfg storage.ProviderConfig, credential string) error {
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.Kind = NormalizeKind(cfg.Kind)
	cfg.ModelName = strings.TrimSpace(cfg.ModelName)
	switch {
	case cfg.ID == "":
		return fmt.Errorf("provider id is required")
	case !SupportedKind(cfg.Kind):
		return fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	case cfg.ModelName == "":
		return fmt.Errorf("provider %q: model name is required", cfg.ID)
	case cfg.Temperature < 0 || cfg.Temperature > 2:
		return fmt.Errorf("provider %q: temperature must be between 0 and 2", cfg.ID)
	case cfg.MaxOutputTokens < 0:
		return fmt.Errorf("provider %q: max output tokens must not be negative", cfg.ID)
	case cfg.Kind == KindOpenAICompatible && strings.TrimSpace(cfg.Endpoint) == "":
		return fmt.Errorf("provider %q: openai-compatible providers need an endpoint", cfg.ID)
	}

	cfg.EncryptedCredential = ""
	if credential = strings.TrimSpace(credential); credential != "" {
		enc, err := r.store.EncryptCredential(credential)
		if err != nil {
			return fmt.Errorf("failed to encrypt credential: %w", err)
		}
		cfg.EncryptedCredential = enc
	}

	if err := r.store.UpsertProviderConfig(ctx, cfg); err != nil {
		return err
	}
	_, err := r.Refresh(ctx)
	return err
}
