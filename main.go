package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/raine/food-vision/internal/analysiscache"
	"github.com/raine/food-vision/internal/api"
	"github.com/raine/food-vision/internal/blob"
	"github.com/raine/food-vision/internal/config"
	"github.com/raine/food-vision/internal/derive"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/ingest"
	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/media"
	"github.com/raine/food-vision/internal/retention"
	"github.com/raine/food-vision/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	config.LoadEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := config.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStore(cfg.DBPath, cfg.CredentialKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("database opened")

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob storage")
	}
	log.Info().Str("backend", backend.Name()).Msg("blob storage initialized")

	cache, closeCache, err := newCache(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize analysis cache")
	}
	defer closeCache()

	registry := llm.NewRegistry(store)
	if cfg.ProvidersFile != "" {
		seed, err := config.LoadProviderSeed(cfg.ProvidersFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load providers file")
		}
		if err := config.ApplyProviderSeed(ctx, registry, seed); err != nil {
			log.Fatal().Err(err).Msg("failed to seed providers")
		}
	}
	if _, err := registry.Active(ctx); err != nil {
		// Not fatal: a provider can be activated through the admin API.
		log.Warn().Err(err).Msg("no usable inference provider; analyses will fail until one is activated")
	}

	orchestrator := llm.NewOrchestrator(registry, cache, llm.WithTimeout(cfg.ProviderTimeout))
	mediaStore := media.NewStore(store, backend, media.Options{
		StorageTimeout:  cfg.StorageTimeout,
		OwnerQuotaBytes: cfg.OwnerQuotaBytes,
		Transformers:    derive.Defaults(),
	})
	ingestService := ingest.NewService(imagecheck.NewValidator(cfg.MaxUploadBytes), mediaStore, orchestrator, store)

	server := api.New(ingestService, mediaStore, registry, store, api.Options{
		Addr:           cfg.ListenAddr,
		PublicBaseURL:  cfg.PublicBaseURL,
		AdminToken:     cfg.AdminToken,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if cfg.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN is not set; provider admin API is disabled")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(ctx)
	})

	retentionService := retention.NewService(mediaStore, cfg.RetentionMaxAge, cfg.RetentionInterval)
	g.Go(func() error {
		retentionService.Run(ctx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func newBackend(ctx context.Context, cfg *config.Config) (blob.Backend, error) {
	if cfg.StorageBackend == config.StorageS3 {
		b, err := blob.NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := blob.NewLocal(cfg.StorageDir)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newCache(ctx context.Context, cfg *config.Config) (analysiscache.Cache, func(), error) {
	if cfg.CacheBackend == config.CacheRedis {
		cache, client, err := analysiscache.ConnectRedis(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Dur("ttl", cfg.CacheTTL).Msg("redis analysis cache connected")
		return cache, func() { client.Close() }, nil
	}
	log.Info().Int("size", cfg.CacheSize).Dur("ttl", cfg.CacheTTL).Msg("in-memory analysis cache enabled")
	return analysiscache.NewMemory(cfg.CacheSize, cfg.CacheTTL), func() {}, nil
}
