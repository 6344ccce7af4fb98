// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/raine/food-vision/internal/analysiscache"
	"github.com/raine/food-vision/internal/blob"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/media"
	"github.com/raine/food-vision/internal/retention"
)

const (
	AppName     = "food-vision"
	EnvFileName = "config.env"
)

// Storage backends.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr    string
	PublicBaseURL string
	DBPath        string
	CredentialKey string
	AdminToken    string

	StorageBackend string
	StorageDir     string
	S3             blob.S3Config

	MaxUploadBytes  int64
	OwnerQuotaBytes int64

	CacheBackend string
	CacheTTL     time.Duration
	CacheSize    int
	RedisURL     string

	ProviderTimeout time.Duration
	StorageTimeout  time.Duration

	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration

	ProvidersFile string

	LogLevel  string
	LogFormat string
}

// LoadEnvFile loads variables from CONFIG_FILE, or from config.env in the
// user's config directory. Errors are ignored since the file may not exist.
// Variables already set in the environment win.
func LoadEnvFile() {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to load config file")
		}
		return
	}
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	_ = godotenv.Load(filepath.Join(configBase, AppName, EnvFileName))
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return FromLookup(os.Getenv)
}

// FromLookup reads the configuration through getenv and validates it.
func FromLookup(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	cfg := &Config{
		ListenAddr:    p.str("LISTEN_ADDR", ":8080"),
		PublicBaseURL: p.str("PUBLIC_BASE_URL", ""),
		DBPath:        p.str("DB_PATH", "food-vision.db"),
		CredentialKey: p.str("CREDENTIAL_KEY", ""),
		AdminToken:    p.str("ADMIN_TOKEN", ""),

		StorageBackend: strings.ToLower(p.str("STORAGE_BACKEND", StorageLocal)),
		StorageDir:     p.str("STORAGE_DIR", "./data/images"),
		S3: blob.S3Config{
			Bucket:    p.str("S3_BUCKET", ""),
			Region:    p.str("S3_REGION", ""),
			Endpoint:  p.str("S3_ENDPOINT", ""),
			AccessKey: p.str("S3_ACCESS_KEY", ""),
			SecretKey: p.str("S3_SECRET_KEY", ""),
			Prefix:    p.str("S3_PREFIX", ""),
		},

		MaxUploadBytes:  p.int64("MAX_UPLOAD_BYTES", imagecheck.DefaultMaxSize),
		OwnerQuotaBytes: p.int64("OWNER_QUOTA_BYTES", 0),

		CacheBackend: strings.ToLower(p.str("CACHE_BACKEND", CacheMemory)),
		CacheTTL:     p.duration("CACHE_TTL", analysiscache.DefaultTTL),
		CacheSize:    int(p.int64("CACHE_SIZE", analysiscache.DefaultSize)),
		RedisURL:     p.str("REDIS_URL", ""),

		ProviderTimeout: p.duration("PROVIDER_TIMEOUT", llm.DefaultProviderTimeout),
		StorageTimeout:  p.duration("STORAGE_TIMEOUT", media.DefaultStorageTimeout),

		RetentionMaxAge:   p.duration("RETENTION_MAX_AGE", 0),
		RetentionInterval: p.duration("RETENTION_INTERVAL", retention.DefaultInterval),

		ProvidersFile: p.str("PROVIDERS_FILE", ""),

		LogLevel:  p.str("LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(p.str("LOG_FORMAT", "console")),
	}

	if err := errors.Join(append(p.errs, cfg.validate()...)...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	if c.CredentialKey == "" {
		errs = append(errs, errors.New("CREDENTIAL_KEY is not set"))
	}
	switch c.StorageBackend {
	case StorageLocal:
		if c.StorageDir == "" {
			errs = append(errs, errors.New("STORAGE_DIR must not be empty"))
		}
	case StorageS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when STORAGE_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageLocal, StorageS3, c.StorageBackend))
	}
	switch c.CacheBackend {
	case CacheMemory:
	case CacheRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when CACHE_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be %q or %q, got %q", CacheMemory, CacheRedis, c.CacheBackend))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if c.CacheSize <= 0 {
		errs = append(errs, errors.New("CACHE_SIZE must be positive"))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel))
	}
	return errs
}

// SetupLogging configures the global zerolog logger.
func SetupLogging(level, format string, out io.Writer) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
	}
	return nil
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int64(key string, def int64) int64 {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer: %w", key, err))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a duration like 30s or 24h: %w", key, err))
		return def
	}
	return v
}
