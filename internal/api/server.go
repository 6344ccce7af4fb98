// Package api exposes the ingestion pipeline, stored images and the provider
// registry over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/raine/food-vision/internal/blob"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/ingest"
	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/storage"
)

const shutdownTimeout = 15 * time.Second

// Ingester runs the upload pipeline.
type Ingester interface {
	Ingest(ctx context.Context, up ingest.Upload) (*ingest.Outcome, error)
}

// Assets reads and deletes stored images.
type Assets interface {
	Get(ctx context.Context, id string) (*storage.ImageAsset, error)
	Open(ctx context.Context, locator blob.Locator) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// Providers is the provider registry surface used by the admin routes.
type Providers interface {
	List(ctx context.Context) ([]storage.ProviderConfig, error)
	Active(ctx context.Context) (*llm.Snapshot, error)
	Activate(ctx context.Context, id string) (*llm.Snapshot, error)
	RotateCredential(ctx context.Context, id, plaintext string) error
	Refresh(ctx context.Context) (*llm.Snapshot, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the HTTP surface.
type Options struct {
	Addr           string
	PublicBaseURL  string
	AdminToken     string
	MaxUploadBytes int64
}

// Server is the HTTP server.
type Server struct {
	ingest    Ingester
	assets    Assets
	providers Providers
	db        Pinger
	opts      Options
	router    chi.Router
}

// New creates the server and its routes.
func New(ingester Ingester, assets Assets, providers Providers, db Pinger, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = imagecheck.DefaultMaxSize
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")

	s := &Server{
		ingest:    ingester,
		assets:    assets,
		providers: providers,
		db:        db,
		opts:      opts,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/analyses", s.handleCreateAnalysis)
		r.Get("/images/{variant}/{filename}", s.handleImage)
		r.Get("/assets/{id}", s.handleGetAsset)
		r.Delete("/assets/{id}", s.handleDeleteAsset)

		r.Route("/providers", func(r chi.Router) {
			r.Use(requireAdmin(s.opts.AdminToken))
			r.Get("/", s.handleListProviders)
			r.Get("/active", s.handleActiveProvider)
			r.Post("/refresh", s.handleRefreshProviders)
			r.Post("/{id}/activate", s.handleActivateProvider)
			r.Put("/{id}/credential", s.handleRotateCredential)
		})
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeStorageError, "database unavailable", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// imageURL turns a locator into a public URL served by handleImage.
func (s *Server) imageURL(locator string) string {
	if locator == "" {
		return ""
	}
	return s.opts.PublicBaseURL + "/v1/images/" + locator
}
