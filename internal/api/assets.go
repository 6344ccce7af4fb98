package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raine/food-vision/internal/blob"
)

type derivativeView struct {
	Size      string `json:"size"`
	Locator   string `json:"locator"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"sizeBytes"`
	MimeType  string `json:"mimeType"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

type assetView struct {
	ID                string           `json:"id"`
	ContentHash       string           `json:"contentHash"`
	MimeType          string           `json:"mimeType"`
	OriginalSizeBytes int64            `json:"originalSizeBytes"`
	Width             int              `json:"width,omitempty"`
	Height            int              `json:"height,omitempty"`
	StorageBackend    string           `json:"storageBackend"`
	Derivatives       []derivativeView `json:"derivatives"`
	CreatedAt         time.Time        `json:"createdAt"`
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.assets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}

	view := assetView{
		ID:                asset.ID,
		ContentHash:       asset.ContentHash,
		MimeType:          asset.MimeType,
		OriginalSizeBytes: asset.OriginalSizeBytes,
		Width:             asset.Width,
		Height:            asset.Height,
		StorageBackend:    asset.StorageBackend,
		CreatedAt:         asset.CreatedAt,
	}
	// Fixed order: original, optimized, thumbnail.
	for _, v := range blob.Variants {
		d, ok := asset.Derivatives[string(v)]
		if !ok {
			continue
		}
		view.Derivatives = append(view.Derivatives, derivativeView{
			Size:      string(v),
			Locator:   d.Locator,
			URL:       s.imageURL(d.Locator),
			SizeBytes: d.SizeBytes,
			MimeType:  d.MimeType,
			Width:     d.Width,
			Height:    d.Height,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

// handleDeleteAsset soft-deletes an asset. Only the owner that first stored
// the image may delete it.
func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing X-Owner-ID header", false)
		return
	}

	id := chi.URLParam(r, "id")
	asset, err := s.assets.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if asset.OwnerID != owner {
		writeError(w, http.StatusForbidden, CodeForbidden, "asset belongs to another owner", false)
		return
	}

	if err := s.assets.Delete(r.Context(), id); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	locator, err := blob.NewLocator(blob.Variant(chi.URLParam(r, "variant")), chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", false)
		return
	}

	data, err := s.assets.Open(r.Context(), locator)
	if err != nil {
		writeFailure(w, err)
		return
	}

	// Blob names are content hashes, so a locator always maps to the same bytes.
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
