package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/raine/food-vision/internal/blob"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/ingest"
	"github.com/raine/food-vision/internal/nutrition"
	"github.com/raine/food-vision/internal/storage"
)

// multipartOverhead leaves room for boundaries and headers around the image.
const multipartOverhead = 64 << 10

type analysisRequest struct {
	Image string `json:"image"`
}

type analysisResponse struct {
	AssetID       string           `json:"assetId"`
	ContentHash   string           `json:"contentHash"`
	ImageURL      string           `json:"imageUrl"`
	ThumbnailURL  string           `json:"thumbnailUrl,omitempty"`
	Duplicate     bool             `json:"duplicate"`
	QuotaExceeded bool             `json:"quotaExceeded"`
	Cached        bool             `json:"cached"`
	Provider      string           `json:"provider"`
	Model         string           `json:"model"`
	Result        nutrition.Result `json:"result"`
}

func (s *Server) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.Header.Get("X-Owner-ID"))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing X-Owner-ID header", false)
		return
	}

	// Base64 inflates the payload by a third.
	limit := s.opts.MaxUploadBytes*4/3 + multipartOverhead
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	data, claimed, err := s.readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeValidationError,
				fmt.Sprintf("request body exceeds %d bytes", limit), false)
			return
		}
		var vErr *imagecheck.ValidationError
		if errors.As(err, &vErr) {
			writeFailure(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), false)
		return
	}

	out, err := s.ingest.Ingest(r.Context(), ingest.Upload{Data: data, ClaimedMime: claimed, OwnerID: owner})
	if err != nil {
		writeFailure(w, err)
		return
	}

	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, analysisResponse{
		AssetID:       out.Asset.ID,
		ContentHash:   out.Asset.ContentHash,
		ImageURL:      s.imageURL(pickLocator(out.Asset, blob.VariantOptimized, blob.VariantOriginal)),
		ThumbnailURL:  s.imageURL(pickLocator(out.Asset, blob.VariantThumbnail, blob.VariantOptimized, blob.VariantOriginal)),
		Duplicate:     out.Duplicate,
		QuotaExceeded: out.QuotaExceeded,
		Cached:        out.Analysis.CacheHit,
		Provider:      out.Analysis.Provider,
		Model:         out.Analysis.Model,
		Result:        out.Analysis.Result,
	})
}

// readUpload accepts a multipart "image" field, a JSON data URI, or a raw
// image body. It returns the bytes and the claimed mime type.
func (s *Server) readUpload(r *http.Request) ([]byte, string, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, "", fmt.Errorf("invalid Content-Type header")
	}

	switch {
	case mediaType == "multipart/form-data":
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, "", fmt.Errorf("multipart field \"image\" is required: %w", err)
		}
		defer file.Close()
		data, err := s.readLimited(file)
		if err != nil {
			return nil, "", err
		}
		return data, header.Header.Get("Content-Type"), nil

	case mediaType == "application/json":
		var req analysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, "", fmt.Errorf("invalid JSON body: %w", err)
		}
		if req.Image == "" {
			return nil, "", fmt.Errorf("field \"image\" is required")
		}
		claimed, data, err := imagecheck.DecodeDataURI(req.Image)
		if err != nil {
			return nil, "", err
		}
		return data, claimed, nil

	case strings.HasPrefix(mediaType, "image/"):
		data, err := s.readLimited(r.Body)
		if err != nil {
			return nil, "", err
		}
		return data, mediaType, nil
	}

	return nil, "", &imagecheck.ValidationError{
		Reason:  imagecheck.ReasonUnsupportedType,
		Message: fmt.Sprintf("unsupported request content type %q", mediaType),
	}
}

// readLimited reads at most one byte past the upload limit so validation can
// report the payload as too large.
func (s *Server) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.opts.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, nil
}

func pickLocator(asset *storage.ImageAsset, variants ...blob.Variant) string {
	for _, v := range variants {
		if d, ok := asset.Derivatives[string(v)]; ok {
			return d.Locator
		}
	}
	return ""
}
