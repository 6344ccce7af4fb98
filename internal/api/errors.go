package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/raine/food-vision/internal/blob"
	"github.com/raine/food-vision/internal/imagecheck"
	"github.com/raine/food-vision/internal/ingest"
	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/media"
	"github.com/raine/food-vision/internal/storage"
)

// Error codes returned in the error envelope.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeNotFound              = "NOT_FOUND"
	CodeProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	CodeProviderCallFailed    = "PROVIDER_CALL_FAILED"
	CodeProviderResponse      = "PROVIDER_RESPONSE_INVALID"
	CodeStorageError          = "STORAGE_ERROR"
	CodeRequestCanceled       = "REQUEST_CANCELED"
	CodeTimeout               = "TIMEOUT"
	CodeInternalError         = "INTERNAL_ERROR"
)

// statusClientClosedRequest is the de facto status for a request abandoned
// by its client.
const statusClientClosedRequest = 499

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeFailure maps a pipeline error onto the envelope.
func writeFailure(w http.ResponseWriter, err error) {
	var (
		validationErr *imagecheck.ValidationError
		callErr       *llm.ProviderCallError
		responseErr   *llm.ProviderResponseError
		storageErr    *media.StorageError
	)

	switch {
	case errors.As(err, &validationErr):
		status := http.StatusBadRequest
		switch validationErr.Reason {
		case imagecheck.ReasonTooLarge:
			status = http.StatusRequestEntityTooLarge
		case imagecheck.ReasonUnsupportedType:
			status = http.StatusUnsupportedMediaType
		}
		writeError(w, status, CodeValidationError, validationErr.Error(), false)
	case errors.Is(err, ingest.ErrMissingOwner):
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing X-Owner-ID header", false)
	case errors.Is(err, llm.ErrProviderNotConfigured):
		writeError(w, http.StatusServiceUnavailable, CodeProviderNotConfigured, err.Error(), false)
	case errors.As(err, &callErr):
		status := http.StatusBadGateway
		if callErr.Timeout {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, CodeProviderCallFailed, callErr.Error(), true)
	case errors.As(err, &responseErr):
		writeError(w, http.StatusBadGateway, CodeProviderResponse, responseErr.Error(), true)
	case errors.As(err, &storageErr):
		log.Error().Err(err).Msg("storage failure")
		writeError(w, http.StatusServiceUnavailable, CodeStorageError, "storage temporarily unavailable", true)
	case errors.Is(err, media.ErrAssetNotFound), errors.Is(err, blob.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "not found", false)
	case errors.Is(err, context.Canceled):
		writeError(w, statusClientClosedRequest, CodeRequestCanceled, "request canceled", true)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, CodeTimeout, "request timed out", true)
	default:
		log.Error().Err(err).Msg("unhandled request error")
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error", true)
	}
}
