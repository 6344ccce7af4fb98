package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/storage"
)

// providerView never carries the credential, only whether one is stored.
type providerView struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	ModelName       string    `json:"modelName"`
	PromptTemplate  string    `json:"promptTemplate,omitempty"`
	Temperature     float64   `json:"temperature"`
	MaxOutputTokens int       `json:"maxOutputTokens"`
	Endpoint        string    `json:"endpoint,omitempty"`
	HasCredential   bool      `json:"hasCredential"`
	IsActive        bool      `json:"isActive"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type activeView struct {
	Version  uint64       `json:"version"`
	Provider providerView `json:"provider"`
}

func newProviderView(c storage.ProviderConfig) providerView {
	return providerView{
		ID:              c.ID,
		Kind:            c.Kind,
		ModelName:       c.ModelName,
		PromptTemplate:  c.PromptTemplate,
		Temperature:     c.Temperature,
		MaxOutputTokens: c.MaxOutputTokens,
		Endpoint:        c.Endpoint,
		HasCredential:   c.HasCredential(),
		IsActive:        c.IsActive,
		UpdatedAt:       c.UpdatedAt,
	}
}

func writeSnapshot(w http.ResponseWriter, snap *llm.Snapshot) {
	if snap.Config == nil {
		writeFailure(w, llm.ErrProviderNotConfigured)
		return
	}
	writeJSON(w, http.StatusOK, activeView{Version: snap.Version, Provider: newProviderView(*snap.Config)})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	configs, err := s.providers.List(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	views := make([]providerView, 0, len(configs))
	for _, c := range configs {
		views = append(views, newProviderView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": views})
}

func (s *Server) handleActiveProvider(w http.ResponseWriter, r *http.Request) {
	snap, err := s.providers.Active(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSnapshot(w, snap)
}

func (s *Server) handleRefreshProviders(w http.ResponseWriter, r *http.Request) {
	snap, err := s.providers.Refresh(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSnapshot(w, snap)
}

func (s *Server) handleActivateProvider(w http.ResponseWriter, r *http.Request) {
	snap, err := s.providers.Activate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeSnapshot(w, snap)
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

func (s *Server) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "invalid JSON body", false)
		return
	}
	if strings.TrimSpace(req.Credential) == "" {
		writeError(w, http.StatusBadRequest, CodeValidationError, "field \"credential\" is required", false)
		return
	}

	if err := s.providers.RotateCredential(r.Context(), chi.URLParam(r, "id"), req.Credential); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
