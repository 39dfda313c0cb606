// Package api provides read-only HTTP endpoints for quota inspection.
// Responses come from the cached Reporter, so serving a dashboard poll never
// touches the admission hot path.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/brandgate/quotas/pkg/admission"
)

const maxCredentialLen = 255

// Config holds API handler configuration.
type Config struct {
	// Reporter is the status reporter instance (required).
	Reporter *admission.Reporter

	// GetTier resolves a credential's tier name (required). Typically backed
	// by the deployment's credential registry.
	GetTier func(r *http.Request, credentialID string) string

	// OnError overrides the default JSON error responses.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Handler provides HTTP endpoints for quota inspection.
type Handler struct {
	config Config
}

// NewHandler creates a new API handler.
func NewHandler(config Config) (*Handler, error) {
	if config.Reporter == nil {
		return nil, errors.New("api: Config.Reporter is required")
	}
	if config.GetTier == nil {
		return nil, errors.New("api: Config.GetTier is required")
	}
	return &Handler{config: config}, nil
}

// Routes returns a chi router exposing the inspection endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/quota/{credentialID}", h.GetStatus)
	return r
}

// GetStatus returns the credential's current standing: window usage, monthly
// ledger, and active add-on capacity.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	credentialID := chi.URLParam(r, "credentialID")
	if credentialID == "" || len(credentialID) > maxCredentialLen {
		h.handleError(w, r, errors.New("invalid credential ID"), http.StatusBadRequest)
		return
	}

	tier := h.config.GetTier(r, credentialID)
	status, err := h.config.Reporter.Status(r.Context(), credentialID, tier)
	if err != nil {
		code := http.StatusInternalServerError
		if admission.IsUnavailable(err) {
			code = http.StatusServiceUnavailable
		}
		h.handleError(w, r, err, code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(StatusResponse{QuotaStatus: status})
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}
