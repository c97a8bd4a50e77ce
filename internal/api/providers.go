package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mbailey/voicemode-sub000/internal/provider"
)

// ProviderDirectory exposes the registry's discovery and health state.
// Implemented by provider.Registry.
type ProviderDirectory interface {
	Snapshot() []provider.Status
	Discover(role provider.Role, explicit []string) []*provider.Provider
	Prewarm(ctx context.Context, candidates []*provider.Provider)
}

type ProvidersHandler struct {
	providers ProviderDirectory
}

func NewProvidersHandler(providers ProviderDirectory) *ProvidersHandler {
	return &ProvidersHandler{providers: providers}
}

func (h *ProvidersHandler) Routes(r chi.Router) {
	r.Get("/providers", h.List)
}

type providersResponse struct {
	Providers []provider.Status `json:"providers"`
}

// List returns the registry snapshot. ?check=true probes every candidate
// first so the snapshot reflects fresh health rather than cached state.
func (h *ProvidersHandler) List(w http.ResponseWriter, r *http.Request) {
	if check, ok := QueryBool(r, "check"); ok && check {
		for _, role := range []provider.Role{provider.RoleTTS, provider.RoleSTT} {
			h.providers.Prewarm(r.Context(), h.providers.Discover(role, nil))
		}
	}
	WriteJSON(w, http.StatusOK, providersResponse{Providers: h.providers.Snapshot()})
}
