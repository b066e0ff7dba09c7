package api

import "net/http"

// RegisterRoutes registers all API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", h.Messages)
	mux.HandleFunc("POST /v1/messages/count_tokens", h.CountTokens)

	mux.HandleFunc("GET /{$}", h.Liveness)
	mux.HandleFunc("GET /providers", h.ListProviders)
	mux.HandleFunc("POST /providers/reload", h.ReloadProviders)
}
