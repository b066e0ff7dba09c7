package api

import (
	"net/http"
	"time"

	"github.com/blueberrycongee/msgmux/internal/metrics"
	"github.com/blueberrycongee/msgmux/pkg/errors"
)

// providerStatus is one row of the admin provider listing: static
// configuration joined with live health accounting.
type providerStatus struct {
	Name              string    `json:"name"`
	Kind              string    `json:"kind"`
	BaseURL           string    `json:"base_url"`
	Enabled           bool      `json:"enabled"`
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorTime     time.Time `json:"last_error_time"`
	LastSuccessTime   time.Time `json:"last_success_time"`
}

// Liveness handles GET / requests.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "msgmux",
		"version": Version,
	})
}

// ListProviders handles GET /providers requests. Disabled providers are
// included so operators can see the full configured set.
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	provs := h.registry.All()
	out := make([]providerStatus, 0, len(provs))
	for _, p := range provs {
		st := h.tracker.Status(p.Name)
		out = append(out, providerStatus{
			Name:              p.Name,
			Kind:              p.Kind,
			BaseURL:           p.BaseURL,
			Enabled:           p.Enabled,
			Healthy:           st.Healthy,
			ConsecutiveErrors: st.ConsecutiveErrors,
			LastErrorTime:     st.LastErrorTime,
			LastSuccessTime:   st.LastSuccessTime,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// ReloadProviders handles POST /providers/reload requests. Reloads are
// rate limited to one per second so a misbehaving caller cannot thrash
// the provider registry.
func (h *Handler) ReloadProviders(w http.ResponseWriter, r *http.Request) {
	if !h.reloads.Allow() {
		h.writeError(w, errors.New(errors.KindRateLimit, http.StatusTooManyRequests, "", "",
			"reload already in progress or requested too recently"))
		return
	}

	// Successful reloads are counted by the OnChange subscriber in main;
	// only the failure outcome is recorded here.
	if err := h.source.Reload(); err != nil {
		metrics.RecordConfigReload(err)
		h.logger.Error("config reload failed", "error", err)
		h.writeError(w, errors.New(errors.KindInternalServerError, http.StatusInternalServerError, "", "",
			"config reload failed: "+err.Error()))
		return
	}

	cfg := h.source.Get()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "reloaded",
		"providers":    len(cfg.Providers),
		"model_routes": len(cfg.ModelRoutes.Patterns),
	})
}
