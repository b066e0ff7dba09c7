package api

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/internal/tokenizer"
	"github.com/blueberrycongee/msgmux/pkg/errors"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

// CountTokens handles POST /v1/messages/count_tokens requests. Counting is
// served locally from the cl100k_base encoding and never contacts an
// upstream, so it works even when every provider is down.
func (h *Handler) CountTokens(w http.ResponseWriter, r *http.Request) {
	body, perr := h.readBody(r)
	if perr != nil {
		h.writeError(w, perr)
		return
	}

	var req types.CountTokensRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, errors.NewInvalidRequestError("invalid JSON: "+err.Error()))
		return
	}
	if req.Model == "" {
		h.writeError(w, errors.NewInvalidRequestError("model is required"))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, errors.NewInvalidRequestError("messages must not be empty"))
		return
	}

	total := tokenizer.CountRequest(req.Messages, req.System, req.Tools)
	h.writeJSON(w, http.StatusOK, types.CountTokensResponse{InputTokens: total})
}
