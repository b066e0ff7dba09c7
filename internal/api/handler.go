// Package api exposes the proxy over HTTP: the Anthropic Messages
// endpoints for clients and a small control surface for operators.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/health"
	"github.com/blueberrycongee/msgmux/internal/metrics"
	"github.com/blueberrycongee/msgmux/internal/observability"
	"github.com/blueberrycongee/msgmux/internal/provider"
	"github.com/blueberrycongee/msgmux/internal/proxy"
	"github.com/blueberrycongee/msgmux/internal/streaming"
	"github.com/blueberrycongee/msgmux/pkg/errors"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

// ProviderHeader names the upstream that produced the response.
const ProviderHeader = "x-provider-used"

// Version is the service version reported by the liveness endpoint.
// Overridden at build time via -ldflags.
var Version = "dev"

// Executor dispatches a validated request across the candidate chain and
// returns exactly one of: a completed response, a committed stream session,
// or a classified error.
type Executor interface {
	Execute(ctx context.Context, req *types.MessagesRequest, inbound http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError)
}

// ConfigSource yields the live configuration and reloads it on demand.
type ConfigSource interface {
	Get() *config.Config
	Reload() error
}

// Handler handles HTTP requests for the proxy.
type Handler struct {
	executor Executor
	registry *provider.Registry
	tracker  *health.Tracker
	source   ConfigSource
	reloads  *rate.Limiter
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(executor Executor, registry *provider.Registry, tracker *health.Tracker, source ConfigSource, logger *slog.Logger) *Handler {
	return &Handler{
		executor: executor,
		registry: registry,
		tracker:  tracker,
		source:   source,
		reloads:  rate.NewLimiter(rate.Every(time.Second), 1),
		logger:   logger,
	}
}

// Messages handles POST /v1/messages requests.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, perr := h.readBody(r)
	if perr != nil {
		h.writeError(w, perr)
		return
	}

	var req types.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, errors.NewInvalidRequestError("invalid JSON: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, errors.NewInvalidRequestError(err.Error()))
		return
	}

	resp, session, perr := h.executor.Execute(r.Context(), &req, r.Header)
	if perr != nil {
		metrics.RecordRequest(perr.Provider, req.Model, perr.HTTPStatusCode(), time.Since(start))
		h.writeError(w, perr)
		return
	}
	if session != nil {
		h.serveStream(w, r, req.Model, session, start)
		return
	}

	metrics.RecordRequest(resp.Provider, req.Model, http.StatusOK, time.Since(start))
	w.Header().Set(ProviderHeader, resp.Provider)
	h.writeJSON(w, http.StatusOK, resp.Message)
}

// serveStream drains a committed stream session into the client connection.
// The session's broadcaster keeps pumping even if this client goes away.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, model string, session *proxy.StreamSession, start time.Time) {
	defer session.Subscriber.Close()

	sw, err := streaming.NewWriter(w)
	if err != nil {
		h.writeError(w, errors.New(errors.KindAPIError, http.StatusInternalServerError, session.Provider, model, "streaming not supported by this connection"))
		return
	}
	defer func() {
		metrics.RecordRequest(session.Provider, model, http.StatusOK, time.Since(start))
	}()

	w.Header().Set(ProviderHeader, session.Provider)
	sw.WriteHead(http.StatusOK)

	requestID := observability.RequestIDFromContext(r.Context())
	for frame := range session.Subscriber.Frames() {
		if err := sw.WriteFrame(frame); err != nil {
			if r.Context().Err() != nil {
				h.logger.Debug("client disconnected mid-stream",
					"request_id", requestID,
					"provider", session.Provider,
				)
			} else {
				h.logger.Error("stream write failed",
					"request_id", requestID,
					"provider", session.Provider,
					"error", err,
				)
			}
			return
		}
	}

	if session.Subscriber.Evicted() {
		h.logger.Warn("subscriber evicted: client consumed frames too slowly",
			"request_id", requestID,
			"provider", session.Provider,
		)
	}
}

// readBody reads the request body up to the configured size cap.
func (h *Handler) readBody(r *http.Request) ([]byte, *errors.ProxyError) {
	maxBody := h.source.Get().Server.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, errors.NewInvalidRequestError("failed to read request body")
	}
	if int64(len(body)) > maxBody {
		return nil, errors.NewInvalidRequestError("request body too large")
	}
	return body, nil
}

func (h *Handler) writeError(w http.ResponseWriter, perr *errors.ProxyError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.HTTPStatusCode())
	if err := json.NewEncoder(w).Encode(types.NewErrorResponse(perr.Type, perr.Message)); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
