// Package proxy executes Messages requests end to end: deduplication
// admission, route selection, per-attempt upstream dispatch with in-request
// failover, health accounting and stream commit. It is the only package
// that talks to upstreams.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/internal/auth"
	"github.com/blueberrycongee/msgmux/internal/broadcast"
	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/dedup"
	"github.com/blueberrycongee/msgmux/internal/health"
	"github.com/blueberrycongee/msgmux/internal/httputil"
	"github.com/blueberrycongee/msgmux/internal/metrics"
	"github.com/blueberrycongee/msgmux/internal/observability"
	"github.com/blueberrycongee/msgmux/internal/provider"
	"github.com/blueberrycongee/msgmux/internal/route"
	"github.com/blueberrycongee/msgmux/internal/streaming"
	"github.com/blueberrycongee/msgmux/internal/tokenizer"
	"github.com/blueberrycongee/msgmux/internal/translate"
	"github.com/blueberrycongee/msgmux/pkg/errors"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

// DuplicateProvider is the provider label reported when a request attaches
// to another request's stream broadcast instead of going upstream.
const DuplicateProvider = "broadcaster-duplicate"

// Response is a completed non-streaming request. Provider names the
// upstream that served it, surfaced to clients as x-provider-used.
type Response struct {
	Message  *types.MessagesResponse
	Provider string
}

// StreamSession is a committed streaming response: a subscription to a
// broadcast that the upstream pump keeps feeding. The caller drains
// Subscriber and must Close it when the client goes away; the pump keeps
// running regardless.
type StreamSession struct {
	Provider   string
	Subscriber *broadcast.Subscriber
}

// Orchestrator coordinates one request across the candidate chain.
type Orchestrator struct {
	config     func() *config.Config
	selector   *route.Selector
	registry   *provider.Registry
	health     *health.Tracker
	auth       *auth.Resolver
	translator *translate.Translator
	dedup      *dedup.Index
	clients    *clientCache
	logger     *slog.Logger
}

// New wires an orchestrator. cfg must return the live configuration.
func New(cfg func() *config.Config, selector *route.Selector, registry *provider.Registry,
	tracker *health.Tracker, resolver *auth.Resolver, translator *translate.Translator,
	index *dedup.Index, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:     cfg,
		selector:   selector,
		registry:   registry,
		health:     tracker,
		auth:       resolver,
		translator: translator,
		dedup:      index,
		clients:    newClientCache(),
		logger:     logger,
	}
}

// Execute runs a validated request. Exactly one of the three returns is
// non-nil: a response, a committed stream session, or a classified error.
func (o *Orchestrator) Execute(ctx context.Context, req *types.MessagesRequest, inbound http.Header) (*Response, *StreamSession, *errors.ProxyError) {
	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = observability.GenerateRequestID()
	}

	adm := o.dedup.Admit(dedup.Fingerprint(req), req.Stream)
	metrics.DedupInFlight.Set(float64(o.dedup.InFlight()))
	if adm.Duplicate != nil {
		metrics.RecordAdmission(false)
		o.logger.Info("coalescing duplicate request",
			"request_id", requestID,
			"model", req.Model,
			"streaming", req.Stream,
		)
		return o.awaitPrimary(ctx, adm.Duplicate, req.Stream)
	}
	metrics.RecordAdmission(true)

	// A committed stream hands the dedup handle to the pump goroutine;
	// every other exit must have settled it, making the Abandon a no-op
	// that only matters when the primary path panics or forgets.
	handedOff := false
	defer func() {
		if !handedOff {
			adm.Primary.Abandon()
		}
	}()

	resp, session, perr := o.runPrimary(ctx, adm.Primary, req, inbound, requestID)
	handedOff = session != nil
	return resp, session, perr
}

// awaitPrimary serves a duplicate from the primary's outcome.
func (o *Orchestrator) awaitPrimary(ctx context.Context, w *dedup.Waiter, streamed bool) (*Response, *StreamSession, *errors.ProxyError) {
	if streamed {
		bc, perr := w.Broadcaster(ctx)
		if perr != nil {
			return nil, nil, perr
		}
		return nil, &StreamSession{Provider: DuplicateProvider, Subscriber: bc.Subscribe()}, nil
	}
	res, perr := w.Response(ctx)
	if perr != nil {
		return nil, nil, perr
	}
	return &Response{Message: res.Response, Provider: res.Provider}, nil, nil
}

// runPrimary walks the candidate chain until an attempt succeeds, an error
// that may not fail over surfaces, or the chain is exhausted. Exhaustion
// surfaces the last attempt's error verbatim; errors are never aggregated
// across providers.
func (o *Orchestrator) runPrimary(ctx context.Context, handle *dedup.Handle, req *types.MessagesRequest, inbound http.Header, requestID string) (*Response, *StreamSession, *errors.ProxyError) {
	started := time.Now()
	settings := &o.config().Settings

	candidates := o.selector.Select(req.Model, req.Provider)
	if len(candidates) == 0 {
		perr := o.noCandidates(req)
		o.logger.Warn("no candidates for request",
			"request_id", requestID,
			"model", req.Model,
			"pinned", req.Provider,
		)
		handle.Fail(perr, false)
		return nil, nil, perr
	}

	var lastErr *errors.ProxyError
	for i, cand := range candidates {
		name := cand.Provider.Name

		attemptCtx, span := observability.StartAttemptSpan(ctx, name, cand.Model, req.Stream)
		msg, session, perr := o.tryOnce(attemptCtx, cand, req, inbound, requestID, handle, started)
		if perr != nil {
			observability.EndAttemptSpan(span, perr)
		} else {
			observability.EndAttemptSpan(span, nil)
		}
		if perr == nil {
			if session != nil {
				o.selector.MarkUsed(name)
				return nil, session, nil
			}
			o.health.RecordSuccess(name)
			o.publishHealth(name)
			o.selector.MarkUsed(name)
			metrics.RecordTokens(name, req.Model, msg.Usage.InputTokens, msg.Usage.OutputTokens)
			handle.Complete(dedup.Result{Response: msg, Provider: name})
			o.logger.Debug("request served",
				"request_id", requestID,
				"provider", name,
				"model", req.Model,
				"attempt", i+1,
				"elapsed", time.Since(started),
			)
			return &Response{Message: msg, Provider: name}, nil, nil
		}

		lastErr = perr
		metrics.RecordUpstreamError(name, string(perr.Kind))

		if perr.Kind == errors.KindAuthRequired {
			o.logger.Warn("provider requires re-authentication",
				"request_id", requestID,
				"provider", name,
				"status", perr.StatusCode,
			)
			o.selector.MarkUsed(name)
			handle.Fail(perr, false)
			return nil, nil, perr
		}

		if countsUnhealthy(settings, perr) {
			o.health.RecordError(name, string(perr.Kind))
			o.publishHealth(name)
		}

		if !canFailover(settings, perr) {
			o.logger.Warn("surfacing error without failover",
				"request_id", requestID,
				"provider", name,
				"error_kind", perr.Kind,
				"status", perr.StatusCode,
			)
			o.selector.MarkUsed(name)
			handle.Fail(perr, perr.Kind == errors.KindStreamError)
			return nil, nil, perr
		}

		if i < len(candidates)-1 {
			metrics.RecordFailover(name, string(perr.Kind))
			o.logger.Warn("failing over",
				"request_id", requestID,
				"provider", name,
				"next", candidates[i+1].Provider.Name,
				"error_kind", perr.Kind,
				"status", perr.StatusCode,
				"message", perr.Message,
			)
		}
	}

	o.logger.Error("all candidates failed",
		"request_id", requestID,
		"model", req.Model,
		"candidates", len(candidates),
		"error_kind", lastErr.Kind,
	)
	// Stream errors keep the entry through the grace window so duplicates
	// arriving just after the failure observe the same error.
	handle.Fail(lastErr, lastErr.Kind == errors.KindStreamError)
	return nil, nil, lastErr
}

// noCandidates distinguishes an unknown pin from an exhausted route.
func (o *Orchestrator) noCandidates(req *types.MessagesRequest) *errors.ProxyError {
	if req.Provider != "" {
		if _, ok := o.registry.ByName(req.Provider); !ok {
			return errors.NewProviderNotFoundError(req.Provider, req.Model)
		}
	}
	return errors.NewNoProvidersError(req.Model)
}

// tryOnce runs a single upstream attempt against one candidate.
func (o *Orchestrator) tryOnce(ctx context.Context, cand route.Candidate, req *types.MessagesRequest, inbound http.Header, requestID string, handle *dedup.Handle, started time.Time) (*types.MessagesResponse, *StreamSession, *errors.ProxyError) {
	p := cand.Provider

	headers, err := o.auth.Headers(p, req.Model, inbound)
	if err != nil {
		return nil, nil, errors.AsProxyError(err, p.Name, req.Model)
	}

	payload, perr := o.buildBody(cand, req)
	if perr != nil {
		return nil, nil, perr
	}

	timeouts := o.config().Settings.TimeoutsFor(req.Stream)
	client, cerr := o.clients.get(p.ProxyURL, timeouts)
	if cerr != nil {
		return nil, nil, errors.AsProxyError(cerr, p.Name, req.Model)
	}

	// The attempt is detached from the client context: a departing client
	// must not kill the upstream request that waiting duplicates depend on.
	httpReq, herr := http.NewRequestWithContext(context.WithoutCancel(ctx),
		http.MethodPost, p.RequestURL(), bytes.NewReader(payload))
	if herr != nil {
		return nil, nil, errors.AsProxyError(herr, p.Name, req.Model)
	}
	httpReq.Header = headers

	o.logger.Debug("dispatching upstream attempt",
		"request_id", requestID,
		"provider", p.Name,
		"model", cand.Model,
		"streaming", req.Stream,
	)

	resp, derr := client.Do(httpReq)
	if derr != nil {
		return nil, nil, errors.FromTransport(derr, p.Name, req.Model)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		wb := newWatchdogBody(resp.Body, timeouts.ReadTimeout)
		body, _ := httputil.ReadLimitedBody(wb, httputil.DefaultMaxResponseBodyBytes)
		wb.Close()

		statusErr := errors.FromStatus(resp.StatusCode, p.Name, req.Model, body)
		if p.AuthScheme == config.AuthOAuth &&
			(resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			authErr := errors.NewAuthRequiredError(p.Name, req.Model, statusErr.Message)
			authErr.StatusCode = resp.StatusCode
			return nil, nil, authErr
		}
		return nil, nil, statusErr
	}

	if req.Stream {
		return o.commitStream(cand, resp, req, requestID, handle, timeouts, started)
	}
	msg, perr := o.readResponse(cand, resp, req, requestID, timeouts)
	return msg, nil, perr
}

// buildBody serializes the outbound request in the provider's native
// protocol. The provider pin never leaves the proxy.
func (o *Orchestrator) buildBody(cand route.Candidate, req *types.MessagesRequest) ([]byte, *errors.ProxyError) {
	p := cand.Provider
	if p.IsAnthropic() {
		out := *req
		out.Model = cand.Model
		out.Provider = ""
		payload, err := json.Marshal(&out)
		if err != nil {
			return nil, errors.AsProxyError(err, p.Name, req.Model)
		}
		return payload, nil
	}
	payload, err := json.Marshal(o.translator.ToOpenAIRequest(req, cand.Model))
	if err != nil {
		return nil, errors.AsProxyError(err, p.Name, req.Model)
	}
	return payload, nil
}

// readResponse consumes a 2xx non-streaming body. A 2xx carrying an error
// envelope is still an attempt failure.
func (o *Orchestrator) readResponse(cand route.Candidate, resp *http.Response, req *types.MessagesRequest, requestID string, timeouts config.PhaseTimeouts) (*types.MessagesResponse, *errors.ProxyError) {
	p := cand.Provider
	wb := newWatchdogBody(resp.Body, timeouts.ReadTimeout)
	defer wb.Close()

	body, rerr := httputil.ReadLimitedBody(wb, httputil.DefaultMaxResponseBodyBytes)
	if rerr != nil {
		if stderrors.Is(rerr, httputil.ErrResponseBodyTooLarge) {
			return nil, errors.New(errors.KindAPIError, http.StatusBadGateway, p.Name, req.Model, rerr.Error())
		}
		return nil, errors.FromTransport(rerr, p.Name, req.Model)
	}

	if errors.IsErrorBody(body) {
		return nil, errors.FromErrorBody(p.Name, req.Model, body)
	}

	if p.IsAnthropic() {
		var msg types.MessagesResponse
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, errors.New(errors.KindAPIError, http.StatusBadGateway, p.Name, req.Model,
				"failed to decode upstream response: "+err.Error())
		}
		return &msg, nil
	}

	var chat types.ChatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, errors.New(errors.KindAPIError, http.StatusBadGateway, p.Name, req.Model,
			"failed to decode upstream response: "+err.Error())
	}
	return o.translator.FromOpenAIResponse(&chat, req.Model, requestID), nil
}

// commitStream peeks the first frame of a 2xx streaming response and, if it
// is not an in-band error, commits: registers the broadcast, subscribes the
// caller and starts the pump. After commit failover is off the table; any
// later upstream failure reaches clients as an in-band error event.
func (o *Orchestrator) commitStream(cand route.Candidate, resp *http.Response, req *types.MessagesRequest, requestID string, handle *dedup.Handle, timeouts config.PhaseTimeouts, started time.Time) (*types.MessagesResponse, *StreamSession, *errors.ProxyError) {
	p := cand.Provider

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		wb := newWatchdogBody(resp.Body, timeouts.ReadTimeout)
		body, _ := httputil.ReadLimitedBody(wb, httputil.DefaultMaxResponseBodyBytes)
		wb.Close()
		if errors.IsErrorBody(body) {
			return nil, nil, errors.FromErrorBody(p.Name, req.Model, body)
		}
		return nil, nil, errors.New(errors.KindAPIError, http.StatusBadGateway, p.Name, req.Model,
			"expected an event stream, got content-type "+ct)
	}

	body := newWatchdogBody(resp.Body, timeouts.ReadTimeout)

	var src interface {
		Next() ([]byte, error)
	}
	var usage func() (inputTokens, outputTokens int)

	if p.IsAnthropic() {
		src = newAnthropicSource(body)
	} else {
		estimated := tokenizer.CountRequest(req.Messages, req.System, req.Tools)
		st := o.translator.NewStream(req.Model, requestID, estimated, tokenizer.CountText)
		osrc := newOpenAISource(streaming.NewChunkScanner(body, o.logger), st)
		src = osrc
		usage = func() (int, int) { return estimated, osrc.OutputTokens() }
	}

	first, err := src.Next()
	if err != nil {
		body.Close()
		if err == io.EOF {
			return nil, nil, errors.New(errors.KindAPIError, http.StatusBadGateway, p.Name, req.Model,
				"upstream returned an empty stream")
		}
		return nil, nil, errors.FromTransport(err, p.Name, req.Model)
	}
	if streaming.IsErrorEvent(first) {
		body.Close()
		_, message, ok := streaming.ParseErrorEvent(first)
		if !ok || message == "" {
			message = "upstream reported a stream error"
		}
		return nil, nil, errors.NewStreamError(p.Name, req.Model, message)
	}

	bc := broadcast.New(requestID, p.Name, o.logger)
	handle.RegisterBroadcaster(bc)
	sub := bc.Subscribe()
	metrics.ActiveStreams.Inc()
	metrics.RecordFirstToken(p.Name, req.Model, time.Since(started))

	go o.pumpStream(bc, &peekedSource{first: first, src: src}, body, cand, req.Model, handle, usage)

	return nil, &StreamSession{Provider: p.Name, Subscriber: sub}, nil
}

// pumpStream drains the upstream into the broadcast and settles health and
// deduplication from the terminal state. It runs detached: client
// disconnects do not reach it.
func (o *Orchestrator) pumpStream(bc *broadcast.Broadcaster, src broadcast.Source, body io.Closer, cand route.Candidate, model string, handle *dedup.Handle, usage func() (int, int)) {
	name := cand.Provider.Name
	defer metrics.ActiveStreams.Dec()
	defer body.Close()

	state := bc.Pump(src)

	if usage != nil {
		in, out := usage()
		metrics.RecordTokens(name, model, in, out)
	}

	switch state {
	case broadcast.StateErrored:
		_, message, ok := bc.StreamError()
		if !ok || message == "" {
			message = "upstream reported a stream error"
		}
		perr := errors.NewStreamError(name, model, message)
		metrics.RecordUpstreamError(name, string(perr.Kind))
		if countsUnhealthy(&o.config().Settings, perr) {
			o.health.RecordError(name, string(perr.Kind))
			o.publishHealth(name)
		}
		handle.Fail(perr, true)
	case broadcast.StateAborted:
		handle.Abandon()
	default:
		o.health.RecordSuccess(name)
		o.publishHealth(name)
		handle.Complete(dedup.Result{Provider: name})
	}
}

func (o *Orchestrator) publishHealth(name string) {
	st := o.health.Status(name)
	metrics.SetProviderHealth(name, st.Healthy, st.ConsecutiveErrors)
}

// canFailover reports whether the next candidate may be tried after perr.
// Auth and request-validation failures never fail over regardless of
// configuration.
func canFailover(s *config.Settings, perr *errors.ProxyError) bool {
	switch perr.Kind {
	case errors.KindAuthRequired, errors.KindInvalidRequest:
		return false
	}
	return slices.Contains(s.FailoverErrorTypes, string(perr.Kind)) ||
		slices.Contains(s.FailoverHTTPCodes, perr.StatusCode)
}

// countsUnhealthy reports whether perr increments the provider's
// consecutive error count.
func countsUnhealthy(s *config.Settings, perr *errors.ProxyError) bool {
	switch perr.Kind {
	case errors.KindAuthRequired, errors.KindInvalidRequest:
		return false
	}
	return slices.Contains(s.UnhealthyErrorTypes, string(perr.Kind)) ||
		slices.Contains(s.UnhealthyHTTPCodes, perr.StatusCode)
}
