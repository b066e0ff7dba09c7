package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/msgmux/internal/broadcast"
	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/health"
	"github.com/blueberrycongee/msgmux/internal/provider"
	"github.com/blueberrycongee/msgmux/internal/proxy"
	"github.com/blueberrycongee/msgmux/internal/tokenizer"
	"github.com/blueberrycongee/msgmux/pkg/errors"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

type stubExecutor struct {
	fn func(ctx context.Context, req *types.MessagesRequest, inbound http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError)
}

func (s *stubExecutor) Execute(ctx context.Context, req *types.MessagesRequest, inbound http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
	return s.fn(ctx, req, inbound)
}

type staticConfig struct {
	cfg       *config.Config
	reloadErr error
	reloaded  int
}

func (s *staticConfig) Get() *config.Config { return s.cfg }

func (s *staticConfig) Reload() error {
	s.reloaded++
	return s.reloadErr
}

type literalSecrets struct{}

func (literalSecrets) Get(_ context.Context, path string) (string, error) { return path, nil }

type fixture struct {
	handler *Handler
	source  *staticConfig
	tracker *health.Tracker
	mux     *http.ServeMux
}

func newFixture(t *testing.T, exec Executor, providers ...config.ProviderConfig) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Providers = providers

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tracker := health.NewTracker(health.DefaultOptions(), logger)
	registry := provider.NewRegistry(literalSecrets{}, logger)
	registry.Reload(context.Background(), cfg.Providers)
	source := &staticConfig{cfg: cfg}

	h := NewHandler(exec, registry, tracker, source, logger)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &fixture{handler: h, source: source, tracker: tracker, mux: mux}
}

func providerCfg(name, kind, baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:          name,
		Kind:          kind,
		BaseURL:       baseURL,
		Auth:          config.AuthConfig{Scheme: config.AuthAPIKey, Value: "sk-" + name},
		StreamingMode: config.StreamingAuto,
		Enabled:       true,
	}
}

func textPtr(s string) *string { return &s }

func messagesBody(t *testing.T, model string, stream bool) *strings.Reader {
	t.Helper()
	req := types.MessagesRequest{
		Model:     model,
		MaxTokens: 128,
		Stream:    stream,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: types.MessageContent{Text: textPtr("say hello")}},
		},
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return strings.NewReader(string(raw))
}

func decodeErrorEnvelope(t *testing.T, body io.Reader) types.ErrorResponse {
	t.Helper()
	var envelope types.ErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&envelope))
	require.Equal(t, "error", envelope.Type)
	return envelope
}

// frameList feeds canned frames into a broadcaster.
type frameList struct {
	frames [][]byte
	next   int
}

func (f *frameList) Next() ([]byte, error) {
	if f.next >= len(f.frames) {
		return nil, io.EOF
	}
	frame := f.frames[f.next]
	f.next++
	return frame, nil
}

// finishedSession builds a stream session whose broadcaster has already
// pumped the given frames to completion. Subscribing replays all of them.
func finishedSession(t *testing.T, providerName string, frames [][]byte) *proxy.StreamSession {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bc := broadcast.New("req_test", providerName, logger)
	bc.Pump(&frameList{frames: frames})
	return &proxy.StreamSession{Provider: providerName, Subscriber: bc.Subscribe()}
}

func TestMessagesNonStreaming(t *testing.T) {
	stop := types.StopEndTurn
	message := &types.MessagesResponse{
		ID:         "msg_test",
		Type:       "message",
		Role:       types.RoleAssistant,
		Model:      "claude-3-5-sonnet-20241022",
		Content:    []types.ContentBlock{{Type: types.BlockText, Text: "hello back"}},
		StopReason: &stop,
		Usage:      types.Usage{InputTokens: 10, OutputTokens: 5},
	}

	var seenModel string
	var seenPin string
	exec := &stubExecutor{fn: func(_ context.Context, req *types.MessagesRequest, inbound http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		seenModel = req.Model
		seenPin = inbound.Get("x-msgmux-provider")
		return &proxy.Response{Message: message, Provider: "main"}, nil, nil
	}}
	f := newFixture(t, exec)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", messagesBody(t, "claude-3-5-sonnet", false))
	r.Header.Set("x-msgmux-provider", "main")
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "main", w.Header().Get(ProviderHeader))
	assert.Equal(t, "claude-3-5-sonnet", seenModel)
	assert.Equal(t, "main", seenPin)

	var got types.MessagesResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "msg_test", got.ID)
	assert.Equal(t, "hello back", got.Content[0].Text)
	assert.Equal(t, 5, got.Usage.OutputTokens)
}

func TestMessagesInvalidJSON(t *testing.T) {
	exec := &stubExecutor{fn: func(context.Context, *types.MessagesRequest, http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		t.Fatal("executor must not run for malformed bodies")
		return nil, nil, nil
	}}
	f := newFixture(t, exec)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeErrorEnvelope(t, w.Body)
	assert.Equal(t, errors.TypeInvalidRequest, envelope.Error.Type)
	assert.Contains(t, envelope.Error.Message, "invalid JSON")
}

func TestMessagesValidationFailure(t *testing.T) {
	exec := &stubExecutor{fn: func(context.Context, *types.MessagesRequest, http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		t.Fatal("executor must not run for invalid requests")
		return nil, nil, nil
	}}
	f := newFixture(t, exec)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeErrorEnvelope(t, w.Body)
	assert.Equal(t, errors.TypeInvalidRequest, envelope.Error.Type)
	assert.Equal(t, "model is required", envelope.Error.Message)
}

func TestMessagesBodyTooLarge(t *testing.T) {
	exec := &stubExecutor{fn: func(context.Context, *types.MessagesRequest, http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		t.Fatal("executor must not run for oversized bodies")
		return nil, nil, nil
	}}
	f := newFixture(t, exec)
	f.source.cfg.Server.MaxBodyBytes = 32

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(strings.Repeat("x", 100)))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeErrorEnvelope(t, w.Body)
	assert.Equal(t, "request body too large", envelope.Error.Message)
}

func TestMessagesUpstreamErrorEnvelope(t *testing.T) {
	exec := &stubExecutor{fn: func(context.Context, *types.MessagesRequest, http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		return nil, nil, errors.New(errors.KindServiceUnavailable, http.StatusServiceUnavailable, "main", "claude-3-5-sonnet", "upstream exploded")
	}}
	f := newFixture(t, exec)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", messagesBody(t, "claude-3-5-sonnet", false))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	envelope := decodeErrorEnvelope(t, w.Body)
	assert.Equal(t, errors.TypeOverloaded, envelope.Error.Type)
	assert.Equal(t, "upstream exploded", envelope.Error.Message)
}

func TestMessagesStreaming(t *testing.T) {
	frames := [][]byte{
		[]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"),
		[]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n"),
		[]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"),
	}
	exec := &stubExecutor{fn: func(context.Context, *types.MessagesRequest, http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		return nil, finishedSession(t, "main", frames), nil
	}}
	f := newFixture(t, exec)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages", messagesBody(t, "claude-3-5-sonnet", true))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "main", w.Header().Get(ProviderHeader))

	var want strings.Builder
	for _, frame := range frames {
		want.Write(frame)
	}
	assert.Equal(t, want.String(), w.Body.String())
	assert.True(t, w.Flushed)
}

func TestMessagesMethodNotAllowed(t *testing.T) {
	exec := &stubExecutor{fn: func(context.Context, *types.MessagesRequest, http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		return nil, nil, nil
	}}
	f := newFixture(t, exec)

	r := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCountTokens(t *testing.T) {
	exec := &stubExecutor{fn: func(context.Context, *types.MessagesRequest, http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		t.Fatal("count_tokens must never reach an upstream")
		return nil, nil, nil
	}}
	f := newFixture(t, exec)

	messages := []types.Message{
		{Role: types.RoleUser, Content: types.MessageContent{Text: textPtr("hello world, count me")}},
	}
	raw, err := json.Marshal(types.CountTokensRequest{Model: "claude-3-5-sonnet", Messages: messages})
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(string(raw)))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var got types.CountTokensResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, tokenizer.CountRequest(messages, nil, nil), got.InputTokens)
	assert.Positive(t, got.InputTokens)
}

func TestCountTokensValidation(t *testing.T) {
	exec := &stubExecutor{fn: func(context.Context, *types.MessagesRequest, http.Header) (*proxy.Response, *proxy.StreamSession, *errors.ProxyError) {
		return nil, nil, nil
	}}
	f := newFixture(t, exec)

	r := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusBadRequest, w.Code)
	envelope := decodeErrorEnvelope(t, w.Body)
	assert.Equal(t, "model is required", envelope.Error.Message)
}
