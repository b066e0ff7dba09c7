// Package testutil provides the end-to-end test harness: mock upstream
// servers speaking either provider protocol, a fully wired proxy
// instance, and a client for the Anthropic surface.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/pkg/errors"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

// RecordedRequest stores one request received by a mock upstream.
type RecordedRequest struct {
	Method  string
	Path    string
	Body    []byte
	Headers http.Header
	Time    time.Time
}

// Script describes the next response a mock upstream produces. The zero
// value is a plain success with the default text.
type Script struct {
	Content     string        // assistant text
	Status      int           // non-zero: reply with an error body at this status
	ErrType     string        // error envelope type, derived from Status when empty
	ErrMessage  string        // error envelope message
	StreamError bool          // streaming only: emit an error frame before any content
	Delay       time.Duration // sleep before responding
}

// MockUpstream simulates one upstream provider. Anthropic-kind servers
// answer POST /v1/messages in the Messages protocol; OpenAI-kind servers
// answer POST /chat/completions in the chat-completions protocol.
type MockUpstream struct {
	kind   string
	server *httptest.Server

	mu          sync.Mutex
	requests    []RecordedRequest
	queue       []Script
	streamDelay time.Duration
}

// NewAnthropicUpstream starts a mock Anthropic-protocol server.
func NewAnthropicUpstream() *MockUpstream {
	m := &MockUpstream{kind: config.KindAnthropic}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", m.handleMessages)
	m.server = httptest.NewServer(mux)
	return m
}

// NewOpenAIUpstream starts a mock chat-completions server.
func NewOpenAIUpstream() *MockUpstream {
	m := &MockUpstream{kind: config.KindOpenAI}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", m.handleChatCompletions)
	mux.HandleFunc("POST /v1/chat/completions", m.handleChatCompletions)
	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server's base URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts the mock server down.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Requests returns a copy of all recorded requests.
func (m *MockUpstream) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns how many requests have reached the upstream.
func (m *MockUpstream) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Reset clears recorded requests and scripted responses.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = m.requests[:0]
	m.queue = m.queue[:0]
	m.streamDelay = 0
}

// ScriptText queues a success response with the given assistant text.
func (m *MockUpstream) ScriptText(content string) {
	m.Queue(Script{Content: content})
}

// ScriptError queues an error response.
func (m *MockUpstream) ScriptError(status int, message string) {
	m.Queue(Script{Status: status, ErrMessage: message})
}

// ScriptStreamError queues a stream whose first frame is an error event.
func (m *MockUpstream) ScriptStreamError(message string) {
	m.Queue(Script{StreamError: true, ErrMessage: message})
}

// Queue appends a scripted response.
func (m *MockUpstream) Queue(s Script) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, s)
}

// SetStreamDelay inserts a pause between streamed frames so tests can
// overlap a second request with a stream in flight.
func (m *MockUpstream) SetStreamDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamDelay = d
}

func (m *MockUpstream) record(r *http.Request, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
		Headers: r.Header.Clone(),
		Time:    time.Now(),
	})
}

func (m *MockUpstream) next() Script {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Script{Content: "Hello! This is a canned upstream reply."}
	}
	s := m.queue[0]
	m.queue = m.queue[1:]
	if s.Content == "" && s.Status == 0 && !s.StreamError {
		s.Content = "Hello! This is a canned upstream reply."
	}
	return s
}

func (m *MockUpstream) delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamDelay
}

func (m *MockUpstream) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.record(r, body)

	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Stream    bool   `json:"stream"`
	}
	_ = json.Unmarshal(body, &req)

	s := m.next()
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	if s.Status != 0 {
		errType := s.ErrType
		if errType == "" {
			errType = errors.TypeForStatus(s.Status)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.Status)
		json.NewEncoder(w).Encode(types.NewErrorResponse(errType, s.ErrMessage))
		return
	}

	if req.Stream {
		m.streamAnthropic(w, req.Model, s)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m.anthropicMessage(req.Model, s.Content))
}

func (m *MockUpstream) anthropicMessage(model, content string) types.MessagesResponse {
	stop := types.StopEndTurn
	return types.MessagesResponse{
		ID:         "msg_mock_" + randomID(),
		Type:       "message",
		Role:       types.RoleAssistant,
		Model:      model,
		Content:    []types.ContentBlock{{Type: types.BlockText, Text: content}},
		StopReason: &stop,
		Usage:      types.Usage{InputTokens: 12, OutputTokens: tokenEstimate(content)},
	}
}

// streamAnthropic emits the native event sequence for a text reply:
// message_start, ping, then one text block delivered in small deltas.
func (m *MockUpstream) streamAnthropic(w http.ResponseWriter, model string, s Script) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	emit := func(event string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		fl.Flush()
		if d := m.delay(); d > 0 {
			time.Sleep(d)
		}
	}

	if s.StreamError {
		emit(types.EventError, types.ErrorEvent{
			Type:  "error",
			Error: types.ErrorDetail{Type: errors.TypeOverloaded, Message: s.ErrMessage},
		})
		return
	}

	empty := ""
	stop := types.StopEndTurn
	emit(types.EventMessageStart, types.MessageStartEvent{
		Type: types.EventMessageStart,
		Message: types.MessagesResponse{
			ID:      "msg_mock_" + randomID(),
			Type:    "message",
			Role:    types.RoleAssistant,
			Model:   model,
			Content: []types.ContentBlock{},
			Usage:   types.Usage{InputTokens: 12},
		},
	})
	emit(types.EventPing, types.PingEvent{Type: types.EventPing})
	emit(types.EventContentBlockStart, types.ContentBlockStartEvent{
		Type:         types.EventContentBlockStart,
		Index:        0,
		ContentBlock: types.StreamContentBlock{Type: types.BlockText, Text: &empty},
	})
	for _, chunk := range splitChunks(s.Content, 5) {
		emit(types.EventContentBlockDelta, types.ContentBlockDeltaEvent{
			Type:  types.EventContentBlockDelta,
			Index: 0,
			Delta: types.BlockDelta{Type: types.DeltaText, Text: chunk},
		})
	}
	emit(types.EventContentBlockStop, types.ContentBlockStopEvent{
		Type:  types.EventContentBlockStop,
		Index: 0,
	})
	emit(types.EventMessageDelta, types.MessageDeltaEvent{
		Type:  types.EventMessageDelta,
		Delta: types.MessageDeltaBody{StopReason: &stop},
		Usage: types.MessageDeltaUsage{OutputTokens: tokenEstimate(s.Content)},
	})
	emit(types.EventMessageStop, types.MessageStopEvent{Type: types.EventMessageStop})
}

func (m *MockUpstream) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.record(r, body)

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	_ = json.Unmarshal(body, &req)

	s := m.next()
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}

	if s.Status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(s.Status)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": s.ErrMessage,
				"type":    "api_error",
				"code":    fmt.Sprintf("error_%d", s.Status),
			},
		})
		return
	}

	if req.Stream {
		m.streamChat(w, req.Model, s)
		return
	}

	content := s.Content
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.ChatResponse{
		ID:      "chatcmpl-mock-" + randomID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []types.ChatChoice{{
			Message:      types.ChatChoiceMessage{Role: types.RoleAssistant, Content: &content},
			FinishReason: "stop",
		}},
		Usage: types.ChatUsage{
			PromptTokens:     12,
			CompletionTokens: tokenEstimate(content),
			TotalTokens:      12 + tokenEstimate(content),
		},
	})
}

// streamChat emits chat-completion chunks ending with a finish_reason and
// the [DONE] marker.
func (m *MockUpstream) streamChat(w http.ResponseWriter, model string, s Script) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := "chatcmpl-mock-" + randomID()
	created := time.Now().Unix()
	emit := func(chunk types.ChatStreamChunk) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		fl.Flush()
		if d := m.delay(); d > 0 {
			time.Sleep(d)
		}
	}

	chunks := splitChunks(s.Content, 5)
	for i, text := range chunks {
		delta := types.StreamDelta{Content: text}
		if i == 0 {
			delta.Role = types.RoleAssistant
		}
		emit(types.ChatStreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []types.StreamChoice{{Delta: delta}},
		})
	}
	finish := "stop"
	emit(types.ChatStreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []types.StreamChoice{{FinishReason: &finish}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	fl.Flush()
}

func randomID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func tokenEstimate(s string) int {
	n := len(s) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func splitChunks(s string, size int) []string {
	var out []string
	for i := 0; i < len(s); i += size {
		end := i + size
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}
