package testutil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

// TestClient issues requests against a running TestServer using the
// public Anthropic surface plus the admin endpoints.
type TestClient struct {
	baseURL string
	http    *http.Client
}

// NewTestClient builds a client for the given base URL.
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewMessagesRequest builds a minimal valid request with one user turn.
func NewMessagesRequest(model string, stream bool, text string) *types.MessagesRequest {
	return &types.MessagesRequest{
		Model:     model,
		MaxTokens: 256,
		Stream:    stream,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: types.MessageContent{Text: &text}},
		},
	}
}

// Messages sends a non-streaming request. On HTTP errors the raw
// response is returned with its body unread so the caller can decode the
// error envelope.
func (c *TestClient) Messages(req *types.MessagesRequest) (*types.MessagesResponse, *http.Response, error) {
	resp, err := c.post("/v1/messages", req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, resp, nil
	}
	defer resp.Body.Close()
	var msg types.MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, resp, fmt.Errorf("decode message: %w", err)
	}
	return &msg, resp, nil
}

// MessagesStream sends a streaming request and returns a reader over the
// SSE frames. The caller owns the reader and must Close it.
func (c *TestClient) MessagesStream(req *types.MessagesRequest) (*StreamReader, *http.Response, error) {
	req.Stream = true
	resp, err := c.post("/v1/messages", req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, resp, nil
	}
	return NewStreamReader(resp.Body), resp, nil
}

// CountTokens calls the token counting endpoint.
func (c *TestClient) CountTokens(req *types.CountTokensRequest) (*types.CountTokensResponse, *http.Response, error) {
	resp, err := c.post("/v1/messages/count_tokens", req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, resp, nil
	}
	defer resp.Body.Close()
	var count types.CountTokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&count); err != nil {
		return nil, resp, fmt.Errorf("decode count: %w", err)
	}
	return &count, resp, nil
}

// ProviderStatus is one row of the admin provider listing.
type ProviderStatus struct {
	Name              string    `json:"name"`
	Kind              string    `json:"kind"`
	Enabled           bool      `json:"enabled"`
	Healthy           bool      `json:"healthy"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastErrorTime     time.Time `json:"last_error_time"`
	LastSuccessTime   time.Time `json:"last_success_time"`
}

// Providers fetches the admin provider listing.
func (c *TestClient) Providers() ([]ProviderStatus, error) {
	resp, err := c.http.Get(c.baseURL + "/providers")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("providers returned %d", resp.StatusCode)
	}
	var body struct {
		Data []ProviderStatus `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode providers: %w", err)
	}
	return body.Data, nil
}

// Provider returns the status row for one provider by name.
func (c *TestClient) Provider(name string) (*ProviderStatus, error) {
	provs, err := c.Providers()
	if err != nil {
		return nil, err
	}
	for i := range provs {
		if provs[i].Name == name {
			return &provs[i], nil
		}
	}
	return nil, fmt.Errorf("provider %q not listed", name)
}

// Reload triggers a manual configuration reload.
func (c *TestClient) Reload() (*http.Response, error) {
	resp, err := c.http.Post(c.baseURL+"/providers/reload", "application/json", nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	return resp, nil
}

// MetricsText fetches the Prometheus exposition text.
func (c *TestClient) MetricsText() (string, error) {
	resp, err := c.http.Get(c.baseURL + "/metrics")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return string(data), err
}

// DecodeError reads and closes an error response body.
func DecodeError(resp *http.Response) (*types.ErrorResponse, error) {
	defer resp.Body.Close()
	var envelope types.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode error envelope: %w", err)
	}
	return &envelope, nil
}

func (c *TestClient) post(path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "sk-client-key")
	return c.http.Do(req)
}

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// Decode unmarshals the event payload into v.
func (e SSEEvent) Decode(v any) error {
	return json.Unmarshal([]byte(e.Data), v)
}

// StreamReader parses server-sent events off a response body.
type StreamReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewStreamReader wraps a response body.
func NewStreamReader(body io.ReadCloser) *StreamReader {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &StreamReader{body: body, scanner: sc}
}

// Next returns the next event, or io.EOF when the stream ends.
func (r *StreamReader) Next() (*SSEEvent, error) {
	var ev SSEEvent
	seen := false
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if seen {
				return &ev, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			ev.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			seen = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if seen {
		return &ev, nil
	}
	return nil, io.EOF
}

// All drains the stream and returns every event in order.
func (r *StreamReader) All() ([]SSEEvent, error) {
	defer r.Close()
	var out []SSEEvent
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, *ev)
	}
}

// Close releases the underlying body.
func (r *StreamReader) Close() error {
	return r.body.Close()
}
