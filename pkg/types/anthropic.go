// Package types defines the wire formats the proxy speaks: the Anthropic
// Messages API on the client side and the OpenAI Chat Completions API on
// the upstream side.
package types //nolint:revive // package name is intentional

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Message roles accepted on the Messages API.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block type tags.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons reported to clients.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// MessagesRequest is an Anthropic Messages API request.
//
// Provider is a non-standard extension: when set, the request is pinned to
// that single upstream. It is stripped before fingerprinting and dispatch.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        *SystemPrompt   `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`

	Provider string `json:"provider,omitempty"`
}

// Validate checks the request shape before it is admitted. Validation
// failures are client errors and never count against any provider.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, msg := range r.Messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return fmt.Errorf("messages[%d]: invalid role %q", i, msg.Role)
		}
		for j, block := range msg.Content.Blocks {
			if err := block.validate(); err != nil {
				return fmt.Errorf("messages[%d].content[%d]: %w", i, j, err)
			}
		}
	}
	if r.ToolChoice != nil {
		switch r.ToolChoice.Type {
		case "auto", "any", "none":
		case "tool":
			if r.ToolChoice.Name == "" {
				return fmt.Errorf("tool_choice of type tool requires a name")
			}
		default:
			return fmt.Errorf("invalid tool_choice type %q", r.ToolChoice.Type)
		}
	}
	return nil
}

// Message is a single conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or a list of content blocks.
type MessageContent struct {
	Text   *string
	Blocks []ContentBlock
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	c.Text = nil
	c.Blocks = nil

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return fmt.Errorf("content cannot be null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = &s
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Blocks = blocks
		return nil
	}

	return fmt.Errorf("content must be a string or an array of content blocks")
}

// MarshalJSON implements custom JSON marshaling.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Text != nil {
		return json.Marshal(*c.Text)
	}
	return json.Marshal(c.Blocks)
}

// AsBlocks returns the content as a block list, lifting plain strings into
// a single text block.
func (c MessageContent) AsBlocks() []ContentBlock {
	if c.Text != nil {
		return []ContentBlock{{Type: BlockText, Text: *c.Text}}
	}
	return c.Blocks
}

// ContentBlock is the tagged union of Messages API content blocks.
// The populated fields depend on Type.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (b ContentBlock) validate() error {
	switch b.Type {
	case BlockText, BlockImage, BlockToolUse, BlockToolResult:
		return nil
	default:
		return fmt.Errorf("unknown content block type %q", b.Type)
	}
}

// ImageSource describes an inline image.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// SystemPrompt is either a plain string or a list of text blocks.
type SystemPrompt struct {
	Text   *string
	Blocks []SystemBlock
}

// SystemBlock is one text block of a structured system prompt.
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON implements custom JSON unmarshaling.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	s.Text = nil
	s.Blocks = nil

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Text = &str
		return nil
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		s.Blocks = blocks
		return nil
	}

	return fmt.Errorf("system must be a string or an array of text blocks")
}

// MarshalJSON implements custom JSON marshaling.
func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Text != nil {
		return json.Marshal(*s.Text)
	}
	return json.Marshal(s.Blocks)
}

// Join flattens the prompt to a single string; text blocks are joined with
// newlines.
func (s *SystemPrompt) Join() string {
	if s == nil {
		return ""
	}
	if s.Text != nil {
		return *s.Text
	}
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Type == BlockText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Tool is an Anthropic tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice constrains how the model may use tools.
type ToolChoice struct {
	Type string `json:"type"` // "auto", "any", "none", "tool"
	Name string `json:"name,omitempty"`
}

// MessagesResponse is an Anthropic Messages API response.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensRequest is the body of /v1/messages/count_tokens.
type CountTokensRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	System   *SystemPrompt `json:"system,omitempty"`
	Tools    []Tool        `json:"tools,omitempty"`
}

// CountTokensResponse is the body returned by /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// ErrorResponse is the Anthropic error envelope returned on every 4xx/5xx.
type ErrorResponse struct {
	Type  string      `json:"type"` // always "error"
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse builds the standard envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}
