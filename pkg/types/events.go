package types //nolint:revive // package name is intentional

import "github.com/goccy/go-json"

// Anthropic SSE event names. Translated streams emit these in the fixed
// order message_start, ping, content_block_start/delta/stop (per block),
// message_delta, message_stop.
const (
	EventMessageStart      = "message_start"
	EventPing              = "ping"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// Delta type tags inside content_block_delta events.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
)

// MessageStartEvent opens a translated stream.
type MessageStartEvent struct {
	Type    string           `json:"type"`
	Message MessagesResponse `json:"message"`
}

// PingEvent is a keep-alive frame.
type PingEvent struct {
	Type string `json:"type"`
}

// ContentBlockStartEvent announces a new content block at Index.
type ContentBlockStartEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock StreamContentBlock `json:"content_block"`
}

// StreamContentBlock is the content_block payload of a
// content_block_start frame. Text is a pointer so text blocks open with
// an explicit empty string while tool blocks omit the key entirely.
type StreamContentBlock struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// BlockDelta is the delta payload of a content_block_delta event.
type BlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockDeltaEvent carries incremental block content.
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// ContentBlockStopEvent closes the block at Index.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaBody carries the final stop reason.
type MessageDeltaBody struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageDeltaUsage reports output tokens observed so far.
type MessageDeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// MessageDeltaEvent precedes message_stop and finalizes stop reason and usage.
type MessageDeltaEvent struct {
	Type  string            `json:"type"`
	Delta MessageDeltaBody  `json:"delta"`
	Usage MessageDeltaUsage `json:"usage"`
}

// MessageStopEvent terminates a stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}

// ErrorEvent is the in-band error frame of an SSE stream.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}
