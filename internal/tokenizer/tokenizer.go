// Package tokenizer estimates token counts for Anthropic Messages API
// payloads. Estimates feed the count_tokens endpoint and the usage fields
// reported on translated streams, so they need to be close, not exact.
package tokenizer

import (
	"bytes"
	"sync"

	"github.com/goccy/go-json"
	"github.com/pkoukk/tiktoken-go"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

// imageTokens approximates the cost of one inline image block.
const imageTokens = 768

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// encoding returns the shared encoder. All models share one encoding:
// upstreams are heterogeneous and the counts are estimates either way.
func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.EncodingForModel("gpt-4")
		if err != nil {
			if e, err = tiktoken.GetEncoding("cl100k_base"); err != nil {
				return
			}
		}
		enc = e
	})
	return enc
}

// CountText returns the token count of a text fragment. If no encoding
// could be loaded it falls back to a len/4 estimate.
func CountText(text string) int {
	if text == "" {
		return 0
	}
	e := encoding()
	if e == nil {
		return len(text) / 4
	}
	return len(e.Encode(text, nil, nil))
}

// CountRequest estimates the input tokens of a messages request.
func CountRequest(messages []types.Message, system *types.SystemPrompt, tools []types.Tool) int {
	return countRequest(messages, system, tools, CountText)
}

// countRequest is parameterized on the counter so tests do not depend on
// tiktoken encoding data being available.
func countRequest(messages []types.Message, system *types.SystemPrompt, tools []types.Tool, count func(string) int) int {
	total := 0

	if system != nil {
		if system.Text != nil {
			total += count(*system.Text)
		} else {
			for _, b := range system.Blocks {
				if b.Type == types.BlockText {
					total += count(b.Text)
				}
			}
		}
	}

	for i := range messages {
		msg := &messages[i]
		total += 4
		total += count(msg.Role)
		if msg.Content.Text != nil {
			total += count(*msg.Content.Text)
			continue
		}
		for _, block := range msg.Content.Blocks {
			switch block.Type {
			case types.BlockText:
				total += count(block.Text)
			case types.BlockImage:
				total += imageTokens
			case types.BlockToolUse:
				total += count(block.Name)
				total += count(compactJSON(block.Input))
			case types.BlockToolResult:
				total += count(flattenToolResult(block.Content))
			}
		}
	}

	if len(tools) > 0 {
		total += 2
		for _, tool := range tools {
			total += count(tool.Name)
			total += count(tool.Description)
			total += count(compactJSON(tool.InputSchema))
		}
	}

	return total
}

// flattenToolResult reduces a tool_result content value to plain text for
// counting: strings pass through, list items contribute their text (or
// their JSON form for non-text items), anything else counts as JSON.
func flattenToolResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var items []json.RawMessage
	if err := json.Unmarshal(content, &items); err == nil {
		var b bytes.Buffer
		for _, item := range items {
			var block struct {
				Type string  `json:"type"`
				Text *string `json:"text"`
			}
			if err := json.Unmarshal(item, &block); err == nil && block.Type == types.BlockText && block.Text != nil {
				b.WriteString(*block.Text)
			} else {
				b.WriteString(compactJSON(item))
			}
		}
		return b.String()
	}

	return compactJSON(content)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
