// Package translate converts between the Anthropic Messages API and the
// OpenAI Chat Completions API: requests out, responses back, and live
// streams chunk by chunk.
package translate

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

// Translator performs the conversions. Lossy spots degrade with a log
// line instead of failing the request.
type Translator struct {
	logger *slog.Logger
}

// New returns a Translator logging through the given logger.
func New(logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{logger: logger}
}

// stopReasons maps OpenAI finish reasons onto Anthropic stop reasons.
var stopReasons = map[string]string{
	types.FinishStop:          types.StopEndTurn,
	types.FinishLength:        types.StopMaxTokens,
	types.FinishToolCalls:     types.StopToolUse,
	types.FinishFunctionCall:  types.StopToolUse,
	types.FinishContentFilter: types.StopStopSequence,
}

func mapStopReason(finish string) string {
	if mapped, ok := stopReasons[finish]; ok {
		return mapped
	}
	return types.StopEndTurn
}

// serializeToolResult flattens tool_result content into the plain string
// an OpenAI tool message carries. Strings pass through; list items
// contribute their text, non-text items their JSON form, joined with
// newlines; any other value passes through as JSON.
func serializeToolResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var items []json.RawMessage
	if err := json.Unmarshal(content, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, item := range items {
			var block struct {
				Type string  `json:"type"`
				Text *string `json:"text"`
			}
			if err := json.Unmarshal(item, &block); err == nil && block.Type == types.BlockText && block.Text != nil {
				parts = append(parts, *block.Text)
			} else {
				parts = append(parts, compactJSON(item))
			}
		}
		return strings.Join(parts, "\n")
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
