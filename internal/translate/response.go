package translate

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

// FromOpenAIResponse converts a Chat Completions response back into the
// Messages API shape. originalModel is the model the client asked for,
// which is what the response reports regardless of route mapping;
// requestID seeds a message ID when the upstream omits one.
func (t *Translator) FromOpenAIResponse(resp *types.ChatResponse, originalModel, requestID string) *types.MessagesResponse {
	var content []types.ContentBlock
	var stopReason *string

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		reason := mapStopReason(choice.FinishReason)
		stopReason = &reason

		if choice.Message.Content != nil && *choice.Message.Content != "" {
			content = append(content, types.ContentBlock{Type: types.BlockText, Text: *choice.Message.Content})
		}

		for _, call := range choice.Message.ToolCalls {
			if call.Type != "function" {
				continue
			}
			content = append(content, types.ContentBlock{
				Type:  types.BlockToolUse,
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: t.parseToolArguments(call.Function.Arguments, call.Function.Name),
			})
		}
	}

	if len(content) == 0 {
		content = []types.ContentBlock{{Type: types.BlockText, Text: ""}}
	}

	id := "msg_" + resp.ID
	if resp.ID == "" {
		id = fmt.Sprintf("msg_%s_completed", requestID)
	}

	return &types.MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       types.RoleAssistant,
		Model:      originalModel,
		Content:    content,
		StopReason: stopReason,
		Usage: types.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

// parseToolArguments recovers a JSON object from the upstream arguments
// string. Non-object values are wrapped under "value"; unparseable ones
// are preserved under "error_parsing_arguments" so the client sees what
// arrived.
func (t *Translator) parseToolArguments(raw, toolName string) json.RawMessage {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		t.logger.Error("failed to parse tool call arguments, storing raw string",
			"tool", toolName, "error", err)
		wrapped, _ := json.Marshal(map[string]string{"error_parsing_arguments": raw})
		return wrapped
	}
	if _, ok := parsed.(map[string]any); ok {
		return json.RawMessage(strings.TrimSpace(raw))
	}
	t.logger.Warn("tool call arguments are not an object, wrapping", "tool", toolName)
	wrapped, _ := json.Marshal(map[string]any{"value": parsed})
	return wrapped
}
