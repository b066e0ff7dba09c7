package translate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

// ToOpenAIRequest converts a Messages API request into the Chat
// Completions form sent to OpenAI-compatible upstreams. targetModel is
// the upstream model name after route mapping; top_k has no OpenAI
// equivalent and is dropped.
func (t *Translator) ToOpenAIRequest(req *types.MessagesRequest, targetModel string) *types.ChatRequest {
	out := &types.ChatRequest{
		Model:       targetModel,
		Messages:    t.toOpenAIMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = toOpenAITools(req.Tools)
	}
	if req.ToolChoice != nil {
		out.ToolChoice = t.toOpenAIToolChoice(req.ToolChoice)
	}
	return out
}

func (t *Translator) toOpenAIMessages(req *types.MessagesRequest) []types.ChatMessage {
	out := make([]types.ChatMessage, 0, len(req.Messages)+1)

	if req.System != nil {
		if req.System.Blocks != nil {
			for _, b := range req.System.Blocks {
				if b.Type != types.BlockText {
					t.logger.Warn("dropping non-text system block", "type", b.Type)
				}
			}
		}
		if sys := req.System.Join(); sys != "" {
			out = append(out, types.ChatMessage{Role: "system", Content: sys})
		}
	}

	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Content.Text != nil {
			out = append(out, types.ChatMessage{Role: msg.Role, Content: *msg.Content.Text})
			continue
		}
		if len(msg.Content.Blocks) == 0 {
			out = append(out, types.ChatMessage{Role: msg.Role, Content: ""})
			continue
		}
		switch msg.Role {
		case types.RoleUser:
			out = t.appendUserMessage(out, msg.Content.Blocks)
		case types.RoleAssistant:
			out = t.appendAssistantMessage(out, msg.Content.Blocks)
		}
	}

	return out
}

// appendUserMessage splits user blocks into tool messages plus at most
// one user message. tool_result blocks become standalone tool messages
// ahead of the user text so they sit next to the assistant tool calls
// they answer.
func (t *Translator) appendUserMessage(out []types.ChatMessage, blocks []types.ContentBlock) []types.ChatMessage {
	var parts []types.ChatContentPart
	hasImage := false

	for _, block := range blocks {
		switch block.Type {
		case types.BlockText:
			parts = append(parts, types.ChatContentPart{Type: "text", Text: block.Text})
		case types.BlockImage:
			if block.Source != nil && block.Source.Type == "base64" {
				hasImage = true
				parts = append(parts, types.ChatContentPart{
					Type: "image_url",
					ImageURL: &types.ChatImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, block.Source.Data),
					},
				})
			} else {
				t.logger.Warn("dropping image block with unsupported source type")
			}
		case types.BlockToolResult:
			out = append(out, types.ChatMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    serializeToolResult(block.Content),
			})
		}
	}

	switch {
	case len(parts) == 0:
	case hasImage || len(parts) > 1:
		out = append(out, types.ChatMessage{Role: types.RoleUser, Content: parts})
	default:
		out = append(out, types.ChatMessage{Role: types.RoleUser, Content: parts[0].Text})
	}
	return out
}

// appendAssistantMessage emits the joined text blocks as one assistant
// message and any tool_use blocks as a second assistant message with
// null content.
func (t *Translator) appendAssistantMessage(out []types.ChatMessage, blocks []types.ContentBlock) []types.ChatMessage {
	var texts []string
	var calls []types.ToolCall

	for _, block := range blocks {
		switch block.Type {
		case types.BlockText:
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		case types.BlockToolUse:
			calls = append(calls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.FunctionCall{
					Name:      block.Name,
					Arguments: t.toolArguments(block.Input),
				},
			})
		}
	}

	if text := strings.Join(texts, "\n"); text != "" {
		out = append(out, types.ChatMessage{Role: types.RoleAssistant, Content: text})
	}
	if len(calls) > 0 {
		out = append(out, types.ChatMessage{Role: types.RoleAssistant, Content: nil, ToolCalls: calls})
	}
	return out
}

// toolArguments renders a tool_use input as the JSON string OpenAI
// expects. Unusable input degrades to empty arguments.
func (t *Translator) toolArguments(input json.RawMessage) string {
	if len(input) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, input); err != nil {
		t.logger.Error("failed to serialize tool input, sending empty arguments", "error", err)
		return "{}"
	}
	return buf.String()
}

func toOpenAITools(tools []types.Tool) []types.ChatTool {
	out := make([]types.ChatTool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, types.ChatTool{
			Type: "function",
			Function: types.ChatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return out
}

// toOpenAIToolChoice maps tool_choice. OpenAI has no equivalent of
// "any", which degrades to "auto".
func (t *Translator) toOpenAIToolChoice(choice *types.ToolChoice) any {
	switch choice.Type {
	case "auto":
		return "auto"
	case "any":
		t.logger.Warn("tool_choice type any is not supported upstream, using auto")
		return "auto"
	case "none":
		return "none"
	case "tool":
		return types.ChatToolChoiceFunction{
			Type:     "function",
			Function: types.ChatFunctionByName{Name: choice.Name},
		}
	default:
		t.logger.Warn("unknown tool_choice type, using auto", "type", choice.Type)
		return "auto"
	}
}
