package translate

import (
	"io"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

func newTranslator() *Translator {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func userText(text string) types.Message {
	return types.Message{Role: types.RoleUser, Content: types.MessageContent{Text: &text}}
}

func TestToOpenAIRequestBasics(t *testing.T) {
	temp := 0.7
	topP := 0.9
	sys := "be terse"
	req := &types.MessagesRequest{
		Model:         "claude-sonnet-4",
		System:        &types.SystemPrompt{Text: &sys},
		Messages:      []types.Message{userText("hello")},
		MaxTokens:     256,
		Temperature:   &temp,
		TopP:          &topP,
		StopSequences: []string{"END"},
		Stream:        true,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	assert.Equal(t, "gpt-4o", out.Model)
	assert.Equal(t, 256, out.MaxTokens)
	assert.Equal(t, &temp, out.Temperature)
	assert.Equal(t, &topP, out.TopP)
	assert.Equal(t, []string{"END"}, out.Stop)
	assert.True(t, out.Stream)

	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "be terse", out.Messages[0].Content)
	assert.Equal(t, "user", out.Messages[1].Role)
	assert.Equal(t, "hello", out.Messages[1].Content)
}

func TestToOpenAIRequestSystemBlocks(t *testing.T) {
	req := &types.MessagesRequest{
		Model: "claude-sonnet-4",
		System: &types.SystemPrompt{Blocks: []types.SystemBlock{
			{Type: "text", Text: "first"},
			{Type: "cache_control", Text: "skipped"},
			{Type: "text", Text: "second"},
		}},
		Messages:  []types.Message{userText("hi")},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	require.Len(t, out.Messages, 2)
	assert.Equal(t, "first\nsecond", out.Messages[0].Content)
}

func TestToOpenAIRequestEmptySystemOmitted(t *testing.T) {
	empty := ""
	req := &types.MessagesRequest{
		Model:     "claude-sonnet-4",
		System:    &types.SystemPrompt{Text: &empty},
		Messages:  []types.Message{userText("hi")},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
}

func TestToOpenAIRequestMultimodal(t *testing.T) {
	req := &types.MessagesRequest{
		Model: "claude-sonnet-4",
		Messages: []types.Message{{
			Role: types.RoleUser,
			Content: types.MessageContent{Blocks: []types.ContentBlock{
				{Type: types.BlockText, Text: "what is this"},
				{Type: types.BlockImage, Source: &types.ImageSource{Type: "base64", MediaType: "image/png", Data: "iVBOR"}},
			}},
		}},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	require.Len(t, out.Messages, 1)
	parts, ok := out.Messages[0].Content.([]types.ChatContentPart)
	require.True(t, ok, "multimodal content must be a part list")
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "what is this", parts[0].Text)
	assert.Equal(t, "image_url", parts[1].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,iVBOR", parts[1].ImageURL.URL)
}

func TestToOpenAIRequestSingleTextBlockCollapses(t *testing.T) {
	req := &types.MessagesRequest{
		Model: "claude-sonnet-4",
		Messages: []types.Message{{
			Role: types.RoleUser,
			Content: types.MessageContent{Blocks: []types.ContentBlock{
				{Type: types.BlockText, Text: "plain"},
			}},
		}},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "plain", out.Messages[0].Content)
}

func TestToOpenAIRequestNonBase64ImageDropped(t *testing.T) {
	req := &types.MessagesRequest{
		Model: "claude-sonnet-4",
		Messages: []types.Message{{
			Role: types.RoleUser,
			Content: types.MessageContent{Blocks: []types.ContentBlock{
				{Type: types.BlockText, Text: "see url"},
				{Type: types.BlockImage, Source: &types.ImageSource{Type: "url", Data: "https://example.com/x.png"}},
			}},
		}},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "see url", out.Messages[0].Content, "dropped image must leave a single text part")
}

func TestToOpenAIRequestToolResults(t *testing.T) {
	req := &types.MessagesRequest{
		Model: "claude-sonnet-4",
		Messages: []types.Message{{
			Role: types.RoleUser,
			Content: types.MessageContent{Blocks: []types.ContentBlock{
				{Type: types.BlockText, Text: "continue"},
				{Type: types.BlockToolResult, ToolUseID: "tu_1", Content: json.RawMessage(`"sunny, 21C"`)},
				{Type: types.BlockToolResult, ToolUseID: "tu_2", Content: json.RawMessage(`[{"type":"text","text":"a"},{"kind":"blob"}]`)},
			}},
		}},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	// Tool messages come first, then the remaining user text.
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "tool", out.Messages[0].Role)
	assert.Equal(t, "tu_1", out.Messages[0].ToolCallID)
	assert.Equal(t, "sunny, 21C", out.Messages[0].Content)
	assert.Equal(t, "tool", out.Messages[1].Role)
	assert.Equal(t, "a\n{\"kind\":\"blob\"}", out.Messages[1].Content)
	assert.Equal(t, "user", out.Messages[2].Role)
	assert.Equal(t, "continue", out.Messages[2].Content)
}

func TestToOpenAIRequestAssistantToolUse(t *testing.T) {
	req := &types.MessagesRequest{
		Model: "claude-sonnet-4",
		Messages: []types.Message{{
			Role: types.RoleAssistant,
			Content: types.MessageContent{Blocks: []types.ContentBlock{
				{Type: types.BlockText, Text: "checking"},
				{Type: types.BlockText, Text: ""},
				{Type: types.BlockText, Text: "the weather"},
				{Type: types.BlockToolUse, ID: "tu_1", Name: "get_weather", Input: json.RawMessage(`{"city": "SF"}`)},
				{Type: types.BlockToolUse, ID: "tu_2", Name: "noop"},
			}},
		}},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	require.Len(t, out.Messages, 2)
	assert.Equal(t, "assistant", out.Messages[0].Role)
	assert.Equal(t, "checking\nthe weather", out.Messages[0].Content)

	calls := out.Messages[1]
	assert.Equal(t, "assistant", calls.Role)
	assert.Nil(t, calls.Content, "tool call message must carry null content")
	require.Len(t, calls.ToolCalls, 2)
	assert.Equal(t, "tu_1", calls.ToolCalls[0].ID)
	assert.Equal(t, "function", calls.ToolCalls[0].Type)
	assert.Equal(t, "get_weather", calls.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"SF"}`, calls.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "{}", calls.ToolCalls[1].Function.Arguments)
}

func TestToOpenAIRequestEmptyBlockList(t *testing.T) {
	req := &types.MessagesRequest{
		Model:     "claude-sonnet-4",
		Messages:  []types.Message{{Role: types.RoleAssistant, Content: types.MessageContent{Blocks: []types.ContentBlock{}}}},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "assistant", out.Messages[0].Role)
	assert.Equal(t, "", out.Messages[0].Content)
}

func TestToOpenAIRequestTools(t *testing.T) {
	req := &types.MessagesRequest{
		Model:    "claude-sonnet-4",
		Messages: []types.Message{userText("hi")},
		Tools: []types.Tool{{
			Name:        "get_weather",
			Description: "Look up the weather",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		MaxTokens: 10,
	}

	out := newTranslator().ToOpenAIRequest(req, "gpt-4o")

	require.Len(t, out.Tools, 1)
	assert.Equal(t, "function", out.Tools[0].Type)
	assert.Equal(t, "get_weather", out.Tools[0].Function.Name)
	assert.Equal(t, "Look up the weather", out.Tools[0].Function.Description)
	assert.JSONEq(t, `{"type":"object"}`, string(out.Tools[0].Function.Parameters))
}

func TestToOpenAIRequestToolChoice(t *testing.T) {
	tests := []struct {
		name   string
		choice *types.ToolChoice
		want   any
	}{
		{"auto", &types.ToolChoice{Type: "auto"}, "auto"},
		{"any degrades to auto", &types.ToolChoice{Type: "any"}, "auto"},
		{"none", &types.ToolChoice{Type: "none"}, "none"},
		{"unknown degrades to auto", &types.ToolChoice{Type: "required"}, "auto"},
		{
			"tool forces function",
			&types.ToolChoice{Type: "tool", Name: "get_weather"},
			types.ChatToolChoiceFunction{Type: "function", Function: types.ChatFunctionByName{Name: "get_weather"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &types.MessagesRequest{
				Model:      "claude-sonnet-4",
				Messages:   []types.Message{userText("hi")},
				ToolChoice: tt.choice,
				MaxTokens:  10,
			}
			out := newTranslator().ToOpenAIRequest(req, "gpt-4o")
			assert.Equal(t, tt.want, out.ToolChoice)
		})
	}
}

func TestSerializeToolResult(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"string", `"done"`, "done"},
		{"text items joined", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "a\nb"},
		{"non-text item as json", `[{"type":"text","text":"a"},{"code":42}]`, "a\n{\"code\":42}"},
		{"object", `{"ok": true}`, `{"ok":true}`},
		{"number", `17`, "17"},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serializeToolResult(json.RawMessage(tt.content)))
		})
	}
}
