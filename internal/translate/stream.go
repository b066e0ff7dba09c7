package translate

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/msgmux/internal/streaming"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

// TokenCounter measures text fragments for streamed usage reporting.
type TokenCounter func(text string) int

// Stream converts one OpenAI chunk stream into Anthropic SSE frames.
// Content blocks are indexed in arrival order: the text block opens
// lazily on the first content delta, and each distinct upstream tool
// call claims the next free index.
//
// A tool block's content_block_start is deferred until both a real
// upstream ID and the function name have arrived. Argument fragments
// seen before that point are buffered for final validation but never
// re-emitted; only fragments arriving after the start flow through as
// input_json_delta.
type Stream struct {
	model       string
	requestID   string
	messageID   string
	inputTokens int
	count       TokenCounter
	logger      *slog.Logger

	nextBlock    int
	textBlock    int
	toolBlocks   map[int]*toolBlock
	outputTokens int
	stopReason   string
	done         bool
}

// toolBlock tracks one upstream tool call across chunks.
type toolBlock struct {
	index       int
	id          string
	name        string
	args        strings.Builder
	placeholder bool
	started     bool
}

// NewStream starts a stream translation session. estimatedInputTokens is
// reported in message_start; output tokens are counted fragment by
// fragment as they arrive.
func (t *Translator) NewStream(originalModel, requestID string, estimatedInputTokens int, count TokenCounter) *Stream {
	if count == nil {
		count = func(s string) int { return len(s) / 4 }
	}
	return &Stream{
		model:       originalModel,
		requestID:   requestID,
		messageID:   fmt.Sprintf("msg_stream_%s_%s", requestID, uuid.NewString()[:8]),
		inputTokens: estimatedInputTokens,
		count:       count,
		logger:      t.logger,
		textBlock:   -1,
		toolBlocks:  make(map[int]*toolBlock),
	}
}

// Start emits the opening frames: message_start followed by a ping.
func (s *Stream) Start() [][]byte {
	msg := types.MessagesResponse{
		ID:      s.messageID,
		Type:    "message",
		Role:    types.RoleAssistant,
		Model:   s.model,
		Content: []types.ContentBlock{},
		Usage:   types.Usage{InputTokens: s.inputTokens},
	}
	return [][]byte{
		streaming.Event(types.EventMessageStart, types.MessageStartEvent{
			Type:    types.EventMessageStart,
			Message: msg,
		}),
		streaming.Event(types.EventPing, types.PingEvent{Type: types.EventPing}),
	}
}

// Feed translates one upstream chunk into zero or more frames. Chunks
// with no choices are skipped, and nothing after the finish reason is
// read.
func (s *Stream) Feed(chunk *types.ChatStreamChunk) [][]byte {
	if s.done || len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]

	var frames [][]byte

	if choice.Delta.Content != "" {
		s.outputTokens += s.count(choice.Delta.Content)
		if s.textBlock < 0 {
			s.textBlock = s.nextBlock
			s.nextBlock++
			empty := ""
			frames = append(frames, streaming.Event(types.EventContentBlockStart, types.ContentBlockStartEvent{
				Type:         types.EventContentBlockStart,
				Index:        s.textBlock,
				ContentBlock: types.StreamContentBlock{Type: types.BlockText, Text: &empty},
			}))
		}
		frames = append(frames, streaming.Event(types.EventContentBlockDelta, types.ContentBlockDeltaEvent{
			Type:  types.EventContentBlockDelta,
			Index: s.textBlock,
			Delta: types.BlockDelta{Type: types.DeltaText, Text: choice.Delta.Content},
		}))
	}

	for _, tc := range choice.Delta.ToolCalls {
		frames = s.feedToolCall(frames, tc)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		s.stopReason = mapStopReason(*choice.FinishReason)
		s.done = true
	}

	return frames
}

func (s *Stream) feedToolCall(frames [][]byte, tc types.ToolCallDelta) [][]byte {
	state, ok := s.toolBlocks[tc.Index]
	if !ok {
		state = &toolBlock{index: s.nextBlock, id: tc.ID}
		s.nextBlock++
		if state.id == "" {
			state.id = fmt.Sprintf("tool_ph_%s_%d", s.requestID, state.index)
			state.placeholder = true
			s.logger.Warn("generated placeholder tool id", "block_index", state.index)
		}
		s.toolBlocks[tc.Index] = state
	}

	if tc.ID != "" && state.placeholder {
		state.id = tc.ID
		state.placeholder = false
	}

	var fragment string
	if tc.Function != nil {
		if tc.Function.Name != "" {
			state.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			fragment = tc.Function.Arguments
			state.args.WriteString(fragment)
			s.outputTokens += s.count(fragment)
		}
	}

	if !state.started && !state.placeholder && state.name != "" {
		frames = append(frames, streaming.Event(types.EventContentBlockStart, types.ContentBlockStartEvent{
			Type:  types.EventContentBlockStart,
			Index: state.index,
			ContentBlock: types.StreamContentBlock{
				Type:  types.BlockToolUse,
				ID:    state.id,
				Name:  state.name,
				Input: json.RawMessage("{}"),
			},
		}))
		state.started = true
	}

	if fragment != "" && state.started {
		frames = append(frames, streaming.Event(types.EventContentBlockDelta, types.ContentBlockDeltaEvent{
			Type:  types.EventContentBlockDelta,
			Index: state.index,
			Delta: types.BlockDelta{Type: types.DeltaInputJSON, PartialJSON: fragment},
		}))
	}

	return frames
}

// Finish closes open blocks and emits the trailing message_delta and
// message_stop. Call it only on a clean upstream end; an aborted stream
// gets an error frame instead so the client sees the truncation.
func (s *Stream) Finish() [][]byte {
	var frames [][]byte

	if s.textBlock >= 0 {
		frames = append(frames, blockStop(s.textBlock))
	}

	started := make([]*toolBlock, 0, len(s.toolBlocks))
	for _, state := range s.toolBlocks {
		if state.started {
			started = append(started, state)
		}
	}
	sort.Slice(started, func(i, j int) bool { return started[i].index < started[j].index })
	for _, state := range started {
		if args := state.args.String(); !json.Valid([]byte(args)) {
			s.logger.Warn("buffered tool arguments did not form valid JSON",
				"tool", state.name, "block_index", state.index)
		}
		frames = append(frames, blockStop(state.index))
	}

	if !s.done {
		s.logger.Warn("upstream stream ended without a finish reason")
	}
	stop := s.stopReason
	if stop == "" {
		stop = types.StopEndTurn
	}

	frames = append(frames, streaming.Event(types.EventMessageDelta, types.MessageDeltaEvent{
		Type:  types.EventMessageDelta,
		Delta: types.MessageDeltaBody{StopReason: &stop},
		Usage: types.MessageDeltaUsage{OutputTokens: s.outputTokens},
	}))
	frames = append(frames, streaming.Event(types.EventMessageStop, types.MessageStopEvent{Type: types.EventMessageStop}))

	return frames
}

// Done reports whether a finish reason has been seen.
func (s *Stream) Done() bool {
	return s.done
}

// OutputTokens returns the tokens counted so far.
func (s *Stream) OutputTokens() int {
	return s.outputTokens
}

func blockStop(index int) []byte {
	return streaming.Event(types.EventContentBlockStop, types.ContentBlockStopEvent{
		Type:  types.EventContentBlockStop,
		Index: index,
	})
}
