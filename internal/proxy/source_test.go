package proxy

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/msgmux/internal/streaming"
	"github.com/blueberrycongee/msgmux/internal/translate"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drainSource(t *testing.T, src interface{ Next() ([]byte, error) }) ([][]byte, error) {
	t.Helper()
	var frames [][]byte
	for i := 0; i < 100; i++ {
		frame, err := src.Next()
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
	t.Fatal("source never terminated")
	return nil, nil
}

func TestAnthropicSourceCleanStream(t *testing.T) {
	src := newAnthropicSource(strings.NewReader(strings.Join(anthropicStreamFrames, "")))

	frames, err := drainSource(t, src)
	assert.Equal(t, io.EOF, err, "message_stop makes the close clean")
	require.Len(t, frames, len(anthropicStreamFrames))
	assert.Equal(t, types.EventMessageStart, eventName(frames[0]))
	assert.Equal(t, types.EventMessageStop, eventName(frames[len(frames)-1]))
}

func TestAnthropicSourcePrematureClose(t *testing.T) {
	src := newAnthropicSource(strings.NewReader(strings.Join(anthropicStreamFrames[:3], "")))

	frames, err := drainSource(t, src)
	assert.Equal(t, io.ErrUnexpectedEOF, err, "a close before message_stop is abrupt")
	assert.Len(t, frames, 3)
}

func TestAnthropicSourceErrorEventIsTerminal(t *testing.T) {
	frame := "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n"
	src := newAnthropicSource(strings.NewReader(frame))

	frames, err := drainSource(t, src)
	assert.Equal(t, io.EOF, err, "an error event ends the stream cleanly")
	require.Len(t, frames, 1)
	assert.True(t, streaming.IsErrorEvent(frames[0]))
}

func TestAnthropicSourceReadError(t *testing.T) {
	boom := errors.New("connection reset")
	src := newAnthropicSource(io.MultiReader(
		strings.NewReader(anthropicStreamFrames[0]),
		iotest.ErrReader(boom),
	))

	frames, err := drainSource(t, src)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, frames, 1)
}

func newTestOpenAISource(r io.Reader) *openaiSource {
	st := translate.New(discardLogger()).NewStream("claude-fast", "req_test", 5, func(s string) int { return len(s) })
	return newOpenAISource(streaming.NewChunkScanner(r, discardLogger()), st)
}

func TestOpenAISourceTranslates(t *testing.T) {
	body := strings.Join([]string{
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n",
		"data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n",
		"data: [DONE]\n\n",
	}, "")
	src := newTestOpenAISource(strings.NewReader(body))

	frames, err := drainSource(t, src)
	assert.Equal(t, io.EOF, err)

	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = eventName(f)
	}
	assert.Equal(t, []string{
		types.EventMessageStart,
		types.EventPing,
		types.EventContentBlockStart,
		types.EventContentBlockDelta,
		types.EventContentBlockDelta,
		types.EventContentBlockStop,
		types.EventMessageDelta,
		types.EventMessageStop,
	}, names)
	assert.Equal(t, len("Hel")+len("lo"), src.OutputTokens())
}

func TestOpenAISourceEmptyStream(t *testing.T) {
	src := newTestOpenAISource(strings.NewReader("data: [DONE]\n\n"))

	frames, err := drainSource(t, src)
	assert.Equal(t, io.EOF, err, "no chunks means no synthetic message envelope")
	assert.Empty(t, frames)
}

func TestOpenAISourceCleanEOFWithoutDone(t *testing.T) {
	// Upstreams that forget [DONE] still produced a valid stream; the
	// translator closes the message on plain EOF.
	body := "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"hi\"}}]}\n\n"
	src := newTestOpenAISource(strings.NewReader(body))

	frames, err := drainSource(t, src)
	assert.Equal(t, io.EOF, err)
	require.NotEmpty(t, frames)
	assert.Equal(t, types.EventMessageStop, eventName(frames[len(frames)-1]))
}

func TestOpenAISourceReadError(t *testing.T) {
	boom := errors.New("connection reset")
	body := "data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"hi\"}}]}\n\n"
	src := newTestOpenAISource(io.MultiReader(strings.NewReader(body), iotest.ErrReader(boom)))

	_, err := drainSource(t, src)
	assert.ErrorIs(t, err, boom)
}

func TestPeekedSourceReplaysFirstFrame(t *testing.T) {
	src := newAnthropicSource(strings.NewReader(strings.Join(anthropicStreamFrames, "")))
	first, err := src.Next()
	require.NoError(t, err)

	peeked := &peekedSource{first: first, src: src}
	frames, err := drainSource(t, peeked)
	assert.Equal(t, io.EOF, err)
	require.Len(t, frames, len(anthropicStreamFrames))
	assert.Equal(t, anthropicStreamFrames[0], string(frames[0]))
}

func TestEventName(t *testing.T) {
	cases := []struct {
		frame string
		want  string
	}{
		{"event: message_stop\ndata: {}\n\n", "message_stop"},
		{"event:ping\n\n", "ping"},
		{"data: {\"type\":\"x\"}\n\n", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, eventName([]byte(tc.frame)), "frame %q", tc.frame)
	}
}
