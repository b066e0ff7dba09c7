// Package streaming provides the SSE plumbing shared by the proxy:
// scanning upstream streams into frames or chunks, formatting Anthropic
// events, and flushing frames to clients.
package streaming

import (
	"bytes"
	"sync"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

const (
	// DataPrefix is the prefix of SSE data lines.
	DataPrefix = "data: "

	// DoneMarker terminates OpenAI-style streams.
	DoneMarker = "[DONE]"

	// DefaultBufferSize is the initial scanner buffer size.
	DefaultBufferSize = 4096

	// MaxLineSize bounds a single SSE line. Tool call arguments and long
	// text deltas can grow far beyond the initial buffer.
	MaxLineSize = 1 << 20
)

var (
	dataPrefix = []byte("data:")
	eventLine  = []byte("event:")
	doneMarker = []byte(DoneMarker)
)

// bufferPool provides reusable scanner buffers to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// Event formats one Anthropic SSE frame: an event line, a data line with
// the JSON payload, and a terminating blank line.
func Event(name string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	frame := make([]byte, 0, len(eventLine)+len(name)+len(DataPrefix)+len(data)+4)
	frame = append(frame, "event: "...)
	frame = append(frame, name...)
	frame = append(frame, '\n')
	frame = append(frame, DataPrefix...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}

// ErrorEvent formats the in-band error frame sent when a stream fails
// after bytes have already gone out.
func ErrorEvent(errType, message string) []byte {
	return Event(types.EventError, types.ErrorEvent{
		Type:  types.EventError,
		Error: types.ErrorDetail{Type: errType, Message: message},
	})
}

// IsErrorEvent reports whether the frame declares the "error" event type.
func IsErrorEvent(frame []byte) bool {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, eventLine) {
			name := bytes.TrimSpace(line[len(eventLine):])
			return bytes.Equal(name, []byte(types.EventError))
		}
	}
	return false
}

// ParseErrorEvent extracts the error detail carried by an error frame.
// ok is false when the frame is not an error event or its payload does
// not parse.
func ParseErrorEvent(frame []byte) (errType, message string, ok bool) {
	if !IsErrorEvent(frame) {
		return "", "", false
	}
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		var ev types.ErrorEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			continue
		}
		return ev.Error.Type, ev.Error.Message, true
	}
	return "", "", false
}
