package streaming

import (
	"fmt"
	"net/http"
)

// Writer flushes SSE frames to a client as they arrive. Construction
// fails when the ResponseWriter cannot flush, which would buffer the
// whole stream.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps a client ResponseWriter for frame writing.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteHead sets the SSE response headers and commits the status code.
// Per-request headers must be set before calling it.
func (w *Writer) WriteHead(status int) {
	h := w.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.w.WriteHeader(status)
	w.flusher.Flush()
}

// WriteFrame writes one frame and flushes it to the client.
func (w *Writer) WriteFrame(frame []byte) error {
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
