package streaming

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

// EventScanner splits a raw SSE stream into whole frames. Frames are
// normalized to \n line endings with a terminating blank line so they can
// be replayed to late subscribers byte for byte.
type EventScanner struct {
	sc  *bufio.Scanner
	buf *[]byte
}

// NewEventScanner wraps an upstream body for frame-at-a-time reading.
func NewEventScanner(r io.Reader) *EventScanner {
	sc := bufio.NewScanner(r)
	buf := getBuffer()
	sc.Buffer(*buf, MaxLineSize)
	return &EventScanner{sc: sc, buf: buf}
}

// Next returns the next frame. It returns io.EOF when the stream ends
// cleanly and the underlying read error otherwise. A partial frame at
// stream end is returned before the final io.EOF.
func (s *EventScanner) Next() ([]byte, error) {
	var frame []byte
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			if len(frame) > 0 {
				return append(frame, '\n'), nil
			}
			continue
		}
		frame = append(frame, line...)
		frame = append(frame, '\n')
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	if len(frame) > 0 {
		return append(frame, '\n'), nil
	}
	return nil, io.EOF
}

// Release returns the read buffer to the pool. The scanner must not be
// used afterwards.
func (s *EventScanner) Release() {
	if s.buf != nil {
		putBuffer(s.buf)
		s.buf = nil
	}
}

// ChunkScanner reads an OpenAI SSE stream and yields parsed chunks.
// Event lines, comments, and unparseable payloads are skipped; the
// [DONE] marker and a clean stream end both surface as io.EOF.
type ChunkScanner struct {
	sc     *bufio.Scanner
	buf    *[]byte
	logger *slog.Logger
	done   bool
}

// NewChunkScanner wraps an upstream body for chunk-at-a-time reading.
func NewChunkScanner(r io.Reader, logger *slog.Logger) *ChunkScanner {
	if logger == nil {
		logger = slog.Default()
	}
	sc := bufio.NewScanner(r)
	buf := getBuffer()
	sc.Buffer(*buf, MaxLineSize)
	return &ChunkScanner{sc: sc, buf: buf, logger: logger}
}

// Next returns the next parsed chunk, io.EOF on clean stream end, or the
// underlying read error on an abrupt close.
func (s *ChunkScanner) Next() (*types.ChatStreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for s.sc.Scan() {
		line := bytes.TrimSpace(s.sc.Bytes())
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			s.done = true
			return nil, io.EOF
		}
		var chunk types.ChatStreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			s.logger.Warn("skipping unparseable stream chunk", "error", err)
			continue
		}
		return &chunk, nil
	}
	s.done = true
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Release returns the read buffer to the pool. The scanner must not be
// used afterwards.
func (s *ChunkScanner) Release() {
	if s.buf != nil {
		putBuffer(s.buf)
		s.buf = nil
	}
}
